package protocol

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageID tags a framed wire message's body.
type MessageID uint8

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

var messageNames = [...]string{
	Choke:         "Choke",
	Unchoke:       "Unchoke",
	Interested:    "Interested",
	NotInterested: "NotInterested",
	Have:          "Have",
	Bitfield:      "Bitfield",
	Request:       "Request",
	Piece:         "Piece",
	Cancel:        "Cancel",
}

func (mid MessageID) String() string {
	if int(mid) < len(messageNames) {
		return messageNames[mid]
	}
	return fmt.Sprintf("Unknown(%d)", mid)
}

// Message is one framed wire message: a 4-byte big-endian length prefix
// covering the id byte plus the payload. A zero length prefix is a
// keep-alive, represented throughout this package as a nil *Message so it
// can never be confused with Choke, whose id is also 0.
type Message struct {
	ID      MessageID
	Payload []byte
}

var (
	ErrShortMessage   = errors.New("protocol: truncated message")
	ErrBadPayloadSize = errors.New("protocol: invalid payload size for message")
	ErrUnknownMessage = errors.New("protocol: unknown message type")
)

var (
	_ encoding.BinaryMarshaler   = (*Message)(nil)
	_ encoding.BinaryUnmarshaler = (*Message)(nil)
	_ io.WriterTo                = (*Message)(nil)
	_ io.ReaderFrom              = (*Message)(nil)
)

// IsKeepAlive reports whether m denotes a keep-alive frame.
func IsKeepAlive(m *Message) bool { return m == nil }

func MessageChoke() *Message         { return &Message{ID: Choke} }
func MessageUnchoke() *Message       { return &Message{ID: Unchoke} }
func MessageInterested() *Message    { return &Message{ID: Interested} }
func MessageNotInterested() *Message { return &Message{ID: NotInterested} }

// u32s packs vals big-endian, back to back.
func u32s(vals ...uint32) []byte {
	out := make([]byte, 0, 4*len(vals))
	for _, v := range vals {
		out = binary.BigEndian.AppendUint32(out, v)
	}
	return out
}

func MessageHave(index uint32) *Message {
	return &Message{ID: Have, Payload: u32s(index)}
}

func MessageBitfield(bits []byte) *Message {
	return &Message{ID: Bitfield, Payload: append([]byte(nil), bits...)}
}

func MessageRequest(index, begin, length uint32) *Message {
	return &Message{ID: Request, Payload: u32s(index, begin, length)}
}

func MessagePiece(index, begin uint32, block []byte) *Message {
	return &Message{ID: Piece, Payload: append(u32s(index, begin), block...)}
}

func MessageCancel(index, begin, length uint32) *Message {
	return &Message{ID: Cancel, Payload: u32s(index, begin, length)}
}

// words splits the payload into 4-byte big-endian values when m carries id
// and exactly n*4 payload bytes.
func (m *Message) words(id MessageID, n int) ([]uint32, bool) {
	if m == nil || m.ID != id || len(m.Payload) != 4*n {
		return nil, false
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(m.Payload[4*i:])
	}
	return out, true
}

// ParseHave returns the piece index carried by a Have message.
func (m *Message) ParseHave() (index uint32, ok bool) {
	w, ok := m.words(Have, 1)
	if !ok {
		return 0, false
	}
	return w[0], true
}

// ParseRequest returns the (index, begin, length) triple of a Request.
func (m *Message) ParseRequest() (index, begin, length uint32, ok bool) {
	w, ok := m.words(Request, 3)
	if !ok {
		return 0, 0, 0, false
	}
	return w[0], w[1], w[2], true
}

// ParsePiece returns a Piece message's position header and its data block.
// The block aliases the payload; callers that retain it past the message's
// lifetime must copy.
func (m *Message) ParsePiece() (index, begin uint32, block []byte, ok bool) {
	if m == nil || m.ID != Piece || len(m.Payload) < 8 {
		return 0, 0, nil, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		m.Payload[8:], true
}

// appendWire appends m's complete frame, length prefix included.
func (m *Message) appendWire(b []byte) []byte {
	if m == nil {
		return binary.BigEndian.AppendUint32(b, 0)
	}
	b = binary.BigEndian.AppendUint32(b, uint32(1+len(m.Payload)))
	b = append(b, byte(m.ID))
	return append(b, m.Payload...)
}

// MarshalBinary renders m's wire frame; for a nil receiver it renders the
// 4-byte keep-alive frame.
func (m *Message) MarshalBinary() ([]byte, error) {
	return m.appendWire(nil), nil
}

// WriteTo writes the frame in a single Write call.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(m.appendWire(nil))
	return int64(n), err
}

// readFrame reads one length-prefixed frame body. A nil body with a nil
// error is a keep-alive.
func readFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		return nil, nil
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortMessage
		}
		return nil, err
	}
	return body, nil
}

// ReadFrom reads one frame into m. A keep-alive zeroes the receiver; use
// ReadMessage when keep-alive must stay distinguishable from Choke.
func (m *Message) ReadFrom(r io.Reader) (int64, error) {
	body, err := readFrame(r)
	if err != nil {
		return 0, err
	}
	if body == nil {
		*m = Message{}
		return 4, nil
	}

	m.ID = MessageID(body[0])
	m.Payload = append(m.Payload[:0], body[1:]...)
	return int64(4 + len(body)), nil
}

// UnmarshalBinary parses one frame from b.
func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return ErrShortMessage
	}
	_, err := m.ReadFrom(bytes.NewReader(b))
	return err
}

// ReadMessage reads and validates one frame from r, returning nil for a
// keep-alive. An unrecognized id or a payload of the wrong shape is a
// protocol violation and reported as an error.
func ReadMessage(r io.Reader) (*Message, error) {
	body, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	m := &Message{ID: MessageID(body[0]), Payload: body[1:]}
	if m.ID > Cancel {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, m.ID)
	}
	if err := m.ValidatePayloadSize(); err != nil {
		return nil, err
	}
	return m, nil
}

// WriteMessage writes m to w; a nil m writes a keep-alive frame.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := m.WriteTo(w)
	return err
}

// exactPayload maps each fixed-shape message id to its required payload
// length. Bitfield and Piece are variable; Piece is validated separately
// against its 8-byte position header.
var exactPayload = map[MessageID]int{
	Choke:         0,
	Unchoke:       0,
	Interested:    0,
	NotInterested: 0,
	Have:          4,
	Request:       12,
	Cancel:        12,
}

// ValidatePayloadSize checks the payload against the shape m.ID requires.
func (m *Message) ValidatePayloadSize() error {
	switch {
	case m == nil:
		return nil
	case m.ID == Piece:
		if len(m.Payload) < 8 {
			return ErrBadPayloadSize
		}
	default:
		if want, ok := exactPayload[m.ID]; ok && len(m.Payload) != want {
			return ErrBadPayloadSize
		}
	}
	return nil
}
