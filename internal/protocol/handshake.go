package protocol

import (
	"bytes"
	"crypto/sha1"
	"encoding"
	"errors"
	"fmt"
	"io"
)

// reservedLen is the width of the handshake's feature-flag field. This
// client never sets any of the bits (no DHT, no Fast Extension, no protocol
// extension) but still round-trips whatever the remote sends there.
const reservedLen = 8

// standardProtocol is the protocol name every compliant peer advertises.
const standardProtocol = "BitTorrent protocol"

// Handshake is the 68-byte greeting exchanged before any framed message:
// a length-prefixed protocol name, reserved flag bytes, the torrent's
// info-hash, and the sender's peer-id.
type Handshake struct {
	Protocol string
	Reserved [reservedLen]byte
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

var (
	ErrBadPstrlen       = errors.New("handshake: protocol name length out of range")
	ErrShortHandshake   = errors.New("handshake: truncated handshake")
	ErrProtocolMismatch = errors.New("handshake: unexpected protocol name")
	ErrInfoHashMismatch = errors.New("handshake: info-hash does not match ours")
)

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
	_ io.WriterTo                = (*Handshake)(nil)
	_ io.ReaderFrom              = (*Handshake)(nil)
)

// NewHandshake builds the handshake this client sends for a given torrent:
// the standard protocol name, zeroed reserved bytes, our info-hash and
// peer-id.
func NewHandshake(infoHash, peerID [sha1.Size]byte) *Handshake {
	return &Handshake{
		Protocol: standardProtocol,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// tailLen is the number of bytes following the protocol name: reserved
// flags, info-hash, and peer-id.
func tailLen() int { return reservedLen + 2*sha1.Size }

// MarshalBinary renders h into its wire bytes.
func (h *Handshake) MarshalBinary() ([]byte, error) {
	if err := validateProtocolLen(len(h.Protocol)); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(1 + len(h.Protocol) + tailLen())
	buf.WriteByte(byte(len(h.Protocol)))
	buf.WriteString(h.Protocol)
	buf.Write(h.Reserved[:])
	buf.Write(h.InfoHash[:])
	buf.Write(h.PeerID[:])

	return buf.Bytes(), nil
}

func validateProtocolLen(n int) error {
	if n == 0 || n > 255 {
		return fmt.Errorf("%w: %d", ErrBadPstrlen, n)
	}
	return nil
}

// UnmarshalBinary parses a handshake from its wire bytes, delegating to the
// same decode path as ReadFrom so the two never drift.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	_, err := h.ReadFrom(bytes.NewReader(b))
	return err
}

// readN reads exactly n bytes from r, translating any premature EOF into
// ErrShortHandshake so callers don't need to know io's EOF vocabulary.
func readN(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHandshake
		}
		return nil, err
	}
	return buf, nil
}

// WriteTo implements io.WriterTo by marshaling h and writing the result.
func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// ReadFrom reads one handshake frame from r. It reads the length prefix
// first so a bad protocol-name length is reported before attempting to read
// a body that may not even be present.
func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	lenByte, err := readN(r, 1)
	if err != nil {
		return 0, err
	}

	pstrlen := int(lenByte[0])
	if err := validateProtocolLen(pstrlen); err != nil {
		return 1, err
	}

	body, err := readN(r, pstrlen+tailLen())
	if err != nil {
		return 1, err
	}

	h.Protocol = string(body[:pstrlen])
	rest := body[pstrlen:]
	copy(h.Reserved[:], rest[:reservedLen])
	copy(h.InfoHash[:], rest[reservedLen:reservedLen+sha1.Size])
	copy(h.PeerID[:], rest[reservedLen+sha1.Size:])

	return int64(1 + len(body)), nil
}

// ReadHandshake reads a full handshake from r and returns it by value.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	_, err := h.ReadFrom(r)
	return h, err
}

// WriteHandshake writes h to w in wire format.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := h.WriteTo(w)
	return err
}

// Exchange sends h over rw and reads back the remote's handshake. When
// verifyInfoHash is true, a mismatched info-hash fails the exchange and
// the caller is expected to drop the connection.
func (h Handshake) Exchange(rw io.ReadWriter, verifyInfoHash bool) (Handshake, error) {
	if _, err := h.WriteTo(rw); err != nil {
		return Handshake{}, fmt.Errorf("handshake: send: %w", err)
	}

	remote, err := ReadHandshake(rw)
	if err != nil {
		return Handshake{}, fmt.Errorf("handshake: receive: %w", err)
	}

	if remote.Protocol != standardProtocol {
		return Handshake{}, ErrProtocolMismatch
	}
	if verifyInfoHash && remote.InfoHash != h.InfoHash {
		return Handshake{}, ErrInfoHashMismatch
	}
	return remote, nil
}
