package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestKeepAliveFrame(t *testing.T) {
	var m *Message

	b, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if !bytes.Equal(b, []byte{0, 0, 0, 0}) {
		t.Fatalf("keep-alive frame = %v, want 4 zero bytes", b)
	}

	got, err := ReadMessage(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !IsKeepAlive(got) {
		t.Fatalf("ReadMessage(keep-alive) = %+v, want nil", got)
	}
}

func TestConstructorWireShapes(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		want []byte
	}{
		{"choke", MessageChoke(), []byte{0, 0, 0, 1, 0}},
		{"unchoke", MessageUnchoke(), []byte{0, 0, 0, 1, 1}},
		{"interested", MessageInterested(), []byte{0, 0, 0, 1, 2}},
		{"not-interested", MessageNotInterested(), []byte{0, 0, 0, 1, 3}},
		{"have", MessageHave(9), []byte{0, 0, 0, 5, 4, 0, 0, 0, 9}},
		{"bitfield", MessageBitfield([]byte{0xC0}), []byte{0, 0, 0, 2, 5, 0xC0}},
		{
			"request", MessageRequest(1, 2, 3),
			[]byte{0, 0, 0, 13, 6, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3},
		},
		{
			"piece", MessagePiece(1, 2, []byte{0xAB}),
			[]byte{0, 0, 0, 10, 7, 0, 0, 0, 1, 0, 0, 0, 2, 0xAB},
		},
		{
			"cancel", MessageCancel(1, 2, 3),
			[]byte{0, 0, 0, 13, 8, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.msg.MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary: %v", err)
			}
			if !bytes.Equal(got, tc.want) {
				t.Fatalf("wire bytes = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestWireRoundTrip(t *testing.T) {
	msgs := []*Message{
		MessageChoke(),
		MessageUnchoke(),
		MessageInterested(),
		MessageNotInterested(),
		MessageHave(42),
		MessageBitfield([]byte{0xAA, 0x55}),
		MessageRequest(7, 16384, 16384),
		MessagePiece(3, 32, []byte("data block")),
		MessageCancel(7, 16384, 16384),
	}

	var buf bytes.Buffer
	for _, m := range msgs {
		if err := WriteMessage(&buf, m); err != nil {
			t.Fatalf("WriteMessage(%s): %v", m.ID, err)
		}
	}

	for _, want := range msgs {
		got, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("ReadMessage (expecting %s): %v", want.ID, err)
		}
		if got == nil || got.ID != want.ID || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("round-trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestParsers(t *testing.T) {
	if idx, ok := MessageHave(42).ParseHave(); !ok || idx != 42 {
		t.Fatalf("ParseHave = (%d,%v), want (42,true)", idx, ok)
	}

	i, b, l, ok := MessageRequest(7, 16, 16384).ParseRequest()
	if !ok || i != 7 || b != 16 || l != 16384 {
		t.Fatalf("ParseRequest = (%d,%d,%d,%v)", i, b, l, ok)
	}

	block := []byte("data block")
	pi, pb, blk, ok := MessagePiece(3, 32, block).ParsePiece()
	if !ok || pi != 3 || pb != 32 || !bytes.Equal(blk, block) {
		t.Fatalf("ParsePiece = (%d,%d,%v,%v)", pi, pb, blk, ok)
	}

	// Wrong-id and wrong-size payloads must not parse.
	if _, ok := MessageRequest(1, 2, 3).ParseHave(); ok {
		t.Fatalf("ParseHave accepted a Request message")
	}
	if _, _, _, ok := (&Message{ID: Request, Payload: []byte{1, 2}}).ParseRequest(); ok {
		t.Fatalf("ParseRequest accepted a 2-byte payload")
	}
}

func TestBitfieldConstructorCopiesInput(t *testing.T) {
	bits := []byte{0xAA, 0x55}
	m := MessageBitfield(bits)
	bits[0] = 0

	if m.Payload[0] != 0xAA {
		t.Fatalf("MessageBitfield aliased its input: %v", m.Payload)
	}
}

func TestValidatePayloadSize(t *testing.T) {
	bad := []*Message{
		{ID: Have, Payload: []byte{}},
		{ID: Have, Payload: make([]byte, 5)},
		{ID: Request, Payload: make([]byte, 10)},
		{ID: Cancel, Payload: make([]byte, 3)},
		{ID: Piece, Payload: make([]byte, 7)},
		{ID: Choke, Payload: []byte{1}},
	}
	for _, m := range bad {
		if err := m.ValidatePayloadSize(); !errors.Is(err, ErrBadPayloadSize) {
			t.Fatalf("want ErrBadPayloadSize for %+v, got %v", m, err)
		}
	}

	good := []*Message{
		nil,
		MessageChoke(),
		MessageHave(1),
		MessageBitfield(nil),
		MessagePiece(0, 0, nil),
	}
	for _, m := range good {
		if err := m.ValidatePayloadSize(); err != nil {
			t.Fatalf("unexpected error for %+v: %v", m, err)
		}
	}
}

func TestChokeNotMistakenForKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, MessageChoke()); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	m, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if IsKeepAlive(m) || m.ID != Choke {
		t.Fatalf("got %+v, want a Choke message", m)
	}
}

func TestReadMessageRejectsUnknownID(t *testing.T) {
	frame := []byte{0, 0, 0, 1, 99}
	if _, err := ReadMessage(bytes.NewReader(frame)); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("want ErrUnknownMessage, got %v", err)
	}
}

func TestReadMessageRejectsTruncatedBody(t *testing.T) {
	// Prefix promises 5 body bytes; only 3 follow.
	frame := []byte{0, 0, 0, 5, byte(Have), 0, 0}
	if _, err := ReadMessage(bytes.NewReader(frame)); !errors.Is(err, ErrShortMessage) {
		t.Fatalf("want ErrShortMessage, got %v", err)
	}
}

func TestUnmarshalBinaryTooShort(t *testing.T) {
	var m Message
	if err := m.UnmarshalBinary([]byte{0, 0}); !errors.Is(err, ErrShortMessage) {
		t.Fatalf("want ErrShortMessage, got %v", err)
	}
}
