package protocol

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"io"
	"strings"
	"testing"
)

func hash20(s string) [sha1.Size]byte {
	var a [sha1.Size]byte
	copy(a[:], s)
	return a
}

var (
	testInfoHash = hash20("info_hash_1234567890")
	testPeerID   = hash20("peer_id_1234567890_")
)

func TestHandshakeRoundTrip(t *testing.T) {
	h := NewHandshake(testInfoHash, testPeerID)

	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	if got, want := int(b[0]), len(standardProtocol); got != want {
		t.Fatalf("length prefix = %d, want %d", got, want)
	}
	if got := string(b[1 : 1+len(standardProtocol)]); got != standardProtocol {
		t.Fatalf("protocol name = %q, want %q", got, standardProtocol)
	}
	reserved := b[1+len(standardProtocol) : 1+len(standardProtocol)+reservedLen]
	for _, c := range reserved {
		if c != 0 {
			t.Fatalf("reserved bytes not zeroed: %v", reserved)
		}
	}

	var got Handshake
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got.Protocol != standardProtocol {
		t.Fatalf("Protocol = %q, want %q", got.Protocol, standardProtocol)
	}
	if got.InfoHash != testInfoHash {
		t.Fatalf("InfoHash mismatch: got %x want %x", got.InfoHash, testInfoHash)
	}
	if got.PeerID != testPeerID {
		t.Fatalf("PeerID mismatch: got %x want %x", got.PeerID, testPeerID)
	}
	if got.Reserved != ([reservedLen]byte{}) {
		t.Fatalf("Reserved not zero: %v", got.Reserved)
	}
}

func TestHandshakeMarshalRejectsBadProtocolLen(t *testing.T) {
	cases := []struct {
		name     string
		protocol string
	}{
		{"empty", ""},
		{"too-long", strings.Repeat("x", 256)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := &Handshake{Protocol: tc.protocol, InfoHash: testInfoHash, PeerID: testPeerID}
			if _, err := h.MarshalBinary(); !errors.Is(err, ErrBadPstrlen) {
				t.Fatalf("want ErrBadPstrlen, got %v", err)
			}
		})
	}
}

func TestHandshakeUnmarshalShortInput(t *testing.T) {
	var h Handshake

	if err := h.UnmarshalBinary(nil); !errors.Is(err, ErrShortHandshake) {
		t.Fatalf("empty input: want ErrShortHandshake, got %v", err)
	}

	// Length prefix present, body absent.
	if err := h.UnmarshalBinary([]byte{19}); !errors.Is(err, ErrShortHandshake) {
		t.Fatalf("truncated body: want ErrShortHandshake, got %v", err)
	}
}

func TestHandshakeReadFromRejectsBadLength(t *testing.T) {
	var h Handshake

	n, err := h.ReadFrom(bytes.NewReader([]byte{0}))
	if !errors.Is(err, ErrBadPstrlen) || n != 1 {
		t.Fatalf("want (1, ErrBadPstrlen), got (%d, %v)", n, err)
	}

	_, err = h.ReadFrom(bytes.NewReader([]byte{1, 'A'}))
	if !errors.Is(err, ErrShortHandshake) {
		t.Fatalf("want ErrShortHandshake, got %v", err)
	}
}

func TestWriteHandshakeReadHandshakeWrappers(t *testing.T) {
	h := NewHandshake(testInfoHash, testPeerID)

	var buf bytes.Buffer
	if err := WriteHandshake(&buf, *h); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}

	got, err := ReadHandshake(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if got.Protocol != standardProtocol || got.InfoHash != testInfoHash || got.PeerID != testPeerID {
		t.Fatalf("handshake mismatch: %+v", got)
	}
}

// loopback pairs a fixed reader with a capturing writer, standing in for a
// net.Conn in Exchange tests.
type loopback struct {
	io.Reader
	io.Writer
}

func remoteBytes(t *testing.T, h *Handshake) []byte {
	t.Helper()
	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary remote: %v", err)
	}
	return b
}

func TestExchangeSucceeds(t *testing.T) {
	local := NewHandshake(testInfoHash, hash20("local_peer_id________"))
	remote := &Handshake{Protocol: standardProtocol, InfoHash: testInfoHash, PeerID: hash20("remote_peer_id_______")}

	var written bytes.Buffer
	conn := &loopback{Reader: bytes.NewReader(remoteBytes(t, remote)), Writer: &written}

	got, err := local.Exchange(conn, true)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}

	wantWritten, _ := local.MarshalBinary()
	if !bytes.Equal(written.Bytes(), wantWritten) {
		t.Fatalf("what we wrote does not match our own handshake")
	}
	if got.Protocol != standardProtocol || got.InfoHash != testInfoHash || got.PeerID != remote.PeerID {
		t.Fatalf("remote mismatch: %+v", got)
	}
}

func TestExchangeProtocolMismatch(t *testing.T) {
	local := NewHandshake(testInfoHash, hash20("local_peer_id________"))
	remote := &Handshake{Protocol: "OtherProto", InfoHash: testInfoHash, PeerID: hash20("peer_________________")}
	conn := &loopback{Reader: bytes.NewReader(remoteBytes(t, remote)), Writer: &bytes.Buffer{}}

	if _, err := local.Exchange(conn, true); !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("want ErrProtocolMismatch, got %v", err)
	}
}

func TestExchangeInfoHashMismatch(t *testing.T) {
	local := NewHandshake(testInfoHash, hash20("local_peer_id________"))
	remote := &Handshake{
		Protocol: standardProtocol,
		InfoHash: hash20("a_totally_different_hash"),
		PeerID:   hash20("peer_________________"),
	}
	conn := &loopback{Reader: bytes.NewReader(remoteBytes(t, remote)), Writer: &bytes.Buffer{}}

	if _, err := local.Exchange(conn, true); !errors.Is(err, ErrInfoHashMismatch) {
		t.Fatalf("want ErrInfoHashMismatch, got %v", err)
	}
}
