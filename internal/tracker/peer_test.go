package tracker

import (
	"net/netip"
	"testing"
)

func TestDecodeCompactPeers(t *testing.T) {
	data := []byte{
		127, 0, 0, 1, 0x1a, 0xe1, // 127.0.0.1:6881
		10, 0, 0, 2, 0x00, 0x50, // 10.0.0.2:80
	}

	got, err := decodePeers(string(data), false)
	if err != nil {
		t.Fatalf("decodePeers: %v", err)
	}

	want := []netip.AddrPort{
		netip.MustParseAddrPort("127.0.0.1:6881"),
		netip.MustParseAddrPort("10.0.0.2:80"),
	}
	if len(got) != len(want) {
		t.Fatalf("got %d peers, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("peer %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDecodeCompactPeersV6(t *testing.T) {
	data := make([]byte, 18)
	data[15] = 1 // ::1
	data[16] = 0x1a
	data[17] = 0xe1

	got, err := decodePeers(string(data), true)
	if err != nil {
		t.Fatalf("decodePeers: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d peers, want 1", len(got))
	}
	if want := netip.MustParseAddrPort("[::1]:6881"); got[0] != want {
		t.Fatalf("peer = %s, want %s", got[0], want)
	}
}

func TestDecodeCompactPeersRejectsBadLength(t *testing.T) {
	if _, err := decodePeers(string(make([]byte, 7)), false); err == nil {
		t.Fatalf("expected error for length not a multiple of the stride")
	}
}

func TestDecodeNonCompactPeers(t *testing.T) {
	list := []any{
		map[string]any{"ip": "192.168.1.5", "port": int64(51413)},
		map[string]any{"ip": "2001:db8::1", "port": int64(6881)},
	}

	got, err := decodePeers(list, false)
	if err != nil {
		t.Fatalf("decodePeers: %v", err)
	}

	want := []netip.AddrPort{
		netip.MustParseAddrPort("192.168.1.5:51413"),
		netip.MustParseAddrPort("[2001:db8::1]:6881"),
	}
	if len(got) != len(want) {
		t.Fatalf("got %d peers, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("peer %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDecodeNonCompactPeerRejectsBadPort(t *testing.T) {
	list := []any{map[string]any{"ip": "10.0.0.1", "port": int64(0)}}
	if _, err := decodePeers(list, false); err == nil {
		t.Fatalf("expected error for port 0")
	}
}

func TestDecodeNonCompactPeerRawAddressBytes(t *testing.T) {
	list := []any{map[string]any{"ip": []byte{10, 0, 0, 9}, "port": int64(80)}}

	got, err := decodePeers(list, false)
	if err != nil {
		t.Fatalf("decodePeers: %v", err)
	}
	if want := netip.MustParseAddrPort("10.0.0.9:80"); len(got) != 1 || got[0] != want {
		t.Fatalf("got %v, want [%s]", got, want)
	}
}
