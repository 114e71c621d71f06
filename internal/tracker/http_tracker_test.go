package tracker

import (
	"bytes"
	"testing"
	"time"

	"github.com/mrook/burrow/internal/bencode"
)

func marshalResponse(t *testing.T, dict map[string]any) []byte {
	t.Helper()
	data, err := bencode.Marshal(dict)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return data
}

func TestParseAnnounceResponse(t *testing.T) {
	compact := string([]byte{127, 0, 0, 1, 0x1a, 0xe1})
	data := marshalResponse(t, map[string]any{
		"interval":   int64(1800),
		"complete":   int64(5),
		"incomplete": int64(3),
		"peers":      compact,
	})

	resp, err := parseAnnounceResponse(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("parseAnnounceResponse: %v", err)
	}

	if resp.Interval != 1800*time.Second {
		t.Fatalf("Interval = %s, want 30m", resp.Interval)
	}
	if resp.Seeders != 5 || resp.Leechers != 3 {
		t.Fatalf("seeders/leechers = %d/%d, want 5/3", resp.Seeders, resp.Leechers)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].Port() != 6881 {
		t.Fatalf("peers = %v, want one peer on port 6881", resp.Peers)
	}
}

func TestParseAnnounceResponseFailureReason(t *testing.T) {
	data := marshalResponse(t, map[string]any{
		"failure reason": "torrent not registered",
	})

	if _, err := parseAnnounceResponse(bytes.NewReader(data)); err == nil {
		t.Fatalf("expected error for a failure-reason response")
	}
}

func TestParseAnnounceResponseMissingInterval(t *testing.T) {
	data := marshalResponse(t, map[string]any{
		"peers": "",
	})

	if _, err := parseAnnounceResponse(bytes.NewReader(data)); err == nil {
		t.Fatalf("expected error when interval is absent")
	}
}
