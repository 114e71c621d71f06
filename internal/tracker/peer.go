package tracker

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// BEP 3 lets a tracker answer with peers either "compact" (a packed byte
// string, stride bytes per peer) or as a list of per-peer dicts; this file
// normalizes both into []netip.AddrPort.
const (
	ipv4Len = 4
	ipv6Len = 16
	portLen = 2
)

func compactStride(ipv6 bool) int {
	if ipv6 {
		return ipv6Len + portLen
	}
	return ipv4Len + portLen
}

// parsePeers collects the "peers" and "peers6" fields of an announce
// response dict into one address list.
func parsePeers(d map[string]any) ([]netip.AddrPort, error) {
	var out []netip.AddrPort

	if v, ok := d["peers"]; ok {
		ps, err := decodePeers(v, false)
		if err != nil {
			return nil, err
		}
		out = append(out, ps...)
	}

	if v6, ok := d["peers6"]; ok {
		ps, err := decodePeers(v6, true)
		if err != nil {
			return nil, err
		}
		out = append(out, ps...)
	}

	return out, nil
}

// decodePeers normalizes a tracker response's "peers" (or "peers6") field.
func decodePeers(v any, ipv6 bool) ([]netip.AddrPort, error) {
	switch t := v.(type) {
	case string:
		return decodeCompactPeers([]byte(t), ipv6)
	case []byte:
		return decodeCompactPeers(t, ipv6)
	case []any:
		return decodeNonCompactPeers(t)
	default:
		return nil, fmt.Errorf("tracker: peers field has unexpected type %T", v)
	}
}

// decodeCompactPeers splits data into fixed-width chunks and decodes each.
func decodeCompactPeers(data []byte, ipv6 bool) ([]netip.AddrPort, error) {
	stride := compactStride(ipv6)
	if len(data)%stride != 0 {
		return nil, fmt.Errorf("tracker: compact peers length %d is not a multiple of %d", len(data), stride)
	}

	out := make([]netip.AddrPort, 0, len(data)/stride)
	for off := 0; off < len(data); off += stride {
		out = append(out, decodeCompactChunk(data[off:off+stride], ipv6))
	}
	return out, nil
}

// decodeCompactChunk reads one stride-sized [ip][port] chunk.
func decodeCompactChunk(chunk []byte, ipv6 bool) netip.AddrPort {
	if ipv6 {
		var b [ipv6Len]byte
		copy(b[:], chunk[:ipv6Len])
		return netip.AddrPortFrom(netip.AddrFrom16(b), binary.BigEndian.Uint16(chunk[ipv6Len:]))
	}

	var b [ipv4Len]byte
	copy(b[:], chunk[:ipv4Len])
	return netip.AddrPortFrom(netip.AddrFrom4(b), binary.BigEndian.Uint16(chunk[ipv4Len:]))
}

// decodeNonCompactPeers decodes BEP 3's non-compact form: one dict per peer.
func decodeNonCompactPeers(list []any) ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(list))
	for i, item := range list {
		addr, err := decodeNonCompactPeer(item)
		if err != nil {
			return nil, fmt.Errorf("tracker: peer %d: %w", i, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func decodeNonCompactPeer(item any) (netip.AddrPort, error) {
	dict, ok := item.(map[string]any)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("not a dict (got %T)", item)
	}

	addr, err := decodePeerAddr(dict["ip"])
	if err != nil {
		return netip.AddrPort{}, err
	}

	port, ok := dict["port"].(int64)
	if !ok || port < 1 || port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("invalid port %v", dict["port"])
	}

	return netip.AddrPortFrom(addr, uint16(port)), nil
}

// decodePeerAddr parses the "ip" field of a non-compact peer dict, which
// trackers render either as a dotted/colon string or as raw address bytes.
func decodePeerAddr(v any) (netip.Addr, error) {
	switch ip := v.(type) {
	case string:
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("bad ip %q: %w", ip, err)
		}
		return addr, nil

	case []byte:
		switch len(ip) {
		case ipv4Len:
			var b [ipv4Len]byte
			copy(b[:], ip)
			return netip.AddrFrom4(b), nil
		case ipv6Len:
			var b [ipv6Len]byte
			copy(b[:], ip)
			return netip.AddrFrom16(b), nil
		default:
			return netip.Addr{}, fmt.Errorf("bad ip byte length %d", len(ip))
		}

	default:
		return netip.Addr{}, fmt.Errorf("unsupported ip type %T", v)
	}
}
