// Package metainfo parses single-file torrent descriptors: a bencoded
// dictionary carrying the announce URL, piece layout, digest list, and
// file identity, as consumed per the metainfo boundary.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"github.com/mrook/burrow/internal/bencode"
	"github.com/mrook/burrow/internal/cast"
)

// Metainfo is the parsed form of a .torrent file.
type Metainfo struct {
	Info         *Info
	Announce     string
	AnnounceList [][]string
	CreationDate time.Time
	CreatedBy    string
	Comment      string
	Encoding     string
	InfoHash     [sha1.Size]byte
}

// Info is the single-file 'info' dictionary: name, nominal piece length,
// concatenated piece digests, and the total byte length.
type Info struct {
	Name        string
	PieceLength int32
	Pieces      [][sha1.Size]byte
	Private     bool
	Length      int64
}

var (
	ErrTopLevelNotDict      = errors.New("metainfo: top-level is not a dict")
	ErrAnnounceMissing      = errors.New("metainfo: both announce and announce-list missing")
	ErrInfoMissing          = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict          = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing          = errors.New("metainfo: 'info' name missing")
	ErrPieceLenMissing      = errors.New("metainfo: 'info' piece length missing")
	ErrPieceLenNonPositive  = errors.New("metainfo: 'info' piece length must be > 0")
	ErrPiecesMissing        = errors.New("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid     = errors.New("metainfo: 'info' pieces length not multiple of 20")
	ErrMultiFileUnsupported = errors.New("metainfo: multi-file torrents are not supported")
	ErrCreationDateInvalid  = errors.New("metainfo: invalid creation date")
)

// Size returns the torrent's total byte length.
func (m *Metainfo) Size() int64 { return m.Info.Length }

// dict wraps a decoded bencode dictionary with typed field accessors, so
// the field-by-field validation below reads as a flat sequence instead of
// repeated assert-and-check blocks. ok reports presence; err reports a
// present field of the wrong type.
type dict map[string]any

func (d dict) str(key string) (val string, ok bool, err error) {
	v, present := d[key]
	if !present {
		return "", false, nil
	}
	s, err := cast.ToString(v)
	if err != nil {
		return "", true, fmt.Errorf("metainfo: %q: %w", key, err)
	}
	return s, true, nil
}

func (d dict) integer(key string) (val int64, ok bool, err error) {
	v, present := d[key]
	if !present {
		return 0, false, nil
	}
	n, err := cast.ToInt(v)
	if err != nil {
		return 0, true, fmt.Errorf("metainfo: %q: %w", key, err)
	}
	return n, true, nil
}

// Parse decodes a bencoded metainfo descriptor.
func Parse(data []byte) (*Metainfo, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	m := &Metainfo{}
	if err := m.parseOuter(dict(root)); err != nil {
		return nil, err
	}

	infoRaw, present := root["info"]
	if !present {
		return nil, ErrInfoMissing
	}
	infoDict, ok := infoRaw.(map[string]any)
	if !ok {
		return nil, ErrInfoNotDict
	}

	if m.Info, err = parseInfo(dict(infoDict)); err != nil {
		return nil, err
	}

	hashed, err := bencode.Marshal(infoDict)
	if err != nil {
		return nil, fmt.Errorf("metainfo: info hash: %w", err)
	}
	m.InfoHash = sha1.Sum(hashed)

	return m, nil
}

// parseOuter fills every field living outside the info dictionary.
func (m *Metainfo) parseOuter(root dict) error {
	announce, _, err := root.str("announce")
	if err != nil {
		return err
	}
	tiers, err := parseAnnounceList(root["announce-list"])
	if err != nil {
		return err
	}
	if announce == "" && len(tiers) == 0 {
		return ErrAnnounceMissing
	}
	m.Announce = announce
	m.AnnounceList = tiers

	if secs, ok, err := root.integer("creation date"); ok {
		if err != nil || secs < 0 {
			return ErrCreationDateInvalid
		}
		m.CreationDate = time.Unix(secs, 0).UTC()
	}

	for _, f := range []struct {
		key string
		dst *string
	}{
		{"created by", &m.CreatedBy},
		{"comment", &m.Comment},
		{"encoding", &m.Encoding},
	} {
		s, _, err := root.str(f.key)
		if err != nil {
			return err
		}
		*f.dst = s
	}
	return nil
}

func parseInfo(d dict) (*Info, error) {
	if _, multi := d["files"]; multi {
		return nil, ErrMultiFileUnsupported
	}

	var out Info

	name, ok, err := d.str("name")
	switch {
	case !ok:
		return nil, ErrNameMissing
	case err != nil || name == "":
		return nil, fmt.Errorf("metainfo: invalid 'name'")
	}
	out.Name = name

	plen, ok, err := d.integer("piece length")
	switch {
	case !ok:
		return nil, ErrPieceLenMissing
	case err != nil || plen <= 0:
		return nil, ErrPieceLenNonPositive
	}
	out.PieceLength = int32(plen)

	if out.Pieces, err = splitDigests(d["pieces"]); err != nil {
		return nil, err
	}

	if priv, ok, err := d.integer("private"); ok {
		if err != nil || (priv != 0 && priv != 1) {
			return nil, fmt.Errorf("metainfo: invalid 'private' flag")
		}
		out.Private = priv == 1
	}

	length, ok, err := d.integer("length")
	switch {
	case !ok:
		return nil, fmt.Errorf("metainfo: single-file torrent missing 'length'")
	case err != nil || length < 0:
		return nil, fmt.Errorf("metainfo: invalid 'length'")
	}
	out.Length = length

	return &out, nil
}

// parseAnnounceList normalizes the BEP 12 announce-list shape, dropping
// empty tiers.
func parseAnnounceList(v any) ([][]string, error) {
	if v == nil {
		return nil, nil
	}
	rawTiers, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("metainfo: invalid announce-list: expected list, got %T", v)
	}

	var out [][]string
	for i, raw := range rawTiers {
		tier, err := cast.ToStringSlice(raw)
		if err != nil {
			return nil, fmt.Errorf("metainfo: invalid announce-list: tier %d: %w", i, err)
		}
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}
	return out, nil
}

// splitDigests chunks the concatenated "pieces" blob into 20-byte SHA-1
// digests.
func splitDigests(v any) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}
	blob, err := cast.ToBytes(v)
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'pieces': %w", err)
	}
	if len(blob)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}

	out := make([][sha1.Size]byte, 0, len(blob)/sha1.Size)
	for len(blob) > 0 {
		out = append(out, [sha1.Size]byte(blob[:sha1.Size]))
		blob = blob[sha1.Size:]
	}
	return out, nil
}
