// Package store implements the File/Piece store: the single place that maps
// an in-progress download onto backing storage, tracks each piece's
// unfilled block ranges, verifies completed pieces against their SHA-1
// digests, and exposes a bitfield of what has been verified so far.
package store

import (
	"crypto/sha1"
	"fmt"
	"os"
	"sync"

	"github.com/mrook/burrow/internal/bitfield"
)

// BlockSize is the unit of network request/response; every block is this
// size except possibly the final block of the final piece.
const BlockSize = 16 * 1024

// readChunk is the buffer size used when re-reading a completed piece for
// hash verification.
const readChunk = 4 * 1024

// byteRange is a half-open [Start, End) span of bytes within a piece.
type byteRange struct {
	Start int
	End   int
}

func (r byteRange) Len() int { return r.End - r.Start }

// piece is the descriptor for a single fixed-size region of the logical
// file plus the mutable bookkeeping needed to assemble and verify it.
type piece struct {
	index    int
	offset   int64
	length   int
	digest   [sha1.Size]byte
	blocks   []byteRange
	unfilled []byteRange
}

func newPiece(index int, offset int64, length int, digest [sha1.Size]byte) *piece {
	p := &piece{index: index, offset: offset, length: length, digest: digest}
	p.blocks = partitionBlocks(length)
	p.unfilled = append([]byteRange(nil), p.blocks...)
	return p
}

func partitionBlocks(length int) []byteRange {
	var out []byteRange
	for start := 0; start < length; start += BlockSize {
		end := start + BlockSize
		if end > length {
			end = length
		}
		out = append(out, byteRange{Start: start, End: end})
	}
	return out
}

func (p *piece) complete() bool { return len(p.unfilled) == 0 }

// removeUnfilled deletes the unfilled range whose bounds exactly match
// [start, end), returning true if found.
func (p *piece) removeUnfilled(start, end int) bool {
	for i, r := range p.unfilled {
		if r.Start == start && r.End == end {
			p.unfilled = append(p.unfilled[:i], p.unfilled[i+1:]...)
			return true
		}
	}
	return false
}

func (p *piece) restoreUnfilled() {
	p.unfilled = append([]byteRange(nil), p.blocks...)
}

// Store is the File/Piece store: a single contiguous,
// pre-sized on-disk file, the piece descriptor sequence, a verified-piece
// bitfield, and a running verified-byte count.
type Store struct {
	mu sync.Mutex

	f           *os.File
	totalLength int64
	pieceLength int32
	pieces      []*piece
	bits        bitfield.Bitfield
	verified    int64
}

// Open creates (or truncates) the backing file at path, pre-sizing it to
// totalLength, and builds the piece descriptor sequence from digests and
// the nominal pieceLength. The last piece's length is whatever remains.
func Open(path string, digests [][sha1.Size]byte, pieceLength int32, totalLength int64) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := f.Truncate(totalLength); err != nil {
		f.Close()
		return nil, fmt.Errorf("store: truncate %s: %w", path, err)
	}

	s := &Store{
		f:           f,
		totalLength: totalLength,
		pieceLength: pieceLength,
		bits:        bitfield.New(len(digests)),
	}

	var offset int64
	for i, digest := range digests {
		length := int(pieceLength)
		if i == len(digests)-1 {
			length = int(totalLength - offset)
		}
		s.pieces = append(s.pieces, newPiece(i, offset, length, digest))
		offset += int64(length)
	}

	return s, nil
}

// OpenSeed opens path like Open, but marks every piece complete and
// verified without re-hashing: the caller asserts the file's contents are
// already authentic (e.g. a pre-existing, fully downloaded file offered for
// seeding).
func OpenSeed(path string, digests [][sha1.Size]byte, pieceLength int32, totalLength int64) (*Store, error) {
	s, err := Open(path, digests, pieceLength, totalLength)
	if err != nil {
		return nil, err
	}

	for _, p := range s.pieces {
		p.unfilled = nil
		s.bits.Set(p.index)
		s.verified += int64(p.length)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.f.Close()
}

// ErrPieceOutOfRange is returned when a caller names a piece index that
// doesn't exist in the descriptor.
var ErrPieceOutOfRange = fmt.Errorf("store: piece index out of range")

// ProcessBlock writes one received block, returning (pieceComplete, err).
// A duplicate or misaligned block is accepted silently (pieceComplete is
// false, err is nil).
func (s *Store) ProcessBlock(pieceIdx, offset int, data []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pieceIdx < 0 || pieceIdx >= len(s.pieces) {
		return false, ErrPieceOutOfRange
	}
	p := s.pieces[pieceIdx]

	if p.complete() {
		return false, nil
	}

	end := offset + len(data)
	if !p.removeUnfilled(offset, end) {
		return false, nil
	}

	if _, err := s.f.WriteAt(data, p.offset+int64(offset)); err != nil {
		return false, fmt.Errorf("store: write piece %d: %w", pieceIdx, err)
	}

	if !p.complete() {
		return false, nil
	}

	ok, err := s.verifyPiece(p)
	if err != nil {
		return false, fmt.Errorf("store: verify piece %d: %w", pieceIdx, err)
	}
	if !ok {
		p.restoreUnfilled()
		return false, nil
	}

	s.bits.Set(pieceIdx)
	s.verified += int64(p.length)
	return true, nil
}

// verifyPiece reads the piece's bytes back from disk in small chunks and
// compares their SHA-1 against the declared digest.
func (s *Store) verifyPiece(p *piece) (bool, error) {
	h := sha1.New()
	buf := make([]byte, readChunk)

	remaining := p.length
	pos := p.offset
	for remaining > 0 {
		n := len(buf)
		if n > remaining {
			n = remaining
		}
		if _, err := s.f.ReadAt(buf[:n], pos); err != nil {
			return false, err
		}
		h.Write(buf[:n])
		pos += int64(n)
		remaining -= n
	}

	var sum [sha1.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum == p.digest, nil
}

// ErrNotComplete is returned by GetBlock when the requested piece has not
// been fully verified yet.
var ErrNotComplete = fmt.Errorf("store: piece not complete")

// ErrRangeOutOfBounds is returned by GetBlock when the requested range
// falls outside the piece's length.
var ErrRangeOutOfBounds = fmt.Errorf("store: range out of bounds")

// GetBlock implements get_block: it succeeds only if the piece is complete
// and the requested range lies within the piece's length.
func (s *Store) GetBlock(pieceIdx, offset, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pieceIdx < 0 || pieceIdx >= len(s.pieces) {
		return nil, ErrPieceOutOfRange
	}
	p := s.pieces[pieceIdx]
	if !p.complete() {
		return nil, ErrNotComplete
	}
	if offset < 0 || offset+length > p.length {
		return nil, ErrRangeOutOfBounds
	}

	buf := make([]byte, length)
	if _, err := s.f.ReadAt(buf, p.offset+int64(offset)); err != nil {
		return nil, fmt.Errorf("store: read piece %d: %w", pieceIdx, err)
	}
	return buf, nil
}

// Bitfield returns the packed, MSB-first bitfield of verified pieces.
func (s *Store) Bitfield() bitfield.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bits.Bytes()
}

// Left returns total bytes minus verified bytes.
func (s *Store) Left() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalLength - s.verified
}

// PieceIsComplete reports whether piece i's bit is set.
func (s *Store) PieceIsComplete(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.pieces) {
		return false
	}
	return s.bits.Has(i)
}

// NumPieces returns the number of pieces in the descriptor.
func (s *Store) NumPieces() int {
	return len(s.pieces)
}

// PieceLength returns piece i's actual length (the nominal piece length,
// except possibly the last piece).
func (s *Store) PieceLength(i int) int {
	if i < 0 || i >= len(s.pieces) {
		return 0
	}
	return s.pieces[i].length
}

// UnfilledRanges returns a copy of piece i's currently unfilled block
// sub-ranges, in ascending order, each as (offset, length).
func (s *Store) UnfilledRanges(i int) [][2]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || i >= len(s.pieces) {
		return nil
	}

	p := s.pieces[i]
	out := make([][2]int, 0, len(p.unfilled))
	for _, r := range p.unfilled {
		out = append(out, [2]int{r.Start, r.Len()})
	}
	return out
}
