// Package scheduler implements the block-request scheduler: a pure
// function of engine state that selects (block, peer) pairs to request on
// a given tick, bounded by per-peer pipeline depth and global block
// uniqueness.
package scheduler

import (
	"math/rand"
	"net/netip"

	"github.com/mrook/burrow/internal/bitfield"
)

// BlockInfo identifies a block's position without its payload.
type BlockInfo struct {
	Piece  int
	Offset int
	Length int
}

// Assignment is one (block, peer) pair the scheduler wants requested.
type Assignment struct {
	Block BlockInfo
	Peer  netip.AddrPort
}

// PeerView is the read-only slice of per-peer state the scheduler needs.
type PeerView struct {
	Addr     netip.AddrPort
	Choked   bool
	Bitfield bitfield.Bitfield
}

// UnfilledSource supplies a piece's currently unfilled block ranges, in
// piece-ascending, range-ascending order, as (offset, length) pairs.
type UnfilledSource interface {
	UnfilledRanges(piece int) [][2]int
}

// Pick selects the blocks to request this tick: peers are visited in
// random order; for
// each unchoked peer, owned pieces are walked in ascending order and their
// unfilled block ranges are offered, skipping anything already
// outstanding (to any peer) or already picked this pass, until the peer's
// pipeline depth is reached.
//
// outstanding is the set of blocks already in the outstanding-request
// table. outstandingPerPeer is each peer's current outstanding count;
// pipelineDepth bounds outstanding-plus-newly-issued per peer.
func Pick(
	peers []PeerView,
	store UnfilledSource,
	outstanding map[BlockInfo]struct{},
	outstandingPerPeer map[netip.AddrPort]int,
	pipelineDepth int,
	rng *rand.Rand,
) []Assignment {
	order := make([]int, len(peers))
	for i := range order {
		order[i] = i
	}
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	pickedThisPass := make(map[BlockInfo]struct{})
	var out []Assignment

	for _, idx := range order {
		p := peers[idx]
		if p.Choked {
			continue
		}

		count := outstandingPerPeer[p.Addr]
		if count >= pipelineDepth {
			continue
		}

		for piece := 0; piece < p.Bitfield.Len() && count < pipelineDepth; piece++ {
			if !p.Bitfield.Has(piece) {
				continue
			}

			for _, r := range store.UnfilledRanges(piece) {
				if count >= pipelineDepth {
					break
				}

				info := BlockInfo{Piece: piece, Offset: r[0], Length: r[1]}
				if _, busy := outstanding[info]; busy {
					continue
				}
				if _, busy := pickedThisPass[info]; busy {
					continue
				}

				out = append(out, Assignment{Block: info, Peer: p.Addr})
				pickedThisPass[info] = struct{}{}
				count++
			}
		}
	}

	return out
}
