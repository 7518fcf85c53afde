// Package piecepicker selects which block to request next from which peer.
// Pieces are grouped into priority buckets (0..7, 0 meaning filtered and
// never requested); within a bucket, pieces are ordered rarest-first with
// random tie-breaking. A piece that just failed hash verification enters
// parole, where only a peer that is the sole recorded contributor of its
// blocks may pick it up, so the next verification result is attributable
// to a single source. An end-game pass lets the picker hand out blocks that
// already have an outstanding request once nothing unrequested remains.
package piecepicker

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/coredrop/torrentengine/internal/bitfield"
	"github.com/coredrop/torrentengine/internal/peer"
	"github.com/coredrop/torrentengine/internal/piece"
)

// numPriorities is the number of piece_priority levels: 0 (filtered)
// through 7 (highest).
const numPriorities = 8

// PiecePicker tracks piece availability across connected peers and decides
// which (piece, block) pair a requesting peer should download next.
type PiecePicker struct {
	m sync.Mutex

	pieces []piece.Piece

	// availability[i] counts how many connected peers have piece i.
	availability []int

	sequential bool
	endgame    bool

	// buckets[priority] holds indices of not-have, not-filtered pieces at
	// that priority, ordered rarest-first with random ties.
	buckets [numPriorities][]uint32
	dirty   bool
}

// New creates a picker over pieces. sequential enables in-order downloading
// instead of rarest-first.
func New(pieces []piece.Piece, sequential bool) *PiecePicker {
	return &PiecePicker{
		pieces:       pieces,
		availability: make([]int, len(pieces)),
		sequential:   sequential,
		dirty:        true,
	}
}

// HandleHave is called when a peer announces it has a piece (have/bitfield/
// have-all), bumping the piece's rarity.
func (p *PiecePicker) HandleHave(pe *peer.Peer, index uint32) {
	p.m.Lock()
	defer p.m.Unlock()
	p.pieces[index].PeerCount++
	p.availability[index]++
	p.dirty = true
}

// HandleBitfield registers every piece a peer announces via its bitfield.
func (p *PiecePicker) HandleBitfield(pe *peer.Peer, bf *bitfield.Bitfield) {
	p.m.Lock()
	defer p.m.Unlock()
	for i := uint32(0); i < bf.Len(); i++ {
		if bf.Test(i) {
			p.pieces[i].PeerCount++
			p.availability[i]++
		}
	}
	p.dirty = true
}

// HandleDisconnect undoes the rarity contribution of a peer that left, for
// the pieces set in its announced bitfield; bucket order picks up the new
// counts on the next rebuild. Callers should also call ReleasePeer to free
// any blocks the peer had requested.
func (p *PiecePicker) HandleDisconnect(pe *peer.Peer) {
	p.m.Lock()
	defer p.m.Unlock()
	if pe.Bitfield != nil {
		for i := uint32(0); i < pe.Bitfield.Len() && int(i) < len(p.pieces); i++ {
			if pe.Bitfield.Test(i) && p.availability[i] > 0 {
				p.availability[i]--
				p.pieces[i].PeerCount--
			}
		}
	}
	p.dirty = true
}

// SetPriority assigns a piece's download priority. 0 means filtered: the
// piece is never returned by Pick.
func (p *PiecePicker) SetPriority(index uint32, priority int) {
	if priority < 0 {
		priority = 0
	} else if priority >= numPriorities {
		priority = numPriorities - 1
	}
	p.m.Lock()
	defer p.m.Unlock()
	p.pieces[index].Priority = priority
	p.dirty = true
}

// ReleasePeer reverts every block pe was the requester of back to
// BlockNone. Called once a peer's downloader is torn down, whether from a
// disconnect, a choke, or an invalid reject.
func (p *PiecePicker) ReleasePeer(pe *peer.Peer) {
	p.m.Lock()
	defer p.m.Unlock()
	for i := range p.pieces {
		pc := &p.pieces[i]
		released := false
		for j := range pc.Blocks {
			b := &pc.Blocks[j]
			if b.Requester == pe {
				b.State = piece.BlockNone
				b.Requester = nil
				if b.NumPeers > 0 {
					b.NumPeers--
				}
				released = true
			}
		}
		if released && pc.AllBlocksNone() {
			pc.Downloading = false
			pc.SpeedClass = piece.SpeedNone
		}
	}
}

// PieceFailed reverts a piece whose hash check just failed: every block
// goes back to BlockNone and the piece enters parole. Each block keeps its
// last requester so exclusiveTo can still tell the prior contributor apart.
func (p *PiecePicker) PieceFailed(index uint32) {
	p.m.Lock()
	defer p.m.Unlock()
	pc := &p.pieces[index]
	requesters := make([]interface{}, len(pc.Blocks))
	for i := range pc.Blocks {
		requesters[i] = pc.Blocks[i].Requester
	}
	pc.Reset()
	for i := range pc.Blocks {
		pc.Blocks[i].Requester = requesters[i]
	}
	pc.OnParole = true
	p.dirty = true
}

// DoesHave reports whether peer pe is known to already have the piece,
// used to skip sending it a redundant Have message.
func (p *PiecePicker) DoesHave(pe *peer.Peer, index uint32) bool {
	return pe.Bitfield != nil && pe.Bitfield.Test(index)
}

// WeHave marks a piece fully downloaded and verified.
func (p *PiecePicker) WeHave(index uint32) {
	p.m.Lock()
	defer p.m.Unlock()
	p.pieces[index].Have = true
	p.pieces[index].Downloading = false
	p.pieces[index].OnParole = false
	p.dirty = true
}

func (p *PiecePicker) rebuildLocked() {
	if !p.dirty {
		return
	}
	for i := range p.buckets {
		p.buckets[i] = p.buckets[i][:0]
	}
	for i := range p.pieces {
		pc := &p.pieces[i]
		if pc.Have || pc.Priority == 0 {
			continue
		}
		p.buckets[pc.Priority] = append(p.buckets[pc.Priority], uint32(i))
	}
	for prio := range p.buckets {
		bucket := p.buckets[prio]
		if p.sequential {
			sort.Slice(bucket, func(i, j int) bool { return bucket[i] < bucket[j] })
			continue
		}
		// Shuffle first, then stable-sort by rarity: SliceStable preserves
		// the shuffled relative order among pieces tied on availability, so
		// ties come out randomized rather than always index-ordered.
		rand.Shuffle(len(bucket), func(i, j int) { bucket[i], bucket[j] = bucket[j], bucket[i] })
		sort.SliceStable(bucket, func(i, j int) bool {
			return p.availability[bucket[i]] < p.availability[bucket[j]]
		})
	}
	p.dirty = false
}

// exclusiveTo reports whether every block of pc currently attributed to a
// peer is attributed to pe — i.e. pe is the only contributor so far.
func exclusiveTo(pc *piece.Piece, pe *peer.Peer) bool {
	for i := range pc.Blocks {
		r := pc.Blocks[i].Requester
		if r != nil && r != pe {
			return false
		}
	}
	return true
}

// pickBlockInPiece returns the next requestable block of pc for pe. When
// allowDuplicate is false, only BlockNone blocks are eligible (the normal
// path). When true (end-game), a block already BlockRequested by a
// different peer is eligible too, as a second, racing request.
func pickBlockInPiece(pc *piece.Piece, pe *peer.Peer, speed piece.SpeedClass, allowDuplicate bool) *piece.Block {
	for i := range pc.Blocks {
		b := &pc.Blocks[i]
		switch b.State {
		case piece.BlockFinished:
			continue
		case piece.BlockRequested:
			if !allowDuplicate || b.Requester == pe {
				continue
			}
			b.NumPeers++
			return b
		default: // BlockNone
			b.State = piece.BlockRequested
			b.Requester = pe
			b.NumPeers = 1
			if pc.SpeedClass == piece.SpeedNone {
				pc.SpeedClass = speed
			}
			return b
		}
	}
	return nil
}

// Pick chooses the next (piece, block) to request from peer pe, given the
// peer's announced bitfield (has) and the speed class pe belongs to. A
// piece already being downloaded is only handed to peers of the same speed
// class as its first contributor, so a slow and a fast peer never split
// requests for one piece. Returns ok=false when pe currently has nothing
// requestable.
func (p *PiecePicker) Pick(pe *peer.Peer, has func(index uint32) bool, speed piece.SpeedClass) (pieceIndex uint32, block *piece.Block, ok bool) {
	p.m.Lock()
	defer p.m.Unlock()
	p.rebuildLocked()

	for prio := numPriorities - 1; prio >= 1; prio-- {
		for _, idx := range p.buckets[prio] {
			if !has(idx) {
				continue
			}
			pc := &p.pieces[idx]
			if pc.OnParole && !exclusiveTo(pc, pe) {
				continue
			}
			if pc.Downloading && pc.SpeedClass != piece.SpeedNone && pc.SpeedClass != speed {
				continue
			}
			if b := pickBlockInPiece(pc, pe, speed, false); b != nil {
				pc.Downloading = true
				return idx, b, true
			}
		}
	}

	if p.endgame {
		for prio := numPriorities - 1; prio >= 1; prio-- {
			for _, idx := range p.buckets[prio] {
				if !has(idx) {
					continue
				}
				pc := &p.pieces[idx]
				if b := pickBlockInPiece(pc, pe, speed, true); b != nil {
					return idx, b, true
				}
			}
		}
	}
	return 0, nil, false
}

// SetEndgame toggles end-game mode: once true, Pick may hand out blocks
// that already have an outstanding request from another peer.
func (p *PiecePicker) SetEndgame(v bool) {
	p.m.Lock()
	defer p.m.Unlock()
	p.endgame = v
}

// ShouldEnterEndgame reports whether few enough pieces remain that
// requesting duplicate blocks from multiple peers is worth the waste.
func ShouldEnterEndgame(remaining, total int) bool {
	if total == 0 {
		return false
	}
	return float64(remaining)/float64(total) < 0.02
}
