// Package smartban identifies which single peer out of several
// contributors to a failed piece sent bad data, by re-hashing each
// contributor's claimed blocks with a per-torrent salt and banning whoever
// doesn't match the pieces that verify afterward.
package smartban

import (
	"crypto/sha1"
	"sync"
)

// PeerID identifies a contributor; callers pass whatever comparable value
// they use elsewhere (peer.Peer pointers work fine).
type PeerID interface{}

type blockRecord struct {
	peer PeerID
	hash [20]byte
}

// Banner accumulates per-block contributor hashes for pieces that failed
// verification and exposes which peers should be banned once a retried
// piece verifies.
type Banner struct {
	mu   sync.Mutex
	salt []byte

	// blocks maps (piece, begin) to the contributor recorded for it during
	// the failed attempt, so a later pass can compare.
	blocks map[blockKey]blockRecord
}

type blockKey struct {
	Piece uint32
	Begin uint32
}

// New creates a Banner salted per-torrent so hash comparisons can't be
// gamed across torrents.
func New(salt []byte) *Banner {
	return &Banner{salt: salt, blocks: make(map[blockKey]blockRecord)}
}

func (b *Banner) hashBlock(data []byte) [20]byte {
	h := sha1.New()
	h.Write(b.salt)
	h.Write(data)
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// RecordFailedPiece stores the contributor and salted hash for every block
// of a piece whose full-piece hash just failed verification.
func (b *Banner) RecordFailedPiece(piece uint32, blocks map[uint32][]byte, contributor func(begin uint32) PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for begin, data := range blocks {
		key := blockKey{Piece: piece, Begin: begin}
		b.blocks[key] = blockRecord{peer: contributor(begin), hash: b.hashBlock(data)}
	}
}

// CheckRetry compares a successful retry's blocks against the previously
// recorded failed-attempt hashes for the same piece. Any contributor whose
// block hash doesn't match the now-verified data is returned for banning.
func (b *Banner) CheckRetry(piece uint32, blocks map[uint32][]byte) []PeerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	var toBan []PeerID
	for begin, data := range blocks {
		key := blockKey{Piece: piece, Begin: begin}
		rec, ok := b.blocks[key]
		if !ok {
			continue
		}
		if rec.hash != b.hashBlock(data) {
			toBan = append(toBan, rec.peer)
		}
		delete(b.blocks, key)
	}
	return toBan
}

// Forget drops any recorded blocks for piece, e.g. once it verifies
// cleanly on the first attempt and smart-ban never needed to engage.
func (b *Banner) Forget(piece uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.blocks {
		if key.Piece == piece {
			delete(b.blocks, key)
		}
	}
}
