// Package piecewriter verifies a finished piece's SHA-1 and flushes it to
// disk off the torrent's event-loop goroutine, reporting the outcome (or a
// hash mismatch) back on a result channel.
package piecewriter

import (
	"crypto/sha1"

	"github.com/coredrop/torrentengine/internal/piece"
	"github.com/coredrop/torrentengine/internal/piececache"
	"github.com/coredrop/torrentengine/internal/smartban"
	"github.com/coredrop/torrentengine/internal/storage"
)

// PieceWriter verifies and writes one finished piece's assembled bytes to
// storage.
type PieceWriter struct {
	Piece  *piece.Piece
	Buffer []byte
	Error  error

	// Verified is true once the assembled buffer's SHA-1 matched
	// Piece.Hash. False means the piece failed verification and was not
	// written to disk.
	Verified bool

	// BannedPeers lists contributors to a now-verified piece whose blocks,
	// recorded during an earlier failed attempt at this piece, didn't
	// match the data that actually verified.
	BannedPeers []smartban.PeerID

	sto   storage.Storage
	cache *piececache.Cache
	ban   *smartban.Banner
}

// New creates a writer for a completed piece's assembled bytes. ban may be
// nil, in which case smart-ban attribution is skipped.
func New(pi *piece.Piece, buf []byte, sto storage.Storage, cache *piececache.Cache, ban *smartban.Banner) *PieceWriter {
	return &PieceWriter{Piece: pi, Buffer: buf, sto: sto, cache: cache, ban: ban}
}

// Run verifies the buffer's SHA-1 against Piece.Hash, writes it to storage
// on success, and sends the result on resultC. Meant to be invoked via `go`;
// the torrent's event loop never blocks on hashing or disk IO.
func (w *PieceWriter) Run(resultC chan *PieceWriter) {
	defer func() { resultC <- w }()

	blocks := make(map[uint32][]byte, len(w.Piece.Blocks))
	for i := range w.Piece.Blocks {
		b := &w.Piece.Blocks[i]
		blocks[b.Begin] = w.Buffer[b.Begin : b.Begin+b.Length]
	}
	contributors := w.Piece.Contributors()

	sum, ok := w.takeHash()
	if !ok {
		sum = sha1.Sum(w.Buffer)
	}
	if sum != w.Piece.Hash {
		w.Verified = false
		if w.ban != nil {
			w.ban.RecordFailedPiece(w.Piece.Index, blocks, func(begin uint32) smartban.PeerID {
				return contributors[begin]
			})
		}
		return
	}

	w.Verified = true
	if w.ban != nil {
		w.BannedPeers = w.ban.CheckRetry(w.Piece.Index, blocks)
		w.ban.Forget(w.Piece.Index)
	}
	_, w.Error = w.sto.Writev(w.Piece.Index, 0, []storage.IOVec{{Buf: w.Buffer}})
}

// takeHash prefers the cache's incrementally-computed hash (every block
// arrived in order, so no full re-hash of the buffer is needed); it falls
// back to letting the caller hash the assembled buffer itself.
func (w *PieceWriter) takeHash() ([20]byte, bool) {
	if w.cache == nil {
		return [20]byte{}, false
	}
	return w.cache.TakePartialHash(w.Piece.Index, w.Piece.Length)
}
