// Package verifier hash-checks every piece of a torrent's storage against
// the info dictionary's piece hashes, reporting incremental progress so
// the session can update a resume bitfield as it goes.
package verifier

import (
	"crypto/sha1"

	"github.com/coredrop/torrentengine/internal/bitfield"
	"github.com/coredrop/torrentengine/internal/metainfo"
	"github.com/coredrop/torrentengine/internal/storage"
)

// Progress reports how many pieces have been checked so far.
type Progress struct {
	Checked uint32
}

// Verifier hash-checks all pieces of info against sto.
type Verifier struct {
	Bitfield *bitfield.Bitfield
	Error    error

	info *metainfo.Info
	sto  storage.Storage
}

// New creates a verifier for info's pieces, backed by sto.
func New(info *metainfo.Info, sto storage.Storage) *Verifier {
	return &Verifier{info: info, sto: sto}
}

// Run hash-checks every piece, sending a Progress update after each and the
// finished Verifier (with its Bitfield populated) on resultC when done.
func (v *Verifier) Run(progressC chan Progress, resultC chan *Verifier, stopC chan struct{}) {
	bf := bitfield.New(v.info.NumPieces)
	buf := make([]byte, v.info.PieceLength)
	for i := uint32(0); i < v.info.NumPieces; i++ {
		select {
		case <-stopC:
			return
		default:
		}
		pieceLen := v.info.PieceLen(i)
		iov := []storage.IOVec{{Buf: buf[:pieceLen]}}
		_, err := v.sto.Readv(i, 0, iov)
		if err != nil {
			v.Error = err
			resultC <- v
			return
		}
		sum := sha1.Sum(buf[:pieceLen])
		if sum == v.info.PieceHash(i) {
			bf.Set(i)
		}
		select {
		case progressC <- Progress{Checked: i + 1}:
		case <-stopC:
			return
		}
	}
	v.Bitfield = bf
	resultC <- v
}
