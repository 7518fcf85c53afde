// Package piecedownloader drives the block-request pipeline for a single
// peer: as requested blocks arrive they're reported immediately rather than
// buffered until one whole piece completes, so a single piece can be
// assembled from blocks contributed by more than one peer.
package piecedownloader

import (
	"errors"
	"time"

	"github.com/coredrop/torrentengine/internal/peer"
	"github.com/coredrop/torrentengine/internal/peerprotocol"
	"github.com/coredrop/torrentengine/internal/piece"
)

const maxQueuedBlocks = 10

// retryInterval is how often Run asks the picker again after it had nothing
// requestable, so a piece that becomes available through some other peer's
// activity (not a message on one of this downloader's own channels) still
// gets picked up promptly.
const retryInterval = 50 * time.Millisecond

// PickFunc returns the next block this peer should request, or ok=false if
// nothing is requestable from it right now.
type PickFunc func() (pieceIndex uint32, block *piece.Block, ok bool)

// BlockResult is one arrived block.
type BlockResult struct {
	PieceIndex uint32
	Begin      uint32
	Data       []byte
}

type outstandingKey struct {
	Piece uint32
	Begin uint32
}

// PieceDownloader requests blocks from one peer for as long as the peer
// stays connected and unchoked, handing each finished block back on BlockC
// as soon as it arrives.
type PieceDownloader struct {
	Peer *peer.Peer
	Pick PickFunc

	outstanding map[outstandingKey]*piece.Block
	limiter     chan struct{}

	PieceC   chan peerprotocol.PieceMessage
	RejectC  chan peerprotocol.RejectMessage
	ChokeC   chan struct{}
	UnchokeC chan struct{}
	BlockC   chan BlockResult
	ErrC     chan error
}

// New creates a downloader that requests blocks from pe, obtaining each one
// to request by calling pick.
func New(pe *peer.Peer, pick PickFunc) *PieceDownloader {
	return &PieceDownloader{
		Peer:        pe,
		Pick:        pick,
		outstanding: make(map[outstandingKey]*piece.Block),
		limiter:     make(chan struct{}, maxQueuedBlocks),
		PieceC:      make(chan peerprotocol.PieceMessage),
		RejectC:     make(chan peerprotocol.RejectMessage),
		ChokeC:      make(chan struct{}),
		UnchokeC:    make(chan struct{}),
		BlockC:      make(chan BlockResult, maxQueuedBlocks),
		ErrC:        make(chan error, 1),
	}
}

// fillPipeline requests blocks from Pick until either the queue depth limit
// is reached or Pick has nothing left to offer right now.
func (d *PieceDownloader) fillPipeline() {
	for {
		select {
		case d.limiter <- struct{}{}:
		default:
			return
		}
		pieceIndex, b, ok := d.Pick()
		if !ok {
			<-d.limiter
			return
		}
		key := outstandingKey{Piece: pieceIndex, Begin: b.Begin}
		d.outstanding[key] = b
		d.Peer.SendMessage(peerprotocol.RequestMessage{Index: pieceIndex, Begin: b.Begin, Length: b.Length})
	}
}

// Run drives the request/response loop until stopC is closed. Besides the
// event-driven paths (a block arriving frees a queue slot, an unchoke makes
// the peer requestable again), a ticker retries Pick periodically so a
// piece that becomes available through another peer's activity is not
// missed just because nothing arrived on this downloader's own channels.
func (d *PieceDownloader) Run(stopC chan struct{}) {
	retry := time.NewTicker(retryInterval)
	defer retry.Stop()

	d.fillPipeline()
	for {
		select {
		case pm := <-d.PieceC:
			key := outstandingKey{Piece: pm.Index, Begin: pm.Begin}
			if _, ok := d.outstanding[key]; !ok {
				continue
			}
			delete(d.outstanding, key)
			<-d.limiter
			d.BlockC <- BlockResult{PieceIndex: pm.Index, Begin: pm.Begin, Data: pm.Data}
			d.fillPipeline()
		case req := <-d.RejectC:
			key := outstandingKey{Piece: req.Index, Begin: req.Begin}
			if _, ok := d.outstanding[key]; !ok {
				d.Peer.Close()
				d.ErrC <- errors.New("piecedownloader: received invalid reject message")
				return
			}
			delete(d.outstanding, key)
			<-d.limiter
			d.fillPipeline()
		case <-d.ChokeC:
			d.releaseOutstanding()
		case <-d.UnchokeC:
			d.fillPipeline()
		case <-retry.C:
			d.fillPipeline()
		case <-stopC:
			return
		}
	}
}

// releaseOutstanding reverts every in-flight block back to BlockNone; a
// choked peer will never deliver them.
func (d *PieceDownloader) releaseOutstanding() {
	for _, b := range d.outstanding {
		b.State = piece.BlockNone
		if b.Requester == d.Peer {
			b.Requester = nil
		}
		if b.NumPeers > 0 {
			b.NumPeers--
		}
	}
	for range d.outstanding {
		<-d.limiter
	}
	d.outstanding = make(map[outstandingKey]*piece.Block)
}

// CancelPending sends a cancel for every block still outstanding.
func (d *PieceDownloader) CancelPending() {
	for key, b := range d.outstanding {
		d.Peer.SendMessage(peerprotocol.CancelMessage{Index: key.Piece, Begin: key.Begin, Length: b.Length})
	}
}
