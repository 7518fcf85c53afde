package session

import (
	"github.com/coredrop/torrentengine/internal/peer"
	"github.com/coredrop/torrentengine/internal/piece"
	"github.com/coredrop/torrentengine/internal/piecedownloader"
	"github.com/coredrop/torrentengine/internal/piecewriter"
)

// blockArrived carries one block's bytes back to the event loop, from
// whichever peer's downloader requested it.
type blockArrived struct {
	pe         *peer.Peer
	pieceIndex uint32
	begin      uint32
	data       []byte
}

// pieceDownloaderErr reports a PieceDownloader that gave up on its peer,
// e.g. after an invalid reject message.
type pieceDownloaderErr struct {
	pe  *peer.Peer
	err error
}

// peerSpeedClass buckets a peer into the coarse rate tier the picker uses
// to avoid mixing a slow peer's requests into a piece a fast peer started.
func peerSpeedClass(pe *peer.Peer) piece.SpeedClass {
	if pe.Snubbed {
		return piece.SpeedSlow
	}
	return piece.SpeedFast
}

// startPieceDownloaders gives every unchoked, idle peer a roaming block
// downloader, as long as the picker still has candidates for it.
func (t *torrent) startPieceDownloaders() {
	if t.piecePicker == nil {
		return
	}
	for pe := range t.peers {
		if pe.PeerChoking {
			continue
		}
		if _, ok := t.pieceDownloaders[pe]; ok {
			continue
		}
		if _, ok := t.infoDownloaders[pe]; ok {
			continue
		}
		pe := pe
		has := func(index uint32) bool {
			if pe.Bitfield == nil {
				return false
			}
			return pe.Bitfield.Test(index)
		}
		pick := func() (uint32, *piece.Block, bool) {
			return t.piecePicker.Pick(pe, has, peerSpeedClass(pe))
		}
		pd := piecedownloader.New(pe, pick)
		t.pieceDownloaders[pe] = pd
		pe.Downloading = true
		stopC := make(chan struct{})
		t.pieceDownloaderStopC[pe] = stopC
		go t.runPieceDownloader(pd, stopC)
	}
}

// runPieceDownloader drives pd off the event-loop goroutine, forwarding
// every arrived block and any terminal error back to the event loop.
func (t *torrent) runPieceDownloader(pd *piecedownloader.PieceDownloader, stopC chan struct{}) {
	go pd.Run(stopC)
	for {
		select {
		case b := <-pd.BlockC:
			select {
			case t.blockArrivedC <- blockArrived{pe: pd.Peer, pieceIndex: b.PieceIndex, begin: b.Begin, data: b.Data}:
			case <-stopC:
				return
			}
		case err := <-pd.ErrC:
			select {
			case t.pieceDownloaderErrC <- pieceDownloaderErr{pe: pd.Peer, err: err}:
			case <-stopC:
			}
			return
		case <-stopC:
			return
		}
	}
}

// handleBlockArrived folds one arrived block into its piece's in-progress
// assembly buffer and the block cache, queuing a verify-and-write once the
// piece's last block lands.
func (t *torrent) handleBlockArrived(res blockArrived) {
	pe := res.pe
	if _, ok := t.pieceDownloaders[pe]; !ok {
		return // peer already torn down
	}

	pi := &t.pieces[res.pieceIndex]
	blockIdx := res.begin / blockSize
	if int(blockIdx) >= len(pi.Blocks) || pi.Blocks[blockIdx].State == piece.BlockFinished {
		return // stale or duplicate (end-game) delivery
	}
	pi.Blocks[blockIdx].State = piece.BlockFinished
	pi.Finished++

	t.pieceCache.Put(res.pieceIndex, res.begin, res.data)
	t.downloadSpeed.Update(int64(len(res.data)))
	pe.BytesDownlaodedInChokePeriod += int64(len(res.data))
	t.resumerStats.BytesDownloaded += int64(len(res.data))

	buf, ok := t.assembling[res.pieceIndex]
	if !ok {
		buf = make([]byte, pi.Length)
		t.assembling[res.pieceIndex] = buf
	}
	copy(buf[res.begin:], res.data)

	if pi.Finished == len(pi.Blocks) {
		delete(t.assembling, res.pieceIndex)
		pi.Writing = len(pi.Blocks)
		pi.Downloading = false
		w := piecewriter.New(pi, buf, t.storage, t.pieceCache, t.smartBan)
		go w.Run(t.pieceWriterResultC)
	}
}

// handlePieceDownloaderErr reacts to a downloader that gave up on its peer.
func (t *torrent) handlePieceDownloaderErr(res pieceDownloaderErr) {
	if _, ok := t.pieceDownloaders[res.pe]; !ok {
		return
	}
	t.log.Debugln("piece downloader error:", res.err)
	t.closePeer(res.pe)
}

// stopPieceDownloaderGoroutine stops the background runPieceDownloader
// goroutine for pe, if one is still running.
func (t *torrent) stopPieceDownloaderGoroutine(pe *peer.Peer) {
	if stopC, ok := t.pieceDownloaderStopC[pe]; ok {
		close(stopC)
		delete(t.pieceDownloaderStopC, pe)
	}
}

// handlePieceMessage routes an incoming "piece" message to the active
// downloader for that peer, if any.
func (t *torrent) handlePieceMessage(pm peer.PieceMessage) {
	pe := pm.Peer
	pd, ok := t.pieceDownloaders[pe]
	if !ok {
		return
	}
	select {
	case pd.PieceC <- pm.Piece:
	default:
		// pd.Run may have already returned; don't block the event loop
		// waiting for a reader that is gone.
	}
}
