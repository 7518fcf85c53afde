package session

import (
	"time"

	"github.com/coredrop/torrentengine/internal/acceptor"
	"github.com/coredrop/torrentengine/internal/allocator"
	"github.com/coredrop/torrentengine/internal/announcer"
	"github.com/coredrop/torrentengine/internal/handshaker/incominghandshaker"
	"github.com/coredrop/torrentengine/internal/handshaker/outgoinghandshaker"
	"github.com/coredrop/torrentengine/internal/verifier"
)

// start transitions a Stopped torrent into Allocating/Verifying/Downloading,
// spinning up the acceptor, trackers, DHT announcer and timers. It is a
// no-op if the torrent is already running.
func (t *torrent) start() {
	if t.running {
		return
	}
	t.running = true
	t.lastError = nil
	if t.errC == nil {
		t.errC = make(chan error, 1)
	}
	if t.portC == nil {
		t.portC = make(chan int, 1)
	}

	t.acceptor = acceptor.New(t.port, t.incomingConnC, t.log)
	go t.acceptor.Run(t.portC)

	for _, tr := range t.trackers {
		an := announcer.New(tr, t.announcerRequestC, t.completeC, t.addrsFromTrackers, t.log)
		t.announcers = append(t.announcers, an)
		go an.Run()
	}
	if t.dhtAnnouncer != nil {
		go t.dhtAnnouncer.Run()
	}

	t.unchokeTimer = time.NewTicker(10 * time.Second)
	t.unchokeTimerC = t.unchokeTimer.C
	t.optimisticUnchokeTimer = time.NewTicker(30 * time.Second)
	t.optimisticUnchokeTimerC = t.optimisticUnchokeTimer.C
	t.statsWriteTicker = time.NewTicker(10 * time.Second)
	t.statsWriteTickerC = t.statsWriteTicker.C
	t.speedCounterTicker = time.NewTicker(time.Second)
	t.speedCounterTickerC = t.speedCounterTicker.C
	t.seedDurationUpdatedAt = time.Now()

	if t.resume != nil {
		if err := t.resume.WriteStarted(true); err != nil {
			t.log.Errorln("cannot write started state:", err)
		}
	}

	if t.info == nil {
		t.startInfoDownloaders()
		return
	}
	t.startAllocator()
}

// stop tears down everything start built, announcing the Stopped event to
// trackers before the torrent goes fully idle. err, if non-nil, is recorded
// as the reason the torrent stopped and surfaced through NotifyError.
func (t *torrent) stop(err error) {
	if !t.running {
		return
	}
	t.running = false
	t.lastError = err

	if t.acceptor != nil {
		t.acceptor.Close()
		t.acceptor = nil
	}

	for _, an := range t.announcers {
		an.Close()
	}
	t.announcers = nil
	if t.dhtAnnouncer != nil {
		t.dhtAnnouncer.Close()
	}

	if t.allocator != nil {
		close(t.allocatorStopC)
		t.allocator = nil
	}
	if t.verifier != nil {
		close(t.verifierStopC)
		t.verifier = nil
	}

	for pe := range t.peers {
		t.closePeer(pe)
	}
	for ih := range t.incomingHandshakers {
		ih.Conn.Close()
	}
	t.incomingHandshakers = make(map[*incominghandshaker.IncomingHandshaker]struct{})
	for oh := range t.outgoingHandshakers {
		oh.Close()
	}
	t.outgoingHandshakers = make(map[*outgoinghandshaker.OutgoingHandshaker]struct{})

	if t.unchokeTimer != nil {
		t.unchokeTimer.Stop()
		t.unchokeTimer, t.unchokeTimerC = nil, nil
	}
	if t.optimisticUnchokeTimer != nil {
		t.optimisticUnchokeTimer.Stop()
		t.optimisticUnchokeTimer, t.optimisticUnchokeTimerC = nil, nil
	}
	if t.statsWriteTicker != nil {
		t.statsWriteTicker.Stop()
		t.statsWriteTicker, t.statsWriteTickerC = nil, nil
	}
	if t.speedCounterTicker != nil {
		t.speedCounterTicker.Stop()
		t.speedCounterTicker, t.speedCounterTickerC = nil, nil
	}
	if t.resumeWriteTimer != nil {
		t.resumeWriteTimer.Stop()
		t.resumeWriteTimer, t.resumeWriteTimerC = nil, nil
	}
	t.updateSeedDuration()

	if t.resume != nil {
		if werr := t.resume.WriteStarted(false); werr != nil {
			t.log.Errorln("cannot write started state:", werr)
		}
		if werr := t.resume.WriteStats(t.resumerStats); werr != nil {
			t.log.Errorln("cannot write stats:", werr)
		}
	}

	if len(t.trackers) == 0 {
		t.errC <- t.lastError
		t.errC = nil
		t.portC = nil
		return
	}
	t.stoppedEventAnnouncer = announcer.NewStopAnnouncer(t.trackers, t.announcerRequestC, t.announcersStoppedC, t.log)
}

// startAllocator kicks off file creation/preallocation once info is known,
// either at construction or after a magnet download's metadata completes.
func (t *torrent) startAllocator() {
	al := allocator.New(t.storage, t.config.Allocate)
	t.allocator = al
	t.allocatorStopC = make(chan struct{})
	go al.Run(t.allocatorProgressC, t.allocatorResultC, t.allocatorStopC)
}

// handleAllocationDone reacts to the allocator finishing: on success it
// either trusts an already-loaded resume bitfield or runs the verifier,
// since a freshly allocated (sparse or preallocated) file isn't hash-checked
// until we actually have a bitfield to compare against.
func (t *torrent) handleAllocationDone(al *allocator.Allocator) {
	t.allocator = nil
	if al.Error != nil {
		t.stop(al.Error)
		return
	}
	if t.bitfield != nil && t.bitfield.Count() > 0 {
		t.startPieceDownloaders()
		t.checkCompletion()
		return
	}
	t.startVerifier()
}

func (t *torrent) startVerifier() {
	ve := verifier.New(t.info, t.storage)
	t.verifier = ve
	t.verifierStopC = make(chan struct{})
	go ve.Run(t.verifierProgressC, t.verifierResultC, t.verifierStopC)
}

// handleVerificationDone installs the hash-checked bitfield and starts
// requesting whatever pieces we still don't have.
func (t *torrent) handleVerificationDone(ve *verifier.Verifier) {
	t.verifier = nil
	if ve.Error != nil {
		t.stop(ve.Error)
		return
	}
	t.bitfield = ve.Bitfield
	if t.piecePicker != nil {
		for i := uint32(0); i < t.bitfield.Len(); i++ {
			if t.bitfield.Test(i) {
				t.piecePicker.WeHave(i)
			}
		}
	}
	t.checkCompletion()
	t.startPieceDownloaders()
}

// updateSeedDuration accumulates time spent fully downloaded into
// resumerStats.SeededFor, called whenever stats are about to be read or
// written so the figure never needs a background ticker of its own.
func (t *torrent) updateSeedDuration() {
	now := time.Now()
	if t.completed {
		t.resumerStats.SeededFor += now.Sub(t.seedDurationUpdatedAt)
	}
	t.seedDurationUpdatedAt = now
}
