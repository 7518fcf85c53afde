// Package announcer periodically reports a torrent's progress to its
// trackers and to the DHT, turning the responses into peer addresses.
// BEP-3 announce semantics are kept minimal by design.
package announcer

import (
	"context"
	"math/rand"
	"net"
	"time"

	"github.com/coredrop/torrentengine/internal/logger"
	"github.com/coredrop/torrentengine/internal/tracker"
)

// Request is sent by an announcer to the torrent's event loop to obtain a
// fresh snapshot of torrent state just before announcing.
type Request struct {
	Response chan Response
	Cancel   chan struct{}
}

// Response carries the torrent snapshot requested via Request.
type Response struct {
	Torrent *tracker.Torrent
}

const (
	minRetryInterval = 5 * time.Second
	maxRetryInterval = 30 * time.Minute
)

// PeriodicalAnnouncer announces Request/Interval to a single tracker on a
// loop, backing off on error and speeding up while more peers are needed.
type PeriodicalAnnouncer struct {
	Tracker    tracker.Tracker
	requestC   chan *Request
	peersC     chan<- []*net.TCPAddr
	completedC <-chan struct{}
	log        logger.Logger

	needMorePeersC chan bool
	closeC         chan struct{}
	doneC          chan struct{}
}

// New creates a periodical announcer for t. requestC is the torrent's
// announcerRequestC; peersC receives discovered addresses.
func New(t tracker.Tracker, requestC chan *Request, completedC <-chan struct{}, peersC chan<- []*net.TCPAddr, l logger.Logger) *PeriodicalAnnouncer {
	return &PeriodicalAnnouncer{
		Tracker:        t,
		requestC:       requestC,
		peersC:         peersC,
		completedC:     completedC,
		log:            l,
		needMorePeersC: make(chan bool),
		closeC:         make(chan struct{}),
		doneC:          make(chan struct{}),
	}
}

// NeedMorePeers toggles whether the announcer should announce sooner than
// its regular interval because the torrent is short on peer addresses.
func (a *PeriodicalAnnouncer) NeedMorePeers(val bool) {
	select {
	case a.needMorePeersC <- val:
	case <-a.doneC:
	}
}

// Close stops the announce loop.
func (a *PeriodicalAnnouncer) Close() {
	close(a.closeC)
	<-a.doneC
}

// Run drives the announce loop until Close is called.
func (a *PeriodicalAnnouncer) Run() {
	defer close(a.doneC)

	needMorePeers := true
	interval := minRetryInterval
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			next, err := a.announceOnce(tracker.EventNone)
			if err != nil {
				a.log.Debugln("announce error:", err)
				interval = backoff(interval)
			} else {
				interval = next
			}
			if needMorePeers && interval > minRetryInterval {
				timer.Reset(minRetryInterval)
			} else {
				timer.Reset(interval)
			}
		case needMorePeers = <-a.needMorePeersC:
			if needMorePeers {
				timer.Reset(0)
			}
		case <-a.completedC:
			a.completedC = nil
		case <-a.closeC:
			return
		}
	}
}

func backoff(interval time.Duration) time.Duration {
	interval *= 2
	if interval > maxRetryInterval {
		interval = maxRetryInterval
	}
	return interval
}

func (a *PeriodicalAnnouncer) announceOnce(event tracker.Event) (time.Duration, error) {
	req := &Request{Response: make(chan Response), Cancel: make(chan struct{})}
	defer close(req.Cancel)

	select {
	case a.requestC <- req:
	case <-a.closeC:
		return minRetryInterval, nil
	}

	var resp Response
	select {
	case resp = <-req.Response:
	case <-a.closeC:
		return minRetryInterval, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ar, err := a.Tracker.Announce(ctx, tracker.AnnounceRequest{Torrent: resp.Torrent, Event: event})
	if err != nil {
		return 0, err
	}
	if len(ar.Peers) > 0 {
		select {
		case a.peersC <- ar.Peers:
		case <-a.closeC:
		}
	}
	if ar.Interval <= 0 {
		return minRetryInterval, nil
	}
	return ar.Interval, nil
}

// StopAnnouncer announces the Stopped event once to every tracker,
// best-effort, before the torrent shuts down fully.
type StopAnnouncer struct {
	doneC  chan struct{}
	closeC chan struct{}
}

// NewStopAnnouncer sends the Stopped event to every tracker with a request
// snapshot obtained via requestC, then closes resultC.
func NewStopAnnouncer(trackers []tracker.Tracker, requestC chan *Request, resultC chan struct{}, l logger.Logger) *StopAnnouncer {
	s := &StopAnnouncer{doneC: make(chan struct{}), closeC: make(chan struct{})}
	go s.run(trackers, requestC, resultC, l)
	return s
}

func (s *StopAnnouncer) run(trackers []tracker.Tracker, requestC chan *Request, resultC chan struct{}, l logger.Logger) {
	defer close(s.doneC)
	defer close(resultC)

	req := &Request{Response: make(chan Response), Cancel: make(chan struct{})}
	defer close(req.Cancel)

	select {
	case requestC <- req:
	case <-s.closeC:
		return
	}
	var resp Response
	select {
	case resp = <-req.Response:
	case <-s.closeC:
		return
	}

	for _, t := range trackers {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := t.Announce(ctx, tracker.AnnounceRequest{Torrent: resp.Torrent, Event: tracker.EventStopped})
		cancel()
		if err != nil {
			l.Debugln("cannot send stopped event to tracker:", t.URL(), err)
		}
	}
}

// Close aborts the stop-announce sequence if still running.
func (s *StopAnnouncer) Close() {
	close(s.closeC)
	<-s.doneC
}

// DHTNode is the subset of a DHT client an announcer needs.
type DHTNode interface {
	PeersRequest(infoHash string, announce bool)
}

// DHTAnnouncer periodically asks a DHTNode to look up peers for a
// torrent's info hash. Actual peer addresses arrive asynchronously
// through whatever channel the DHTNode implementation uses to report
// them back to the torrent; this type only drives the request cadence.
type DHTAnnouncer struct {
	node     DHTNode
	infoHash string

	needMorePeersC chan bool
	closeC         chan struct{}
	doneC          chan struct{}
}

// NewDHTAnnouncer creates a DHT announcer. node may be nil if DHT is
// disabled, in which case Run returns immediately.
func NewDHTAnnouncer(node DHTNode, infoHash []byte) *DHTAnnouncer {
	return &DHTAnnouncer{
		node:           node,
		infoHash:       string(infoHash),
		needMorePeersC: make(chan bool),
		closeC:         make(chan struct{}),
		doneC:          make(chan struct{}),
	}
}

// NeedMorePeers toggles whether the next tick requests more aggressively.
func (d *DHTAnnouncer) NeedMorePeers(val bool) {
	select {
	case d.needMorePeersC <- val:
	case <-d.doneC:
	}
}

// Run announces to the DHT on an interval until Close is called.
func (d *DHTAnnouncer) Run() {
	defer close(d.doneC)
	if d.node == nil {
		<-d.closeC
		return
	}

	needMorePeers := true
	interval := time.Duration(4+rand.Intn(4)) * time.Minute
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			d.node.PeersRequest(d.infoHash, needMorePeers)
			timer.Reset(interval)
		case needMorePeers = <-d.needMorePeersC:
			if needMorePeers {
				timer.Reset(0)
			}
		case <-d.closeC:
			return
		}
	}
}

// Close stops the DHT announce loop.
func (d *DHTAnnouncer) Close() {
	close(d.closeC)
	<-d.doneC
}
