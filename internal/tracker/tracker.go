// Package tracker defines the minimal tracker contract the session needs:
// periodic announce against an HTTP(S) tracker; there is no scrape. Full BEP-3
// conformance (UDP trackers, scrape convention edge cases) is out of scope;
// this models only what a single torrent needs to discover peers.
package tracker

import (
	"context"
	"errors"
	"net"
	"time"
)

// Event is the announce event parameter.
type Event int

// Announce events.
const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

// AnnounceRequest bundles a Torrent snapshot with the event being reported.
type AnnounceRequest struct {
	Torrent *Torrent
	Event   Event
}

// AnnounceResponse is a tracker's reply.
type AnnounceResponse struct {
	Interval time.Duration
	Peers    []*net.TCPAddr
	Warning  string
}

// ErrNotAnnounced indicates the tracker returned a failure reason.
var ErrNotAnnounced = errors.New("tracker: announce failed")

// Tracker announces a torrent's state to get peer addresses.
type Tracker interface {
	URL() string
	Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error)
}
