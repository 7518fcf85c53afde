package session

import (
	"net"
	"time"
)

// Torrent is a handle to a torrent managed by a Session. It wraps the
// internal event-loop-driven torrent with identity and lifetime bookkeeping
// the Session needs (storage path by id, port accounting, DHT bridging)
// that has no business living inside the event loop itself.
type Torrent struct {
	session      *Session
	torrent      *torrent
	id           string
	port         uint16
	createdAt    time.Time
	dhtAnnouncer *dhtAnnouncer

	// removed is closed by Session.RemoveTorrent so forwardDHTPeers and any
	// other long-lived goroutine bound to this handle can stop.
	removed chan struct{}
}

// ID uniquely identifies the torrent within its Session.
func (t *Torrent) ID() string { return t.id }

// Name returns the torrent's display name.
func (t *Torrent) Name() string { return t.torrent.Name() }

// InfoHash returns the 20-byte SHA-1 hash identifying the torrent's files.
func (t *Torrent) InfoHash() []byte { return t.torrent.InfoHash() }

// Port returns the TCP port this torrent listens for peer connections on.
func (t *Torrent) Port() uint16 { return t.port }

// AddedAt returns when the torrent was added to the session.
func (t *Torrent) AddedAt() time.Time { return t.createdAt }

// Start begins allocating/verifying/downloading. Starting an
// already-started torrent is a no-op.
func (t *Torrent) Start() error {
	t.torrent.Start()
	return nil
}

// Stop halts downloading and announces the Stopped event to trackers.
func (t *Torrent) Stop() error {
	t.torrent.Stop()
	return nil
}

// Close permanently shuts the torrent down. Use Session.RemoveTorrent to
// also discard its resume data and downloaded files.
func (t *Torrent) Close() {
	t.torrent.Close()
}

// Stats returns a point-in-time snapshot of progress and bookkeeping.
func (t *Torrent) Stats() Stats { return t.torrent.Stats() }

// Trackers lists the torrent's announce URLs.
func (t *Torrent) Trackers() []TrackerStats { return t.torrent.Trackers() }

// Peers lists currently connected peers.
func (t *Torrent) Peers() []PeerStats { return t.torrent.Peers() }

// NotifyError returns a channel receiving the torrent's terminal error the
// next time it stops.
func (t *Torrent) NotifyError() chan error { return t.torrent.NotifyError() }

// NotifyListen returns a channel receiving the bound listen port the next
// time the torrent starts listening.
func (t *Torrent) NotifyListen() chan int { return t.torrent.NotifyListen() }

// AddPeers manually injects candidate peer addresses, bypassing trackers
// and DHT.
func (t *Torrent) AddPeers(addrs []*net.TCPAddr) { t.torrent.AddPeers(addrs) }

// forwardDHTPeers bridges DHT results the session routes to this handle's
// dhtAnnouncer.peersC (see Session.processDHTResults) into the inner
// torrent's own dhtPeersC, which its event loop already selects on.
func (t *Torrent) forwardDHTPeers() {
	for {
		select {
		case addrs := <-t.dhtAnnouncer.peersC:
			select {
			case t.torrent.dhtPeersC <- addrs:
			case <-t.removed:
				return
			}
		case <-t.removed:
			return
		}
	}
}
