package session

import (
	"net"
	"time"

	"github.com/coredrop/torrentengine/internal/tracker"
)

type statsRequest struct {
	Response chan Stats
}

type trackersRequest struct {
	Response chan []TrackerStats
}

type peersRequest struct {
	Response chan []PeerStats
}

type notifyErrorCommand struct {
	errCC chan chan error
}

type notifyListenCommand struct {
	portCC chan chan int
}

// Stats is a point-in-time snapshot of a torrent's progress and
// bookkeeping, safe to read from outside the torrent's event loop.
type Stats struct {
	Status              Status
	Name                string
	InfoHash            [20]byte
	Length              int64
	Downloaded          int64
	Uploaded            int64
	Wasted              int64
	BytesAllocated      int64
	CheckedPieces       uint32
	Pieces              uint32
	PiecesHave          int
	PeersConnected      int
	PeersIncoming       int
	PeersOutgoing       int
	SeededFor           time.Duration
	DownloadSpeed       int64
	UploadSpeed         int64
	Error               string
}

// TrackerStats describes one tracker's announce URL.
type TrackerStats struct {
	URL string
}

// PeerStats describes one connected peer.
type PeerStats struct {
	Addr          *net.TCPAddr
	Client        string
	Source        string
	Downloading   bool
	ClientChoking bool
	PeerChoking   bool
}

func (t *torrent) stats() Stats {
	s := Stats{
		Status:         t.status(),
		Name:           t.name,
		InfoHash:       t.infoHash,
		Downloaded:     t.resumerStats.BytesDownloaded,
		Uploaded:       t.resumerStats.BytesUploaded,
		Wasted:         t.resumerStats.BytesWasted,
		BytesAllocated: t.bytesAllocated,
		CheckedPieces:  t.checkedPieces,
		SeededFor:      t.resumerStats.SeededFor,
		PeersConnected: len(t.peers),
		PeersIncoming:  len(t.incomingPeers),
		PeersOutgoing:  len(t.outgoingPeers),
		DownloadSpeed:  int64(t.downloadSpeed.Rate()),
		UploadSpeed:    int64(t.uploadSpeed.Rate()),
	}
	if t.info != nil {
		s.Length = t.info.TotalLength
		s.Pieces = t.info.NumPieces
	}
	if t.bitfield != nil {
		s.PiecesHave = int(t.bitfield.Count())
	}
	if t.lastError != nil {
		s.Error = t.lastError.Error()
	}
	return s
}

func (t *torrent) getTrackers() []TrackerStats {
	ret := make([]TrackerStats, 0, len(t.trackers))
	for _, tr := range t.trackers {
		ret = append(ret, TrackerStats{URL: tr.URL()})
	}
	return ret
}

func (t *torrent) getPeers() []PeerStats {
	ret := make([]PeerStats, 0, len(t.peers))
	for pe := range t.peers {
		source := "outgoing"
		if _, ok := t.incomingPeers[pe]; ok {
			source = "incoming"
		}
		ret = append(ret, PeerStats{
			Addr:          pe.Addr(),
			Source:        source,
			Downloading:   pe.Downloading,
			ClientChoking: pe.AmChoking,
			PeerChoking:   pe.PeerChoking,
		})
	}
	return ret
}

// announcerFields builds the read-only snapshot announcers send to
// trackers.
func (t *torrent) announcerFields() *tracker.Torrent {
	var left int64
	if t.info != nil {
		left = t.info.TotalLength - t.resumerStats.BytesDownloaded
		if left < 0 {
			left = 0
		}
	}
	return &tracker.Torrent{
		BytesUploaded:   t.resumerStats.BytesUploaded,
		BytesDownloaded: t.resumerStats.BytesDownloaded,
		BytesLeft:       left,
		InfoHash:        t.infoHash,
		PeerID:          t.peerID,
		Port:            t.port,
	}
}
