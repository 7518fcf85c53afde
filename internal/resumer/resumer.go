// Package resumer defines the contract for persisting and recovering a
// torrent's resume data.
package resumer

import "time"

// Stats are the cumulative counters persisted alongside resume data.
type Stats struct {
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	SeededFor       time.Duration
}

// Spec is everything needed to reconstruct a torrent across restarts.
type Spec struct {
	InfoHash        []byte
	Bitfield        []byte
	Dest            string
	Port            int
	Name            string
	Trackers        []string
	Info            []byte // raw bencoded info dict, empty for unresolved magnet links
	AddedAt         time.Time
	CreatedAt       time.Time
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	SeededFor       time.Duration
}

// Resumer persists and recovers one torrent's Spec and Stats.
type Resumer interface {
	Write(spec *Spec) error
	Read() (*Spec, error)
	WriteBitfield(b []byte) error
	WriteStats(s Stats) error
	WriteStarted(started bool) error
}
