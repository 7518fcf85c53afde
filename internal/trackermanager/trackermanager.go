// Package trackermanager caches tracker.Tracker instances by URL so every
// torrent announcing to the same tracker shares one client and its
// connection pool.
package trackermanager

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coredrop/torrentengine/internal/blocklist"
	"github.com/coredrop/torrentengine/internal/tracker"
	"github.com/coredrop/torrentengine/internal/tracker/httptracker"
)

// TrackerManager builds and caches tracker.Tracker instances.
type TrackerManager struct {
	mu        sync.Mutex
	trackers  map[string]tracker.Tracker
	blocklist *blocklist.Blocklist
}

// New creates a manager that stores bl (may be nil); Get does not consult it.
func New(bl *blocklist.Blocklist) *TrackerManager {
	return &TrackerManager{
		trackers:  make(map[string]tracker.Tracker),
		blocklist: bl,
	}
}

// Get returns the cached tracker for rawURL, creating one if needed.
func (m *TrackerManager) Get(rawURL string, httpTimeout time.Duration, userAgent string) (tracker.Tracker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.trackers[rawURL]; ok {
		return t, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	var t tracker.Tracker
	switch u.Scheme {
	case "http", "https":
		t, err = httptracker.New(rawURL, httpTimeout, userAgent)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("trackermanager: unsupported tracker scheme %q", u.Scheme)
	}

	m.trackers[rawURL] = t
	return t, nil
}

// Close releases cached trackers. Kept for symmetry with other managers;
// http trackers hold no resources beyond their *http.Client.
func (m *TrackerManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackers = make(map[string]tracker.Tracker)
}
