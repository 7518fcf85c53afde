// Package httptracker implements tracker.Tracker over plain HTTP(S), the
// bencoded-dictionary announce convention common to BitTorrent trackers.
// It covers the common case a single torrent needs rather than full BEP-3
// conformance.
package httptracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/zeebo/bencode"

	"github.com/coredrop/torrentengine/internal/tracker"
)

// Transport is implemented by *http.Client, narrowed for testability.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPTracker announces to a single HTTP(S) tracker URL.
type HTTPTracker struct {
	rawURL    string
	client    Transport
	userAgent string
}

// New creates a tracker client for rawURL.
func New(rawURL string, timeout time.Duration, userAgent string) (*HTTPTracker, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, err
	}
	return &HTTPTracker{
		rawURL:    rawURL,
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}, nil
}

// URL implements tracker.Tracker.
func (t *HTTPTracker) URL() string { return t.rawURL }

type announceResponse struct {
	FailureReason string `bencode:"failure reason"`
	Warning       string `bencode:"warning message"`
	Interval      int32  `bencode:"interval"`
	Peers         string `bencode:"peers"`
}

// Announce implements tracker.Tracker.
func (t *HTTPTracker) Announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	u, err := url.Parse(t.rawURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("info_hash", string(req.Torrent.InfoHash[:]))
	q.Set("peer_id", string(req.Torrent.PeerID[:]))
	q.Set("port", strconv.Itoa(req.Torrent.Port))
	q.Set("uploaded", strconv.FormatInt(req.Torrent.BytesUploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Torrent.BytesDownloaded, 10))
	q.Set("left", strconv.FormatInt(req.Torrent.BytesLeft, 10))
	q.Set("compact", "1")
	if ev := eventName(req.Event); ev != "" {
		q.Set("event", ev)
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if t.userAgent != "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httptracker: unexpected status %d", resp.StatusCode)
	}

	var ar announceResponse
	if err := bencode.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, err
	}
	if ar.FailureReason != "" {
		return nil, fmt.Errorf("%w: %s", tracker.ErrNotAnnounced, ar.FailureReason)
	}
	peers, err := parseCompactPeers(ar.Peers)
	if err != nil {
		return nil, err
	}
	return &tracker.AnnounceResponse{
		Interval: time.Duration(ar.Interval) * time.Second,
		Peers:    peers,
		Warning:  ar.Warning,
	}, nil
}

func eventName(e tracker.Event) string {
	switch e {
	case tracker.EventStarted:
		return "started"
	case tracker.EventStopped:
		return "stopped"
	case tracker.EventCompleted:
		return "completed"
	default:
		return ""
	}
}

func parseCompactPeers(s string) ([]*net.TCPAddr, error) {
	b := []byte(s)
	if len(b)%6 != 0 {
		return nil, errors.New("httptracker: invalid compact peers length")
	}
	addrs := make([]*net.TCPAddr, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := int(b[i+4])<<8 | int(b[i+5])
		addrs = append(addrs, &net.TCPAddr{IP: ip, Port: port})
	}
	return addrs, nil
}
