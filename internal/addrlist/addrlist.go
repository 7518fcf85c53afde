// Package addrlist queues candidate peer addresses for a torrent,
// deduplicating across sources and remembering recently-tried addresses
// so the torrent doesn't hammer the same dead peer.
package addrlist

import (
	"container/list"
	"net"
	"sync"
	"time"
)

// PeerSource identifies where an address was learned from.
type PeerSource int

// Address sources.
const (
	Tracker PeerSource = iota
	DHT
	PEX
	Manual
)

type entry struct {
	addr      *net.TCPAddr
	source    PeerSource
	triedAt   time.Time
	connected bool
}

// AddrList is a bounded, deduplicated queue of peer addresses.
type AddrList struct {
	mu         sync.Mutex
	maxItems   int
	resetAfter time.Duration

	queue  *list.List
	byAddr map[string]*list.Element
}

// New creates a list holding up to maxItems addresses, with reattempts of
// a given address suppressed for resetAfter since the last try.
func New(maxItems int, resetAfter time.Duration) *AddrList {
	return &AddrList{
		maxItems:   maxItems,
		resetAfter: resetAfter,
		queue:      list.New(),
		byAddr:     make(map[string]*list.Element),
	}
}

// Push adds addr from source if not already known, or refreshes its
// source tag if it is. Loopback and unspecified addresses are dropped.
func (l *AddrList) Push(addr *net.TCPAddr, source PeerSource) {
	if addr == nil || addr.IP.IsUnspecified() || addr.IP.IsLoopback() {
		return
	}
	key := addr.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.byAddr[key]; ok {
		e.Value.(*entry).source = source
		return
	}
	if l.queue.Len() >= l.maxItems {
		oldest := l.queue.Front()
		if oldest != nil {
			l.queue.Remove(oldest)
			delete(l.byAddr, oldest.Value.(*entry).addr.String())
		}
	}
	e := l.queue.PushBack(&entry{addr: addr, source: source})
	l.byAddr[key] = e
}

// Len returns the number of addresses currently queued.
func (l *AddrList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Len()
}

// Pop returns the next address worth dialing, skipping ones tried within
// resetAfter. Returns false when nothing is eligible right now.
func (l *AddrList) Pop() (*net.TCPAddr, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for e := l.queue.Front(); e != nil; e = e.Next() {
		en := e.Value.(*entry)
		if en.connected {
			continue
		}
		if !en.triedAt.IsZero() && now.Sub(en.triedAt) < l.resetAfter {
			continue
		}
		en.triedAt = now
		l.queue.MoveToBack(e)
		return en.addr, true
	}
	return nil, false
}

// Reset clears the tried-at marker on addr, making it immediately
// eligible for Pop again; used when a dial attempt fails fast.
func (l *AddrList) Reset(addr *net.TCPAddr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.byAddr[addr.String()]; ok {
		e.Value.(*entry).triedAt = time.Time{}
	}
}

// Remove drops addr from the list entirely, e.g. once connected, so it
// won't be dialed again concurrently.
func (l *AddrList) Remove(addr *net.TCPAddr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := addr.String()
	if e, ok := l.byAddr[key]; ok {
		l.queue.Remove(e)
		delete(l.byAddr, key)
	}
}
