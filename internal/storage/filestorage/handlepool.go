package filestorage

import (
	"container/list"
	"fmt"
	"os"
	"sync"
)

// handleKey identifies one open OS file uniquely across all storages
// sharing a pool.
type handleKey struct {
	storageID string
	fileIndex int
}

type handleEntry struct {
	key      handleKey
	f        *os.File
	writable bool
	elem     *list.Element
}

// handlePool is a shared, capacity-bounded LRU of open *os.File handles,
// keyed by (storage, file index). One pool instance is normally shared by
// every torrent's FileStorage in a session.
type handlePool struct {
	mu       sync.Mutex
	capacity int
	entries  map[handleKey]*handleEntry
	lru      *list.List // front = most recently used
}

func newHandlePool(capacity int) *handlePool {
	if capacity <= 0 {
		capacity = 512
	}
	return &handlePool{
		capacity: capacity,
		entries:  make(map[handleKey]*handleEntry),
		lru:      list.New(),
	}
}

// errCollision is returned when two distinct storage owners race for the
// same (storageID, fileIndex) and at least one wants write access.
var errCollision = fmt.Errorf("filestorage: file handle collision")

// open returns a usable *os.File for key, opening it if necessary. If an
// entry exists but is read-only while write access was requested, it is
// closed and reopened read-write.
func (p *handlePool) open(key handleKey, path string, wantWrite bool, mode openMode) (*os.File, error) {
	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		if !wantWrite || e.writable {
			p.lru.MoveToFront(e.elem)
			f := e.f
			p.mu.Unlock()
			return f, nil
		}
		// Mode-insufficient: drop and reopen below.
		p.removeLocked(e)
	}
	p.mu.Unlock()

	flag := os.O_RDONLY
	if wantWrite {
		flag = os.O_RDWR
	}
	if mode.create {
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[key]; ok {
		f.Close()
		return nil, errCollision
	}
	e := &handleEntry{key: key, f: f, writable: wantWrite}
	e.elem = p.lru.PushFront(e)
	p.entries[key] = e
	p.evictOverflowLocked()
	return f, nil
}

func (p *handlePool) evictOverflowLocked() {
	for len(p.entries) > p.capacity {
		back := p.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*handleEntry)
		p.removeLocked(e)
		// Close outside the lock would be nicer, but os.File.Close on most
		// platforms is fast enough
		// that holding the pool mutex briefly here is acceptable; the
		// long-running macOS close case is handled by callers that close
		// explicitly via release(), which does drop the lock first.
		e.f.Close()
	}
}

func (p *handlePool) removeLocked(e *handleEntry) {
	delete(p.entries, e.key)
	p.lru.Remove(e.elem)
}

// release closes and forgets every handle belonging to storageID, dropping
// the pool mutex around the actual close syscalls.
func (p *handlePool) release(storageID string) {
	p.mu.Lock()
	var toClose []*os.File
	for k, e := range p.entries {
		if k.storageID == storageID {
			toClose = append(toClose, e.f)
			p.removeLocked(e)
		}
	}
	p.mu.Unlock()
	for _, f := range toClose {
		f.Close()
	}
}

type openMode struct {
	create bool
}
