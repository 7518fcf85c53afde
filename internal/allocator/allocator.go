// Package allocator preallocates (or just creates) a torrent's files on
// disk off the event-loop goroutine. Only the final result is reported;
// nothing is sent on the progress channel passed to Run.
package allocator

import "github.com/coredrop/torrentengine/internal/storage"

// Progress reports cumulative bytes allocated so far.
type Progress struct {
	AllocatedSize int64
}

// Allocator runs storage.Initialize on a background goroutine.
type Allocator struct {
	Error error

	sto      storage.Storage
	allocate bool
}

// New creates an allocator for sto. allocate selects preallocation (files
// truncated to full length) vs. sparse creation (files created empty).
func New(sto storage.Storage, allocate bool) *Allocator {
	return &Allocator{sto: sto, allocate: allocate}
}

// Run initializes storage and reports the result on resultC.
func (a *Allocator) Run(progressC chan Progress, resultC chan *Allocator, stopC chan struct{}) {
	a.Error = a.sto.Initialize(a.allocate)
	select {
	case resultC <- a:
	case <-stopC:
	}
}
