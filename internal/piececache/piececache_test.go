package piececache

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/coredrop/torrentengine/internal/storage"
)

// memStorage is a minimal in-memory storage.Storage for exercising the
// cache's read-through path without touching disk.
type memStorage struct {
	pieces map[uint32][]byte
}

func newMemStorage() *memStorage { return &memStorage{pieces: make(map[uint32][]byte)} }

func (m *memStorage) Initialize(allocate bool) error { return nil }

func (m *memStorage) Readv(piece uint32, offset int64, iovecs []storage.IOVec) (int64, error) {
	data := m.pieces[piece]
	var n int64
	for _, iov := range iovecs {
		copy(iov.Buf, data[offset:])
		n += int64(len(iov.Buf))
		offset += int64(len(iov.Buf))
	}
	return n, nil
}

func (m *memStorage) Writev(piece uint32, offset int64, iovecs []storage.IOVec) (int64, error) {
	var n int64
	for _, iov := range iovecs {
		buf := m.pieces[piece]
		for int64(len(buf)) < offset+int64(len(iov.Buf)) {
			buf = append(buf, 0)
		}
		copy(buf[offset:], iov.Buf)
		m.pieces[piece] = buf
		n += int64(len(iov.Buf))
		offset += int64(len(iov.Buf))
	}
	return n, nil
}

func (m *memStorage) PhysicalOffset(piece uint32, offset int64) (int64, error) { return offset, nil }
func (m *memStorage) HasAnyFile() (bool, error)                               { return false, nil }
func (m *memStorage) RenameFile(index int, newName string) error              { return nil }
func (m *memStorage) MoveStorage(newRoot string) error                        { return nil }
func (m *memStorage) ReleaseFiles() error                                     { return nil }
func (m *memStorage) DeleteFiles() error                                      { return nil }
func (m *memStorage) Dest() string                                            { return "" }

func TestPutThenGetReturnsCachedBytes(t *testing.T) {
	c := New(newMemStorage(), 1<<20, 16)
	data := []byte("0123456789abcdef")
	c.Put(0, 0, data)

	got, ok := c.Get(0, 0, len(data))
	if !ok {
		t.Fatal("expected cache hit")
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestGetFallsBackToStorageOnMiss(t *testing.T) {
	sto := newMemStorage()
	sto.pieces[3] = []byte("stored-on-disk..")
	c := New(sto, 1<<20, 16)

	got, ok := c.Get(3, 0, 16)
	if !ok {
		t.Fatal("expected a read-through hit")
	}
	if !bytes.Equal(got, sto.pieces[3]) {
		t.Fatalf("got %q, want %q", got, sto.pieces[3])
	}
}

func TestTakePartialHashMatchesFullHash(t *testing.T) {
	c := New(newMemStorage(), 1<<20, 4)
	blocks := [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cccc")}
	for i, b := range blocks {
		c.Put(7, uint32(i*4), b)
	}

	got, ok := c.TakePartialHash(7, 12)
	if !ok {
		t.Fatal("expected partial hash to be available for in-order arrivals")
	}

	want := sha1Sum(bytes.Join(blocks, nil))
	if got != want {
		t.Fatalf("partial hash mismatch: got %x want %x", got, want)
	}

	// Once taken, the hash state is cleared.
	if _, ok := c.TakePartialHash(7, 12); ok {
		t.Fatal("expected TakePartialHash to be consumed after first call")
	}
}

func TestTakePartialHashFailsOnOutOfOrderArrival(t *testing.T) {
	c := New(newMemStorage(), 1<<20, 4)
	c.Put(8, 4, []byte("bbbb")) // arrives before its predecessor at begin=0
	c.Put(8, 0, []byte("aaaa"))

	if _, ok := c.TakePartialHash(8, 8); ok {
		t.Fatal("expected no partial hash after an out-of-order block arrival")
	}
}

func TestFlushCandidatesAndMarkFlushed(t *testing.T) {
	c := New(newMemStorage(), 1<<20, 16)
	c.Put(1, 0, []byte("dirty-block-data"))

	keys := c.FlushCandidates(10)
	if len(keys) != 1 || keys[0] != (blockKey{Piece: 1, Begin: 0}) {
		t.Fatalf("unexpected flush candidates: %v", keys)
	}
	c.MarkFlushed(keys[0])

	// Flushed blocks are no longer dirty, so a second pass finds nothing.
	if more := c.FlushCandidates(10); len(more) != 0 {
		t.Fatalf("expected no dirty candidates after flush, got %v", more)
	}
}

func sha1Sum(b []byte) [20]byte {
	return sha1.Sum(b)
}
