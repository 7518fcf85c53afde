package piecewriter

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/coredrop/torrentengine/internal/piece"
	"github.com/coredrop/torrentengine/internal/smartban"
	"github.com/coredrop/torrentengine/internal/storage"
)

type memStorage struct {
	written map[uint32][]byte
	err     error
}

func newMemStorage() *memStorage { return &memStorage{written: make(map[uint32][]byte)} }

func (m *memStorage) Initialize(allocate bool) error { return nil }
func (m *memStorage) Readv(piece uint32, offset int64, iovecs []storage.IOVec) (int64, error) {
	return 0, nil
}
func (m *memStorage) Writev(idx uint32, offset int64, iovecs []storage.IOVec) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	var buf []byte
	for _, iov := range iovecs {
		buf = append(buf, iov.Buf...)
	}
	m.written[idx] = buf
	return int64(len(buf)), nil
}
func (m *memStorage) PhysicalOffset(piece uint32, offset int64) (int64, error) { return offset, nil }
func (m *memStorage) HasAnyFile() (bool, error)                               { return false, nil }
func (m *memStorage) RenameFile(index int, newName string) error              { return nil }
func (m *memStorage) MoveStorage(newRoot string) error                        { return nil }
func (m *memStorage) ReleaseFiles() error                                     { return nil }
func (m *memStorage) DeleteFiles() error                                      { return nil }
func (m *memStorage) Dest() string                                            { return "" }

func testPiece(data []byte) *piece.Piece {
	hash := sha1.Sum(data)
	return piece.NewPiece(0, uint32(len(data)), hash, 4)
}

func TestRunWritesOnMatchingHash(t *testing.T) {
	data := []byte("0123456789abcdef")
	pi := testPiece(data)
	sto := newMemStorage()

	resultC := make(chan *PieceWriter, 1)
	w := New(pi, data, sto, nil, nil)
	w.Run(resultC)
	got := <-resultC

	if !got.Verified {
		t.Fatal("expected piece to verify")
	}
	if got.Error != nil {
		t.Fatalf("unexpected write error: %v", got.Error)
	}
	if !bytes.Equal(sto.written[0], data) {
		t.Fatalf("storage got %q, want %q", sto.written[0], data)
	}
}

func TestRunRejectsMismatchingHashWithoutWriting(t *testing.T) {
	data := []byte("0123456789abcdef")
	pi := piece.NewPiece(0, uint32(len(data)), [20]byte{0xff}, 4) // wrong hash
	sto := newMemStorage()

	resultC := make(chan *PieceWriter, 1)
	w := New(pi, data, sto, nil, nil)
	w.Run(resultC)
	got := <-resultC

	if got.Verified {
		t.Fatal("expected verification to fail")
	}
	if _, wrote := sto.written[0]; wrote {
		t.Fatal("a failed piece must not be written to storage")
	}
}

// TestSmartBanAttributesBadContributorOnRetry drives the whole wiring: a
// piece with two contributing peers fails, smart-ban records both, and a
// retry with the bad peer's block replaced reports only that peer to ban.
func TestSmartBanAttributesBadContributorOnRetry(t *testing.T) {
	good := []byte("good0000")
	bad := []byte("tampered")
	combined := append(append([]byte{}, good...), bad...)
	correctHash := sha1.Sum(append(append([]byte{}, good...), []byte("corrected")...))

	sto := newMemStorage()
	ban := smartban.New([]byte("salt"))

	pi := piece.NewPiece(0, uint32(len(combined)), [20]byte{}, 8) // mismatching hash on purpose
	peerA, peerB := "peerA", "peerB"
	pi.Blocks[0].Requester = peerA
	pi.Blocks[1].Requester = peerB

	w := New(pi, combined, sto, nil, ban)
	resultC := make(chan *PieceWriter, 1)
	w.Run(resultC)
	failed := <-resultC
	if failed.Verified {
		t.Fatal("expected the tampered piece to fail verification")
	}

	// Retry: peerA's block unchanged, peerB's block corrected; this time the
	// full-piece hash matches.
	retryData := append(append([]byte{}, good...), []byte("corrected")...)
	pi2 := piece.NewPiece(0, uint32(len(retryData)), correctHash, 8)
	pi2.Blocks[0].Requester = peerA
	pi2.Blocks[1].Requester = peerB

	w2 := New(pi2, retryData, sto, nil, ban)
	resultC2 := make(chan *PieceWriter, 1)
	w2.Run(resultC2)
	ok := <-resultC2

	if !ok.Verified {
		t.Fatal("expected retry to verify")
	}
	if len(ok.BannedPeers) != 1 || ok.BannedPeers[0] != smartban.PeerID(peerB) {
		t.Fatalf("expected only peerB banned, got %v", ok.BannedPeers)
	}
}
