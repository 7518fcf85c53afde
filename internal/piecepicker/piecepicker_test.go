package piecepicker

import (
	"io"
	"net"
	"testing"

	"github.com/coredrop/torrentengine/internal/logger"
	"github.com/coredrop/torrentengine/internal/peer"
	"github.com/coredrop/torrentengine/internal/peerconn"
	"github.com/coredrop/torrentengine/internal/piece"
)

func newTestPeer(t *testing.T) *peer.Peer {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })
	go io.Copy(io.Discard, c2)
	conn := peerconn.New(c1, [20]byte{}, nil, logger.New("test"), 0, 4096)
	return peer.New(conn, 0)
}

func newPieces(n int, blockSize uint32) []piece.Piece {
	pieces := make([]piece.Piece, n)
	for i := 0; i < n; i++ {
		pieces[i] = *piece.NewPiece(uint32(i), blockSize*2, [20]byte{}, blockSize)
	}
	return pieces
}

func hasAll(index uint32) bool { return true }

func TestFilteredPieceIsNeverPicked(t *testing.T) {
	pieces := newPieces(3, 16)
	p := New(pieces, false)
	p.SetPriority(1, 0) // filter the middle piece

	pe := newTestPeer(t)
	seen := make(map[uint32]bool)
	for {
		idx, _, ok := p.Pick(pe, hasAll, piece.SpeedFast)
		if !ok {
			break
		}
		seen[idx] = true
	}
	if seen[1] {
		t.Fatal("a priority-0 piece must never be picked")
	}
}

func TestHigherPriorityBucketServedFirst(t *testing.T) {
	pieces := newPieces(2, 16)
	p := New(pieces, false)
	p.SetPriority(0, 1)
	p.SetPriority(1, 7)

	pe := newTestPeer(t)
	idx, _, ok := p.Pick(pe, hasAll, piece.SpeedFast)
	if !ok || idx != 1 {
		t.Fatalf("expected the priority-7 piece first, got idx=%d ok=%v", idx, ok)
	}
}

func TestRarestFirst(t *testing.T) {
	pieces := newPieces(2, 16)
	p := New(pieces, false)

	common := newTestPeer(t)
	rare := newTestPeer(t)

	// Piece 0 is rarer: only the "common" peer announced it (HandleHave),
	// while piece 1 is announced by both peers.
	p.HandleHave(common, 0)
	p.HandleHave(common, 1)
	p.HandleHave(rare, 1)

	idx, _, ok := p.Pick(common, hasAll, piece.SpeedFast)
	if !ok || idx != 0 {
		t.Fatalf("expected the rarer piece (0) to be picked first, got idx=%d ok=%v", idx, ok)
	}
}

func TestSequentialOrdersByIndex(t *testing.T) {
	pieces := newPieces(4, 16)
	p := New(pieces, true)
	pe := newTestPeer(t)

	var order []uint32
	for i := 0; i < 4; i++ {
		idx, b, ok := p.Pick(pe, hasAll, piece.SpeedFast)
		if !ok {
			t.Fatalf("expected a pick at step %d", i)
		}
		order = append(order, idx)
		// Consume every block of the picked piece's first bucket entry so
		// the next Pick moves on to a different piece.
		for b != nil {
			b.State = piece.BlockFinished
			var next uint32
			next, b, ok = p.Pick(pe, hasAll, piece.SpeedFast)
			if !ok {
				break
			}
			if b != nil && next != idx {
				break
			}
		}
	}
	for i := 1; i < len(order); i++ {
		if order[i] < order[i-1] {
			t.Fatalf("sequential mode must not go backwards: %v", order)
		}
	}
}

func TestParoleRestrictsToExclusiveContributor(t *testing.T) {
	pieces := newPieces(1, 16) // one piece, two 16-byte blocks
	p := New(pieces, false)

	peerA := newTestPeer(t)
	peerB := newTestPeer(t)

	// peerA takes both blocks of piece 0, then it fails verification.
	idx, b1, ok := p.Pick(peerA, hasAll, piece.SpeedFast)
	if !ok || idx != 0 {
		t.Fatalf("expected piece 0 first block for peerA, got idx=%d ok=%v", idx, ok)
	}
	_, b2, ok := p.Pick(peerA, hasAll, piece.SpeedFast)
	if !ok {
		t.Fatal("expected piece 0 second block for peerA")
	}
	b1.State, b2.State = piece.BlockFinished, piece.BlockFinished

	p.PieceFailed(0)

	// peerB must not be able to pick up the paroled piece...
	if _, _, ok := p.Pick(peerB, hasAll, piece.SpeedFast); ok {
		t.Fatal("expected paroled piece to be unavailable to a new contributor")
	}
	// ...but peerA, the sole prior contributor, may retry it.
	if _, _, ok := p.Pick(peerA, hasAll, piece.SpeedFast); !ok {
		t.Fatal("expected the exclusive prior contributor to retry the paroled piece")
	}
}

func TestSpeedClassMismatchBlocksSecondContributor(t *testing.T) {
	pieces := newPieces(1, 16) // one piece, two blocks
	p := New(pieces, false)

	fast := newTestPeer(t)
	slow := newTestPeer(t)

	idx, _, ok := p.Pick(fast, hasAll, piece.SpeedFast)
	if !ok || idx != 0 {
		t.Fatalf("expected first block picked by fast peer, got idx=%d ok=%v", idx, ok)
	}

	// A slow peer must not be handed the second block of a piece a fast
	// peer is already downloading.
	if _, _, ok := p.Pick(slow, hasAll, piece.SpeedSlow); ok {
		t.Fatal("expected speed-class mismatch to block the second contributor")
	}
	// The same fast peer may continue taking blocks of its own piece.
	if _, _, ok := p.Pick(fast, hasAll, piece.SpeedFast); !ok {
		t.Fatal("expected the original speed class to still be able to pick")
	}
}

func TestEndgameAllowsDuplicateRequests(t *testing.T) {
	pieces := newPieces(1, 16)
	p := New(pieces, false)
	pe := newTestPeer(t)

	// Exhaust the single piece's two blocks normally.
	p.Pick(pe, hasAll, piece.SpeedFast)
	p.Pick(pe, hasAll, piece.SpeedFast)

	if _, _, ok := p.Pick(pe, hasAll, piece.SpeedFast); ok {
		t.Fatal("expected no more blocks before endgame is enabled")
	}

	p.SetEndgame(true)
	other := newTestPeer(t)
	if _, _, ok := p.Pick(other, hasAll, piece.SpeedFast); !ok {
		t.Fatal("expected endgame to allow a duplicate request from a second peer")
	}
}

func TestShouldEnterEndgame(t *testing.T) {
	if ShouldEnterEndgame(0, 0) {
		t.Fatal("expected false for a torrent with zero pieces")
	}
	if !ShouldEnterEndgame(1, 1000) {
		t.Fatal("expected endgame once remaining pieces are a tiny fraction of total")
	}
	if ShouldEnterEndgame(500, 1000) {
		t.Fatal("expected no endgame with half the torrent still remaining")
	}
}
