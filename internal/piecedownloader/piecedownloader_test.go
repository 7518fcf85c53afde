package piecedownloader

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/coredrop/torrentengine/internal/logger"
	"github.com/coredrop/torrentengine/internal/peer"
	"github.com/coredrop/torrentengine/internal/peerconn"
	"github.com/coredrop/torrentengine/internal/peerprotocol"
	"github.com/coredrop/torrentengine/internal/piece"
)

// newTestPeer builds a *peer.Peer backed by one end of a net.Pipe, draining
// anything written to it so SendMessage never blocks the caller.
func newTestPeer(t *testing.T) *peer.Peer {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })
	go io.Copy(io.Discard, c2)
	conn := peerconn.New(c1, [20]byte{}, nil, logger.New("test"), 0, 4096)
	return peer.New(conn, 0)
}

// oneBlockPicker mimics what a real picker does when it hands out a block:
// it marks the block requested by pe before returning it, then reports
// nothing else available.
func oneBlockPicker(pe *peer.Peer, pieceIndex uint32, b *piece.Block) PickFunc {
	used := false
	return func() (uint32, *piece.Block, bool) {
		if used {
			return 0, nil, false
		}
		used = true
		b.State = piece.BlockRequested
		b.Requester = pe
		return pieceIndex, b, true
	}
}

func TestRequestAndDeliverBlock(t *testing.T) {
	pe := newTestPeer(t)
	block := &piece.Block{Begin: 0, Length: 16}
	d := New(pe, oneBlockPicker(pe, 3, block))

	stopC := make(chan struct{})
	defer close(stopC)
	go d.Run(stopC)

	d.PieceC <- peerprotocol.PieceMessage{Index: 3, Begin: 0, Data: []byte("0123456789abcdef")}

	select {
	case res := <-d.BlockC:
		if res.PieceIndex != 3 || res.Begin != 0 || string(res.Data) != "0123456789abcdef" {
			t.Fatalf("unexpected block result: %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for block")
	}
}

func TestRejectOfUnknownBlockClosesPeer(t *testing.T) {
	pe := newTestPeer(t)
	// PickFunc never offers anything, so nothing is ever outstanding.
	d := New(pe, func() (uint32, *piece.Block, bool) { return 0, nil, false })

	stopC := make(chan struct{})
	defer close(stopC)
	go d.Run(stopC)

	d.RejectC <- peerprotocol.RejectMessage{Index: 9, Begin: 0, Length: 16}

	select {
	case err := <-d.ErrC:
		if err == nil {
			t.Fatal("expected a non-nil error")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error")
	}
}

func TestChokeReleasesOutstandingBlock(t *testing.T) {
	pe := newTestPeer(t)
	block := &piece.Block{Begin: 0, Length: 16}
	d := New(pe, oneBlockPicker(pe, 4, block))

	stopC := make(chan struct{})
	defer close(stopC)
	go d.Run(stopC)

	// Give Run a chance to pick the block and mark it requested.
	time.Sleep(50 * time.Millisecond)
	if block.State != piece.BlockRequested {
		t.Fatalf("expected block to be requested, got state %v", block.State)
	}

	d.ChokeC <- struct{}{}
	time.Sleep(50 * time.Millisecond)

	if block.State != piece.BlockNone {
		t.Fatalf("expected choke to release the block back to BlockNone, got %v", block.State)
	}
	if block.Requester != nil {
		t.Fatalf("expected requester cleared, got %v", block.Requester)
	}
}
