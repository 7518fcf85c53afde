package smartban

import "testing"

func TestForgetClearsCleanPiece(t *testing.T) {
	b := New([]byte("salt"))
	blocks := map[uint32][]byte{0: []byte("a"), 16: []byte("b")}
	b.RecordFailedPiece(5, blocks, func(begin uint32) PeerID { return "peerA" })
	b.Forget(5)

	toBan := b.CheckRetry(5, blocks)
	if len(toBan) != 0 {
		t.Fatalf("expected no bans after Forget, got %v", toBan)
	}
}

// TestCheckRetryBansOnlyTheMismatchingContributor covers the multi-peer
// scenario smart-ban exists for: two peers contributed to a piece that
// failed verification, a retry with one peer swapped out verifies, and only
// the peer whose block actually changed should be reported for banning.
func TestCheckRetryBansOnlyTheMismatchingContributor(t *testing.T) {
	b := New([]byte("salt"))

	good := []byte("good-block-data.......")
	bad := []byte("bad-block-data........")

	firstAttempt := map[uint32][]byte{0: good, 16: bad}
	contributors := map[uint32]PeerID{0: "peerA", 16: "peerB"}
	b.RecordFailedPiece(5, firstAttempt, func(begin uint32) PeerID { return contributors[begin] })

	// Retry: peerA's block arrives unchanged, peerB is replaced and this
	// time sends the correct bytes.
	retry := map[uint32][]byte{0: good, 16: []byte("corrected-block-data.")}
	toBan := b.CheckRetry(5, retry)

	if len(toBan) != 1 || toBan[0] != PeerID("peerB") {
		t.Fatalf("expected only peerB banned, got %v", toBan)
	}

	// The record is consumed; a second call finds nothing left to compare.
	if more := b.CheckRetry(5, retry); len(more) != 0 {
		t.Fatalf("expected empty result on second CheckRetry, got %v", more)
	}
}

func TestCheckRetryIgnoresUnrecordedBlocks(t *testing.T) {
	b := New([]byte("salt"))
	// Piece 9 never failed before; nothing was recorded for it.
	toBan := b.CheckRetry(9, map[uint32][]byte{0: []byte("x")})
	if len(toBan) != 0 {
		t.Fatalf("expected no bans for a piece with no failure history, got %v", toBan)
	}
}

func TestSaltChangesHash(t *testing.T) {
	a := New([]byte("salt-a"))
	c := New([]byte("salt-b"))
	data := []byte("identical-bytes")
	if a.hashBlock(data) == c.hashBlock(data) {
		t.Fatal("expected different salts to produce different block hashes")
	}
}
