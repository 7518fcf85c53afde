package session

import (
	"math/rand"
	"sort"

	"github.com/coredrop/torrentengine/internal/peer"
)

// chokeCandidates collects peers eligible for the regular choke/unchoke
// pass: interested in us and not already held unchoked optimistically.
func (t *torrent) chokeCandidates() []*peer.Peer {
	out := make([]*peer.Peer, 0, len(t.peers))
	for pe := range t.peers {
		if pe.PeerInterested && !pe.OptimisticUnchoked {
			out = append(out, pe)
		}
	}
	return out
}

// rateKey returns the per-peer counter the current choke pass ranks by:
// upload rate once we're seeding, download rate while still leeching.
func (t *torrent) rateKey(pe *peer.Peer) int64 {
	if t.completed {
		return pe.BytesUploadedInChokePeriod
	}
	return pe.BytesDownlaodedInChokePeriod
}

// tickUnchoke keeps the best-performing UnchokedPeers peers unchoked for
// the coming period and chokes the rest, then resets the rate counters the
// ranking was based on.
func (t *torrent) tickUnchoke() {
	peers := t.chokeCandidates()
	sort.Slice(peers, func(i, j int) bool {
		return t.rateKey(peers[i]) > t.rateKey(peers[j])
	})

	for pe := range t.peers {
		pe.BytesDownlaodedInChokePeriod = 0
		pe.BytesUploadedInChokePeriod = 0
	}

	for i, pe := range peers {
		if i < t.config.UnchokedPeers {
			t.unchokePeer(pe)
			// A peer earning its slot on rate doesn't need the optimistic
			// timer to protect it from being choked next round.
			pe.OptimisticUnchoked = false
		} else {
			t.chokePeer(pe)
		}
	}
}

// tickOptimisticUnchoke rotates a small number of otherwise-choked peers
// into an unchoked slot regardless of rate, giving new or slow peers a
// chance to prove themselves.
func (t *torrent) tickOptimisticUnchoke() {
	for _, pe := range t.optimisticUnchokedPeers {
		if pe.OptimisticUnchoked {
			t.chokePeer(pe)
		}
	}
	t.optimisticUnchokedPeers = t.optimisticUnchokedPeers[:0]

	candidates := make([]*peer.Peer, 0, len(t.peers))
	for pe := range t.peers {
		if pe.PeerInterested && !pe.OptimisticUnchoked && pe.AmChoking {
			candidates = append(candidates, pe)
		}
	}

	n := t.config.OptimisticUnchokedPeers
	if n > len(candidates) {
		n = len(candidates)
	}
	for i := 0; i < n; i++ {
		j := i + rand.Intn(len(candidates)-i)
		candidates[i], candidates[j] = candidates[j], candidates[i]
		pe := candidates[i]
		pe.OptimisticUnchoked = true
		t.unchokePeer(pe)
		t.optimisticUnchokedPeers = append(t.optimisticUnchokedPeers, pe)
	}
}
