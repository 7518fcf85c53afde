package session

import "github.com/coredrop/torrentengine/internal/mse"

// getSKey implements incominghandshaker.SKeyLookup / mse.SKeyLookup for a
// single torrent: it only ever has one candidate info hash to try.
func (t *torrent) getSKey(req2Xored [20]byte, req3 [20]byte) ([]byte, bool) {
	req2 := mse.Hash("req2", t.infoHash[:])
	var xored [20]byte
	for i := range xored {
		xored[i] = req2[i] ^ req3[i]
	}
	if mse.ConstantTimeCompare(xored[:], req2Xored[:]) {
		return t.infoHash[:], true
	}
	return nil, false
}

// checkInfoHash implements incominghandshaker.CheckInfoHash.
func (t *torrent) checkInfoHash(infoHash [20]byte) bool {
	return infoHash == t.infoHash
}
