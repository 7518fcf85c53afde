package session

import (
	"net"

	"github.com/nictuku/dht"
)

// dhtAnnouncer bridges a torrent to the session's shared DHT node: it
// forwards PeersRequest calls from the torrent's announcer.DHTAnnouncer
// ticker, and receives matching results back from the session's
// processDHTResults loop on peersC.
type dhtAnnouncer struct {
	dht      *dht.DHT
	infoHash dht.InfoHash
	port     int
	peersC   chan []*net.TCPAddr
}

func newDHTAnnouncer(d *dht.DHT, infoHash []byte, port int) *dhtAnnouncer {
	return &dhtAnnouncer{
		dht:      d,
		infoHash: dht.InfoHash(infoHash),
		port:     port,
		peersC:   make(chan []*net.TCPAddr),
	}
}

// PeersRequest implements announcer.DHTNode.
func (d *dhtAnnouncer) PeersRequest(infoHash string, announce bool) {
	if d.dht == nil {
		return
	}
	d.dht.PeersRequest(infoHash, announce)
}
