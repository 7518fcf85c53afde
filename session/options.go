package session

import (
	"crypto/rand"
	"net"
	"time"

	"github.com/coredrop/torrentengine/internal/addrlist"
	"github.com/coredrop/torrentengine/internal/allocator"
	"github.com/coredrop/torrentengine/internal/announcer"
	"github.com/coredrop/torrentengine/internal/bitfield"
	"github.com/coredrop/torrentengine/internal/blocklist"
	"github.com/coredrop/torrentengine/internal/handshaker/incominghandshaker"
	"github.com/coredrop/torrentengine/internal/handshaker/outgoinghandshaker"
	"github.com/coredrop/torrentengine/internal/infodownloader"
	"github.com/coredrop/torrentengine/internal/logger"
	"github.com/coredrop/torrentengine/internal/metainfo"
	"github.com/coredrop/torrentengine/internal/peer"
	"github.com/coredrop/torrentengine/internal/piece"
	"github.com/coredrop/torrentengine/internal/piececache"
	"github.com/coredrop/torrentengine/internal/piecedownloader"
	"github.com/coredrop/torrentengine/internal/piecepicker"
	"github.com/coredrop/torrentengine/internal/piecewriter"
	"github.com/coredrop/torrentengine/internal/resumer"
	"github.com/coredrop/torrentengine/internal/smartban"
	"github.com/coredrop/torrentengine/internal/storage"
	"github.com/coredrop/torrentengine/internal/tracker"
	"github.com/coredrop/torrentengine/internal/verifier"
	metrics "github.com/rcrowley/go-metrics"
)

const blockSize = 16 * 1024

// options bundles everything needed to construct a *torrent.
type options struct {
	Name      string
	Port      int
	Trackers  []tracker.Tracker
	Resumer   resumer.Resumer
	Blocklist *blocklist.Blocklist
	Config    *Config
	Stats     resumer.Stats
	Info      *metainfo.Info
	Bitfield  *bitfield.Bitfield
	DHT       *dhtAnnouncer
}

// NewTorrent builds a *torrent in the Stopped state; callers must call
// Start to begin allocating/verifying/downloading.
func (o *options) NewTorrent(infoHash []byte, sto storage.Storage) (*torrent, error) {
	var ih [20]byte
	copy(ih[:], infoHash)

	var peerID [20]byte
	copy(peerID[:], "-TE0001-")
	if _, err := rand.Read(peerID[8:]); err != nil {
		return nil, err
	}

	name := o.Name
	if o.Info != nil {
		name = o.Info.Name
	}

	t := &torrent{
		config:                    *o.Config,
		infoHash:                  ih,
		trackers:                  o.Trackers,
		name:                      name,
		storage:                   sto,
		port:                      o.Port,
		resume:                    o.Resumer,
		info:                      o.Info,
		bitfield:                  o.Bitfield,
		peerID:                    peerID,
		peerDisconnectedC:         make(chan *peer.Peer),
		pieceMessages:             make(chan peer.PieceMessage),
		messages:                  make(chan peer.Message),
		peers:                     make(map[*peer.Peer]struct{}),
		incomingPeers:             make(map[*peer.Peer]struct{}),
		outgoingPeers:             make(map[*peer.Peer]struct{}),
		peersSnubbed:              make(map[*peer.Peer]struct{}),
		pieceDownloaders:          make(map[*peer.Peer]*piecedownloader.PieceDownloader),
		pieceDownloadersSnubbed:   make(map[*peer.Peer]*piecedownloader.PieceDownloader),
		pieceDownloadersChoked:    make(map[*peer.Peer]*piecedownloader.PieceDownloader),
		pieceDownloaderStopC:      make(map[*peer.Peer]chan struct{}),
		blockArrivedC:             make(chan blockArrived),
		pieceDownloaderErrC:       make(chan pieceDownloaderErr),
		assembling:                make(map[uint32][]byte),
		peerSnubbedC:              make(chan *peer.Peer),
		infoDownloaders:           make(map[*peer.Peer]*infodownloader.InfoDownloader),
		infoDownloadersSnubbed:    make(map[*peer.Peer]*infodownloader.InfoDownloader),
		pieceWriterResultC:        make(chan *piecewriter.PieceWriter),
		completeC:                 make(chan struct{}),
		errC:                      make(chan error, 1),
		portC:                     make(chan int, 1),
		closeC:                    make(chan chan struct{}),
		closedC:                   make(chan struct{}),
		statsCommandC:             make(chan statsRequest),
		trackersCommandC:          make(chan trackersRequest),
		peersCommandC:             make(chan peersRequest),
		startCommandC:             make(chan struct{}),
		stopCommandC:              make(chan struct{}),
		notifyErrorCommandC:       make(chan notifyErrorCommand),
		notifyListenCommandC:      make(chan notifyListenCommand),
		addPeersCommandC:          make(chan []*net.TCPAddr),
		addrsFromTrackers:         make(chan []*net.TCPAddr),
		addrList:                  addrlist.New(2000, 30*time.Minute),
		incomingConnC:             make(chan net.Conn),
		peerIDs:                   make(map[[20]byte]struct{}),
		incomingHandshakers:       make(map[*incominghandshaker.IncomingHandshaker]struct{}),
		outgoingHandshakers:       make(map[*outgoinghandshaker.OutgoingHandshaker]struct{}),
		incomingHandshakerResultC: make(chan *incominghandshaker.IncomingHandshaker),
		outgoingHandshakerResultC: make(chan *outgoinghandshaker.OutgoingHandshaker),
		infoDownloaderResultC:     make(chan *infodownloader.InfoDownloader),
		announcerRequestC:         make(chan *announcer.Request),
		allocatorProgressC:        make(chan allocator.Progress),
		allocatorResultC:          make(chan *allocator.Allocator),
		verifierProgressC:         make(chan verifier.Progress),
		verifierResultC:           make(chan *verifier.Verifier),
		resumerStats:              o.Stats,
		connectedPeerIPs:          make(map[string]struct{}),
		announcersStoppedC:        make(chan struct{}),
		dhtPeersC:                 make(chan []*net.TCPAddr),
		log:                       logger.New("torrent " + name),
		blocklist:                 o.Blocklist,
		externalIP:                firstNonLoopbackIP(),
		downloadSpeed:             metrics.NewEWMA1(),
		uploadSpeed:               metrics.NewEWMA1(),
	}
	t.piecePool.New = func() interface{} { return make([]byte, blockSize) }

	if o.Info != nil {
		if err := t.setInfo(o.Info); err != nil {
			return nil, err
		}
	}

	if o.DHT != nil {
		t.dhtNode = o.DHT
		t.dhtAnnouncer = announcer.NewDHTAnnouncer(o.DHT, ih[:])
	}

	go t.run()

	return t, nil
}

// setInfo binds a resolved metainfo.Info (either at construction time or
// after a magnet download's metadata completes), building the piece table
// and wiring the piece cache.
func (t *torrent) setInfo(info *metainfo.Info) error {
	t.info = info
	if t.bitfield == nil {
		t.bitfield = bitfield.New(info.NumPieces)
	}
	t.pieces = make([]piece.Piece, info.NumPieces)
	for i := uint32(0); i < info.NumPieces; i++ {
		p := piece.NewPiece(i, info.PieceLen(i), info.PieceHash(i), blockSize)
		t.pieces[i] = *p
	}
	t.piecePicker = piecepicker.New(t.pieces, t.config.Sequential)
	t.pieceCache = piececache.New(t.storage, t.config.PieceCacheSize, blockSize)
	t.smartBan = smartban.New(t.infoHash[:])
	return nil
}

func firstNonLoopbackIP() net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP
		}
	}
	return nil
}
