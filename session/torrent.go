package session

import (
	"net"
	"sync"
	"time"

	"github.com/coredrop/torrentengine/internal/acceptor"
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
	"github.com/rcrowley/go-metrics"
)

var (
	// We send this in handshake tell supported extensions.
	ourExtensions = bitfield.New(64)
)

func init() {
	ourExtensions.Set(61) // Fast Extension (BEP 6)
	ourExtensions.Set(43) // Extension Protocol (BEP 10)
}

// torrent connects to peers and downloads files from swarm.
type torrent struct {
	config Config

	// Identifies the torrent being downloaded.
	infoHash [20]byte

	// List of addresses to announce this torrent.
	trackers []tracker.Tracker

	// Name of the torrent.
	name string

	// Storage implementation to save the files in torrent.
	storage storage.Storage

	// TCP Port to listen for peer connections.
	port int

	// Optional DB implementation to save resume state of the torrent.
	resume resumer.Resumer

	// Contains info about files in torrent. This can be nil at start for magnet downloads.
	info *metainfo.Info

	// Bitfield for pieces we have. It is created after we got info.
	bitfield *bitfield.Bitfield

	// Unique peer ID is generated per downloader.
	peerID [20]byte

	files  []storage.File
	pieces []piece.Piece

	piecePicker *piecepicker.PiecePicker

	// Peers are sent to this channel when they are disconnected.
	peerDisconnectedC chan *peer.Peer

	// Piece messages coming from peers are sent this channel.
	pieceMessages chan peer.PieceMessage

	// Other messages coming from peers are sent to this channel.
	messages chan peer.Message

	// We keep connected peers in this map after they complete handshake phase.
	peers map[*peer.Peer]struct{}

	// Also keep a reference to incoming and outgoing peers seperately to count them quickly.
	incomingPeers map[*peer.Peer]struct{}
	outgoingPeers map[*peer.Peer]struct{}
	peersSnubbed  map[*peer.Peer]struct{}

	// One roaming per-peer block downloader per unchoked peer.
	pieceDownloaders        map[*peer.Peer]*piecedownloader.PieceDownloader
	pieceDownloadersSnubbed map[*peer.Peer]*piecedownloader.PieceDownloader
	pieceDownloadersChoked  map[*peer.Peer]*piecedownloader.PieceDownloader

	// Closing the channel for a peer stops its PieceDownloader.Run goroutine.
	pieceDownloaderStopC map[*peer.Peer]chan struct{}

	// Every arrived block is reported here as soon as it lands, regardless
	// of which peer's downloader received it, so a piece can be assembled
	// from more than one contributor.
	blockArrivedC chan blockArrived

	// A PieceDownloader whose peer connection errored reports itself here.
	pieceDownloaderErrC chan pieceDownloaderErr

	// Buffers for pieces currently being assembled from arrived blocks,
	// keyed by piece index, released once the piece is handed to a writer.
	assembling map[uint32][]byte

	// When a peer has snubbed us, a message sent to this channel.
	peerSnubbedC chan *peer.Peer

	// Identifies, after a piece fails verification and a retry succeeds,
	// which of its earlier contributors sent the bad data.
	smartBan *smartban.Banner

	// Active metadata downloads are kept in this map.
	infoDownloaders        map[*peer.Peer]*infodownloader.InfoDownloader
	infoDownloadersSnubbed map[*peer.Peer]*infodownloader.InfoDownloader

	pieceWriterResultC chan *piecewriter.PieceWriter

	// Some peers are optimistically unchoked regardless of their download rate.
	optimisticUnchokedPeers []*peer.Peer

	// This channel is closed once all pieces are downloaded and verified.
	completeC chan struct{}

	// True after all pieces are download, verified and written to disk.
	completed bool

	// True between start() and stop(); run() itself is always alive once
	// the torrent is constructed, independent of this.
	running bool

	// If any unrecoverable error occurs, it will be sent to this channel and download will be stopped.
	errC chan error

	// After listener has started, port will be sent to this channel.
	portC chan int

	// Contains the last error sent to errC.
	lastError error

	// Close() sends a done channel here to make run() tear down and return;
	// run() closes the done channel once it has finished.
	closeC chan chan struct{}

	// closedC is closed once Close() has fully torn down run(), so any
	// command method racing with shutdown doesn't block forever.
	closedC   chan struct{}
	closeOnce sync.Once

	// These are the channels for sending a message to run() loop.
	statsCommandC        chan statsRequest        // Stats()
	trackersCommandC     chan trackersRequest     // Trackers()
	peersCommandC        chan peersRequest        // Peers()
	startCommandC        chan struct{}            // Start()
	stopCommandC         chan struct{}            // Stop()
	notifyErrorCommandC  chan notifyErrorCommand  // NotifyError()
	notifyListenCommandC chan notifyListenCommand // NotifyListen()
	addPeersCommandC     chan []*net.TCPAddr      // AddPeers()

	// Trackers send announce responses to this channel.
	addrsFromTrackers chan []*net.TCPAddr

	// Keeps a list of peer addresses to connect.
	addrList *addrlist.AddrList

	// New raw connections accepted by the acceptor are sent here.
	incomingConnC chan net.Conn

	// Keep a set of peer IDs to block duplicate connections.
	peerIDs map[[20]byte]struct{}

	// Listens for incoming peer connections.
	acceptor *acceptor.Acceptor

	// Special hash of info hash for encypted connection handshake.
	sKeyHash [20]byte

	// Announces the status of torrent to trackers to get peer addresses periodically.
	announcers []*announcer.PeriodicalAnnouncer

	// This announcer announces Stopped event to the trackers after
	// all periodical trackers are closed.
	stoppedEventAnnouncer *announcer.StopAnnouncer

	// If not nil, torrent is announced to DHT periodically.
	dhtNode      *dhtAnnouncer
	dhtAnnouncer *announcer.DHTAnnouncer
	dhtPeersC    chan []*net.TCPAddr

	// List of peers in handshake state.
	incomingHandshakers map[*incominghandshaker.IncomingHandshaker]struct{}
	outgoingHandshakers map[*outgoinghandshaker.OutgoingHandshaker]struct{}

	// Handshake results are sent to these channels by handshakers.
	incomingHandshakerResultC chan *incominghandshaker.IncomingHandshaker
	outgoingHandshakerResultC chan *outgoinghandshaker.OutgoingHandshaker

	// When metadata of the torrent downloaded completely, a message is sent to this channel.
	infoDownloaderResultC chan *infodownloader.InfoDownloader

	// Announcers send a request to this channel to get information about the torrent.
	announcerRequestC chan *announcer.Request

	// A timer that ticks periodically to keep a certain number of peers unchoked.
	unchokeTimer  *time.Ticker
	unchokeTimerC <-chan time.Time

	// A timer that ticks periodically to keep a random peer unchoked regardless of its upload rate.
	optimisticUnchokeTimer  *time.Ticker
	optimisticUnchokeTimerC <-chan time.Time

	// A worker that opens and allocates files on the disk.
	allocator          *allocator.Allocator
	allocatorProgressC chan allocator.Progress
	allocatorResultC   chan *allocator.Allocator
	allocatorStopC     chan struct{}
	bytesAllocated     int64

	// A worker that does hash check of files on the disk.
	verifier          *verifier.Verifier
	verifierProgressC chan verifier.Progress
	verifierResultC   chan *verifier.Verifier
	verifierStopC     chan struct{}
	checkedPieces     uint32

	resumerStats          resumer.Stats
	seedDurationUpdatedAt time.Time

	// Holds connected peer IPs so we don't dial/accept multiple connections to/from same IP.
	connectedPeerIPs map[string]struct{}

	// A signal sent to run() loop when announcers are stopped.
	announcersStoppedC chan struct{}

	// Piece buffers that are being downloaded are pooled to reduce load on GC.
	piecePool sync.Pool

	// Keep a timer to write bitfield at interval to reduce IO.
	resumeWriteTimer  *time.Timer
	resumeWriteTimerC <-chan time.Time

	// Stats are written at interval to reduce IO.
	statsWriteTicker  *time.Ticker
	statsWriteTickerC <-chan time.Time

	// Keeps blocks read from disk in memory.
	pieceCache *piececache.Cache

	// To limit parallel disk reads.
	readMutex sync.Mutex

	// Optional list of IP addresses to block.
	blocklist *blocklist.Blocklist

	// Initialized with the first non-loopback IPv4 address found in the
	// network interfaces. It is not updated from the BEP 10 "yourip" field,
	// and no canonical peer priority (BEP 40) is computed from it.
	externalIP net.IP

	// Rate counters for download and upload speeds.
	downloadSpeed       metrics.EWMA
	uploadSpeed         metrics.EWMA
	speedCounterTicker  *time.Ticker
	speedCounterTickerC <-chan time.Time

	log logger.Logger
}

// Name of the torrent.
// For magnet downloads the initial name is replaced by the info dictionary's name once metadata is downloaded.
func (t *torrent) Name() string {
	return t.name
}

// InfoHash is a 20-bytes value that identifies the files in torrent.
func (t *torrent) InfoHash() []byte {
	b := make([]byte, 20)
	copy(b, t.infoHash[:])
	return b
}
