// Package peer tracks per-connection download/upload state for one swarm
// member: choke/interest flags, outstanding request accounting, and the
// channels used to feed messages back to the owning torrent's event loop.
package peer

import (
	"net"
	"sync"
	"time"

	"github.com/coredrop/torrentengine/internal/bitfield"
	"github.com/coredrop/torrentengine/internal/peerconn"
	"github.com/coredrop/torrentengine/internal/peerprotocol"
	"github.com/coredrop/torrentengine/internal/piece"
)

// Message is a non-piece message received from a peer, tagged with sender.
type Message struct {
	Peer    *Peer
	Message interface{}
}

// PieceMessage is a "piece" message, kept on its own channel so bulk block
// transfers never queue behind control messages.
type PieceMessage struct {
	Peer  *Peer
	Piece peerprotocol.PieceMessage
}

// Peer wraps a peerconn.Conn with choke/interest state and accounting.
type Peer struct {
	*peerconn.Conn

	mSnubTimer sync.Mutex

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	OptimisticUnchoked bool
	Snubbed            bool
	Downloading        bool

	BytesDownlaodedInChokePeriod int64
	BytesUploadedInChokePeriod   int64

	PEX *pexState

	// ExtensionHandshake holds the peer's decoded BEP-10 handshake payload,
	// nil until it arrives.
	ExtensionHandshake *peerprotocol.ExtensionHandshakeMessage

	// Bitfield is the peer's announced have-set (bitfield/have-all/have-none
	// plus subsequent have messages), nil until the first is received.
	Bitfield *bitfield.Bitfield

	// Messages received before metadata was available are buffered here and
	// replayed once the info dictionary is known.
	Messages []interface{}

	requestTimeout time.Duration
	snubTimer      *time.Timer

	messages     chan interface{}
	pieceC       chan peerprotocol.PieceMessage
	disconnectC  chan *Peer
}

// pexState is a placeholder accumulator for peer-exchange deltas; no ut_pex
// message is sent or parsed from it.
type pexState struct {
	mu      sync.Mutex
	added   []*net.TCPAddr
	dropped []*net.TCPAddr
}

func (p *pexState) Add(addr *net.TCPAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, addr)
}

func (p *pexState) Drop(addr *net.TCPAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropped = append(p.dropped, addr)
}

// New wraps an already handshaken connection.
func New(conn *peerconn.Conn, requestTimeout time.Duration) *Peer {
	p := &Peer{
		Conn:           conn,
		AmChoking:      true,
		PeerChoking:    true,
		requestTimeout: requestTimeout,
	}
	if conn.PEXEnabled() {
		p.PEX = &pexState{}
	}
	return p
}

// Run reads messages off the connection and dispatches them to the owning
// torrent's channels until the connection closes.
func (p *Peer) Run(messages chan Message, pieceMessages chan PieceMessage, snubbedC chan *Peer, disconnectC chan *Peer) {
	defer func() { disconnectC <- p }()
	for {
		msg, err := p.Conn.ReadMessage()
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case peerprotocol.PieceMessage:
			p.resetSnubTimer(snubbedC)
			pieceMessages <- PieceMessage{Peer: p, Piece: m}
		default:
			messages <- Message{Peer: p, Message: msg}
		}
	}
}

func (p *Peer) resetSnubTimer(snubbedC chan *Peer) {
	p.mSnubTimer.Lock()
	defer p.mSnubTimer.Unlock()
	if p.snubTimer != nil {
		p.snubTimer.Stop()
	}
	if p.requestTimeout <= 0 {
		return
	}
	p.snubTimer = time.AfterFunc(p.requestTimeout, func() {
		select {
		case snubbedC <- p:
		default:
		}
	})
}

// SendMessage writes an outgoing message synchronously on the caller's
// goroutine.
func (p *Peer) SendMessage(msg peerprotocol.Message) {
	p.Conn.SendMessage(msg)
}

// Close tears down the underlying connection.
func (p *Peer) Close() {
	p.Conn.CloseConn()
}

// DownloadingPiece reports whether a piece is attributed to this peer's
// block-state (piece.Block.Requester == this peer).
func (p *Peer) DownloadingPiece(pi *piece.Piece) bool {
	for i := range pi.Blocks {
		if pi.Blocks[i].Requester == p {
			return true
		}
	}
	return false
}
