// Package peerconn wraps a raw net.Conn (already past the BT1/MSE handshake
// phase) with framed message reading/writing, writes being serialized by a
// mutex on the caller's goroutine, the way an open peer connection is
// represented for the lifetime of a swarm membership.
package peerconn

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/coredrop/torrentengine/internal/bitfield"
	"github.com/coredrop/torrentengine/internal/logger"
	"github.com/coredrop/torrentengine/internal/peerprotocol"
)

// Conn is a framed, buffered BitTorrent peer connection.
type Conn struct {
	conn   net.Conn
	id     [20]byte
	addr   *net.TCPAddr
	log    logger.Logger
	reader *bufio.Reader

	pieceTimeout time.Duration

	FastExtension bool
	ExtensionProtocol bool
	extensions    *bitfield.Bitfield

	mWrite sync.Mutex
}

// New wraps conn, which has already completed the handshake. extensions is
// the peer's reserved-bits bitfield from the handshake (BEP 6 / BEP 10).
func New(conn net.Conn, id [20]byte, extensions *bitfield.Bitfield, log logger.Logger, pieceTimeout time.Duration, readBufferSize int) *Conn {
	c := &Conn{
		conn:         conn,
		id:           id,
		log:          log,
		pieceTimeout: pieceTimeout,
		extensions:   extensions,
	}
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		c.addr = tcpAddr
	}
	if readBufferSize <= 0 {
		readBufferSize = 4096
	}
	c.reader = bufio.NewReaderSize(conn, readBufferSize)
	if extensions != nil {
		c.FastExtension = extensions.Test(peerprotocol.ReservedBitFastExtension)
		c.ExtensionProtocol = extensions.Test(peerprotocol.ReservedBitExtended)
	}
	return c
}

// ID returns the peer's 20-byte BitTorrent peer id.
func (c *Conn) ID() [20]byte { return c.id }

// Addr returns the remote TCP address.
func (c *Conn) Addr() *net.TCPAddr { return c.addr }

// IP returns the remote address's IP as a string, used as a dedup key.
func (c *Conn) IP() string {
	if c.addr == nil {
		return ""
	}
	return c.addr.IP.String()
}

// Logger returns the per-connection logger.
func (c *Conn) Logger() logger.Logger { return c.log }

// PEXEnabled reports whether the peer advertised ut_pex support. Populated
// once the extension handshake message arrives; false until then.
func (c *Conn) PEXEnabled() bool { return false }

// RemoteAddr exposes the wrapped connection's address, used by callers that
// need the raw net.Addr (e.g. blocklist checks on accept).
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// RawExtensionMessage is a decoded id-20 message: the extended-message-id
// byte plus the still-encoded payload (bencoded dict, optionally followed by
// raw bytes for ut_metadata Data messages).
type RawExtensionMessage struct {
	ExtendedMessageID uint8
	Payload           []byte
}

func (RawExtensionMessage) ID() peerprotocol.MessageID { return peerprotocol.Extension }
func (m RawExtensionMessage) MarshalBinary() ([]byte, error) {
	out := make([]byte, 1+len(m.Payload))
	out[0] = m.ExtendedMessageID
	copy(out[1:], m.Payload)
	return out, nil
}

// ReadMessage blocks until the next wire message is fully read.
func (c *Conn) ReadMessage() (peerprotocol.Message, error) {
	if c.pieceTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.pieceTimeout))
	}
	length, keepAlive, err := peerprotocol.ReadLengthPrefix(c.reader)
	if err != nil {
		return nil, err
	}
	if keepAlive {
		return c.ReadMessage()
	}
	idByte, err := c.reader.ReadByte()
	if err != nil {
		return nil, err
	}
	payload := make([]byte, length-1)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return nil, err
	}
	return decodeMessage(peerprotocol.MessageID(idByte), payload)
}

func decodeMessage(id peerprotocol.MessageID, payload []byte) (peerprotocol.Message, error) {
	switch id {
	case peerprotocol.Choke:
		return peerprotocol.ChokeMessage{}, nil
	case peerprotocol.Unchoke:
		return peerprotocol.UnchokeMessage{}, nil
	case peerprotocol.Interested:
		return peerprotocol.InterestedMessage{}, nil
	case peerprotocol.NotInterested:
		return peerprotocol.NotInterestedMessage{}, nil
	case peerprotocol.Have:
		index, err := peerprotocol.ParseHave(payload)
		return peerprotocol.HaveMessage{Index: index}, err
	case peerprotocol.Bitfield:
		return peerprotocol.BitfieldMessage{Data: payload}, nil
	case peerprotocol.Request:
		index, begin, length, err := peerprotocol.ParseRequest(payload)
		return peerprotocol.RequestMessage{Index: index, Begin: begin, Length: length}, err
	case peerprotocol.Piece:
		if len(payload) < 8 {
			return nil, peerprotocol.ErrInvalidRequestLength
		}
		index, begin, err := peerprotocol.ParsePieceHeader(payload[:8])
		if err != nil {
			return nil, err
		}
		return peerprotocol.PieceMessage{Index: index, Begin: begin, Length: uint32(len(payload) - 8), Data: payload[8:]}, nil
	case peerprotocol.Cancel:
		index, begin, length, err := peerprotocol.ParseRequest(payload)
		return peerprotocol.CancelMessage{Index: index, Begin: begin, Length: length}, err
	case peerprotocol.Port:
		p, err := peerprotocol.ParsePort(payload)
		return peerprotocol.PortMessage{Port: p}, err
	case peerprotocol.HaveAll:
		return peerprotocol.HaveAllMessage{}, nil
	case peerprotocol.HaveNone:
		return peerprotocol.HaveNoneMessage{}, nil
	case peerprotocol.Suggest:
		index, err := peerprotocol.ParseHave(payload)
		return peerprotocol.SuggestPieceMessage{Index: index}, err
	case peerprotocol.Reject:
		index, begin, length, err := peerprotocol.ParseRequest(payload)
		return peerprotocol.RejectMessage{Index: index, Begin: begin, Length: length}, err
	case peerprotocol.AllowedFast:
		index, err := peerprotocol.ParseHave(payload)
		return peerprotocol.AllowedFastMessage{Index: index}, err
	case peerprotocol.Extension:
		if len(payload) == 0 {
			return nil, peerprotocol.ErrInvalidRequestLength
		}
		return RawExtensionMessage{ExtendedMessageID: payload[0], Payload: payload[1:]}, nil
	default:
		return nil, fmt.Errorf("peerconn: unknown message id %d", id)
	}
}

// SendMessage frames and writes msg, serialized against concurrent writers.
func (c *Conn) SendMessage(msg peerprotocol.Message) {
	c.mWrite.Lock()
	defer c.mWrite.Unlock()
	_ = peerprotocol.WriteMessage(c.conn, msg)
}

// CloseConn closes the underlying network connection.
func (c *Conn) CloseConn() { c.conn.Close() }
