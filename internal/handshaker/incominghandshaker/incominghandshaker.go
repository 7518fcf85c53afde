// Package incominghandshaker drives an accepted connection through the
// optional MSE negotiation and the BT1 handshake, producing a peer
// connection or an error without blocking the torrent's event loop.
package incominghandshaker

import (
	"bytes"
	"errors"
	"io"
	"net"
	"time"

	"github.com/coredrop/torrentengine/internal/bitfield"
	"github.com/coredrop/torrentengine/internal/mse"
	"github.com/coredrop/torrentengine/internal/peerprotocol"
)

// SKeyLookup resolves a peer's encrypted SKEY hash to an info-hash during
// the MSE responder flow.
type SKeyLookup func(req2Xored [20]byte, req3 [20]byte) (infoHash []byte, ok bool)

// CheckInfoHash validates a plain handshake's info-hash is one we serve.
type CheckInfoHash func(infoHash [20]byte) bool

var (
	errPlaintextRejected = errors.New("incominghandshaker: plaintext rejected, encryption required")
	errUnknownInfoHash   = errors.New("incominghandshaker: unknown info hash")
)

// IncomingHandshaker runs one accepted connection's handshake phase.
type IncomingHandshaker struct {
	Conn       net.Conn
	PeerID     [20]byte
	Extensions *bitfield.Bitfield
	Error      error
}

// New wraps an accepted connection pending handshake.
func New(conn net.Conn) *IncomingHandshaker {
	return &IncomingHandshaker{Conn: conn}
}

type readWriter struct {
	io.Reader
	io.Writer
}

// Run performs the handshake and sends the result on resultC.
func (h *IncomingHandshaker) Run(
	ourID [20]byte,
	getSKey SKeyLookup,
	checkInfoHash CheckInfoHash,
	resultC chan *IncomingHandshaker,
	timeout time.Duration,
	ourExtensions *bitfield.Bitfield,
	forceEncryption bool,
) {
	defer func() {
		if h.Error != nil {
			h.Conn.Close()
		}
		resultC <- h
	}()

	if timeout > 0 {
		h.Conn.SetDeadline(time.Now().Add(timeout))
	}
	defer h.Conn.SetDeadline(time.Time{})

	firstByte := make([]byte, 1)
	if _, err := io.ReadFull(h.Conn, firstByte); err != nil {
		h.Error = err
		return
	}
	plain := firstByte[0] == byte(len(peerprotocol.Protocol))

	var rw io.ReadWriter = readWriter{Reader: io.MultiReader(bytes.NewReader(firstByte), h.Conn), Writer: h.Conn}

	var infoHash [20]byte
	var encrypted bool
	var iaBuf []byte

	if !plain {
		allowed := mse.CryptoRC4
		if !forceEncryption {
			allowed |= mse.CryptoPlaintext
		}
		ih, rc4pair, selected, ia, err := mse.HandshakeAccept(rw, getSKey, allowed, true)
		if err != nil {
			h.Error = err
			return
		}
		copy(infoHash[:], ih)
		encrypted = true
		iaBuf = ia
		if selected == mse.CryptoRC4 {
			rw = mse.NewStream(rw, rc4pair)
		}
	} else if forceEncryption {
		h.Error = errPlaintextRejected
		return
	}

	var hsReader io.Reader = rw
	if encrypted && len(iaBuf) > 0 {
		hsReader = io.MultiReader(bytes.NewReader(iaBuf), rw)
	}

	hs, err := peerprotocol.ReadHandshake(hsReader)
	if err != nil {
		h.Error = err
		return
	}
	if !encrypted {
		infoHash = hs.InfoHash
	}
	if !checkInfoHash(infoHash) {
		h.Error = errUnknownInfoHash
		return
	}

	reply := &peerprotocol.Handshake{InfoHash: infoHash, PeerID: ourID}
	if ourExtensions != nil {
		for i := uint32(0); i < ourExtensions.Len(); i++ {
			if ourExtensions.Test(i) {
				reply.SetBit(int(i))
			}
		}
	}
	if err := reply.Marshal(rw); err != nil {
		h.Error = err
		return
	}

	ext, err := bitfield.NewBytes(hs.Reserved[:], 64)
	if err != nil {
		h.Error = err
		return
	}
	h.PeerID = hs.PeerID
	h.Extensions = ext
}
