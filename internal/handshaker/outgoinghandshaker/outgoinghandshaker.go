// Package outgoinghandshaker dials a peer address and drives it through
// the optional MSE negotiation and the BT1 handshake, mirroring
// incominghandshaker for connections we initiate.
package outgoinghandshaker

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

var errInfoHashMismatch = errors.New("outgoinghandshaker: info hash mismatch")

// OutgoingHandshaker dials and handshakes with one peer address.
type OutgoingHandshaker struct {
	Addr       *net.TCPAddr
	Conn       net.Conn
	PeerID     [20]byte
	Extensions *bitfield.Bitfield
	Error      error

	closeC chan struct{}
}

// New prepares a handshaker for addr. Run must be called (typically via
// `go`) to actually dial.
func New(addr *net.TCPAddr) *OutgoingHandshaker {
	return &OutgoingHandshaker{Addr: addr, closeC: make(chan struct{})}
}

// Close aborts an in-progress handshake.
func (h *OutgoingHandshaker) Close() {
	close(h.closeC)
	if h.Conn != nil {
		h.Conn.Close()
	}
}

// Run dials Addr, handshakes, and sends the result on resultC.
func (h *OutgoingHandshaker) Run(
	connectTimeout time.Duration,
	handshakeTimeout time.Duration,
	ourID [20]byte,
	infoHash [20]byte,
	resultC chan *OutgoingHandshaker,
	ourExtensions *bitfield.Bitfield,
	disableEncryption bool,
	forceEncryption bool,
) {
	defer func() {
		if h.Error != nil && h.Conn != nil {
			h.Conn.Close()
		}
		resultC <- h
	}()

	conn, err := net.DialTimeout("tcp", h.Addr.String(), connectTimeout)
	if err != nil {
		h.Error = err
		return
	}
	h.Conn = conn

	if handshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(handshakeTimeout))
	}
	defer conn.SetDeadline(time.Time{})

	plainHandshake := &peerprotocol.Handshake{InfoHash: infoHash, PeerID: ourID}
	if ourExtensions != nil {
		for i := uint32(0); i < ourExtensions.Len(); i++ {
			if ourExtensions.Test(i) {
				plainHandshake.SetBit(int(i))
			}
		}
	}
	var hsBuf bytes.Buffer
	if err := plainHandshake.Marshal(&hsBuf); err != nil {
		h.Error = err
		return
	}

	var rw io.ReadWriter = conn

	if !disableEncryption {
		provide := mse.CryptoRC4
		if !forceEncryption {
			provide |= mse.CryptoPlaintext
		}
		rc4Pair, selected, err := mse.HandshakeInitiate(rw, infoHash[:], provide, hsBuf.Bytes())
		if err != nil {
			h.Error = err
			return
		}
		if selected == mse.CryptoRC4 {
			rw = mse.NewStream(rw, rc4Pair)
		} else if forceEncryption {
			h.Error = errors.New("outgoinghandshaker: peer refused encryption")
			return
		}
		// Plaintext selected: the plain handshake already reached the peer
		// as the IA payload of the MSE negotiation, so it is not sent again;
		// the rest of the stream is unencrypted.
	} else {
		if _, err := conn.Write(hsBuf.Bytes()); err != nil {
			h.Error = err
			return
		}
	}

	hs, err := peerprotocol.ReadHandshake(rw)
	if err != nil {
		h.Error = err
		return
	}
	if hs.InfoHash != infoHash {
		h.Error = errInfoHashMismatch
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
