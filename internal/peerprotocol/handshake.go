package peerprotocol

import (
	"bytes"
	"errors"
	"io"
)

// Protocol is the fixed protocol tag sent in the plain handshake.
const Protocol = "BitTorrent protocol"

// HandshakeLength is the total size of the plain handshake message.
const HandshakeLength = 1 + len(Protocol) + 8 + 20 + 20

// Reserved bit positions within the 8 reserved handshake bytes, counted
// from the most significant bit of the first byte (bit 0) to the least
// significant bit of the last byte (bit 63).
const (
	ReservedBitDHT          = 63 // byte 7, bit 0x01 — DHT port
	ReservedBitExtended     = 43 // byte 5, bit 0x10 — BEP-10 extended protocol
	ReservedBitFastExtension = 61 // byte 7, bit 0x04 — BEP-6 fast extension (de facto)
)

// Handshake is the plain 68-byte BitTorrent handshake.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// SetBit sets reserved bit i (0 = MSB of byte 0, 63 = LSB of byte 7).
func (h *Handshake) SetBit(i int) {
	h.Reserved[i/8] |= 1 << (7 - uint(i%8))
}

// HasBit reports whether reserved bit i is set.
func (h *Handshake) HasBit(i int) bool {
	return h.Reserved[i/8]&(1<<(7-uint(i%8))) != 0
}

// Marshal writes the 68-byte handshake to w.
func (h *Handshake) Marshal(w io.Writer) error {
	buf := make([]byte, 0, HandshakeLength)
	buf = append(buf, byte(len(Protocol)))
	buf = append(buf, Protocol...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	_, err := w.Write(buf)
	return err
}

// ErrInvalidProtocol is returned when the handshake's protocol tag doesn't match.
var ErrInvalidProtocol = errors.New("peerprotocol: invalid protocol identifier")

// ReadHandshake reads and validates a plain 68-byte handshake from r. The
// info-hash and peer-id are not validated against session state here; the
// caller (handshaker) does that.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return nil, err
	}
	if lenByte[0] != byte(len(Protocol)) {
		return nil, ErrInvalidProtocol
	}
	tag := make([]byte, len(Protocol))
	if _, err := io.ReadFull(r, tag); err != nil {
		return nil, err
	}
	if !bytes.Equal(tag, []byte(Protocol)) {
		return nil, ErrInvalidProtocol
	}
	var h Handshake
	if _, err := io.ReadFull(r, h.Reserved[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, h.InfoHash[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, h.PeerID[:]); err != nil {
		return nil, err
	}
	return &h, nil
}
