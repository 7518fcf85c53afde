// Package peerprotocol implements the BT1 wire message codec and the
// BEP-10 extended-protocol handshake framing.
package peerprotocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageID is the first byte of a BT1 message body.
type MessageID byte

// Message ids.
const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9
	HaveAll       MessageID = 14 // BEP-6
	HaveNone      MessageID = 15 // BEP-6
	Suggest       MessageID = 13 // BEP-6
	Reject        MessageID = 16 // BEP-6
	AllowedFast   MessageID = 17 // BEP-6
	Extension     MessageID = 20 // BEP-10
)

// MaxMessageLength is the length-prefix cap before a peer is disconnected.
const MaxMessageLength = 1 << 20 // 1 MiB

// MaxRequestLength is the maximum length a `request` message may ask for.
const MaxRequestLength = 16 * 1024

// Message is implemented by every concrete BT1 message type.
type Message interface {
	ID() MessageID
	// MarshalBinary returns the message body, NOT including the length
	// prefix or the message-id byte.
	MarshalBinary() ([]byte, error)
}

// ChokeMessage — id 0, no body.
type ChokeMessage struct{}

// ID implements Message.
func (ChokeMessage) ID() MessageID                     { return Choke }
func (ChokeMessage) MarshalBinary() ([]byte, error)    { return nil, nil }

// UnchokeMessage — id 1, no body.
type UnchokeMessage struct{}

func (UnchokeMessage) ID() MessageID                  { return Unchoke }
func (UnchokeMessage) MarshalBinary() ([]byte, error) { return nil, nil }

// InterestedMessage — id 2, no body.
type InterestedMessage struct{}

func (InterestedMessage) ID() MessageID                  { return Interested }
func (InterestedMessage) MarshalBinary() ([]byte, error) { return nil, nil }

// NotInterestedMessage — id 3, no body.
type NotInterestedMessage struct{}

func (NotInterestedMessage) ID() MessageID                  { return NotInterested }
func (NotInterestedMessage) MarshalBinary() ([]byte, error) { return nil, nil }

// HaveMessage — id 4, u32 piece index.
type HaveMessage struct{ Index uint32 }

func (HaveMessage) ID() MessageID { return Have }
func (m HaveMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, m.Index)
	return b, nil
}

// BitfieldMessage — id 5, MSB-first bitmap bytes.
type BitfieldMessage struct{ Data []byte }

func (BitfieldMessage) ID() MessageID                     { return Bitfield }
func (m BitfieldMessage) MarshalBinary() ([]byte, error)  { return m.Data, nil }

// RequestMessage — id 6, (piece, begin, length).
type RequestMessage struct {
	Index, Begin, Length uint32
}

func (RequestMessage) ID() MessageID { return Request }
func (m RequestMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	binary.BigEndian.PutUint32(b[8:12], m.Length)
	return b, nil
}

// PieceMessage — id 7, (piece, begin) header; payload streamed separately.
type PieceMessage struct {
	Index, Begin uint32
	// Length of the payload that follows the 8-byte header. Not sent on
	// the wire as a separate field — derived from the outer length prefix.
	Length uint32
	// Data holds the block payload on the receive path. Unused when writing
	// (the writer streams payload bytes separately from MarshalBinary).
	Data []byte
}

func (PieceMessage) ID() MessageID { return Piece }
func (m PieceMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	return b, nil
}

// CancelMessage — id 8, (piece, begin, length).
type CancelMessage struct {
	Index, Begin, Length uint32
}

func (CancelMessage) ID() MessageID { return Cancel }
func (m CancelMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	binary.BigEndian.PutUint32(b[8:12], m.Length)
	return b, nil
}

// PortMessage — id 9, u16 DHT port.
type PortMessage struct{ Port uint16 }

func (PortMessage) ID() MessageID { return Port }
func (m PortMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, m.Port)
	return b, nil
}

// HaveAllMessage — id 14 (BEP-6), no body.
type HaveAllMessage struct{}

func (HaveAllMessage) ID() MessageID                  { return HaveAll }
func (HaveAllMessage) MarshalBinary() ([]byte, error) { return nil, nil }

// HaveNoneMessage — id 15 (BEP-6), no body.
type HaveNoneMessage struct{}

func (HaveNoneMessage) ID() MessageID                  { return HaveNone }
func (HaveNoneMessage) MarshalBinary() ([]byte, error) { return nil, nil }

// SuggestPieceMessage — id 13 (BEP-6).
type SuggestPieceMessage struct{ Index uint32 }

func (SuggestPieceMessage) ID() MessageID { return Suggest }
func (m SuggestPieceMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, m.Index)
	return b, nil
}

// RejectMessage — id 16 (BEP-6), rejects a previously fast-allowed request.
type RejectMessage struct {
	Index, Begin, Length uint32
}

func (RejectMessage) ID() MessageID { return Reject }
func (m RejectMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	binary.BigEndian.PutUint32(b[8:12], m.Length)
	return b, nil
}

// AllowedFastMessage — id 17 (BEP-6).
type AllowedFastMessage struct{ Index uint32 }

func (AllowedFastMessage) ID() MessageID { return AllowedFast }
func (m AllowedFastMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, m.Index)
	return b, nil
}

// ExtensionMessage — id 20 (BEP-10): u8 extended-message-id + payload.
type ExtensionMessage struct {
	ExtendedMessageID uint8
	Payload           interface{ MarshalBinary() ([]byte, error) }
}

func (ExtensionMessage) ID() MessageID { return Extension }
func (m ExtensionMessage) MarshalBinary() ([]byte, error) {
	body, err := m.Payload.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(body))
	out[0] = m.ExtendedMessageID
	copy(out[1:], body)
	return out, nil
}

// WriteMessage writes the full length-prefixed BT1 frame for msg to w.
func WriteMessage(w io.Writer, msg Message) error {
	body, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	length := uint32(1 + len(body))
	header := make([]byte, 4+1)
	binary.BigEndian.PutUint32(header[0:4], length)
	header[4] = byte(msg.ID())
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(body) > 0 {
		_, err = w.Write(body)
	}
	return err
}

// WriteKeepAlive writes a zero-length keep-alive frame.
func WriteKeepAlive(w io.Writer) error {
	var b [4]byte
	_, err := w.Write(b[:])
	return err
}

// ErrOversizeMessage is returned when a frame's length prefix exceeds MaxMessageLength.
var ErrOversizeMessage = errors.New("peerprotocol: oversize message")

// ErrInvalidRequestLength is returned when a request/cancel length exceeds MaxRequestLength.
var ErrInvalidRequestLength = errors.New("peerprotocol: invalid request length")

// ReadLengthPrefix reads and validates the 4-byte big-endian length prefix.
// A zero length indicates a keep-alive.
func ReadLengthPrefix(r io.Reader) (length uint32, keepAlive bool, err error) {
	var b [4]byte
	if _, err = io.ReadFull(r, b[:]); err != nil {
		return 0, false, err
	}
	length = binary.BigEndian.Uint32(b[:])
	if length == 0 {
		return 0, true, nil
	}
	if length > MaxMessageLength {
		return 0, false, ErrOversizeMessage
	}
	return length, false, nil
}

func validateRequestLength(length uint32) error {
	if length > MaxRequestLength {
		return ErrInvalidRequestLength
	}
	return nil
}

// ParseRequest parses a 12-byte request/cancel body.
func ParseRequest(b []byte) (index, begin, length uint32, err error) {
	if len(b) != 12 {
		return 0, 0, 0, fmt.Errorf("peerprotocol: invalid request body length %d", len(b))
	}
	index = binary.BigEndian.Uint32(b[0:4])
	begin = binary.BigEndian.Uint32(b[4:8])
	length = binary.BigEndian.Uint32(b[8:12])
	if err := validateRequestLength(length); err != nil {
		return 0, 0, 0, err
	}
	return index, begin, length, nil
}

// ParsePieceHeader parses the 8-byte header of a piece message.
func ParsePieceHeader(b []byte) (index, begin uint32, err error) {
	if len(b) != 8 {
		return 0, 0, fmt.Errorf("peerprotocol: invalid piece header length %d", len(b))
	}
	return binary.BigEndian.Uint32(b[0:4]), binary.BigEndian.Uint32(b[4:8]), nil
}

// ParseHave parses a 4-byte have body.
func ParseHave(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("peerprotocol: invalid have body length %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

// ParsePort parses a 2-byte dht-port body.
func ParsePort(b []byte) (uint16, error) {
	if len(b) != 2 {
		return 0, fmt.Errorf("peerprotocol: invalid port body length %d", len(b))
	}
	return binary.BigEndian.Uint16(b), nil
}
