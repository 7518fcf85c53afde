package peerprotocol

import (
	"net"

	"github.com/zeebo/bencode"
)

// Reserved extension message ids.
const (
	ExtensionIDHandshake uint8 = 0
)

// Well-known extension names negotiated via the "m" dictionary.
const (
	ExtensionKeyMetadata = "ut_metadata"
	ExtensionKeyPEX      = "ut_pex"
)

// ExtensionMetadataMessageType enumerates ut_metadata message subtypes.
type ExtensionMetadataMessageType int

// ut_metadata message types (BEP-9).
const (
	ExtensionMetadataMessageTypeRequest ExtensionMetadataMessageType = 0
	ExtensionMetadataMessageTypeData    ExtensionMetadataMessageType = 1
	ExtensionMetadataMessageTypeReject  ExtensionMetadataMessageType = 2
)

// ExtensionHandshakeMessage is the bencoded payload of extended message id 0.
type ExtensionHandshakeMessage struct {
	M            map[string]uint8 `bencode:"m"`
	MetadataSize uint32           `bencode:"metadata_size,omitempty"`
	Port         uint16           `bencode:"p,omitempty"`
	Version      string           `bencode:"v,omitempty"`
	YourIP       string           `bencode:"yourip,omitempty"`
	RequestQueue int              `bencode:"reqq,omitempty"`
}

// NewExtensionHandshake builds our outgoing extension handshake payload.
func NewExtensionHandshake(metadataSize uint32, clientVersion string, yourIP net.IP) *ExtensionHandshakeMessage {
	m := &ExtensionHandshakeMessage{
		M: map[string]uint8{
			ExtensionKeyMetadata: 1,
			ExtensionKeyPEX:      2,
		},
		MetadataSize: metadataSize,
		Version:      clientVersion,
		RequestQueue: 250,
	}
	if yourIP != nil {
		m.YourIP = string(yourIP.To4())
		if m.YourIP == "" {
			m.YourIP = string(yourIP.To16())
		}
	}
	return m
}

// MarshalBinary bencodes the handshake dictionary.
func (m *ExtensionHandshakeMessage) MarshalBinary() ([]byte, error) {
	return bencode.EncodeBytes(m)
}

// UnmarshalExtensionHandshake decodes an incoming extension handshake payload.
func UnmarshalExtensionHandshake(b []byte) (*ExtensionHandshakeMessage, error) {
	var m ExtensionHandshakeMessage
	if err := bencode.DecodeBytes(b, &m); err != nil {
		return nil, err
	}
	if m.RequestQueue < 1 {
		m.RequestQueue = 1
	}
	return &m, nil
}

// ExtensionMetadataMessage is the ut_metadata payload: a bencoded dict
// followed (for Data messages) by the raw metadata piece bytes, appended by
// the caller after MarshalBinary.
type ExtensionMetadataMessage struct {
	Type      ExtensionMetadataMessageType `bencode:"msg_type"`
	Piece     uint32                       `bencode:"piece"`
	TotalSize uint32                       `bencode:"total_size,omitempty"`
}

// MarshalBinary bencodes the ut_metadata dict header (no trailing piece bytes).
func (m ExtensionMetadataMessage) MarshalBinary() ([]byte, error) {
	return bencode.EncodeBytes(m)
}
