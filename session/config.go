package session

import (
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds every tunable for a Session and the torrents it manages. It
// is loaded from a YAML file with LoadConfig, falling back to
// DefaultConfig for anything the file doesn't set.
type Config struct {
	// Database is the path to the bolt database that stores resume data.
	Database string `yaml:"database"`
	// DataDir is the default directory new torrents download into.
	DataDir string `yaml:"data_dir"`
	// MaxOpenFiles caps the number of simultaneously open file handles
	// (rlimit), shared across all torrents' storage.
	MaxOpenFiles int `yaml:"max_open_files"`

	// PortBegin/PortEnd bound the range the session tries to listen on for
	// incoming peer connections.
	PortBegin int `yaml:"port_begin"`
	PortEnd   int `yaml:"port_end"`

	// MaxPeerAccept/MaxPeerDial cap concurrent incoming/outgoing peer
	// connections per torrent.
	MaxPeerAccept int `yaml:"max_peer_accept"`
	MaxPeerDial   int `yaml:"max_peer_dial"`

	// UnchokedPeers is how many interested peers stay unchoked based on
	// transfer rate; OptimisticUnchokedPeers adds that many more chosen at
	// random regardless of rate.
	UnchokedPeers           int `yaml:"unchoked_peers"`
	OptimisticUnchokedPeers int `yaml:"optimistic_unchoked_peers"`

	// PeerConnectTimeout bounds an outgoing TCP dial.
	PeerConnectTimeout time.Duration `yaml:"peer_connect_timeout"`
	// PeerHandshakeTimeout bounds the BT1/MSE/extension handshake phase.
	PeerHandshakeTimeout time.Duration `yaml:"peer_handshake_timeout"`
	// PieceTimeout is the read deadline applied to an established peer
	// connection.
	PieceTimeout time.Duration `yaml:"piece_timeout"`
	// RequestTimeout bounds how long we wait for a requested block before
	// marking the peer snubbed.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// PeerReadBufferSize sizes the buffered reader wrapping each peer conn.
	PeerReadBufferSize int `yaml:"peer_read_buffer_size"`

	// BitfieldWriteInterval throttles how often the in-progress bitfield is
	// persisted to the resume database.
	BitfieldWriteInterval time.Duration `yaml:"bitfield_write_interval"`

	// ExtensionHandshakeClientVersion is sent as "v" in the BEP-10 handshake.
	ExtensionHandshakeClientVersion string `yaml:"extension_handshake_client_version"`

	// PEXEnabled gates the session's PEX bookkeeping (pexAddPeer/pexDropPeer);
	// no BEP-11 ut_pex messages are sent or received.
	PEXEnabled bool `yaml:"pex_enabled"`

	// Sequential downloads pieces in order instead of rarest-first.
	Sequential bool `yaml:"sequential"`

	// Allocate preallocates files to their full length instead of creating
	// them sparse.
	Allocate bool `yaml:"allocate"`

	// PieceCacheSize is the byte budget of the in-memory block cache that
	// sits in front of storage reads/writes.
	PieceCacheSize int `yaml:"piece_cache_size"`

	// DisableOutgoingEncryption/ForceOutgoingEncryption/ForceIncomingEncryption
	// control MSE/PE negotiation.
	DisableOutgoingEncryption bool `yaml:"disable_outgoing_encryption"`
	ForceOutgoingEncryption   bool `yaml:"force_outgoing_encryption"`
	ForceIncomingEncryption   bool `yaml:"force_incoming_encryption"`

	// DHTEnabled turns on the BitTorrent mainline DHT as a peer source.
	DHTEnabled bool   `yaml:"dht_enabled"`
	DHTAddress string `yaml:"dht_address"`
	DHTPort    uint16 `yaml:"dht_port"`

	// TrackerHTTPTimeout/TrackerHTTPUserAgent configure the HTTP tracker
	// client shared across torrents.
	TrackerHTTPTimeout   time.Duration `yaml:"tracker_http_timeout"`
	TrackerHTTPUserAgent string        `yaml:"tracker_http_user_agent"`

	// BlocklistPath, if non-empty, is periodically reloaded into the
	// session's IP blocklist.
	BlocklistPath string `yaml:"blocklist_path"`
	// BlocklistUpdateInterval is how often BlocklistPath is re-read.
	BlocklistUpdateInterval time.Duration `yaml:"blocklist_update_interval"`
}

// DefaultConfig is used for any field LoadConfig's YAML file doesn't set.
var DefaultConfig = Config{
	Database:                        "~/rain/session.db",
	DataDir:                         "~/rain/data",
	MaxOpenFiles:                    10240,
	PortBegin:                       50000,
	PortEnd:                        60000,
	MaxPeerAccept:                   50,
	MaxPeerDial:                     80,
	UnchokedPeers:                   4,
	OptimisticUnchokedPeers:         1,
	PeerConnectTimeout:              5 * time.Second,
	PeerHandshakeTimeout:            10 * time.Second,
	PieceTimeout:                    30 * time.Second,
	RequestTimeout:                  20 * time.Second,
	PeerReadBufferSize:              4096,
	BitfieldWriteInterval:           30 * time.Second,
	ExtensionHandshakeClientVersion: "torrentengine/1.0",
	PEXEnabled:                      true,
	PieceCacheSize:                  256 << 20,
	DHTAddress:                      "0.0.0.0",
	DHTPort:                         7246,
	TrackerHTTPTimeout:              30 * time.Second,
	TrackerHTTPUserAgent:            "torrentengine/1.0",
	BlocklistUpdateInterval:         24 * time.Hour,
}

// LoadConfig reads filename as YAML over a copy of DefaultConfig. A missing
// file is not an error; it just leaves every field at its default.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
