package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/zeebo/bencode"
)

// File describes one file entry inside a (possibly multi-file) torrent.
type File struct {
	// Path relative to the torrent's root directory.
	Path []string
	// Length in bytes.
	Length int64
	// Padding is true for BEP-47 pad files: skipped on write, zero-filled on read.
	Padding bool
	// offset is the file's base offset within the concatenated torrent byte stream.
	offset int64
}

// Offset returns the file's base offset within the concatenated torrent byte stream.
func (f File) Offset() int64 { return f.offset }

type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
	Attr   string   `bencode:"attr"`
}

type rawInfo struct {
	PieceLength int64      `bencode:"piece length"`
	Pieces      string     `bencode:"pieces"`
	Name        string     `bencode:"name"`
	Length      int64      `bencode:"length"`
	Files       []rawFile  `bencode:"files"`
	Private     int        `bencode:"private"`
}

// Info is the parsed form of a torrent's "info" dictionary.
type Info struct {
	Hash        [20]byte
	Bytes       []byte // exact bencoded bytes of the info dict, for hash / resend
	Name        string
	PieceLength uint32
	Private     int
	TotalLength int64
	Files       []File
	NumPieces   uint32
	// InfoSize is len(Bytes), cached for BEP-9 metadata exchange.
	InfoSize uint32

	hashes [][20]byte
}

const pieceHashLen = 20

// NewInfo parses a bencoded "info" dictionary (raw bytes, as found embedded
// in a .torrent file or assembled from BEP-9 metadata pieces).
func NewInfo(b []byte) (*Info, error) {
	var raw rawInfo
	if err := bencode.DecodeBytes(b, &raw); err != nil {
		return nil, err
	}
	if raw.PieceLength <= 0 {
		return nil, errors.New("metainfo: invalid piece length")
	}
	if len(raw.Pieces)%pieceHashLen != 0 {
		return nil, errors.New("metainfo: invalid pieces string length")
	}
	info := &Info{
		Bytes:       b,
		Name:        raw.Name,
		PieceLength: uint32(raw.PieceLength),
		Private:     raw.Private,
		InfoSize:    uint32(len(b)),
	}
	info.Hash = sha1.Sum(b)

	numHashes := len(raw.Pieces) / pieceHashLen
	info.hashes = make([][20]byte, numHashes)
	for i := 0; i < numHashes; i++ {
		copy(info.hashes[i][:], raw.Pieces[i*pieceHashLen:(i+1)*pieceHashLen])
	}
	info.NumPieces = uint32(numHashes)

	if len(raw.Files) == 0 {
		if raw.Length <= 0 {
			return nil, errors.New("metainfo: single-file torrent must have positive length")
		}
		info.Files = []File{{Path: []string{raw.Name}, Length: raw.Length}}
	} else {
		var offset int64
		for _, rf := range raw.Files {
			f := File{
				Path:    rf.Path,
				Length:  rf.Length,
				Padding: rf.Attr == "p" || (len(rf.Path) > 0 && rf.Path[len(rf.Path)-1] == ".pad"),
				offset:  offset,
			}
			info.Files = append(info.Files, f)
			offset += rf.Length
		}
	}
	for _, f := range info.Files {
		info.TotalLength += f.Length
	}
	expectedPieces := (info.TotalLength + int64(info.PieceLength) - 1) / int64(info.PieceLength)
	if info.TotalLength > 0 && int64(numHashes) != expectedPieces {
		return nil, fmt.Errorf("metainfo: piece count mismatch: have %d hashes, expected %d", numHashes, expectedPieces)
	}
	return info, nil
}

// PieceHash returns the expected SHA-1 digest of piece i.
func (i *Info) PieceHash(piece uint32) [20]byte { return i.hashes[piece] }

// PieceLen returns the length of piece i (the last piece may be shorter).
func (i *Info) PieceLen(piece uint32) uint32 {
	if piece == i.NumPieces-1 {
		rem := i.TotalLength % int64(i.PieceLength)
		if rem != 0 {
			return uint32(rem)
		}
	}
	return i.PieceLength
}
