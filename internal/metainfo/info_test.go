package metainfo

import (
	"crypto/sha1"
	"testing"

	"github.com/zeebo/bencode"
)

func encodeInfo(t *testing.T, raw rawInfo) []byte {
	t.Helper()
	b, err := bencode.EncodeBytes(raw)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestNewInfoSingleFile(t *testing.T) {
	pieces := string(make([]byte, 20))
	b := encodeInfo(t, rawInfo{
		PieceLength: 16,
		Pieces:      pieces,
		Name:        "a.txt",
		Length:      16,
	})
	info, err := NewInfo(b)
	if err != nil {
		t.Fatal(err)
	}
	want := sha1.Sum(b)
	if info.Hash != want {
		t.Fatalf("info-hash mismatch")
	}
	if info.NumPieces != 1 {
		t.Fatalf("expected 1 piece, got %d", info.NumPieces)
	}
	if len(info.Files) != 1 || info.Files[0].Length != 16 {
		t.Fatalf("unexpected file list: %+v", info.Files)
	}
}

func TestNewInfoMultiFileWithPad(t *testing.T) {
	// a(100), pad(28), b(100); piece_length=128 spans the pad file.
	pieces := string(make([]byte, 40)) // 2 pieces worth of zero hashes
	b := encodeInfo(t, rawInfo{
		PieceLength: 128,
		Pieces:      pieces,
		Name:        "torrent",
		Files: []rawFile{
			{Length: 100, Path: []string{"a"}},
			{Length: 28, Path: []string{".pad", "28"}, Attr: "p"},
			{Length: 100, Path: []string{"b"}},
		},
	})
	info, err := NewInfo(b)
	if err != nil {
		t.Fatal(err)
	}
	if info.TotalLength != 228 {
		t.Fatalf("expected total length 228, got %d", info.TotalLength)
	}
	if !info.Files[1].Padding {
		t.Fatalf("expected middle file to be flagged as padding")
	}
	if info.Files[0].Offset() != 0 || info.Files[1].Offset() != 100 || info.Files[2].Offset() != 128 {
		t.Fatalf("unexpected file offsets: %+v", info.Files)
	}
}

func TestPieceLenLastPieceShorter(t *testing.T) {
	pieces := string(make([]byte, 40))
	b := encodeInfo(t, rawInfo{
		PieceLength: 128,
		Pieces:      pieces,
		Name:        "torrent",
		Length:      200,
	})
	info, err := NewInfo(b)
	if err != nil {
		t.Fatal(err)
	}
	if info.PieceLen(0) != 128 {
		t.Fatalf("expected first piece 128, got %d", info.PieceLen(0))
	}
	if info.PieceLen(1) != 72 {
		t.Fatalf("expected last piece 72, got %d", info.PieceLen(1))
	}
}
