package filestorage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coredrop/torrentengine/internal/metainfo"
	"github.com/coredrop/torrentengine/internal/storage"
)

func newTestStorage(t *testing.T) (*FileStorage, string) {
	t.Helper()
	dir := t.TempDir()
	files := []metainfo.File{
		{Path: []string{"a"}, Length: 100},
		{Path: []string{".pad", "28"}, Length: 28, Padding: true},
		{Path: []string{"b"}, Length: 100},
	}
	// metainfo.File offsets stay unset here; tests set the FileEntry
	// offsets afterwards with fixOffsets.
	var off int64
	for i := range files {
		files[i] = metainfo.File{Path: files[i].Path, Length: files[i].Length, Padding: files[i].Padding}
		off += files[i].Length
	}
	fs, err := New(dir, files, 128)
	if err != nil {
		t.Fatal(err)
	}
	return fs, dir
}

func fixOffsets(files []FileEntry) []FileEntry {
	var off int64
	for i := range files {
		files[i].Offset = off
		off += files[i].Length
	}
	return files
}

func TestPadFileMapping(t *testing.T) {
	fs, _ := newTestStorage(t)
	fs.files = fixOffsets(fs.files)
	if err := fs.Initialize(true); err != nil {
		t.Fatal(err)
	}

	// Write piece 0 (offset 0, length 128): 100 bytes to "a" + 28 pad bytes skipped.
	buf := make([]byte, 128)
	for i := range buf {
		buf[i] = byte(i)
	}
	n, err := fs.Writev(0, 0, []storage.IOVec{{Buf: buf}})
	if err != nil {
		t.Fatal(err)
	}
	if n != 128 {
		t.Fatalf("expected 128 bytes written, got %d", n)
	}

	aPath := filepath.Join(fs.root, "a")
	st, err := os.Stat(aPath)
	if err != nil {
		t.Fatal(err)
	}
	if st.Size() != 100 {
		t.Fatalf("expected file a to be 100 bytes, got %d", st.Size())
	}

	// Read piece 0 back: first 100 bytes from "a", last 28 zero-filled.
	out := make([]byte, 128)
	if _, err := fs.Readv(0, 0, []storage.IOVec{{Buf: out}}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		if out[i] != byte(i) {
			t.Fatalf("byte %d mismatch: got %d want %d", i, out[i], byte(i))
		}
	}
	for i := 100; i < 128; i++ {
		if out[i] != 0 {
			t.Fatalf("expected zero-filled pad byte at %d, got %d", i, out[i])
		}
	}

	// Piece 1 (offset 128, length 100) maps entirely onto "b".
	buf2 := make([]byte, 100)
	for i := range buf2 {
		buf2[i] = byte(200 + i)
	}
	if _, err := fs.Writev(1, 0, []storage.IOVec{{Buf: buf2}}); err != nil {
		t.Fatal(err)
	}
	bPath := filepath.Join(fs.root, "b")
	bst, err := os.Stat(bPath)
	if err != nil {
		t.Fatal(err)
	}
	if bst.Size() < 100 {
		t.Fatalf("expected file b to hold 100 bytes, got size %d", bst.Size())
	}
}

func TestResumeDataRoundTrip(t *testing.T) {
	fs, _ := newTestStorage(t)
	fs.files = fixOffsets(fs.files)
	if err := fs.Initialize(true); err != nil {
		t.Fatal(err)
	}
	sizes, err := fs.WriteResumeData()
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.VerifyResumeData(sizes, true); err != nil {
		t.Fatalf("expected unchanged files to verify cleanly: %v", err)
	}
}

func TestResumeDataTimestampAsymmetry(t *testing.T) {
	fs, _ := newTestStorage(t)
	fs.files = fixOffsets(fs.files)
	if err := fs.Initialize(true); err != nil {
		t.Fatal(err)
	}
	sizes, err := fs.WriteResumeData()
	if err != nil {
		t.Fatal(err)
	}
	// +4 minutes forward is within tolerance (< 5 min).
	forward := make([]FileSizeEntry, len(sizes))
	copy(forward, sizes)
	forward[0].ModTime = forward[0].ModTime.Add(-4 * time.Minute)
	if err := fs.VerifyResumeData(forward, true); err != nil {
		t.Fatalf("expected +4min skew to be tolerated: %v", err)
	}
	// -6 seconds backward exceeds the asymmetric 5 s backward window.
	backward := make([]FileSizeEntry, len(sizes))
	copy(backward, sizes)
	backward[0].ModTime = backward[0].ModTime.Add(6 * time.Second)
	if err := fs.VerifyResumeData(backward, true); err == nil {
		t.Fatalf("expected -6s skew to exceed backward tolerance")
	}
}

func TestMissingFileSizeMismatch(t *testing.T) {
	fs, _ := newTestStorage(t)
	fs.files = fixOffsets(fs.files)
	bad := []FileSizeEntry{{Size: 100}, {Size: 999}}
	err := fs.VerifyResumeData(bad, false)
	if err == nil {
		t.Fatal("expected mismatch for nonexistent files with nonzero expected size")
	}
}
