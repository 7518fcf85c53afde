// Package filestorage implements storage.Storage by mapping torrent pieces
// onto one or more files on the local filesystem.
package filestorage

import (
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/coredrop/torrentengine/internal/metainfo"
	"github.com/coredrop/torrentengine/internal/storage"
)

var sharedPool = newHandlePool(512)

var nextStorageID uint64

// FileEntry is one file's position within the concatenated torrent byte
// stream, carried over from metainfo.File plus its absolute path.
type FileEntry struct {
	Path    string
	Length  int64
	Offset  int64
	Padding bool
	Index   int
}

// FileStorage is a file-backed storage.Storage implementation.
type FileStorage struct {
	id          string
	root        string
	files       []FileEntry
	pieceLength int64
}

// New constructs a FileStorage rooted at dest. files may be nil for a
// magnet download whose file layout isn't known until metadata arrives;
// call SetFiles once it is, before Initialize.
func New(dest string, files []metainfo.File, pieceLength uint32) (*FileStorage, error) {
	id := atomic.AddUint64(&nextStorageID, 1)
	fs := &FileStorage{
		id:          filepath.Join(dest, itoa(id)),
		root:        dest,
		pieceLength: int64(pieceLength),
	}
	if files != nil {
		fs.SetFiles(files, pieceLength)
	}
	return fs, nil
}

// SetFiles binds the file layout once it becomes known (magnet metadata
// download completion). Must be called before Initialize/Readv/Writev.
func (fs *FileStorage) SetFiles(files []metainfo.File, pieceLength uint32) {
	fs.pieceLength = int64(pieceLength)
	fs.files = fs.files[:0]
	for i, f := range files {
		fs.files = append(fs.files, FileEntry{
			Path:    filepath.Join(append([]string{fs.root}, f.Path...)...),
			Length:  f.Length,
			Offset:  f.Offset(),
			Padding: f.Padding,
			Index:   i,
		})
	}
}

func itoa(u uint64) string {
	if u == 0 {
		return "0"
	}
	var b []byte
	for u > 0 {
		b = append([]byte{byte('0' + u%10)}, b...)
		u /= 10
	}
	return string(b)
}

// Dest implements storage.Storage.
func (fs *FileStorage) Dest() string { return fs.root }

// Initialize implements storage.Storage.
func (fs *FileStorage) Initialize(allocate bool) error {
	for i, f := range fs.files {
		if f.Padding {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(f.Path), 0750); err != nil {
			return &storage.Error{Kind: storage.ErrMkdir, FileIndex: i, Op: "initialize", Err: err}
		}
		st, err := os.Stat(f.Path)
		switch {
		case os.IsNotExist(err):
			file, cerr := os.Create(f.Path)
			if cerr != nil {
				return &storage.Error{Kind: storage.ErrOpen, FileIndex: i, Op: "initialize", Err: cerr}
			}
			if allocate && f.Length > 0 {
				if terr := file.Truncate(f.Length); terr != nil {
					file.Close()
					return &storage.Error{Kind: storage.ErrFallocate, FileIndex: i, Op: "initialize", Err: terr}
				}
			}
			file.Close()
		case err != nil:
			return &storage.Error{Kind: storage.ErrStat, FileIndex: i, Op: "initialize", Err: err}
		case st.Size() > f.Length:
			if terr := os.Truncate(f.Path, f.Length); terr != nil {
				return &storage.Error{Kind: storage.ErrFallocate, FileIndex: i, Op: "initialize", Err: terr}
			}
		}
	}
	return nil
}

// FileSlice is one (file, offset, length) segment of a (piece, offset, len)
// request, in torrent-stream order. Pad-file segments carry their FileEntry,
// whose Padding field is set.
type FileSlice struct {
	File   *FileEntry
	Offset int64 // offset within the file (or within the pad region)
	Length int64
}

// mapRange locates the sequence of file slices covering
// [start, start+length) of the concatenated torrent byte stream.
func (fs *FileStorage) mapRange(start int64, length int64) []FileSlice {
	var out []FileSlice
	remaining := length
	pos := start
	for i := range fs.files {
		f := &fs.files[i]
		fileEnd := f.Offset + f.Length
		if pos >= fileEnd {
			continue
		}
		if remaining <= 0 {
			break
		}
		sliceStart := pos - f.Offset
		if sliceStart < 0 {
			sliceStart = 0
		}
		avail := f.Length - sliceStart
		take := remaining
		if take > avail {
			take = avail
		}
		if take <= 0 {
			continue
		}
		out = append(out, FileSlice{File: f, Offset: sliceStart, Length: take})
		pos += take
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	return out
}

func (fs *FileStorage) torrentOffset(piece uint32, offset int64) int64 {
	return int64(piece)*fs.pieceLength + offset
}

// Readv implements storage.Storage.
func (fs *FileStorage) Readv(piece uint32, offset int64, iovecs []storage.IOVec) (int64, error) {
	var total int64
	start := fs.torrentOffset(piece, offset)
	for _, iov := range iovecs {
		n, err := fs.readAt(start, iov.Buf)
		if err != nil {
			return total, err
		}
		total += n
		start += int64(len(iov.Buf))
	}
	return total, nil
}

func (fs *FileStorage) readAt(start int64, buf []byte) (int64, error) {
	slices := fs.mapRange(start, int64(len(buf)))
	var written int64
	for _, sl := range slices {
		if sl.File == nil || sl.File.Padding {
			for i := int64(0); i < sl.Length; i++ {
				buf[written+i] = 0
			}
			written += sl.Length
			continue
		}
		f, err := sharedPool.open(handleKey{storageID: fs.id, fileIndex: sl.File.Index}, sl.File.Path, false, openMode{})
		if err != nil {
			return written, &storage.Error{Kind: storage.ErrOpen, FileIndex: sl.File.Index, Op: "read", Err: err}
		}
		n, err := f.ReadAt(buf[written:written+sl.Length], sl.Offset)
		written += int64(n)
		if err != nil {
			return written, &storage.Error{Kind: storage.ErrRead, FileIndex: sl.File.Index, Op: "read", Err: err}
		}
	}
	return written, nil
}

// Writev implements storage.Storage. Pad-file regions are skipped entirely
// (no syscall issued).
func (fs *FileStorage) Writev(piece uint32, offset int64, iovecs []storage.IOVec) (int64, error) {
	var total int64
	start := fs.torrentOffset(piece, offset)
	for _, iov := range iovecs {
		n, err := fs.writeAt(start, iov.Buf)
		if err != nil {
			return total, err
		}
		total += n
		start += int64(len(iov.Buf))
	}
	return total, nil
}

func (fs *FileStorage) writeAt(start int64, buf []byte) (int64, error) {
	slices := fs.mapRange(start, int64(len(buf)))
	var written int64
	for _, sl := range slices {
		if sl.File == nil || sl.File.Padding {
			written += sl.Length
			continue
		}
		f, err := sharedPool.open(handleKey{storageID: fs.id, fileIndex: sl.File.Index}, sl.File.Path, true, openMode{create: true})
		if err != nil {
			return written, &storage.Error{Kind: storage.ErrOpen, FileIndex: sl.File.Index, Op: "write", Err: err}
		}
		n, err := f.WriteAt(buf[written:written+sl.Length], sl.Offset)
		written += int64(n)
		if err != nil {
			return written, &storage.Error{Kind: storage.ErrWrite, FileIndex: sl.File.Index, Op: "write", Err: err}
		}
	}
	return written, nil
}

// PhysicalOffset implements storage.Storage. This filesystem layer has no
// way to ask the OS for a true physical block offset portably, so it
// returns the logical torrent-relative offset.
func (fs *FileStorage) PhysicalOffset(piece uint32, offset int64) (int64, error) {
	return fs.torrentOffset(piece, offset), nil
}

// HasAnyFile implements storage.Storage.
func (fs *FileStorage) HasAnyFile() (bool, error) {
	for _, f := range fs.files {
		if f.Padding {
			continue
		}
		if _, err := os.Stat(f.Path); err == nil {
			return true, nil
		} else if !os.IsNotExist(err) {
			return false, err
		}
	}
	return false, nil
}

// RenameFile implements storage.Storage.
func (fs *FileStorage) RenameFile(index int, newName string) error {
	if index < 0 || index >= len(fs.files) {
		return &storage.Error{Kind: storage.ErrRename, FileIndex: index, Op: "rename"}
	}
	f := &fs.files[index]
	newPath := filepath.Join(filepath.Dir(f.Path), newName)
	if err := os.Rename(f.Path, newPath); err != nil {
		return &storage.Error{Kind: storage.ErrRename, FileIndex: index, Op: "rename", Err: err}
	}
	f.Path = newPath
	return nil
}

// MoveStorage implements storage.Storage.
func (fs *FileStorage) MoveStorage(newRoot string) error {
	if err := os.MkdirAll(newRoot, 0750); err != nil {
		return &storage.Error{Kind: storage.ErrMkdir, FileIndex: -1, Op: "move_storage", Err: err}
	}
	sharedPool.release(fs.id)
	for i := range fs.files {
		f := &fs.files[i]
		rel, err := filepath.Rel(fs.root, f.Path)
		if err != nil {
			return &storage.Error{Kind: storage.ErrRename, FileIndex: i, Op: "move_storage", Err: err}
		}
		newPath := filepath.Join(newRoot, rel)
		if f.Padding {
			f.Path = newPath
			continue
		}
		if err := os.MkdirAll(filepath.Dir(newPath), 0750); err != nil {
			return &storage.Error{Kind: storage.ErrMkdir, FileIndex: i, Op: "move_storage", Err: err}
		}
		if err := os.Rename(f.Path, newPath); err != nil {
			return &storage.Error{Kind: storage.ErrRename, FileIndex: i, Op: "move_storage", Err: err}
		}
		f.Path = newPath
	}
	fs.root = newRoot
	return nil
}

// ReleaseFiles implements storage.Storage.
func (fs *FileStorage) ReleaseFiles() error {
	sharedPool.release(fs.id)
	return nil
}

// DeleteFiles implements storage.Storage.
func (fs *FileStorage) DeleteFiles() error {
	sharedPool.release(fs.id)
	for i, f := range fs.files {
		if f.Padding {
			continue
		}
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			return &storage.Error{Kind: storage.ErrRemove, FileIndex: i, Op: "delete_files", Err: err}
		}
	}
	return nil
}
