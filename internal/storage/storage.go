// Package storage defines the contract a torrent's on-disk backend must
// satisfy.
package storage

import "io"

// ErrorKind enumerates the taxonomy of storage failures.
type ErrorKind string

// Storage error kinds.
const (
	ErrStat                        ErrorKind = "stat"
	ErrMkdir                       ErrorKind = "mkdir"
	ErrOpen                        ErrorKind = "open"
	ErrFallocate                   ErrorKind = "fallocate"
	ErrRead                        ErrorKind = "read"
	ErrWrite                       ErrorKind = "write"
	ErrRename                      ErrorKind = "rename"
	ErrRemove                      ErrorKind = "remove"
	ErrCopy                        ErrorKind = "copy"
	ErrFileCollision               ErrorKind = "file_collision"
	ErrMissingFileSizes            ErrorKind = "missing_file_sizes"
	ErrMismatchingFileSize         ErrorKind = "mismatching_file_size"
	ErrMismatchingFileTimestamp    ErrorKind = "mismatching_file_timestamp"
	ErrMissingPieces               ErrorKind = "missing_pieces"
	ErrMismatchingNumberOfFiles    ErrorKind = "mismatching_number_of_files"
	ErrNoFilesInResumeData         ErrorKind = "no_files_in_resume_data"
	ErrInvalidBlocksPerPiece       ErrorKind = "invalid_blocks_per_piece"
	ErrNotADictionary              ErrorKind = "not_a_dictionary"
)

// Error is the structured error every fallible Storage operation returns.
type Error struct {
	Kind      ErrorKind
	FileIndex int
	Op        string
	Err       error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s += " (" + e.Op + ")"
	}
	if e.FileIndex >= 0 {
		s += " file#"
		s += itoa(e.FileIndex)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

// NewError constructs an Error with no specific file index (-1).
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, FileIndex: -1, Op: op, Err: err}
}

// IOVec is one contiguous read/write region within a single file.
type IOVec struct {
	Buf []byte
}

// File is a single open file within a Storage.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Size() int64
}

// Storage maps (piece, offset, length) onto file regions and manages file
// lifetime. One Storage instance per torrent.
type Storage interface {
	// Initialize creates/truncates files to their declared sizes. When
	// allocate is true, missing files are preallocated to full size;
	// otherwise they are created sparse.
	Initialize(allocate bool) error

	// Readv reads len(iovecs total) bytes starting at (piece, offset),
	// zero-filling any bytes that fall within pad-file regions.
	Readv(piece uint32, offset int64, iovecs []IOVec) (int64, error)

	// Writev writes iovecs starting at (piece, offset). Bytes that fall
	// within pad-file regions are silently skipped (not written).
	Writev(piece uint32, offset int64, iovecs []IOVec) (int64, error)

	// PhysicalOffset returns a monotonic proxy for the physical disk
	// offset of (piece, offset), used by read-reordering. When the
	// filesystem can't report a true physical offset, the logical
	// torrent-relative byte offset is returned instead.
	PhysicalOffset(piece uint32, offset int64) (int64, error)

	// HasAnyFile reports whether any backing file already exists on disk.
	HasAnyFile() (bool, error)

	RenameFile(index int, newName string) error
	MoveStorage(newRoot string) error
	ReleaseFiles() error
	DeleteFiles() error

	// Dest returns the storage's root directory.
	Dest() string
}
