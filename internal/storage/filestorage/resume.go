package filestorage

import (
	"os"
	"time"

	"github.com/coredrop/torrentengine/internal/storage"
)

// FileSizeEntry is one (size, mtime) pair as carried in resume data.
type FileSizeEntry struct {
	Size    int64
	ModTime time.Time
}

// Resume-data mtime tolerance window: the asymmetry (+5 min forward, -5 s
// backward) accommodates FAT's 2-second mtime granularity and is kept
// asymmetric rather than "fixed" to a symmetric window.
const (
	mtimeForwardTolerance  = 5 * time.Minute
	mtimeBackwardTolerance = 5 * time.Second
)

// VerifyResumeData checks fileSizes (one entry per non-pad file, in file
// order) against the files actually on disk. checkTimestamps disables the
// mtime check when false (ignore_resume_timestamps).
func (fs *FileStorage) VerifyResumeData(fileSizes []FileSizeEntry, checkTimestamps bool) error {
	nonPad := fs.nonPadFiles()
	if len(fileSizes) != len(nonPad) {
		return &storage.Error{Kind: storage.ErrMismatchingNumberOfFiles, FileIndex: -1, Op: "verify_resume_data"}
	}
	for i, f := range nonPad {
		expected := fileSizes[i]
		st, err := os.Stat(f.Path)
		if os.IsNotExist(err) {
			if expected.Size != 0 {
				return &storage.Error{Kind: storage.ErrMismatchingFileSize, FileIndex: f.Index, Op: "verify_resume_data"}
			}
			continue
		}
		if err != nil {
			return &storage.Error{Kind: storage.ErrStat, FileIndex: f.Index, Op: "verify_resume_data", Err: err}
		}
		if expected.Size > st.Size() {
			return &storage.Error{Kind: storage.ErrMismatchingFileSize, FileIndex: f.Index, Op: "verify_resume_data"}
		}
		if checkTimestamps {
			diff := st.ModTime().Sub(expected.ModTime)
			if diff > mtimeForwardTolerance || diff < -mtimeBackwardTolerance {
				return &storage.Error{Kind: storage.ErrMismatchingFileTimestamp, FileIndex: f.Index, Op: "verify_resume_data"}
			}
		}
	}
	return nil
}

// WriteResumeData returns the current (size, mtime) of every non-pad file,
// in file order, for persisting into resume data.
func (fs *FileStorage) WriteResumeData() ([]FileSizeEntry, error) {
	nonPad := fs.nonPadFiles()
	out := make([]FileSizeEntry, len(nonPad))
	for i, f := range nonPad {
		st, err := os.Stat(f.Path)
		if os.IsNotExist(err) {
			out[i] = FileSizeEntry{Size: 0}
			continue
		}
		if err != nil {
			return nil, &storage.Error{Kind: storage.ErrStat, FileIndex: f.Index, Op: "write_resume_data", Err: err}
		}
		out[i] = FileSizeEntry{Size: st.Size(), ModTime: st.ModTime()}
	}
	return out, nil
}

func (fs *FileStorage) nonPadFiles() []FileEntry {
	var out []FileEntry
	for _, f := range fs.files {
		if !f.Padding {
			out = append(out, f)
		}
	}
	return out
}
