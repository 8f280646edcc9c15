package reader

import (
	"fmt"
	"os"

	"github.com/otadump/payload-extract/errs"
)

// LocalFile is a Source backed by an *os.File. ReadAt is implemented with
// os.File.ReadAt, which is a pread(2) on Unix and therefore already safe for
// concurrent use without an external lock — the scheduler's reader mutex is
// still held around it for uniformity with HttpRange (see package extract),
// but LocalFile itself never serializes internally.
type LocalFile struct {
	f    *os.File
	size int64
}

// OpenLocalFile opens path for positioned reads.
func OpenLocalFile(path string) (*LocalFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.New(errs.SourceOpenFailed, fmt.Errorf("open %s: %w", path, err))
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.New(errs.SourceOpenFailed, fmt.Errorf("stat %s: %w", path, err))
	}
	return &LocalFile{f: f, size: st.Size()}, nil
}

func (l *LocalFile) ReadAt(p []byte, off int64) (int, error) {
	return l.f.ReadAt(p, off)
}

func (l *LocalFile) Size() int64 { return l.size }

func (l *LocalFile) SupportsRanges() bool { return true }

func (l *LocalFile) Close() error { return l.f.Close() }
