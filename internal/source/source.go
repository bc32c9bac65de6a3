// Package source provides the backing stores used to read a GeoIP database
// file. A Source serves best-effort positional reads: failures are logged and
// surface as zero-filled bytes so that lookups degrade to "unknown" instead
// of returning errors.
package source

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// Source is the random-access read capability over a database file.
type Source interface {
	// ReadAt copies up to len(dest) bytes starting at offset into dest and
	// returns the number of bytes actually read. Any portion of dest not
	// filled from the file is zeroed. Short reads at EOF are expected; other
	// read errors are logged and reported as zero bytes.
	ReadAt(dest []byte, offset int64) int

	// Size returns the length of the underlying file in bytes.
	Size() int64

	// Close releases the underlying handle. It is idempotent.
	Close() error
}

// File issues one positional read per call on an open file handle. The
// *os.File pread path is safe for concurrent callers.
type File struct {
	f         *os.File
	log       *zap.Logger
	size      int64
	closeOnce sync.Once
	closeErr  error
}

// OpenFile opens path for reading and returns a direct-read source.
func OpenFile(path string, log *zap.Logger) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &File{f: f, log: log, size: stat.Size()}, nil
}

func (s *File) ReadAt(dest []byte, offset int64) int {
	zero(dest)
	if offset < 0 {
		return 0
	}
	n, err := s.f.ReadAt(dest, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		s.log.Warn("database read failed",
			zap.Int64("offset", offset),
			zap.Int("length", len(dest)),
			zap.Error(err))
		zero(dest)
		return 0
	}
	return n
}

func (s *File) Size() int64 { return s.size }

func (s *File) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.f.Close()
	})
	return s.closeErr
}

// Memory serves every read from a full in-memory copy of the file. The copy
// is taken under an advisory shared file lock so a concurrent writer cannot
// truncate the file mid-read.
type Memory struct {
	data []byte
}

// OpenMemory reads the entire file at path into memory.
func OpenMemory(path string, _ *zap.Logger) (*Memory, error) {
	lock := flock.New(path)
	if err := lock.RLock(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	unlockErr := lock.Unlock()
	if err != nil {
		return nil, err
	}
	if unlockErr != nil {
		return nil, unlockErr
	}
	return &Memory{data: data}, nil
}

func (s *Memory) ReadAt(dest []byte, offset int64) int {
	zero(dest)
	if offset < 0 || offset >= int64(len(s.data)) {
		return 0
	}
	return copy(dest, s.data[offset:])
}

func (s *Memory) Size() int64 { return int64(len(s.data)) }

func (s *Memory) Close() error { return nil }

// Index composes a direct source with an eagerly loaded copy of the trie
// prefix. Reads wholly inside the prefix are served from memory; reads beyond
// it fall through to the file.
type Index struct {
	file   *File
	prefix []byte
}

// NewIndex loads the first window bytes of file into memory. A window larger
// than the file is clamped to the file size.
func NewIndex(file *File, window int64) *Index {
	if window > file.Size() {
		window = file.Size()
	}
	if window < 0 {
		window = 0
	}
	prefix := make([]byte, window)
	n := file.ReadAt(prefix, 0)
	return &Index{file: file, prefix: prefix[:n]}
}

func (s *Index) ReadAt(dest []byte, offset int64) int {
	if offset >= 0 && offset+int64(len(dest)) <= int64(len(s.prefix)) {
		return copy(dest, s.prefix[offset:])
	}
	return s.file.ReadAt(dest, offset)
}

func (s *Index) Size() int64 { return s.file.Size() }

func (s *Index) Close() error { return s.file.Close() }

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
