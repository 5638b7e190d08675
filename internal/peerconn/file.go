package peerconn

import (
	"fmt"
	"os"
)

// FileSource exposes a single on-disk file as a Source for ADCGET/$Get
// serving.
type FileSource struct {
	f    *os.File
	size int64
}

// OpenFileSource opens path read-only as a Source.
func OpenFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileSource{f: f, size: info.Size()}, nil
}

func (s *FileSource) Size() int64 { return s.size }

func (s *FileSource) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }

// Close releases the underlying file handle.
func (s *FileSource) Close() error { return s.f.Close() }

// FileTarget is a WriteAt-based download destination backed by a
// pre-truncated temp file, matching the queue's TempTarget convention
// (Target+".dctmp").
type FileTarget struct {
	f *os.File
}

// OpenFileTarget opens (creating if needed) path for random-access writes,
// truncating it to size so WriteAt never extends a sparse file mid-write.
func OpenFileTarget(path string, size int64) (*FileTarget, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	return &FileTarget{f: f}, nil
}

func (t *FileTarget) WriteAt(p []byte, off int64) error {
	n, err := t.f.WriteAt(p, off)
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("peerconn: short write at offset %d: wrote %d of %d bytes", off, n, len(p))
	}
	return nil
}

// Close releases the underlying file handle.
func (t *FileTarget) Close() error { return t.f.Close() }
