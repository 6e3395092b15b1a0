package calstore

import (
	"io"
	"os"
)

// FileBackend stands in for EEPROM on a host build: a fixed-size file
// opened for random-access reads and writes at the offsets calstore uses.
type FileBackend struct {
	f *os.File
}

// OpenFileBackend opens (creating if necessary) path as a calibration
// store backend.
func OpenFileBackend(path string) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileBackend{f: f}, nil
}

// ReadAt reads the requested region, treating a short read on a freshly
// created (empty) file as all-zero bytes rather than an error — a brand
// new EEPROM image reads as zeroed, which calstore.Load correctly sees as
// a magic mismatch (ErrNoCalibration) rather than a read failure.
func (fb *FileBackend) ReadAt(p []byte, off int64) (int, error) {
	n, err := fb.f.ReadAt(p, off)
	if n == len(p) {
		return n, nil
	}
	if err == io.EOF {
		for i := n; i < len(p); i++ {
			p[i] = 0
		}
		return len(p), nil
	}
	return n, err
}

func (fb *FileBackend) WriteAt(p []byte, off int64) (int, error) {
	return fb.f.WriteAt(p, off)
}

// Close closes the backing file.
func (fb *FileBackend) Close() error { return fb.f.Close() }

// MemBackend is an in-memory Backend for tests.
type MemBackend struct {
	buf [regionSize]byte
}

func (m *MemBackend) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.buf[off:])
	return n, nil
}

func (m *MemBackend) WriteAt(p []byte, off int64) (int, error) {
	n := copy(m.buf[off:], p)
	return n, nil
}
