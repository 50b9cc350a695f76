package nbdtest

import (
	"io"
	"sync"
)

type Backend interface {
	io.ReaderAt
	io.WriterAt

	Size() (int64, error)
	Sync() error
}

// MemoryBackend is a fixed size in-memory disk.
type MemoryBackend struct {
	mu    sync.Mutex
	data  []byte
	syncs int
}

func NewMemoryBackend(size int64) *MemoryBackend {
	return &MemoryBackend{data: make([]byte, size)}
}

// NewMemoryBackendFrom serves data directly; writes modify it.
func NewMemoryBackendFrom(data []byte) *MemoryBackend {
	return &MemoryBackend{data: data}
}

func (b *MemoryBackend) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}

	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

func (b *MemoryBackend) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if off+int64(len(p)) > int64(len(b.data)) {
		return 0, io.ErrShortWrite
	}

	return copy(b.data[off:], p), nil
}

func (b *MemoryBackend) Size() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return int64(len(b.data)), nil
}

func (b *MemoryBackend) Sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.syncs++
	return nil
}

// Syncs reports how many times Sync was called.
func (b *MemoryBackend) Syncs() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.syncs
}

// Bytes returns a copy of the disk contents.
func (b *MemoryBackend) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]byte(nil), b.data...)
}
