// Package backend provides namespace storage for the emulated controller.
package backend

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-nvmeq/internal/interfaces"
)

var (
	// ErrOutOfRange is returned for writes that start past the namespace.
	ErrOutOfRange = errors.New("backend: offset beyond end of namespace")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("backend: closed")
)

// Memory keeps the namespace in RAM.
type Memory struct {
	mu   sync.RWMutex
	data []byte
	size int64

	reads    atomic.Uint64
	writes   atomic.Uint64
	discards atomic.Uint64
}

// NewMemory creates a zero-filled namespace of size bytes.
func NewMemory(size int64) *Memory {
	return &Memory{
		data: make([]byte, size),
		size: size,
	}
}

// ReadAt copies from the namespace. Reads past the end are short.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.data == nil {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrOutOfRange, off)
	}
	if off >= m.size {
		return 0, nil
	}
	m.reads.Add(1)
	return copy(p, m.data[off:]), nil
}

// WriteAt copies into the namespace. A write running past the end stores
// what fits and reports ErrOutOfRange.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return 0, ErrClosed
	}
	if off < 0 || off >= m.size {
		return 0, fmt.Errorf("%w: write at %d, size %d", ErrOutOfRange, off, m.size)
	}
	m.writes.Add(1)
	n := copy(m.data[off:], p)
	if n < len(p) {
		return n, fmt.Errorf("%w: write of %d at %d truncated", ErrOutOfRange, len(p), off)
	}
	return n, nil
}

// Size returns the namespace capacity.
func (m *Memory) Size() int64 {
	return m.size
}

// Close releases the namespace memory.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

// Flush is a no-op; RAM has no volatile write cache to drain.
func (m *Memory) Flush() error {
	return nil
}

// Discard zeroes a byte range. Ranges past the end are clipped.
func (m *Memory) Discard(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return ErrClosed
	}
	if offset < 0 || offset >= m.size {
		return nil
	}
	end := min(offset+length, m.size)
	clear(m.data[offset:end])
	m.discards.Add(1)
	return nil
}

// WriteZeroes zeroes a byte range.
func (m *Memory) WriteZeroes(offset, length int64) error {
	return m.Discard(offset, length)
}

// MemoryStats counts backend calls.
type MemoryStats struct {
	Size     int64  `json:"size"`
	Reads    uint64 `json:"reads"`
	Writes   uint64 `json:"writes"`
	Discards uint64 `json:"discards"`
}

// Stats returns the call counters.
func (m *Memory) Stats() MemoryStats {
	return MemoryStats{
		Size:     m.size,
		Reads:    m.reads.Load(),
		Writes:   m.writes.Load(),
		Discards: m.discards.Load(),
	}
}

var (
	_ interfaces.Backend            = (*Memory)(nil)
	_ interfaces.DiscardBackend     = (*Memory)(nil)
	_ interfaces.WriteZeroesBackend = (*Memory)(nil)
)
