// Package dma provides a pinned memory arena that stands in for hugepage
// backed DMA memory: page-aligned allocations with stable device addresses.
package dma

import (
	"sort"
	"strconv"
	"sync"
	"unsafe"

	"github.com/brickingsoft/errors"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-nvmeq/internal/interfaces"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

var (
	ErrOutOfMemory = errors.Define("dma: arena exhausted")
	ErrNotInArena  = errors.Define("dma: buffer not allocated from this arena")
	ErrClosed      = errors.Define("dma: arena closed")
	ErrInvalidSize = errors.Define("dma: invalid allocation size")
)

const (
	errMetaOpKey   = "op"
	errMetaSizeKey = "size"
)

// Options configures an arena.
type Options struct {
	// IOVABase is the device address of the first arena byte.
	IOVABase uint64

	// Lock pins the arena with mlock. Failure to lock is not fatal; see Locked.
	Lock bool
}

type extent struct {
	off  int
	size int
}

// Arena hands out page-aligned, zeroed buffers from one mmap'd region and
// translates them to device addresses. It is safe for concurrent use.
type Arena struct {
	mu     sync.Mutex
	mem    []byte
	base   uintptr
	iova   uint64
	free   []extent // sorted by offset, never adjacent
	used   map[int]int
	inUse  int
	locked bool
	closed bool
}

var _ interfaces.Memory = (*Arena)(nil)

// NewArena maps size bytes, rounded up to whole pages.
func NewArena(size int, opts Options) (*Arena, error) {
	if size <= 0 {
		return nil, errors.New("create arena failed",
			errors.WithMeta(errMetaSizeKey, strconv.Itoa(size)),
			errors.WithWrap(ErrInvalidSize))
	}
	size = roundUp(size)

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.New("mmap failed",
			errors.WithMeta(errMetaOpKey, "mmap"),
			errors.WithMeta(errMetaSizeKey, strconv.Itoa(size)),
			errors.WithWrap(err))
	}
	adviseNoFork(mem)

	a := &Arena{
		mem:  mem,
		base: uintptr(unsafe.Pointer(&mem[0])),
		iova: opts.IOVABase,
		free: []extent{{off: 0, size: size}},
		used: make(map[int]int),
	}
	if opts.Lock {
		a.locked = unix.Mlock(mem) == nil
	}
	return a, nil
}

func roundUp(n int) int {
	return (n + nvme.PageSize - 1) &^ (nvme.PageSize - 1)
}

// Alloc returns a zeroed buffer of exactly size bytes starting on a page
// boundary.
func (a *Arena) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.From(ErrInvalidSize, errors.WithMeta(errMetaSizeKey, strconv.Itoa(size)))
	}
	want := roundUp(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}
	for i, e := range a.free {
		if e.size < want {
			continue
		}
		if e.size == want {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = extent{off: e.off + want, size: e.size - want}
		}
		a.used[e.off] = want
		a.inUse += want
		buf := a.mem[e.off : e.off+size : e.off+want]
		clear(buf)
		return buf, nil
	}
	return nil, errors.From(ErrOutOfMemory,
		errors.WithMeta(errMetaSizeKey, strconv.Itoa(size)),
		errors.WithMeta("in_use", strconv.Itoa(a.inUse)))
}

// Free returns buf to the arena. Buffers not obtained from Alloc are ignored.
func (a *Arena) Free(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	off, ok := a.offsetOf(buf)
	if !ok {
		return
	}
	size, ok := a.used[off]
	if !ok {
		return
	}
	delete(a.used, off)
	a.inUse -= size
	a.insertFree(extent{off: off, size: size})
}

// insertFree adds e to the free list and merges it with its neighbours.
func (a *Arena) insertFree(e extent) {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].off > e.off })
	a.free = append(a.free, extent{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = e

	if i+1 < len(a.free) && a.free[i].off+a.free[i].size == a.free[i+1].off {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].off+a.free[i-1].size == a.free[i].off {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

func (a *Arena) offsetOf(buf []byte) (int, bool) {
	if cap(buf) == 0 {
		return 0, false
	}
	p := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	if p < a.base || p >= a.base+uintptr(len(a.mem)) {
		return 0, false
	}
	return int(p - a.base), true
}

// Translate returns the device address of buf[0], or InvalidAddress when
// buf does not lie entirely inside the arena.
func (a *Arena) Translate(buf []byte) uint64 {
	off, ok := a.offsetOf(buf)
	if !ok || off+len(buf) > len(a.mem) {
		return interfaces.InvalidAddress
	}
	return a.iova + uint64(off)
}

// Resolve maps a device address range back to arena memory.
func (a *Arena) Resolve(addr uint64, n int) ([]byte, bool) {
	if addr < a.iova || n < 0 {
		return nil, false
	}
	off := addr - a.iova
	if off > uint64(len(a.mem)) || uint64(n) > uint64(len(a.mem))-off {
		return nil, false
	}
	return a.mem[off : off+uint64(n) : off+uint64(n)], true
}

// Size returns the arena size in bytes.
func (a *Arena) Size() int { return len(a.mem) }

// InUse returns the number of allocated bytes, page rounded.
func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Locked reports whether mlock succeeded.
func (a *Arena) Locked() bool { return a.locked }

// IOVABase returns the device address of the first arena byte.
func (a *Arena) IOVABase() uint64 { return a.iova }

// Close unmaps the arena. Buffers handed out become invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	if a.locked {
		_ = unix.Munlock(a.mem)
	}
	if err := unix.Munmap(a.mem); err != nil {
		return errors.New("munmap failed", errors.WithMeta(errMetaOpKey, "munmap"), errors.WithWrap(err))
	}
	a.mem = nil
	a.free = nil
	return nil
}
