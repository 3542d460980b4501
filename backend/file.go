//go:build unix

package backend

import (
	"fmt"
	"os"

	"github.com/ehrlich-b/go-nvmeq/internal/interfaces"
	"github.com/ehrlich-b/go-nvmeq/internal/uring"
)

// File stores the namespace in a regular file. I/O goes through an
// io_uring instance where the kernel provides one.
type File struct {
	f    *os.File
	ring uring.Ring
	size int64
}

// FileOptions configures OpenFile.
type FileOptions struct {
	// Size truncates or extends the file. Zero keeps the current size.
	Size int64

	// RingEntries sizes the submission ring. Zero uses the default.
	RingEntries uint32
}

// OpenFile opens or creates path as a namespace.
func OpenFile(path string, opts FileOptions) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open namespace file: %w", err)
	}

	size := opts.Size
	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("size namespace file: %w", err)
		}
	} else {
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat namespace file: %w", err)
		}
		size = st.Size()
	}
	if size == 0 {
		f.Close()
		return nil, fmt.Errorf("namespace file %s is empty", path)
	}

	ring, err := uring.NewRing(uring.Config{Entries: opts.RingEntries, FD: int(f.Fd())})
	if err != nil {
		f.Close()
		return nil, err
	}
	return &File{f: f, ring: ring, size: size}, nil
}

// ReadAt reads from the file. Reads past the end are short.
func (b *File) ReadAt(p []byte, off int64) (int, error) {
	if off >= b.size {
		return 0, nil
	}
	if rem := b.size - off; int64(len(p)) > rem {
		p = p[:rem]
	}
	return b.ring.ReadAt(p, off)
}

// WriteAt writes to the file. Writes may not grow the namespace.
func (b *File) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > b.size {
		return 0, fmt.Errorf("%w: write of %d at %d, size %d", ErrOutOfRange, len(p), off, b.size)
	}
	return b.ring.WriteAt(p, off)
}

// Size returns the namespace capacity.
func (b *File) Size() int64 { return b.size }

// Flush makes written data durable.
func (b *File) Flush() error { return b.ring.Fsync() }

// Close tears down the ring and closes the file.
func (b *File) Close() error {
	rerr := b.ring.Close()
	if err := b.f.Close(); err != nil {
		return err
	}
	return rerr
}

// Path returns the file name.
func (b *File) Path() string { return b.f.Name() }

var _ interfaces.Backend = (*File)(nil)
