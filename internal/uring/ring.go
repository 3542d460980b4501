// Package uring provides positioned file I/O through io_uring, used by the
// file-backed namespace of the emulated controller, and the memory fences
// queue pairs issue before ringing doorbells.
package uring

import (
	"errors"
	"syscall"
)

// Ring submits positioned reads and writes against one file descriptor.
// Implementations are safe for concurrent use.
type Ring interface {
	// ReadAt reads len(p) bytes at off. Reading past EOF returns a short count
	// and no error.
	ReadAt(p []byte, off int64) (int, error)

	// WriteAt writes all of p at off.
	WriteAt(p []byte, off int64) (int, error)

	// Fsync flushes the file to stable storage.
	Fsync() error

	Close() error
}

// Config selects the ring size and target file.
type Config struct {
	Entries uint32
	FD      int
}

// DefaultEntries is used when Config.Entries is zero.
const DefaultEntries = 64

// ErrClosed is returned after Close.
var ErrClosed = errors.New("uring: ring closed")

// errnoFromResult converts a negative CQE result to an error.
func errnoFromResult(res int32) error {
	if res >= 0 {
		return nil
	}
	return syscall.Errno(-res)
}
