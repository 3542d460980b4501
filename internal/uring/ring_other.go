//go:build unix && !linux

package uring

import (
	"sync"

	"golang.org/x/sys/unix"
)

// syncRing falls back to pread/pwrite where io_uring does not exist.
type syncRing struct {
	mu     sync.RWMutex
	fd     int
	closed bool
}

// NewRing returns a pread/pwrite based Ring for cfg.FD.
func NewRing(cfg Config) (Ring, error) {
	return &syncRing{fd: cfg.FD}, nil
}

func (r *syncRing) ReadAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return 0, ErrClosed
	}
	done := 0
	for done < len(p) {
		n, err := unix.Pread(r.fd, p[done:], off+int64(done))
		if err != nil {
			return done, err
		}
		if n == 0 {
			break
		}
		done += n
	}
	return done, nil
}

func (r *syncRing) WriteAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return 0, ErrClosed
	}
	done := 0
	for done < len(p) {
		n, err := unix.Pwrite(r.fd, p[done:], off+int64(done))
		if err != nil {
			return done, err
		}
		done += n
	}
	return done, nil
}

func (r *syncRing) Fsync() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return unix.Fsync(r.fd)
}

func (r *syncRing) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
