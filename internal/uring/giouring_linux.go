//go:build linux

package uring

import (
	"fmt"
	"io"
	"runtime"
	"sync"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
)

type opKind uint8

const (
	opRead opKind = iota
	opWrite
	opFsync
)

// giouringRing serializes operations on one giouring.Ring. Each call
// submits a single SQE and waits for its CQE.
type giouringRing struct {
	mu     sync.Mutex
	ring   *giouring.Ring
	fd     int
	seq    uint64
	closed bool
}

// NewRing creates an io_uring instance for cfg.FD.
func NewRing(cfg Config) (Ring, error) {
	entries := cfg.Entries
	if entries == 0 {
		entries = DefaultEntries
	}
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, fmt.Errorf("uring: create ring: %w", err)
	}
	return &giouringRing{ring: ring, fd: cfg.FD}, nil
}

func (r *giouringRing) ReadAt(p []byte, off int64) (int, error) {
	done := 0
	for done < len(p) {
		n, err := r.do(opRead, p[done:], off+int64(done))
		if err != nil {
			return done, err
		}
		if n == 0 {
			// EOF
			break
		}
		done += n
	}
	return done, nil
}

func (r *giouringRing) WriteAt(p []byte, off int64) (int, error) {
	done := 0
	for done < len(p) {
		n, err := r.do(opWrite, p[done:], off+int64(done))
		if err != nil {
			return done, err
		}
		if n == 0 {
			return done, io.ErrShortWrite
		}
		done += n
	}
	return done, nil
}

func (r *giouringRing) Fsync() error {
	_, err := r.do(opFsync, nil, 0)
	return err
}

func (r *giouringRing) do(kind opKind, p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}

	sqe := r.ring.GetSQE()
	if sqe == nil {
		return 0, fmt.Errorf("uring: submission queue full")
	}

	var buf uintptr
	if len(p) > 0 {
		buf = uintptr(unsafe.Pointer(&p[0]))
	}
	switch kind {
	case opRead:
		sqe.PrepareRead(r.fd, buf, uint32(len(p)), uint64(off))
	case opWrite:
		sqe.PrepareWrite(r.fd, buf, uint32(len(p)), uint64(off))
	case opFsync:
		sqe.PrepareFsync(r.fd, 0)
	}
	r.seq++
	sqe.SetData64(r.seq)

	if _, err := r.ring.SubmitAndWait(1); err != nil {
		return 0, fmt.Errorf("uring: submit: %w", err)
	}
	cqe, err := r.ring.WaitCQE()
	if err != nil {
		return 0, fmt.Errorf("uring: wait: %w", err)
	}
	res, userData := cqe.Res, cqe.UserData
	r.ring.CQAdvance(1)
	runtime.KeepAlive(p)

	if userData != r.seq {
		return 0, fmt.Errorf("uring: completion for %d while waiting for %d", userData, r.seq)
	}
	if err := errnoFromResult(res); err != nil {
		return 0, err
	}
	return int(res), nil
}

func (r *giouringRing) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.ring.QueueExit()
	return nil
}
