package backend

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/reedsolomon"

	"github.com/ehrlich-b/go-nvmeq/internal/interfaces"
)

// ErrDataLost is returned when more shards are lost than parity can cover.
var ErrDataLost = errors.New("backend: too many shards lost to reconstruct data")

// ErasureOptions configures an erasure coded namespace.
type ErasureOptions struct {
	DataShards   int
	ParityShards int

	// ShardSize is the number of bytes each shard holds per stripe.
	ShardSize int
}

// DefaultErasureOptions is a 4+2 layout with 4KB shards.
func DefaultErasureOptions() ErasureOptions {
	return ErasureOptions{DataShards: 4, ParityShards: 2, ShardSize: 4096}
}

// Erasure spreads the namespace over Reed-Solomon coded shards kept in
// memory. Shards can be failed to model a lost disk; reads reconstruct
// around them until parity runs out.
type Erasure struct {
	mu      sync.RWMutex
	enc     reedsolomon.Encoder
	opts    ErasureOptions
	stripes [][][]byte // stripe -> shard -> bytes
	lost    []bool
	size    int64
	closed  bool
}

// NewErasure creates a zero-filled namespace of at least size bytes,
// rounded up to whole stripes.
func NewErasure(size int64, opts ErasureOptions) (*Erasure, error) {
	if opts.ShardSize <= 0 || size <= 0 {
		return nil, fmt.Errorf("invalid erasure layout: size %d, shard size %d", size, opts.ShardSize)
	}
	enc, err := reedsolomon.New(opts.DataShards, opts.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}

	stripeBytes := int64(opts.DataShards * opts.ShardSize)
	n := (size + stripeBytes - 1) / stripeBytes
	e := &Erasure{
		enc:     enc,
		opts:    opts,
		stripes: make([][][]byte, n),
		lost:    make([]bool, opts.DataShards+opts.ParityShards),
		size:    n * stripeBytes,
	}
	for i := range e.stripes {
		shards := make([][]byte, len(e.lost))
		for j := range shards {
			shards[j] = make([]byte, opts.ShardSize)
		}
		e.stripes[i] = shards
	}
	return e, nil
}

func (e *Erasure) stripeBytes() int64 {
	return int64(e.opts.DataShards * e.opts.ShardSize)
}

// view returns the shards of stripe s with lost data reconstructed into
// scratch buffers. The stored shards are not modified.
func (e *Erasure) view(s int) ([][]byte, error) {
	stored := e.stripes[s]
	shards := make([][]byte, len(stored))
	missing := false
	for i := range stored {
		if e.lost[i] {
			missing = true
			continue
		}
		shards[i] = stored[i]
	}
	if !missing {
		return shards, nil
	}
	if err := e.enc.ReconstructData(shards); err != nil {
		return nil, fmt.Errorf("%w: stripe %d: %v", ErrDataLost, s, err)
	}
	return shards, nil
}

// ReadAt reads across stripes. Reads past the end are short.
func (e *Erasure) ReadAt(p []byte, off int64) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrOutOfRange, off)
	}
	if off >= e.size {
		return 0, nil
	}
	if rem := e.size - off; int64(len(p)) > rem {
		p = p[:rem]
	}

	done := 0
	for done < len(p) {
		pos := off + int64(done)
		s := int(pos / e.stripeBytes())
		shards, err := e.view(s)
		if err != nil {
			return done, err
		}
		within := int(pos % e.stripeBytes())
		for within < int(e.stripeBytes()) && done < len(p) {
			shard := shards[within/e.opts.ShardSize]
			n := copy(p[done:], shard[within%e.opts.ShardSize:])
			done += n
			within += n
		}
	}
	return done, nil
}

// WriteAt updates data shards and recomputes parity stripe by stripe.
func (e *Erasure) WriteAt(p []byte, off int64) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, ErrClosed
	}
	if off < 0 || off+int64(len(p)) > e.size {
		return 0, fmt.Errorf("%w: write of %d at %d, size %d", ErrOutOfRange, len(p), off, e.size)
	}

	done := 0
	for done < len(p) {
		pos := off + int64(done)
		s := int(pos / e.stripeBytes())
		shards, err := e.view(s)
		if err != nil {
			return done, err
		}

		// Work on a full copy so a lost shard can be regenerated and then
		// dropped again without touching the stored one.
		work := make([][]byte, len(shards))
		for i := range shards {
			if i < e.opts.DataShards {
				work[i] = append([]byte(nil), shards[i]...)
			} else {
				work[i] = make([]byte, e.opts.ShardSize)
			}
		}

		within := int(pos % e.stripeBytes())
		for within < int(e.stripeBytes()) && done < len(p) {
			shard := work[within/e.opts.ShardSize]
			n := copy(shard[within%e.opts.ShardSize:], p[done:])
			done += n
			within += n
		}
		if err := e.enc.Encode(work); err != nil {
			return done, fmt.Errorf("encode stripe %d: %w", s, err)
		}
		for i := range work {
			if e.lost[i] {
				continue
			}
			copy(e.stripes[s][i], work[i])
		}
	}
	return done, nil
}

// FailShard marks shard i lost and wipes its contents.
func (e *Erasure) FailShard(i int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if i < 0 || i >= len(e.lost) {
		return fmt.Errorf("shard %d out of range [0, %d)", i, len(e.lost))
	}
	e.lost[i] = true
	for _, stripe := range e.stripes {
		clear(stripe[i])
	}
	return nil
}

// RepairShard rebuilds shard i from the surviving shards.
func (e *Erasure) RepairShard(i int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if i < 0 || i >= len(e.lost) {
		return fmt.Errorf("shard %d out of range [0, %d)", i, len(e.lost))
	}
	if !e.lost[i] {
		return nil
	}

	for s, stored := range e.stripes {
		shards := make([][]byte, len(stored))
		for j := range stored {
			if !e.lost[j] {
				shards[j] = stored[j]
			}
		}
		if err := e.enc.Reconstruct(shards); err != nil {
			return fmt.Errorf("%w: stripe %d: %v", ErrDataLost, s, err)
		}
		copy(stored[i], shards[i])
	}
	e.lost[i] = false
	return nil
}

// LostShards returns the indices of failed shards.
func (e *Erasure) LostShards() []int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []int
	for i, l := range e.lost {
		if l {
			out = append(out, i)
		}
	}
	return out
}

// Verify checks parity of every stripe. It fails while shards are lost.
func (e *Erasure) Verify() (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, stripe := range e.stripes {
		ok, err := e.enc.Verify(stripe)
		if err != nil || !ok {
			return ok, err
		}
	}
	return true, nil
}

// Size returns the namespace capacity in bytes.
func (e *Erasure) Size() int64 { return e.size }

// Flush is a no-op; shards live in memory.
func (e *Erasure) Flush() error { return nil }

// Close drops all shards.
func (e *Erasure) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.stripes = nil
	return nil
}

var _ interfaces.Backend = (*Erasure)(nil)
