package dma

// Pool size buckets. Requests above the largest bucket go straight to the
// arena.
const (
	size4k   = 4 * 1024
	size64k  = 64 * 1024
	size128k = 128 * 1024
	size1m   = 1024 * 1024
)

var bucketSizes = [...]int{size4k, size64k, size128k, size1m}

// Pool keeps released arena buffers in size buckets so hot paths reuse DMA
// memory instead of walking the arena's free list. Each bucket holds at
// most depth idle buffers; anything beyond that goes back to the arena.
//
// Unlike sync.Pool, idle buffers are never dropped behind the arena's
// back: they stay allocated until Drain or Put overflow frees them.
type Pool struct {
	arena   *Arena
	buckets [len(bucketSizes)]chan []byte
}

// NewPool returns a pool over a holding up to depth idle buffers per bucket.
func NewPool(a *Arena, depth int) *Pool {
	if depth < 1 {
		depth = 1
	}
	p := &Pool{arena: a}
	for i := range p.buckets {
		p.buckets[i] = make(chan []byte, depth)
	}
	return p
}

func bucketFor(size int) int {
	for i, s := range bucketSizes {
		if size <= s {
			return i
		}
	}
	return -1
}

// Get returns a zeroed buffer of len size with a page-aligned start.
func (p *Pool) Get(size int) ([]byte, error) {
	i := bucketFor(size)
	if size <= 0 || i < 0 {
		return p.arena.Alloc(size)
	}
	select {
	case buf := <-p.buckets[i]:
		buf = buf[:size]
		clear(buf)
		return buf, nil
	default:
	}
	buf, err := p.arena.Alloc(bucketSizes[i])
	if err != nil {
		return nil, err
	}
	return buf[:size], nil
}

// Put releases buf. Buffers whose capacity matches a bucket are kept for
// reuse while the bucket has room.
func (p *Pool) Put(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	buf = buf[:cap(buf)]
	i := bucketFor(len(buf))
	if i < 0 || bucketSizes[i] != len(buf) {
		p.arena.Free(buf)
		return
	}
	select {
	case p.buckets[i] <- buf:
	default:
		p.arena.Free(buf)
	}
}

// Idle returns the number of buffers held for reuse.
func (p *Pool) Idle() int {
	n := 0
	for _, b := range p.buckets {
		n += len(b)
	}
	return n
}

// Drain frees every idle buffer back to the arena.
func (p *Pool) Drain() {
	for _, b := range p.buckets {
		for {
			select {
			case buf := <-b:
				p.arena.Free(buf)
				continue
			default:
			}
			break
		}
	}
}
