package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

func TestPoolBuckets(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		expectCap int
	}{
		{"4KB bucket - smaller", 16, size4k},
		{"4KB bucket - exact", size4k, size4k},
		{"64KB bucket", size4k + 1, size64k},
		{"128KB bucket", 100 * 1024, size128k},
		{"1MB bucket", 800 * 1024, size1m},
	}

	a := newTestArena(t, 1024)
	p := NewPool(a, 2)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := p.Get(tt.size)
			require.NoError(t, err)
			assert.Len(t, buf, tt.size)
			assert.Equal(t, tt.expectCap, cap(buf))
			assert.Zero(t, a.Translate(buf)%nvme.PageSize)
			p.Put(buf)
		})
	}
	assert.Equal(t, len(tests)-1, p.Idle(), "two 4KB requests share one idle buffer")
}

func TestPoolReuse(t *testing.T) {
	a := newTestArena(t, 16)
	p := NewPool(a, 1)

	buf1, err := p.Get(512)
	require.NoError(t, err)
	buf1[0] = 0xff
	addr := a.Translate(buf1)
	p.Put(buf1)
	assert.Equal(t, 1, p.Idle())

	buf2, err := p.Get(1024)
	require.NoError(t, err)
	assert.Equal(t, addr, a.Translate(buf2), "expected the idle buffer to be reused")
	assert.Zero(t, buf2[0], "reused buffers are zeroed")
	assert.Zero(t, p.Idle())

	// Overflow goes back to the arena.
	buf3, err := p.Get(512)
	require.NoError(t, err)
	p.Put(buf2)
	inUse := a.InUse()
	p.Put(buf3)
	assert.Equal(t, 1, p.Idle())
	assert.Equal(t, inUse-nvme.PageSize, a.InUse())

	p.Drain()
	assert.Zero(t, p.Idle())
	assert.Zero(t, a.InUse())
}

func TestPoolLargeAndOddSizes(t *testing.T) {
	a := newTestArena(t, 512)
	p := NewPool(a, 4)

	big, err := p.Get(2 * size1m)
	require.NoError(t, err)
	p.Put(big)
	assert.Zero(t, p.Idle(), "buffers above the largest bucket are not kept")

	// An arena buffer whose capacity is not a bucket size is freed.
	odd, err := a.Alloc(3 * nvme.PageSize)
	require.NoError(t, err)
	p.Put(odd)
	assert.Zero(t, p.Idle())
	assert.Zero(t, a.InUse())

	_, err = p.Get(0)
	assert.Error(t, err)
}
