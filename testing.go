package nvmeq

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

// ErrMockInjected is returned by MockBackend operations set up to fail.
var ErrMockInjected = errors.New("nvmeq: injected backend failure")

// MockBackend provides a mock implementation of Backend for testing.
// It implements the optional interfaces, tracks method calls for
// verification and can be told to fail reads or writes.
type MockBackend struct {
	mu      sync.RWMutex
	data    []byte
	size    int64
	closed  bool
	flushed bool

	failReads  bool
	failWrites bool

	// Method call tracking
	readCalls    int
	writeCalls   int
	flushCalls   int
	discardCalls int
}

// NewMockBackend creates a new mock backend with the specified size.
func NewMockBackend(size int64) *MockBackend {
	return &MockBackend{
		data: make([]byte, size),
		size: size,
	}
}

// ReadAt implements the Backend interface
func (m *MockBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++

	if m.closed || m.failReads {
		return 0, ErrMockInjected
	}
	if off < 0 || off >= m.size {
		return 0, ErrInvalidParameters
	}

	// Calculate how much we can actually read
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	n := copy(p, m.data[off:off+int64(len(p))])
	return n, nil
}

// WriteAt implements the Backend interface
func (m *MockBackend) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++

	if m.closed || m.failWrites {
		return 0, ErrMockInjected
	}
	if off < 0 || off >= m.size {
		return 0, ErrInvalidParameters
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	n := copy(m.data[off:off+int64(len(p))], p)
	return n, nil
}

// Size implements the Backend interface
func (m *MockBackend) Size() int64 {
	return m.size
}

// Close implements the Backend interface
func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

// Flush implements the Backend interface
func (m *MockBackend) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushCalls++
	if m.closed {
		return ErrMockInjected
	}
	m.flushed = true
	return nil
}

// Discard implements the DiscardBackend interface
func (m *MockBackend) Discard(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.discardCalls++
	if m.closed {
		return ErrMockInjected
	}
	if offset >= m.size {
		return nil
	}

	end := offset + length
	if end > m.size {
		end = m.size
	}
	clear(m.data[offset:end])
	return nil
}

// WriteZeroes implements the WriteZeroesBackend interface
func (m *MockBackend) WriteZeroes(offset, length int64) error {
	return m.Discard(offset, length)
}

// Testing utility methods

// FailReads makes every subsequent ReadAt fail until called with false.
func (m *MockBackend) FailReads(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReads = fail
}

// FailWrites makes every subsequent WriteAt fail until called with false.
func (m *MockBackend) FailWrites(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = fail
}

// IsClosed returns true if the backend has been closed
func (m *MockBackend) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// IsFlushed returns true if Flush has been called
func (m *MockBackend) IsFlushed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flushed
}

// CallCounts returns the number of times each method has been called
func (m *MockBackend) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"read":    m.readCalls,
		"write":   m.writeCalls,
		"flush":   m.flushCalls,
		"discard": m.discardCalls,
	}
}

// Reset resets all call counters, failure switches and state flags
func (m *MockBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls = 0
	m.writeCalls = 0
	m.flushCalls = 0
	m.discardCalls = 0
	m.flushed = false
	m.failReads = false
	m.failWrites = false
}

// MockController is a Controller whose failed and resetting flags are set
// by the test. It records every doorbell write.
type MockController struct {
	mu        sync.Mutex
	failed    bool
	resetting bool
	sqTails   map[uint16][]uint16
	cqHeads   map[uint16][]uint16
}

// NewMockController returns a live controller with no doorbell history.
func NewMockController() *MockController {
	return &MockController{
		sqTails: make(map[uint16][]uint16),
		cqHeads: make(map[uint16][]uint16),
	}
}

// Failed implements the Controller interface
func (c *MockController) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// Resetting implements the Controller interface
func (c *MockController) Resetting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetting
}

// RingDoorbell implements the Controller interface
func (c *MockController) RingDoorbell(qid, tail uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sqTails[qid] = append(c.sqTails[qid], tail)
}

// RingCompletionDoorbell records a completion queue head update.
func (c *MockController) RingCompletionDoorbell(qid, head uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cqHeads[qid] = append(c.cqHeads[qid], head)
}

// SetFailed sets the failed flag.
func (c *MockController) SetFailed(failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = failed
}

// SetResetting sets the resetting flag.
func (c *MockController) SetResetting(resetting bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetting = resetting
}

// Doorbells returns the submission tails written for qid, oldest first.
func (c *MockController) Doorbells(qid uint16) []uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint16(nil), c.sqTails[qid]...)
}

// CompletionHeads returns the completion heads written for qid, oldest
// first.
func (c *MockController) CompletionHeads(qid uint16) []uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint16(nil), c.cqHeads[qid]...)
}

// MockMemory hands out page-aligned heap buffers and uses their virtual
// address as the device address. Buffers it did not allocate fail to
// translate.
type MockMemory struct {
	mu      sync.Mutex
	regions map[uintptr][]byte
	limit   int
}

// NewMockMemory returns memory that allows at most limit live
// allocations; zero means no limit.
func NewMockMemory(limit int) *MockMemory {
	return &MockMemory{regions: make(map[uintptr][]byte), limit: limit}
}

// Alloc implements the Memory interface
func (m *MockMemory) Alloc(size int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if size <= 0 || (m.limit > 0 && len(m.regions) >= m.limit) {
		return nil, ErrInsufficientMemory
	}
	raw := make([]byte, size+nvme.PageSize)
	p := uintptr(unsafe.Pointer(&raw[0]))
	off := int((nvme.PageSize - p%nvme.PageSize) % nvme.PageSize)
	buf := raw[off : off+size : off+size]
	m.regions[uintptr(unsafe.Pointer(&buf[0]))] = buf
	return buf, nil
}

// Free implements the Memory interface
func (m *MockMemory) Free(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.regions, uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
}

// Translate implements the Translator interface
func (m *MockMemory) Translate(buf []byte) uint64 {
	if cap(buf) == 0 {
		return InvalidAddress
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	for start, region := range m.regions {
		if p >= start && p+uintptr(len(buf)) <= start+uintptr(len(region)) {
			return uint64(p)
		}
	}
	return InvalidAddress
}

// Live returns the number of allocations not yet freed.
func (m *MockMemory) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regions)
}

// MockTranslator is a MockMemory that refuses to translate chosen
// buffers, so a payload can be made to fail translation on demand.
type MockTranslator struct {
	*MockMemory

	rmu    sync.Mutex
	reject map[uintptr]int
}

// NewMockTranslator wraps mem.
func NewMockTranslator(mem *MockMemory) *MockTranslator {
	return &MockTranslator{MockMemory: mem, reject: make(map[uintptr]int)}
}

// Reject makes every buffer overlapping buf fail to translate.
func (t *MockTranslator) Reject(buf []byte) {
	if len(buf) == 0 {
		return
	}
	t.rmu.Lock()
	defer t.rmu.Unlock()
	t.reject[uintptr(unsafe.Pointer(unsafe.SliceData(buf)))] = len(buf)
}

// Translate implements the Translator interface
func (t *MockTranslator) Translate(buf []byte) uint64 {
	if len(buf) > 0 {
		p := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
		t.rmu.Lock()
		for start, n := range t.reject {
			if p < start+uintptr(n) && start < p+uintptr(len(buf)) {
				t.rmu.Unlock()
				return InvalidAddress
			}
		}
		t.rmu.Unlock()
	}
	return t.MockMemory.Translate(buf)
}

// Compile-time interface checks
var (
	_ Backend            = (*MockBackend)(nil)
	_ DiscardBackend     = (*MockBackend)(nil)
	_ WriteZeroesBackend = (*MockBackend)(nil)
	_ Controller         = (*MockController)(nil)
	_ Memory             = (*MockMemory)(nil)
	_ Memory             = (*MockTranslator)(nil)
)
