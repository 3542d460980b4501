package qpair

import (
	"bytes"
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-nvmeq/internal/interfaces"
	"github.com/ehrlich-b/go-nvmeq/internal/logging"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

// testMemory hands out page-aligned heap buffers and uses their virtual
// address as the device address. Anything it did not allocate fails to
// translate.
type testMemory struct {
	regions   map[uintptr][]byte
	allocs    int
	failAlloc int // fail the n-th Alloc, 1-based; 0 never fails
}

func newTestMemory() *testMemory {
	return &testMemory{regions: make(map[uintptr][]byte)}
}

func (m *testMemory) Alloc(size int) ([]byte, error) {
	m.allocs++
	if m.failAlloc != 0 && m.allocs >= m.failAlloc {
		return nil, errors.New("test memory exhausted")
	}
	raw := make([]byte, size+nvme.PageSize)
	p := uintptr(unsafe.Pointer(&raw[0]))
	off := int((nvme.PageSize - p%nvme.PageSize) % nvme.PageSize)
	buf := raw[off : off+size : off+size]
	m.regions[uintptr(unsafe.Pointer(&buf[0]))] = buf
	return buf, nil
}

func (m *testMemory) Free(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	delete(m.regions, uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
}

func (m *testMemory) Translate(buf []byte) uint64 {
	if cap(buf) == 0 {
		return interfaces.InvalidAddress
	}
	p := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	for start, region := range m.regions {
		if p >= start && p+uintptr(len(buf)) <= start+uintptr(len(region)) {
			return uint64(p)
		}
	}
	return interfaces.InvalidAddress
}

func (m *testMemory) live() int { return len(m.regions) }

type testController struct {
	failed    bool
	resetting bool
	doorbells []uint16
	cqHeads   []uint16
}

func (c *testController) Failed() bool    { return c.failed }
func (c *testController) Resetting() bool { return c.resetting }

func (c *testController) RingDoorbell(qid, tail uint16) {
	c.doorbells = append(c.doorbells, tail)
}

func (c *testController) RingCompletionDoorbell(qid, head uint16) {
	c.cqHeads = append(c.cqHeads, head)
}

// testDevice plays the controller side of the rings.
type testDevice struct {
	q      *QueuePair
	sqHead uint16
	cqTail uint16
	phase  uint16
}

func newTestDevice(q *QueuePair) *testDevice {
	return &testDevice{q: q, phase: 1}
}

func (d *testDevice) pending() int {
	n := int(d.q.sqTail) - int(d.sqHead)
	if n < 0 {
		n += int(d.q.numEntries)
	}
	return n
}

func (d *testDevice) fetch(t *testing.T) nvme.Command {
	t.Helper()
	require.NotZero(t, d.pending(), "no submission to fetch")
	cmd := d.q.sq[d.sqHead]
	d.sqHead = (d.sqHead + 1) % d.q.numEntries
	return cmd
}

func (d *testDevice) complete(cid uint16, sct nvme.StatusCodeType, sc nvme.StatusCode, dnr bool) {
	slot := &d.q.cq[d.cqTail]
	slot.CDW0 = 0
	slot.SQHead = d.sqHead
	slot.SQID = d.q.id
	slot.StoreStatusWord(cid, nvme.MakeStatus(sct, sc, dnr)|d.phase)
	d.cqTail++
	if d.cqTail == d.q.numEntries {
		d.cqTail = 0
		d.phase ^= 1
	}
}

func (d *testDevice) succeed(cid uint16) {
	d.complete(cid, nvme.SCTGeneric, nvme.SCSuccess, false)
}

// serve fetches every pending submission and completes it successfully.
func (d *testDevice) serve(t *testing.T) int {
	t.Helper()
	n := 0
	for d.pending() > 0 {
		cmd := d.fetch(t)
		d.succeed(cmd.CID)
		n++
	}
	return n
}

type result struct {
	arg any
	cpl nvme.Completion
}

type recorder struct {
	results []result
}

func (r *recorder) callback(arg any, cpl *nvme.Completion) {
	r.results = append(r.results, result{arg: arg, cpl: *cpl})
}

func (r *recorder) args() []any {
	out := make([]any, len(r.results))
	for i, res := range r.results {
		out[i] = res.arg
	}
	return out
}

type harness struct {
	q    *QueuePair
	ctrl *testController
	mem  *testMemory
	dev  *testDevice
	rec  *recorder
	log  *bytes.Buffer
}

func newHarness(t *testing.T, id uint16, entries, trackers int, opts ...func(*Config)) *harness {
	t.Helper()

	h := &harness{
		ctrl: &testController{},
		mem:  newTestMemory(),
		rec:  &recorder{},
		log:  &bytes.Buffer{},
	}
	cfg := DefaultConfig(h.mem)
	cfg.Logger = logging.NewLogger(&logging.Config{
		Level:   logging.LevelDebug,
		Format:  "text",
		Output:  h.log,
		Sync:    true,
		NoColor: true,
	})
	for _, opt := range opts {
		opt(&cfg)
	}

	q, err := Construct(id, entries, trackers, h.ctrl, cfg)
	require.NoError(t, err)
	h.q = q
	h.dev = newTestDevice(q)
	return h
}

func (h *harness) request(opc nvme.Opcode, payload []byte, arg any) *Request {
	req := &Request{Payload: payload, Callback: h.rec.callback, Arg: arg}
	req.Cmd.OPC = uint8(opc)
	req.Cmd.NSID = 1
	return req
}

func (h *harness) submit(t *testing.T, req *Request) {
	t.Helper()
	require.NoError(t, h.q.SubmitRequest(req))
}

func (h *harness) process(t *testing.T) int {
	t.Helper()
	n, err := h.q.ProcessCompletions()
	require.NoError(t, err)
	return n
}

func (h *harness) payload(t *testing.T, size int) []byte {
	t.Helper()
	buf, err := h.mem.Alloc(size)
	require.NoError(t, err)
	return buf
}
