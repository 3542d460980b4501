package nvmeq

import (
	"testing"

	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

func TestMockQueuePair(t *testing.T) {
	ctrlr := NewMockController()
	mem := NewMockMemory(0)

	qp, err := ConstructQueuePair(1, 8, 4, ctrlr, DefaultQueueConfig(mem))
	if err != nil {
		t.Fatalf("ConstructQueuePair failed: %v", err)
	}
	live := mem.Live()
	if live == 0 {
		t.Fatal("Expected ring memory to be allocated")
	}

	var status []uint16
	cb := func(_ any, cpl *Completion) { status = append(status, cpl.Status) }

	if err := qp.SubmitRequest(&Request{Cmd: Command{OPC: uint8(nvme.IOFlush)}, Callback: cb}); err != nil {
		t.Fatalf("SubmitRequest failed: %v", err)
	}
	if got := ctrlr.Doorbells(1); len(got) != 1 || got[0] != 1 {
		t.Errorf("Expected one doorbell with tail 1, got %v", got)
	}

	// A failed controller rejects new work without ringing.
	ctrlr.SetFailed(true)
	if err := qp.SubmitRequest(&Request{Cmd: Command{OPC: uint8(nvme.IOFlush)}, Callback: cb}); err != nil {
		t.Fatalf("SubmitRequest failed: %v", err)
	}
	if len(ctrlr.Doorbells(1)) != 1 {
		t.Error("Failed controller should not be rung")
	}
	if len(status) != 1 {
		t.Fatalf("Expected the rejected request to complete at once, got %d completions", len(status))
	}

	qp.Fail()
	if len(status) != 2 {
		t.Fatalf("Expected Fail to complete the outstanding request, got %d completions", len(status))
	}
	for i, s := range status {
		cpl := Completion{Status: s}
		if cpl.SC() != nvme.SCAbortedByRequest || !cpl.DNR() {
			t.Errorf("completion %d: expected ABORTED BY REQUEST with DNR, got %s", i, FormatCompletion(&cpl))
		}
	}

	if err := qp.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if mem.Live() != 0 {
		t.Errorf("Expected all memory released, %d allocations live", mem.Live())
	}
}

func TestMockMemory(t *testing.T) {
	mem := NewMockMemory(1)

	buf, err := mem.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if addr := mem.Translate(buf); addr == InvalidAddress || addr%nvme.PageSize != 0 {
		t.Errorf("Expected page-aligned address, got %#x", addr)
	}
	if addr := mem.Translate(buf[10:20]); addr != mem.Translate(buf)+10 {
		t.Errorf("Expected sub-slice to translate at offset 10, got %#x", addr)
	}
	if mem.Translate(make([]byte, 10)) != InvalidAddress {
		t.Error("Foreign buffer should not translate")
	}

	if _, err := mem.Alloc(100); !IsCode(err, ErrCodeInsufficientMemory) {
		t.Errorf("Expected insufficient memory past the limit, got %v", err)
	}

	mem.Free(buf)
	if mem.Translate(buf) != InvalidAddress {
		t.Error("Freed buffer should not translate")
	}
}

func TestMockBackendFailures(t *testing.T) {
	m := NewMockBackend(4096)

	if _, err := m.WriteAt([]byte{1, 2, 3}, 100); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	m.FailReads(true)
	if _, err := m.ReadAt(make([]byte, 3), 100); err != ErrMockInjected {
		t.Errorf("Expected injected failure, got %v", err)
	}
	m.Reset()

	p := make([]byte, 3)
	if _, err := m.ReadAt(p, 100); err != nil || p[2] != 3 {
		t.Errorf("ReadAt after reset: %v %v", p, err)
	}
	if err := m.WriteZeroes(100, 3); err != nil {
		t.Fatalf("WriteZeroes failed: %v", err)
	}
	if _, err := m.ReadAt(p, 100); err != nil || p[0] != 0 {
		t.Errorf("Expected zeroed data, got %v %v", p, err)
	}

	counts := m.CallCounts()
	if counts["read"] != 2 || counts["discard"] != 1 {
		t.Errorf("Unexpected call counts: %v", counts)
	}
}

func TestMockTranslatorRejects(t *testing.T) {
	ctrlr := NewMockController()
	tr := NewMockTranslator(NewMockMemory(0))

	qp, err := ConstructQueuePair(1, 8, 4, ctrlr, DefaultQueueConfig(tr))
	if err != nil {
		t.Fatalf("ConstructQueuePair failed: %v", err)
	}
	defer qp.Destroy()

	payload, err := tr.Alloc(4096)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	tr.Reject(payload[1024:2048])

	var got *Completion
	req := &Request{
		Cmd:      Command{OPC: uint8(nvme.IOWrite), NSID: 1},
		Payload:  payload,
		Callback: func(_ any, cpl *Completion) { c := *cpl; got = &c },
	}
	if err := qp.SubmitRequest(req); err != nil {
		t.Fatalf("SubmitRequest failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected the untranslatable request to complete at once")
	}
	if got.SC() != nvme.SCDataTransferError || !got.DNR() {
		t.Errorf("Expected DATA TRANSFER ERROR with DNR, got %s", FormatCompletion(got))
	}
	if qp.SQTail() != 0 || len(ctrlr.Doorbells(1)) != 0 {
		t.Error("Rejected request should not reach the ring")
	}
	if tr.Translate(payload[2048:]) == InvalidAddress {
		t.Error("Buffers outside the rejected range should still translate")
	}
}
