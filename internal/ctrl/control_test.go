package ctrl

import (
	"sync"
	"testing"
)

type sinkCall struct {
	cq  bool
	qid uint16
	val uint16
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (s *recordingSink) SubmissionDoorbell(qid, tail uint16) {
	s.mu.Lock()
	s.calls = append(s.calls, sinkCall{qid: qid, val: tail})
	s.mu.Unlock()
}

func (s *recordingSink) CompletionDoorbell(qid, head uint16) {
	s.mu.Lock()
	s.calls = append(s.calls, sinkCall{cq: true, qid: qid, val: head})
	s.mu.Unlock()
}

func newTestController(t *testing.T, ioQueues int) *Controller {
	t.Helper()
	c, err := NewController(Params{ID: 7, NumIOQueues: ioQueues})
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	return c
}

func TestDefaultParams(t *testing.T) {
	p := DefaultParams(3)
	if p.ID != 3 {
		t.Errorf("ID = %d, want 3", p.ID)
	}
	if p.NumIOQueues != 1 {
		t.Errorf("NumIOQueues = %d, want 1", p.NumIOQueues)
	}
}

func TestNewControllerValidation(t *testing.T) {
	if _, err := NewController(Params{NumIOQueues: -1}); err == nil {
		t.Error("expected error for negative queue count")
	}
	c := newTestController(t, 4)
	if c.NumQueues() != 5 {
		t.Errorf("NumQueues() = %d, want 5", c.NumQueues())
	}
	if c.State() != StateLive {
		t.Errorf("State() = %v, want live", c.State())
	}
}

func TestDoorbells(t *testing.T) {
	c := newTestController(t, 1)
	sink := &recordingSink{}

	// Without a sink the registers still update.
	c.RingDoorbell(1, 3)
	if tail, _, ok := c.Doorbells(1); !ok || tail != 3 {
		t.Errorf("Doorbells(1) tail = %d ok = %v, want 3 true", tail, ok)
	}

	c.Attach(sink)
	c.RingDoorbell(0, 1)
	c.RingCompletionDoorbell(1, 2)
	c.RingDoorbell(9, 1) // unknown queue, dropped

	want := []sinkCall{{qid: 0, val: 1}, {cq: true, qid: 1, val: 2}}
	if len(sink.calls) != len(want) {
		t.Fatalf("sink calls = %v, want %v", sink.calls, want)
	}
	for i := range want {
		if sink.calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, sink.calls[i], want[i])
		}
	}

	tail, head, ok := c.Doorbells(1)
	if !ok || tail != 3 || head != 2 {
		t.Errorf("Doorbells(1) = %d, %d, %v; want 3, 2, true", tail, head, ok)
	}
	if _, _, ok := c.Doorbells(2); ok {
		t.Error("Doorbells(2) should not exist")
	}
	if got := c.Info().Doorbells; got != 2 {
		t.Errorf("Info().Doorbells = %d, want 2", got)
	}

	c.Attach(nil)
	c.RingDoorbell(0, 2)
	if len(sink.calls) != 2 {
		t.Errorf("detached sink still called: %v", sink.calls)
	}
}

func TestResetLifecycle(t *testing.T) {
	c := newTestController(t, 1)
	c.RingDoorbell(1, 5)

	if err := c.BeginReset(); err != nil {
		t.Fatalf("BeginReset() error = %v", err)
	}
	if !c.Resetting() || c.State() != StateResetting {
		t.Error("controller should be resetting")
	}
	if err := c.BeginReset(); err == nil {
		t.Error("nested BeginReset should fail")
	}
	if tail, _, _ := c.Doorbells(1); tail != 0 {
		t.Errorf("doorbell not cleared by reset: %d", tail)
	}

	c.EndReset()
	if c.Resetting() {
		t.Error("controller still resetting after EndReset")
	}
	if c.Info().Resets != 1 {
		t.Errorf("Resets = %d, want 1", c.Info().Resets)
	}
}

func TestSetFailed(t *testing.T) {
	c := newTestController(t, 1)
	c.SetFailed()
	c.SetFailed()

	if !c.Failed() {
		t.Fatal("Failed() = false after SetFailed")
	}
	if c.State() != StateFailed || c.State().String() != "failed" {
		t.Errorf("State() = %v", c.State())
	}
	if err := c.BeginReset(); err == nil {
		t.Error("reset of a failed controller should fail")
	}
}

func TestConcurrentDoorbells(t *testing.T) {
	c := newTestController(t, 4)
	sink := &recordingSink{}
	c.Attach(sink)

	var wg sync.WaitGroup
	for q := 1; q <= 4; q++ {
		wg.Add(1)
		go func(qid uint16) {
			defer wg.Done()
			for i := uint16(1); i <= 100; i++ {
				c.RingDoorbell(qid, i)
			}
		}(uint16(q))
	}
	wg.Wait()

	if len(sink.calls) != 400 {
		t.Errorf("sink saw %d doorbells, want 400", len(sink.calls))
	}
	for q := uint16(1); q <= 4; q++ {
		if tail, _, _ := c.Doorbells(q); tail != 100 {
			t.Errorf("queue %d tail = %d, want 100", q, tail)
		}
	}
}
