// Package ctrl holds controller state shared by the queue pairs of one
// device: the failed and resetting flags and the doorbell registers.
package ctrl

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-nvmeq/internal/interfaces"
	"github.com/ehrlich-b/go-nvmeq/internal/logging"
)

// DoorbellSink receives doorbell writes, in the order they are made.
type DoorbellSink interface {
	SubmissionDoorbell(qid, tail uint16)
	CompletionDoorbell(qid, head uint16)
}

type doorbell struct {
	sqTail atomic.Uint32
	cqHead atomic.Uint32
}

// Controller is safe for concurrent use. Queue pairs only read the flags;
// the owner of the device changes them.
type Controller struct {
	id        uint32
	failed    atomic.Bool
	resetting atomic.Bool
	resets    atomic.Uint64
	rings     atomic.Uint64
	doorbells []doorbell

	mu     sync.RWMutex
	sink   DoorbellSink
	logger *logging.Logger
}

var (
	_ interfaces.Controller         = (*Controller)(nil)
	_ interfaces.CompletionDoorbell = (*Controller)(nil)
)

// NewController creates a live controller with registers for the admin
// queue and params.NumIOQueues I/O queues.
func NewController(params Params) (*Controller, error) {
	if params.NumIOQueues < 0 || params.NumIOQueues >= 0xffff {
		return nil, fmt.Errorf("invalid number of I/O queues: %d", params.NumIOQueues)
	}
	logger := params.Logger
	if logger == nil {
		logger = logging.Default()
	}
	c := &Controller{
		id:        params.ID,
		doorbells: make([]doorbell, params.NumIOQueues+1),
		logger:    logger.WithController(int(params.ID)),
	}
	c.logger.Debug("controller created", "io_queues", params.NumIOQueues)
	return c, nil
}

// ID returns the controller id.
func (c *Controller) ID() uint32 { return c.id }

// NumQueues returns the number of doorbell register pairs, admin included.
func (c *Controller) NumQueues() int { return len(c.doorbells) }

// Attach routes subsequent doorbell writes to sink. A nil sink detaches.
func (c *Controller) Attach(sink DoorbellSink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

// Failed reports whether the controller has been declared dead.
func (c *Controller) Failed() bool { return c.failed.Load() }

// Resetting reports whether a reset is in progress.
func (c *Controller) Resetting() bool { return c.resetting.Load() }

// State folds both flags into one value. Failed wins over resetting.
func (c *Controller) State() State {
	switch {
	case c.failed.Load():
		return StateFailed
	case c.resetting.Load():
		return StateResetting
	default:
		return StateLive
	}
}

// SetFailed marks the controller dead. Queue pairs fast-fail everything
// submitted afterwards; callers still Fail each pair to drain it.
func (c *Controller) SetFailed() {
	if c.failed.Swap(true) {
		return
	}
	c.logger.Warn("controller failed")
}

// BeginReset starts a reset. Doorbell registers return to zero, matching a
// device that has forgotten its queues.
func (c *Controller) BeginReset() error {
	if c.failed.Load() {
		return fmt.Errorf("controller %d: reset of failed controller", c.id)
	}
	if !c.resetting.CompareAndSwap(false, true) {
		return fmt.Errorf("controller %d: reset already in progress", c.id)
	}
	for i := range c.doorbells {
		c.doorbells[i].sqTail.Store(0)
		c.doorbells[i].cqHead.Store(0)
	}
	c.resets.Add(1)
	c.logger.Info("controller reset started")
	return nil
}

// EndReset finishes a reset started with BeginReset.
func (c *Controller) EndReset() {
	if c.resetting.CompareAndSwap(true, false) {
		c.logger.Info("controller reset finished")
	}
}

// RingDoorbell records a new submission tail for qid and notifies the sink.
func (c *Controller) RingDoorbell(qid, tail uint16) {
	if int(qid) >= len(c.doorbells) {
		c.logger.Warn("doorbell for unknown queue", "qid", qid)
		return
	}
	c.doorbells[qid].sqTail.Store(uint32(tail))
	c.rings.Add(1)

	c.mu.RLock()
	sink := c.sink
	c.mu.RUnlock()
	if sink != nil {
		sink.SubmissionDoorbell(qid, tail)
	}
}

// RingCompletionDoorbell records the completion head consumed by the host.
func (c *Controller) RingCompletionDoorbell(qid, head uint16) {
	if int(qid) >= len(c.doorbells) {
		c.logger.Warn("completion doorbell for unknown queue", "qid", qid)
		return
	}
	c.doorbells[qid].cqHead.Store(uint32(head))

	c.mu.RLock()
	sink := c.sink
	c.mu.RUnlock()
	if sink != nil {
		sink.CompletionDoorbell(qid, head)
	}
}

// Doorbells returns the last submission tail and completion head written
// for qid.
func (c *Controller) Doorbells(qid uint16) (sqTail, cqHead uint16, ok bool) {
	if int(qid) >= len(c.doorbells) {
		return 0, 0, false
	}
	db := &c.doorbells[qid]
	return uint16(db.sqTail.Load()), uint16(db.cqHead.Load()), true
}

// Info returns a snapshot of the controller.
func (c *Controller) Info() Info {
	return Info{
		ID:        c.id,
		State:     c.State().String(),
		NumQueues: len(c.doorbells),
		Resets:    c.resets.Load(),
		Doorbells: c.rings.Load(),
	}
}
