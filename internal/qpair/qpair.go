// Package qpair implements an NVMe submission/completion queue pair: command
// submission with DMA translation, completion polling with phase tracking,
// retry of transient aborts and fail-fast draining.
//
// A QueuePair is not safe for concurrent use. Run one per worker and call
// SubmitRequest, ProcessCompletions and Fail from that worker only.
// Callbacks run synchronously on the calling goroutine.
package qpair

import (
	"fmt"
	"unsafe"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
	"github.com/ehrlich-b/go-nvmeq/internal/interfaces"
	"github.com/ehrlich-b/go-nvmeq/internal/logging"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

// QueuePair owns a submission ring, a completion ring, a tracker arena and
// a backlog of requests waiting for a tracker.
//
// Fields touched on every submission and completion come first and end
// before ctrlr, which must stay within the first two cache lines.
type QueuePair struct {
	id          uint16
	sqTail      uint16
	cqHead      uint16
	numEntries  uint16
	numTrackers uint16
	freeHead    uint16
	outstanding uint16
	retryLimit  uint16
	phase       uint8
	enabled     bool
	queuedLen   uint32

	sq       []nvme.Command
	cq       []nvme.Completion
	trackers []Tracker

	queuedHead *Request
	queuedTail *Request

	translator interfaces.Translator

	ctrlr interfaces.Controller

	// Cold fields
	memory     interfaces.Memory
	sqMem      []byte
	cqMem      []byte
	prpMem     []byte
	sqAddr     uint64
	cqAddr     uint64
	maxBacklog uint32
	destroyed  bool
	logger     *logging.Logger
	observer   Observer
	counters   counters
}

type counters struct {
	submitted          uint64
	completed          uint64
	errors             uint64
	retries            uint64
	rejected           uint64
	deferred           uint64
	aborted            uint64
	protocolViolations uint64
}

// Config carries the per-queue-pair context. There are no process-wide
// defaults; every queue pair gets its own.
type Config struct {
	// Memory allocates ring and PRP list memory and translates payloads.
	Memory interfaces.Memory

	// RetryLimit bounds resubmissions of retryable completions.
	RetryLimit int

	// MaxBacklog bounds the backlog. Zero means unbounded.
	MaxBacklog int

	Logger   *logging.Logger
	Observer Observer
}

// DefaultConfig returns a config with the default retry limit.
func DefaultConfig(mem interfaces.Memory) Config {
	return Config{
		Memory:     mem,
		RetryLimit: constants.DefaultRetryLimit,
	}
}

// Construct allocates a queue pair with numEntries ring slots and
// numTrackers command ids. The pair starts enabled with both indices at
// zero. On error nothing is left allocated.
func Construct(id uint16, numEntries, numTrackers int, ctrlr interfaces.Controller, cfg Config) (*QueuePair, error) {
	if err := validate(numEntries, numTrackers, ctrlr, cfg); err != nil {
		return nil, newQueueError(id, "construct", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopObserver{}
	}

	q := &QueuePair{
		id:          id,
		numEntries:  uint16(numEntries),
		numTrackers: uint16(numTrackers),
		retryLimit:  uint16(cfg.RetryLimit),
		phase:       1,
		translator:  cfg.Memory,
		ctrlr:       ctrlr,
		memory:      cfg.Memory,
		maxBacklog:  uint32(cfg.MaxBacklog),
		logger:      logger.WithQueue(int(id)),
		observer:    observer,
	}

	if err := q.allocate(); err != nil {
		q.release()
		return nil, newQueueError(id, "construct", err)
	}

	q.enabled = true
	q.logger.Debug("queue pair constructed", "entries", numEntries, "trackers", numTrackers,
		"sq_addr", fmt.Sprintf("%#x", q.sqAddr), "cq_addr", fmt.Sprintf("%#x", q.cqAddr))
	return q, nil
}

func validate(numEntries, numTrackers int, ctrlr interfaces.Controller, cfg Config) error {
	switch {
	case ctrlr == nil:
		return fmt.Errorf("%w: nil controller", ErrInvalidParameters)
	case cfg.Memory == nil:
		return fmt.Errorf("%w: nil memory", ErrInvalidParameters)
	case numEntries < 2 || numEntries > constants.MaxQueueEntries:
		return fmt.Errorf("%w: entries %d not in [2, %d]", ErrInvalidParameters, numEntries, constants.MaxQueueEntries)
	case numTrackers < 1 || numTrackers >= numEntries:
		return fmt.Errorf("%w: trackers %d not in [1, %d)", ErrInvalidParameters, numTrackers, numEntries)
	case cfg.RetryLimit < 0 || cfg.RetryLimit > 0xffff:
		return fmt.Errorf("%w: retry limit %d", ErrInvalidParameters, cfg.RetryLimit)
	case cfg.MaxBacklog < 0:
		return fmt.Errorf("%w: max backlog %d", ErrInvalidParameters, cfg.MaxBacklog)
	}
	return nil
}

func (q *QueuePair) allocate() error {
	var err error

	if q.sqMem, err = q.allocRegion(int(q.numEntries) * nvme.CommandSize); err != nil {
		return err
	}
	if q.cqMem, err = q.allocRegion(int(q.numEntries) * nvme.CompletionSize); err != nil {
		return err
	}
	if q.prpMem, err = q.allocRegion(int(q.numTrackers) * nvme.PageSize); err != nil {
		return err
	}

	q.sqAddr = q.memory.Translate(q.sqMem)
	q.cqAddr = q.memory.Translate(q.cqMem)
	prpBase := q.memory.Translate(q.prpMem)
	if q.sqAddr == interfaces.InvalidAddress || q.cqAddr == interfaces.InvalidAddress ||
		prpBase == interfaces.InvalidAddress {
		return fmt.Errorf("%w: ring memory has no device address", ErrAllocation)
	}

	q.sq = unsafe.Slice((*nvme.Command)(unsafe.Pointer(&q.sqMem[0])), q.numEntries)
	q.cq = unsafe.Slice((*nvme.Completion)(unsafe.Pointer(&q.cqMem[0])), q.numEntries)
	q.initTrackers(q.prpMem, prpBase)
	return nil
}

func (q *QueuePair) allocRegion(size int) ([]byte, error) {
	buf, err := q.memory.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %d bytes: %v", ErrAllocation, size, err)
	}
	if len(buf) < size {
		q.memory.Free(buf)
		return nil, fmt.Errorf("%w: short allocation %d < %d", ErrAllocation, len(buf), size)
	}
	return buf, nil
}

func (q *QueuePair) release() {
	for _, mem := range [][]byte{q.sqMem, q.cqMem, q.prpMem} {
		if mem != nil {
			q.memory.Free(mem)
		}
	}
	q.sqMem, q.cqMem, q.prpMem = nil, nil, nil
	q.sq, q.cq, q.trackers = nil, nil, nil
}

// Destroy releases ring and tracker memory. It fails with ErrBusy while
// any request is outstanding or backlogged; resolve them with
// ProcessCompletions or Fail first. Calling Destroy twice is a no-op.
func (q *QueuePair) Destroy() error {
	if q.destroyed {
		return nil
	}
	if q.outstanding != 0 || q.queuedLen != 0 {
		return newQueueError(q.id, "destroy",
			fmt.Errorf("%w: %d outstanding, %d backlogged", ErrBusy, q.outstanding, q.queuedLen))
	}

	q.enabled = false
	q.destroyed = true
	q.freeHead = noTracker
	q.release()
	q.logger.Debug("queue pair destroyed")
	return nil
}

// Enable resumes a queue pair after its controller has been reset. The
// device no longer knows about any command that was outstanding, so each
// one is completed locally as a retryable abort and goes through the normal
// retry policy. Backlogged requests are then admitted. Enabling a pair that
// is already enabled does nothing.
func (q *QueuePair) Enable() {
	if q.destroyed || q.enabled {
		return
	}
	q.enabled = true

	for i := range q.trackers {
		if q.trackers[i].req != nil {
			q.trackers[i].aborting = true
		}
	}
	for i := range q.trackers {
		tr := &q.trackers[i]
		if !tr.aborting || tr.req == nil {
			continue
		}
		tr.aborting = false
		cpl := q.synthesize(tr.cid, nvme.SCTGeneric, nvme.SCAbortedByRequest, false)
		q.completeTracker(tr, &cpl, false)
	}

	q.admitBacklog()
}

// Disable stops submissions from reaching the rings. New requests are
// rejected until Enable; requests already in the backlog stay there.
func (q *QueuePair) Disable() {
	q.enabled = false
}

// Reset zeroes both ring indices, restores the expected phase and clears
// ring memory. Outstanding trackers are untouched; Enable resolves them.
func (q *QueuePair) Reset() {
	if q.destroyed {
		return
	}
	q.sqTail = 0
	q.cqHead = 0
	q.phase = 1
	clear(q.sqMem)
	clear(q.cqMem)
}

// ID returns the queue identifier. Zero is the admin queue.
func (q *QueuePair) ID() uint16 { return q.id }

// SQTail returns the next submission slot to be written.
func (q *QueuePair) SQTail() uint16 { return q.sqTail }

// CQHead returns the next completion slot to be inspected.
func (q *QueuePair) CQHead() uint16 { return q.cqHead }

// Phase returns the phase tag expected at CQHead.
func (q *QueuePair) Phase() uint8 { return q.phase }

// Outstanding returns the number of busy trackers.
func (q *QueuePair) Outstanding() int { return int(q.outstanding) }

// Backlogged returns the number of requests waiting for a tracker.
func (q *QueuePair) Backlogged() int { return int(q.queuedLen) }

// NumEntries returns the ring size.
func (q *QueuePair) NumEntries() int { return int(q.numEntries) }

// NumTrackers returns the number of command ids.
func (q *QueuePair) NumTrackers() int { return int(q.numTrackers) }

// Enabled reports whether submissions reach the rings.
func (q *QueuePair) Enabled() bool { return q.enabled }

// Controller returns the owning controller.
func (q *QueuePair) Controller() interfaces.Controller { return q.ctrlr }

// SubmissionRing returns the submission ring memory and its device address.
func (q *QueuePair) SubmissionRing() ([]byte, uint64) { return q.sqMem, q.sqAddr }

// CompletionRing returns the completion ring memory and its device address.
func (q *QueuePair) CompletionRing() ([]byte, uint64) { return q.cqMem, q.cqAddr }

// Stats is a point-in-time view of a queue pair.
type Stats struct {
	ID                 uint16 `json:"id"`
	SQTail             uint16 `json:"sq_tail"`
	CQHead             uint16 `json:"cq_head"`
	Phase              uint8  `json:"phase"`
	Enabled            bool   `json:"enabled"`
	Entries            int    `json:"entries"`
	Trackers           int    `json:"trackers"`
	Outstanding        int    `json:"outstanding"`
	Backlogged         int    `json:"backlogged"`
	Submitted          uint64 `json:"submitted"`
	Completed          uint64 `json:"completed"`
	Errors             uint64 `json:"errors"`
	Retries            uint64 `json:"retries"`
	Rejected           uint64 `json:"rejected"`
	Deferred           uint64 `json:"deferred"`
	Aborted            uint64 `json:"aborted"`
	ProtocolViolations uint64 `json:"protocol_violations"`
}

// Stats returns the current counters. Like every other method it must be
// called from the owning goroutine.
func (q *QueuePair) Stats() Stats {
	return Stats{
		ID:                 q.id,
		SQTail:             q.sqTail,
		CQHead:             q.cqHead,
		Phase:              q.phase,
		Enabled:            q.enabled,
		Entries:            int(q.numEntries),
		Trackers:           int(q.numTrackers),
		Outstanding:        int(q.outstanding),
		Backlogged:         int(q.queuedLen),
		Submitted:          q.counters.submitted,
		Completed:          q.counters.completed,
		Errors:             q.counters.errors,
		Retries:            q.counters.retries,
		Rejected:           q.counters.rejected,
		Deferred:           q.counters.deferred,
		Aborted:            q.counters.aborted,
		ProtocolViolations: q.counters.protocolViolations,
	}
}
