// Package emu implements an NVMe controller in software. It consumes
// submission entries written by queue pairs into DMA memory, executes them
// against a namespace backend and publishes completions with the phase tag
// protocol a real device uses.
package emu

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brickingsoft/errors"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
	"github.com/ehrlich-b/go-nvmeq/internal/interfaces"
	"github.com/ehrlich-b/go-nvmeq/internal/logging"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

var (
	ErrInvalidConfig = errors.Define("emu: invalid device config")
	ErrInvalidQueue  = errors.Define("emu: invalid queue")
	ErrQueueExists   = errors.Define("emu: queue already attached")
	ErrQueueNotFound = errors.Define("emu: queue not attached")
	ErrQueueFull     = errors.Define("emu: completion queue full")
)

const (
	errMetaQIDKey = "qid"
	errMetaOpKey  = "op"
)

// Resolver maps device addresses to host memory.
type Resolver interface {
	Resolve(addr uint64, n int) ([]byte, bool)
}

// Config describes the emulated controller and its single namespace.
type Config struct {
	Backend interfaces.Backend
	Memory  Resolver

	// LBASize is the logical block size; a power of two, at least 512.
	LBASize int

	Model    string
	Serial   string
	Firmware string

	Logger *logging.Logger
}

// DefaultConfig returns a config for backend with 512-byte blocks.
func DefaultConfig(backend interfaces.Backend, mem Resolver) Config {
	return Config{
		Backend:  backend,
		Memory:   mem,
		LBASize:  constants.DefaultLBASize,
		Model:    "go-nvmeq emulated controller",
		Serial:   "NVMEQ00000001",
		Firmware: "1.0",
	}
}

type queue struct {
	id      uint16
	sq      []byte
	cq      []byte
	entries uint16
	sqHead  uint16
	cqTail  uint16
	phase   uint16
	sqTail  atomic.Uint32
	cqHead  atomic.Uint32
}

func (q *queue) cqFull() bool {
	return (q.cqTail+1)%q.entries == uint16(q.cqHead.Load())
}

// Stats counts device-side events.
type Stats struct {
	Commands     uint64 `json:"commands"`
	Errors       uint64 `json:"errors"`
	Injected     uint64 `json:"injected"`
	CQFullStall  uint64 `json:"cq_full_stalls"`
	BytesRead    uint64 `json:"bytes_read"`
	BytesWritten uint64 `json:"bytes_written"`
}

// Device is an emulated controller. Doorbells may be rung from any
// goroutine; commands run on whoever calls Process, or on Run's goroutine.
type Device struct {
	mu       sync.Mutex
	queues   []*queue
	backend  interfaces.Backend
	mem      Resolver
	lbaShift uint8
	nlb      uint64
	ident    nvme.IdentifyController
	faults   []fault
	stats    Stats
	wake     chan struct{}
	logger   *logging.Logger
}

// New creates a device with no queues attached.
func New(cfg Config) (*Device, error) {
	if cfg.Backend == nil || cfg.Memory == nil {
		return nil, errors.From(ErrInvalidConfig, errors.WithMeta(errMetaOpKey, "new"))
	}
	if cfg.LBASize < 512 || cfg.LBASize&(cfg.LBASize-1) != 0 {
		return nil, errors.From(ErrInvalidConfig, errors.WithMeta("lba_size", strconv.Itoa(cfg.LBASize)))
	}

	shift := uint8(0)
	for 1<<shift < cfg.LBASize {
		shift++
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	d := &Device{
		backend:  cfg.Backend,
		mem:      cfg.Memory,
		lbaShift: shift,
		nlb:      uint64(cfg.Backend.Size()) >> shift,
		wake:     make(chan struct{}, 1),
		logger:   logger,
	}
	d.ident.VID = 0x1b36
	d.ident.SSVID = 0x1af4
	pad(d.ident.SN[:], cfg.Serial)
	pad(d.ident.MN[:], cfg.Model)
	pad(d.ident.FR[:], cfg.Firmware)

	d.logger.Debug("emulated device created", "blocks", d.nlb, "lba_size", cfg.LBASize)
	return d, nil
}

// pad copies s into an ASCII field padded with spaces.
func pad(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}

// Blocks returns the namespace size in logical blocks.
func (d *Device) Blocks() uint64 { return d.nlb }

// BlockSize returns the logical block size in bytes.
func (d *Device) BlockSize() int { return 1 << d.lbaShift }

// AttachQueue registers the rings of queue qid. sq and cq must hold
// entries slots each.
func (d *Device) AttachQueue(qid uint16, sq, cq []byte, entries int) error {
	if entries < 2 || entries > constants.MaxQueueEntries ||
		len(sq) < entries*nvme.CommandSize || len(cq) < entries*nvme.CompletionSize {
		return errors.From(ErrInvalidQueue,
			errors.WithMeta(errMetaQIDKey, strconv.Itoa(int(qid))),
			errors.WithMeta("entries", strconv.Itoa(entries)))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for int(qid) >= len(d.queues) {
		d.queues = append(d.queues, nil)
	}
	if d.queues[qid] != nil {
		return errors.From(ErrQueueExists, errors.WithMeta(errMetaQIDKey, strconv.Itoa(int(qid))))
	}
	d.queues[qid] = &queue{
		id:      qid,
		sq:      sq,
		cq:      cq,
		entries: uint16(entries),
		phase:   1,
	}
	d.logger.Debug("queue attached", "qid", qid, "entries", entries)
	return nil
}

// DetachQueue forgets queue qid.
func (d *Device) DetachQueue(qid uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if int(qid) >= len(d.queues) || d.queues[qid] == nil {
		return errors.From(ErrQueueNotFound, errors.WithMeta(errMetaQIDKey, strconv.Itoa(int(qid))))
	}
	d.queues[qid] = nil
	return nil
}

// Reset returns every attached queue to its initial state: both heads and
// tails at zero and phase 1. Commands not yet fetched are dropped.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, q := range d.queues {
		if q == nil {
			continue
		}
		q.sqHead, q.cqTail, q.phase = 0, 0, 1
		q.sqTail.Store(0)
		q.cqHead.Store(0)
	}
	d.logger.Info("emulated device reset")
}

// SubmissionDoorbell records a new submission tail.
func (d *Device) SubmissionDoorbell(qid, tail uint16) {
	if q := d.queue(qid); q != nil {
		q.sqTail.Store(uint32(tail))
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// CompletionDoorbell records how far the host has consumed completions.
func (d *Device) CompletionDoorbell(qid, head uint16) {
	if q := d.queue(qid); q != nil {
		q.cqHead.Store(uint32(head))
	}
}

func (d *Device) queue(qid uint16) *queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(qid) >= len(d.queues) {
		return nil
	}
	return d.queues[qid]
}

// Process executes every submitted command and returns how many ran.
func (d *Device) Process() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, q := range d.queues {
		if q != nil {
			n += d.drain(q)
		}
	}
	return n
}

// Run processes commands until ctx is done. It wakes on doorbells and polls
// every interval as a fallback.
func (d *Device) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
		case <-ticker.C:
		}
		d.Process()
	}
}

func (d *Device) drain(q *queue) int {
	tail := uint16(q.sqTail.Load())
	if tail >= q.entries {
		d.logger.Error("submission tail out of range", "qid", q.id, "tail", tail)
		return 0
	}

	n := 0
	for q.sqHead != tail {
		if q.cqFull() {
			d.stats.CQFullStall++
			break
		}

		var cmd nvme.Command
		off := int(q.sqHead) * nvme.CommandSize
		_ = nvme.UnmarshalCommand(q.sq[off:off+nvme.CommandSize], &cmd)
		q.sqHead = (q.sqHead + 1) % q.entries

		cdw0, st := d.execute(q.id, &cmd)
		d.stats.Commands++
		if st != 0 {
			d.stats.Errors++
		}
		d.post(q, nvme.Completion{
			CDW0:   cdw0,
			SQHead: q.sqHead,
			SQID:   q.id,
			CID:    cmd.CID,
			Status: st,
		})
		n++
	}
	return n
}

// post writes cpl at the completion tail with the current phase.
func (d *Device) post(q *queue, cpl nvme.Completion) {
	cpl.Status = cpl.Status&^1 | q.phase
	off := int(q.cqTail) * nvme.CompletionSize
	_ = nvme.PublishCompletion(q.cq[off:off+nvme.CompletionSize], &cpl)

	q.cqTail++
	if q.cqTail == q.entries {
		q.cqTail = 0
		q.phase ^= 1
	}
}

// PostRaw publishes cpl on queue qid as if a command had completed. The
// phase bit is supplied by the device; everything else is taken verbatim.
func (d *Device) PostRaw(qid uint16, cpl nvme.Completion) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if int(qid) >= len(d.queues) || d.queues[qid] == nil {
		return errors.From(ErrQueueNotFound, errors.WithMeta(errMetaQIDKey, strconv.Itoa(int(qid))))
	}
	q := d.queues[qid]
	if q.cqFull() {
		return errors.From(ErrQueueFull, errors.WithMeta(errMetaQIDKey, strconv.Itoa(int(qid))))
	}
	d.post(q, cpl)
	return nil
}

// Stats returns a copy of the device counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
