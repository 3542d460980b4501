package nvmeq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
	"github.com/ehrlich-b/go-nvmeq/internal/ctrl"
	"github.com/ehrlich-b/go-nvmeq/internal/diag"
	"github.com/ehrlich-b/go-nvmeq/internal/dma"
	"github.com/ehrlich-b/go-nvmeq/internal/emu"
	"github.com/ehrlich-b/go-nvmeq/internal/logging"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
	"github.com/ehrlich-b/go-nvmeq/internal/qpair"
)

// Logger is the structured logger used throughout the package.
type Logger = logging.Logger

// IdentifyController and IdentifyNamespace are the decoded identify pages.
type (
	IdentifyController = nvme.IdentifyController
	IdentifyNamespace  = nvme.IdentifyNamespace
)

// DeviceParams contains parameters for opening an emulated device
type DeviceParams struct {
	// Backend stores the namespace. Close does not close it.
	Backend Backend

	// Controller and queue layout
	ID            uint32 // Controller ID used in logs and errors
	NumIOQueues   int    // I/O queues besides the admin queue (default: 1)
	QueueEntries  int    // Ring slots per I/O queue (default: 128)
	QueueTrackers int    // Outstanding commands per I/O queue (default: 32)
	AdminEntries  int    // Ring slots on the admin queue (default: 32)
	AdminTrackers int    // Outstanding commands on the admin queue (default: 16)

	// Namespace format
	LBASize int // Logical block size in bytes (default: 512)

	// Queue pair policy
	RetryLimit int // Resubmissions of a transiently aborted command (default: 1)
	MaxBacklog int // Requests waiting for a tracker; 0 means unbounded

	// DMA memory
	ArenaSize  int    // Bytes of DMA memory for rings, PRP lists and buffers
	LockMemory bool   // mlock the arena
	IOVABase   uint64 // Device address of the first arena byte
}

// DefaultParams returns default device parameters
func DefaultParams(backend Backend) DeviceParams {
	return DeviceParams{
		Backend:       backend,
		NumIOQueues:   constants.DefaultIOQueues,
		QueueEntries:  constants.DefaultQueueEntries,
		QueueTrackers: constants.DefaultQueueTrackers,
		AdminEntries:  constants.DefaultAdminQueueEntries,
		AdminTrackers: constants.DefaultAdminQueueTrackers,
		LBASize:       constants.DefaultLBASize,
		RetryLimit:    constants.DefaultRetryLimit,
		ArenaSize:     constants.DefaultArenaSize,
		IOVABase:      constants.DefaultIOVABase,
	}
}

func (p *DeviceParams) validate() error {
	switch {
	case p.Backend == nil:
		return NewError("OPEN", ErrCodeInvalidParameters, "backend is required")
	case p.NumIOQueues < 1 || p.NumIOQueues >= constants.MaxQueueEntries:
		return NewError("OPEN", ErrCodeInvalidParameters, fmt.Sprintf("invalid number of I/O queues: %d", p.NumIOQueues))
	case p.ArenaSize <= 0:
		return NewError("OPEN", ErrCodeInvalidParameters, "arena size must be positive")
	case p.RetryLimit < 0 || p.MaxBacklog < 0:
		return NewError("OPEN", ErrCodeInvalidParameters, "retry limit and backlog bound must not be negative")
	}
	return nil
}

// Options contains additional options for opening a device
type Options struct {
	// Logger for lifecycle and error messages (if nil, uses the default logger)
	Logger *Logger

	// Observer receives queue pair events in addition to the built-in
	// metrics observer
	Observer Observer

	// Background runs the emulated controller on its own goroutine. When
	// false the controller executes commands from the calling goroutine
	// whenever a queue is polled.
	Background bool

	// PollInterval is how long a waiting command sleeps between polls
	// (default: 10µs)
	PollInterval time.Duration

	// Model and Serial override the identify strings
	Model  string
	Serial string
}

type ioQueue struct {
	mu sync.Mutex
	qp *qpair.QueuePair
}

// Device is an emulated NVMe controller driven through queue pairs. Each
// queue pair is guarded by its own mutex, so distinct queues can be used
// from distinct goroutines.
type Device struct {
	params DeviceParams
	arena  *dma.Arena
	bufs   *dma.Pool
	dmaRef *pendingDMA
	ctrl   *ctrl.Controller
	emu    *emu.Device
	admin  *ioQueue
	queues []*ioQueue // index qid-1
	ident  IdentifyController
	ns     IdentifyNamespace
	poll   time.Duration
	logger *logging.Logger

	metrics  *Metrics
	observer Observer

	background bool
	cancel     context.CancelFunc
	runDone    chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
}

// Open creates the controller, its admin queue and params.NumIOQueues I/O
// queues, and verifies the device with IDENTIFY.
//
// Example:
//
//	store := backend.NewMemory(64 << 20)
//	dev, err := nvmeq.Open(context.Background(), nvmeq.DefaultParams(store), nil)
func Open(ctx context.Context, params DeviceParams, options *Options) (*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	defaults := DefaultParams(params.Backend)
	if params.NumIOQueues == 0 {
		params.NumIOQueues = defaults.NumIOQueues
	}
	if params.ArenaSize == 0 {
		params.ArenaSize = defaults.ArenaSize
	}
	if params.QueueEntries == 0 {
		params.QueueEntries = defaults.QueueEntries
	}
	if params.QueueTrackers == 0 {
		params.QueueTrackers = defaults.QueueTrackers
	}
	if params.AdminEntries == 0 {
		params.AdminEntries = defaults.AdminEntries
	}
	if params.AdminTrackers == 0 {
		params.AdminTrackers = defaults.AdminTrackers
	}
	if params.LBASize == 0 {
		params.LBASize = defaults.LBASize
	}
	if params.IOVABase == 0 {
		params.IOVABase = defaults.IOVABase
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	arena, err := dma.NewArena(params.ArenaSize, dma.Options{IOVABase: params.IOVABase, Lock: params.LockMemory})
	if err != nil {
		return nil, &Error{Op: "OPEN", Ctrlr: params.ID, Queue: -1, Code: ErrCodeInsufficientMemory,
			Msg: "allocate DMA arena", Inner: err}
	}
	if params.LockMemory && !arena.Locked() {
		logger.Warn("DMA arena could not be locked", "size", arena.Size())
	}

	c, err := ctrl.NewController(ctrl.Params{ID: params.ID, NumIOQueues: params.NumIOQueues, Logger: logger})
	if err != nil {
		_ = arena.Close()
		return nil, &Error{Op: "OPEN", Ctrlr: params.ID, Queue: -1, Code: ErrCodeInvalidParameters,
			Msg: err.Error(), Inner: err}
	}

	emuCfg := emu.DefaultConfig(params.Backend, arena)
	emuCfg.LBASize = params.LBASize
	emuCfg.Logger = logger
	if options.Model != "" {
		emuCfg.Model = options.Model
	}
	if options.Serial != "" {
		emuCfg.Serial = options.Serial
	}
	dev, err := emu.New(emuCfg)
	if err != nil {
		_ = arena.Close()
		return nil, &Error{Op: "OPEN", Ctrlr: params.ID, Queue: -1, Code: ErrCodeInvalidParameters,
			Msg: "create emulated controller", Inner: err}
	}
	c.Attach(dev)

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics, params.LBASize)
	if options.Observer != nil {
		observer = MultiObserver{observer, options.Observer}
	}

	poll := options.PollInterval
	if poll <= 0 {
		poll = constants.CompletionPollInterval
	}

	d := &Device{
		params:     params,
		arena:      arena,
		bufs:       dma.NewPool(arena, constants.BufferPoolDepth),
		dmaRef:     newPendingDMA(),
		ctrl:       c,
		emu:        dev,
		poll:       poll,
		logger:     logger.WithController(int(params.ID)),
		metrics:    metrics,
		observer:   observer,
		background: options.Background,
	}

	if err := d.addQueue(0, params.AdminEntries, params.AdminTrackers); err != nil {
		d.teardown()
		return nil, err
	}
	for qid := 1; qid <= params.NumIOQueues; qid++ {
		if err := d.addQueue(uint16(qid), params.QueueEntries, params.QueueTrackers); err != nil {
			d.teardown()
			return nil, err
		}
	}

	if d.background {
		runCtx, cancel := context.WithCancel(context.Background())
		d.cancel = cancel
		d.runDone = make(chan struct{})
		go func() {
			defer close(d.runDone)
			_ = dev.Run(runCtx, poll)
		}()
	}

	ident, ns, err := d.Identify(ctx)
	if err != nil {
		d.teardown()
		return nil, WrapError("OPEN", err)
	}
	d.ident, d.ns = ident, ns

	d.logger.Info("device opened",
		"model", ident.Model(),
		"io_queues", params.NumIOQueues,
		"entries", params.QueueEntries,
		"trackers", params.QueueTrackers,
		"blocks", ns.NSZE,
		"lba_size", ns.BlockSize(),
		"background", d.background)
	return d, nil
}

func (d *Device) addQueue(qid uint16, entries, trackers int) error {
	cfg := qpair.Config{
		Memory:     d.arena,
		RetryLimit: d.params.RetryLimit,
		MaxBacklog: d.params.MaxBacklog,
		Logger:     d.logger,
		Observer:   d.observer,
	}
	qp, err := qpair.Construct(qid, entries, trackers, d.ctrl, cfg)
	if err != nil {
		e := WrapError("CONSTRUCT", err)
		e.Ctrlr = d.params.ID
		return e
	}

	sq, _ := qp.SubmissionRing()
	cq, _ := qp.CompletionRing()
	if err := d.emu.AttachQueue(qid, sq, cq, entries); err != nil {
		_ = qp.Destroy()
		return &Error{Op: "CONSTRUCT", Ctrlr: d.params.ID, Queue: int(qid), Code: ErrCodeInvalidParameters,
			Msg: "attach queue to controller", Inner: err}
	}

	q := &ioQueue{qp: qp}
	if qid == 0 {
		d.admin = q
	} else {
		d.queues = append(d.queues, q)
	}
	return nil
}

func (d *Device) queue(op string, qid uint16) (*ioQueue, error) {
	if d.closed.Load() {
		return nil, NewQueueError(op, d.params.ID, int(qid), ErrCodeInvalidParameters, "device is closed")
	}
	if qid == 0 {
		return d.admin, nil
	}
	if int(qid) > len(d.queues) {
		return nil, NewQueueError(op, d.params.ID, int(qid), ErrCodeInvalidParameters,
			fmt.Sprintf("no such queue: %d", qid))
	}
	return d.queues[qid-1], nil
}

// pollLocked runs the controller (when inline) and reaps completions. A
// protocol violation fails the pair so every request it holds completes.
func (d *Device) pollLocked(q *ioQueue) (int, error) {
	if !d.background {
		d.emu.Process()
	}
	n, err := q.qp.ProcessCompletions()
	if err != nil {
		d.logger.Error("failing queue pair after protocol violation", "qid", q.qp.ID(), "error", err)
		q.qp.Fail()
		e := WrapError("PROCESS_COMPLETIONS", err)
		e.Ctrlr = d.params.ID
		return n, e
	}
	return n, nil
}

// exec submits cmd on qid and waits for its completion. If ctx ends while
// the command is still in the backlog it is completed as aborted. If it is
// already on the ring, payload stays borrowed until a later poll of the
// queue reaps it, and FreeBuffer defers releasing it until then.
func (d *Device) exec(ctx context.Context, op string, qid uint16, cmd Command, payload []byte) (Completion, error) {
	q, err := d.queue(op, qid)
	if err != nil {
		return Completion{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		cpl       Completion
		done      bool
		abandoned bool
		addr      uint64
	)
	req := &Request{
		Cmd:     cmd,
		Payload: payload,
		Callback: func(_ any, c *Completion) {
			cpl = *c
			done = true
			if abandoned {
				for _, buf := range d.dmaRef.settle(addr) {
					d.bufs.Put(buf)
				}
			}
		},
	}
	if err := q.qp.SubmitRequest(req); err != nil {
		e := WrapError(op, err)
		e.Ctrlr = d.params.ID
		return cpl, e
	}

	for !done {
		n, err := d.pollLocked(q)
		if err != nil {
			return cpl, err
		}
		if done || n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			if req.State() == qpair.RequestQueued {
				q.qp.ManualComplete(req, nvme.SCTGeneric, nvme.SCAbortedByRequest, true)
			} else if len(payload) > 0 {
				abandoned = true
				addr = d.arena.Translate(payload)
				d.dmaRef.abandon(addr)
			}
			return cpl, &Error{Op: op, Ctrlr: d.params.ID, Queue: int(qid), Code: ErrCodeTimeout,
				Msg: "command did not complete", Inner: ctx.Err()}
		default:
		}
		time.Sleep(d.poll)
	}

	if cpl.IsError() {
		e := NewCommandError(op, d.params.ID, int(qid), &cpl)
		if d.ctrl.Failed() {
			e.Code = ErrCodeControllerFailed
		}
		return cpl, e
	}
	return cpl, nil
}

// Identify reads the controller and namespace identify pages.
func (d *Device) Identify(ctx context.Context) (IdentifyController, IdentifyNamespace, error) {
	var (
		id IdentifyController
		ns IdentifyNamespace
	)
	page, err := d.AllocBuffer(nvme.IdentifyDataSize)
	if err != nil {
		return id, ns, err
	}
	defer d.FreeBuffer(page)

	cmd := Command{OPC: uint8(nvme.AdminIdentify), CDW10: nvme.CNSController}
	if _, err := d.exec(ctx, "IDENTIFY", 0, cmd, page); err != nil {
		return id, ns, err
	}
	if id, err = nvme.ParseIdentifyController(page); err != nil {
		return id, ns, &Error{Op: "IDENTIFY", Ctrlr: d.params.ID, Queue: 0, Code: ErrCodeProtocolViolation,
			Msg: "malformed identify controller page", Inner: err}
	}

	cmd = Command{OPC: uint8(nvme.AdminIdentify), NSID: 1, CDW10: nvme.CNSNamespace}
	if _, err := d.exec(ctx, "IDENTIFY", 0, cmd, page); err != nil {
		return id, ns, err
	}
	if ns, err = nvme.ParseIdentifyNamespace(page); err != nil {
		return id, ns, &Error{Op: "IDENTIFY", Ctrlr: d.params.ID, Queue: 0, Code: ErrCodeProtocolViolation,
			Msg: "malformed identify namespace page", Inner: err}
	}
	return id, ns, nil
}

func (d *Device) blocks(op string, qid uint16, buf []byte) (uint32, error) {
	lba := d.params.LBASize
	if len(buf) == 0 || len(buf)%lba != 0 {
		return 0, NewQueueError(op, d.params.ID, int(qid), ErrCodeInvalidParameters,
			fmt.Sprintf("buffer length %d is not a multiple of the %d-byte block size", len(buf), lba))
	}
	n := len(buf) / lba
	if n > 1<<16 {
		return 0, NewQueueError(op, d.params.ID, int(qid), ErrCodeInvalidParameters,
			fmt.Sprintf("transfer of %d blocks exceeds 65536", n))
	}
	return uint32(n), nil
}

// Read reads len(buf)/BlockSize() blocks starting at lba into buf. buf
// must come from AllocBuffer.
func (d *Device) Read(ctx context.Context, qid uint16, lba uint64, buf []byte) error {
	n, err := d.blocks("READ", qid, buf)
	if err != nil {
		return err
	}
	cmd := Command{OPC: uint8(nvme.IORead), NSID: 1}
	cmd.SetLBA(lba, n)
	_, err = d.exec(ctx, "READ", qid, cmd, buf)
	return err
}

// Write writes buf to the blocks starting at lba. buf must come from
// AllocBuffer.
func (d *Device) Write(ctx context.Context, qid uint16, lba uint64, buf []byte) error {
	n, err := d.blocks("WRITE", qid, buf)
	if err != nil {
		return err
	}
	cmd := Command{OPC: uint8(nvme.IOWrite), NSID: 1}
	cmd.SetLBA(lba, n)
	_, err = d.exec(ctx, "WRITE", qid, cmd, buf)
	return err
}

// Flush commits the namespace's volatile data.
func (d *Device) Flush(ctx context.Context, qid uint16) error {
	_, err := d.exec(ctx, "FLUSH", qid, Command{OPC: uint8(nvme.IOFlush), NSID: 1}, nil)
	return err
}

// WriteZeroes zeroes count blocks starting at lba without a data transfer.
func (d *Device) WriteZeroes(ctx context.Context, qid uint16, lba uint64, count uint32) error {
	if count == 0 || count > 1<<16 {
		return NewQueueError("WRITE_ZEROES", d.params.ID, int(qid), ErrCodeInvalidParameters,
			fmt.Sprintf("invalid block count: %d", count))
	}
	cmd := Command{OPC: uint8(nvme.IOWriteZeroes), NSID: 1}
	cmd.SetLBA(lba, count)
	_, err := d.exec(ctx, "WRITE_ZEROES", qid, cmd, nil)
	return err
}

// Deallocate trims count blocks starting at lba with a single-range
// DATASET MANAGEMENT command.
func (d *Device) Deallocate(ctx context.Context, qid uint16, lba uint64, count uint32) error {
	if count == 0 {
		return NewQueueError("DEALLOCATE", d.params.ID, int(qid), ErrCodeInvalidParameters, "empty range")
	}
	buf, err := d.AllocBuffer(nvme.DSMRangeSize)
	if err != nil {
		return err
	}
	defer d.FreeBuffer(buf)

	if err := nvme.MarshalDSMRange(buf, &nvme.DSMRange{StartLBA: lba, Length: count}); err != nil {
		return &Error{Op: "DEALLOCATE", Ctrlr: d.params.ID, Queue: int(qid), Code: ErrCodeInvalidParameters,
			Msg: err.Error(), Inner: err}
	}
	cmd := Command{OPC: uint8(nvme.IODatasetManagement), NSID: 1, CDW10: 0, CDW11: nvme.DSMAttrDeallocate}
	_, err = d.exec(ctx, "DEALLOCATE", qid, cmd, buf[:nvme.DSMRangeSize])
	return err
}

// AllocBuffer returns a zeroed, page-aligned DMA buffer of size bytes.
func (d *Device) AllocBuffer(size int) ([]byte, error) {
	buf, err := d.bufs.Get(size)
	if err != nil {
		return nil, &Error{Op: "ALLOC", Ctrlr: d.params.ID, Queue: -1, Code: ErrCodeInsufficientMemory,
			Msg: fmt.Sprintf("allocate %d-byte DMA buffer", size), Inner: err}
	}
	return buf, nil
}

// FreeBuffer returns a buffer from AllocBuffer. Common sizes are kept for
// reuse by later AllocBuffer calls. A buffer still targeted by a command a
// helper timed out on is released only once that command completes.
func (d *Device) FreeBuffer(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	if d.dmaRef.hold(d.arena.Translate(buf[:1]), buf) {
		return
	}
	d.bufs.Put(buf)
}

// Submit hands req to queue qid without waiting. Its callback runs from a
// later Poll of the same queue.
func (d *Device) Submit(qid uint16, req *Request) error {
	q, err := d.queue("SUBMIT", qid)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.qp.SubmitRequest(req); err != nil {
		e := WrapError("SUBMIT", err)
		e.Ctrlr = d.params.ID
		return e
	}
	return nil
}

// Poll reaps completions on queue qid and returns how many it processed.
func (d *Device) Poll(qid uint16) (int, error) {
	q, err := d.queue("POLL", qid)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return d.pollLocked(q)
}

// Outstanding returns the commands on the ring and the backlog length of
// queue qid.
func (d *Device) Outstanding(qid uint16) (outstanding, backlogged int) {
	q, err := d.queue("OUTSTANDING", qid)
	if err != nil {
		return 0, 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.qp.Outstanding(), q.qp.Backlogged()
}

func (d *Device) all() []*ioQueue {
	qs := make([]*ioQueue, 0, len(d.queues)+1)
	if d.admin != nil {
		qs = append(qs, d.admin)
	}
	return append(qs, d.queues...)
}

// Reset performs a controller reset. Every queue pair is disabled and
// rewound, and commands that were on a ring are resubmitted (or completed
// as aborted once their retries are used up) when the pairs are enabled
// again. Submissions from other goroutines wait on the queue locks until
// the reset is done.
func (d *Device) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "RESET", Ctrlr: d.params.ID, Queue: -1, Code: ErrCodeTimeout, Msg: "reset cancelled", Inner: err}
	}
	if d.closed.Load() {
		return NewError("RESET", ErrCodeInvalidParameters, "device is closed")
	}
	if err := d.ctrl.BeginReset(); err != nil {
		code := ErrCodeQueueBusy
		if d.ctrl.Failed() {
			code = ErrCodeControllerFailed
		}
		return &Error{Op: "RESET", Ctrlr: d.params.ID, Queue: -1, Code: code, Msg: err.Error(), Inner: err}
	}

	qs := d.all()
	for _, q := range qs {
		q.mu.Lock()
	}
	defer func() {
		for _, q := range qs {
			q.mu.Unlock()
		}
	}()

	for _, q := range qs {
		q.qp.Disable()
	}
	d.emu.Reset()
	for _, q := range qs {
		q.qp.Reset()
	}
	d.ctrl.EndReset()
	for _, q := range qs {
		q.qp.Enable()
	}

	d.logger.Info("controller reset complete", "resets", d.ctrl.Info().Resets)
	return nil
}

// Fail marks the controller failed and completes every outstanding and
// backlogged request with ABORTED BY REQUEST and DNR set.
func (d *Device) Fail() {
	d.ctrl.SetFailed()
	for _, q := range d.all() {
		q.mu.Lock()
		q.qp.Fail()
		q.mu.Unlock()
	}
}

// Failed reports whether the controller has failed.
func (d *Device) Failed() bool {
	return d.ctrl.Failed()
}

// Close stops the controller and releases the queue pairs and DMA memory.
// Requests still outstanding complete as aborted. The backend is left open.
func (d *Device) Close() error {
	if d == nil {
		return ErrInvalidParameters
	}
	var err error
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		err = d.teardown()
		d.logger.Info("device closed")
	})
	return err
}

func (d *Device) teardown() error {
	if d.cancel != nil {
		d.cancel()
		<-d.runDone
	}

	var first error
	qs := d.all()
	for i := len(qs) - 1; i >= 0; i-- {
		q := qs[i]
		q.mu.Lock()
		if q.qp.Outstanding() > 0 || q.qp.Backlogged() > 0 {
			q.qp.Fail()
		}
		qid := q.qp.ID()
		if err := q.qp.Destroy(); err != nil && first == nil {
			first = WrapError("CLOSE", err)
		}
		_ = d.emu.DetachQueue(qid)
		q.mu.Unlock()
	}
	d.ctrl.Attach(nil)
	d.metrics.Stop()

	if d.bufs != nil {
		d.bufs.Drain()
	}
	if err := d.arena.Close(); err != nil && first == nil {
		first = &Error{Op: "CLOSE", Ctrlr: d.params.ID, Queue: -1, Code: ErrCodeIOError, Msg: "release DMA arena", Inner: err}
	}
	return first
}

// InjectStatus makes the next count commands the controller executes
// complete with the given status instead of running.
func (d *Device) InjectStatus(sct StatusCodeType, sc StatusCode, dnr bool, count int) {
	d.emu.InjectStatus(sct, sc, dnr, count)
}

// NumQueues returns the number of I/O queues
func (d *Device) NumQueues() int { return len(d.queues) }

// BlockSize returns the logical block size reported by IDENTIFY
func (d *Device) BlockSize() int { return d.ns.BlockSize() }

// Blocks returns the namespace size in logical blocks
func (d *Device) Blocks() uint64 { return d.ns.NSZE }

// Size returns the namespace size in bytes
func (d *Device) Size() int64 { return int64(d.ns.NSZE) * int64(d.ns.BlockSize()) }

// Identity returns the identify controller data read when the device opened
func (d *Device) Identity() IdentifyController { return d.ident }

// DeviceInfo summarises a device
type DeviceInfo struct {
	ID           uint32 `json:"id"`
	State        string `json:"state"`
	Model        string `json:"model"`
	Serial       string `json:"serial"`
	NumIOQueues  int    `json:"num_io_queues"`
	QueueEntries int    `json:"queue_entries"`
	BlockSize    int    `json:"block_size"`
	Blocks       uint64 `json:"blocks"`
	Size         int64  `json:"size"`
	Resets       uint64 `json:"resets"`
	Background   bool   `json:"background"`
}

// Info returns comprehensive information about the device
func (d *Device) Info() DeviceInfo {
	if d == nil {
		return DeviceInfo{}
	}
	ci := d.ctrl.Info()
	return DeviceInfo{
		ID:           d.params.ID,
		State:        ci.State,
		Model:        d.ident.Model(),
		Serial:       d.ident.Serial(),
		NumIOQueues:  len(d.queues),
		QueueEntries: d.params.QueueEntries,
		BlockSize:    d.BlockSize(),
		Blocks:       d.Blocks(),
		Size:         d.Size(),
		Resets:       ci.Resets,
		Background:   d.background,
	}
}

// Stats returns per-queue statistics, admin queue first.
func (d *Device) Stats() []QueuePairStats {
	qs := d.all()
	out := make([]QueuePairStats, 0, len(qs))
	for _, q := range qs {
		q.mu.Lock()
		out = append(out, q.qp.Stats())
		q.mu.Unlock()
	}
	return out
}

// Metrics returns the current metrics for the device
func (d *Device) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of device metrics
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// DiagSnapshot collects everything the diagnostics server reports.
func (d *Device) DiagSnapshot() *diag.Snapshot {
	st := d.emu.Stats()
	return &diag.Snapshot{
		Time:       time.Now(),
		Controller: d.ctrl.Info(),
		Device:     &st,
		Queues:     d.Stats(),
		Metrics:    d.metrics.Snapshot(),
	}
}
