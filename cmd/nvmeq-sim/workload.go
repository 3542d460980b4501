package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-nvmeq"
	"github.com/ehrlich-b/go-nvmeq/backend"
	"github.com/ehrlich-b/go-nvmeq/internal/logging"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

// workload drives every I/O queue from its own goroutine over a disjoint
// slice of the namespace and injects faults at fixed points of the run.
type workload struct {
	Store nvmeq.Backend

	Ops       int // commands per queue
	Blocks    int // blocks per transfer
	Aborts    int
	Reset     bool
	Fail      bool
	LoseShard int
}

type result struct {
	OK         int
	Failed     int
	Mismatches int
}

type counters struct {
	done       atomic.Int64
	ok         atomic.Int64
	failed     atomic.Int64
	mismatches atomic.Int64
}

type event struct {
	at   int64
	name string
	run  func()
}

// Run blocks until every worker has finished or ctx is done.
func (w *workload) Run(ctx context.Context, dev *nvmeq.Device) result {
	var c counters
	queues := dev.NumQueues()
	perQueue := dev.Blocks() / uint64(queues)

	finished := make(chan struct{})
	total := int64(w.Ops * queues)
	go w.chaos(ctx, dev, &c, w.events(ctx, dev, total), finished)

	var wg sync.WaitGroup
	for i := 0; i < queues; i++ {
		wg.Add(1)
		go func(qid uint16) {
			defer wg.Done()
			w.worker(ctx, dev, qid, uint64(qid-1)*perQueue, perQueue, &c)
		}(uint16(i + 1))
	}
	wg.Wait()
	close(finished)

	if e, ok := w.Store.(*backend.Erasure); ok && w.LoseShard >= 0 {
		if err := e.RepairShard(w.LoseShard); err != nil {
			logging.Default().Error("shard repair failed", "shard", w.LoseShard, "error", err)
		}
	}

	return result{
		OK:         int(c.ok.Load()),
		Failed:     int(c.failed.Load()),
		Mismatches: int(c.mismatches.Load()),
	}
}

func (w *workload) events(ctx context.Context, dev *nvmeq.Device, total int64) []event {
	logger := logging.Default()
	var evs []event
	if w.Aborts > 0 {
		evs = append(evs, event{total / 4, "transient aborts", func() {
			dev.InjectStatus(nvme.SCTGeneric, nvme.SCAbortedByRequest, false, w.Aborts)
		}})
	}
	if e, ok := w.Store.(*backend.Erasure); ok && w.LoseShard >= 0 {
		evs = append(evs, event{total / 2, "lose shard", func() {
			if err := e.FailShard(w.LoseShard); err != nil {
				logger.Error("fail shard", "shard", w.LoseShard, "error", err)
			}
		}})
	}
	if w.Reset {
		evs = append(evs, event{total / 2, "controller reset", func() {
			if err := dev.Reset(ctx); err != nil {
				logger.Error("controller reset failed", "error", err)
			}
		}})
	}
	if w.Fail {
		evs = append(evs, event{total * 3 / 4, "controller failure", dev.Fail})
	}
	return evs
}

func (w *workload) chaos(ctx context.Context, dev *nvmeq.Device, c *counters, evs []event, finished <-chan struct{}) {
	logger := logging.Default()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for len(evs) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-finished:
			return
		case <-ticker.C:
		}
		for len(evs) > 0 && c.done.Load() >= evs[0].at {
			logger.Info("injecting fault", "event", evs[0].name, "completed", c.done.Load())
			evs[0].run()
			evs = evs[1:]
		}
	}
}

func (w *workload) worker(ctx context.Context, dev *nvmeq.Device, qid uint16, first, count uint64, c *counters) {
	logger := logging.Default().WithQueue(int(qid))
	size := w.Blocks * dev.BlockSize()

	wbuf, err := dev.AllocBuffer(size)
	if err != nil {
		logger.Error("allocate write buffer", "error", err)
		return
	}
	defer dev.FreeBuffer(wbuf)
	rbuf, err := dev.AllocBuffer(size)
	if err != nil {
		logger.Error("allocate read buffer", "error", err)
		return
	}
	defer dev.FreeBuffer(rbuf)

	slots := count / uint64(w.Blocks)
	if slots == 0 {
		logger.Error("queue region smaller than one transfer", "blocks", count)
		return
	}
	rng := rand.New(rand.NewPCG(uint64(qid), uint64(time.Now().UnixNano())))

	for i := 0; i < w.Ops && ctx.Err() == nil; i++ {
		lba := first + rng.Uint64N(slots)*uint64(w.Blocks)

		switch p := rng.IntN(100); {
		case p < 50:
			fill(wbuf, lba, i)
			err = dev.Write(ctx, qid, lba, wbuf)
			if err == nil {
				err = dev.Read(ctx, qid, lba, rbuf)
				if err == nil && !bytes.Equal(wbuf, rbuf) {
					c.mismatches.Add(1)
					logger.Warn("read back mismatch", "lba", lba)
				}
			}
		case p < 85:
			err = dev.Read(ctx, qid, lba, rbuf)
		case p < 90:
			err = dev.Flush(ctx, qid)
		case p < 95:
			err = dev.WriteZeroes(ctx, qid, lba, uint32(w.Blocks))
		default:
			err = dev.Deallocate(ctx, qid, lba, uint32(w.Blocks))
		}
		c.done.Add(1)

		if err != nil {
			c.failed.Add(1)
			logger.Debug("command failed", "lba", lba, "error", err)
			if nvmeq.IsCode(err, nvmeq.ErrCodeControllerFailed) {
				logger.Warn("controller failed, worker stopping", "completed", i)
				return
			}
			continue
		}
		c.ok.Add(1)
	}
}

// fill writes a pattern that identifies the block and the iteration.
func fill(buf []byte, lba uint64, iter int) {
	for off := 0; off+16 <= len(buf); off += 16 {
		binary.LittleEndian.PutUint64(buf[off:], lba)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(iter)<<32|uint64(off))
	}
}
