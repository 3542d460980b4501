package nvmeq

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

const testBackendSize = 1 << 20

func testParams(backend Backend) DeviceParams {
	params := DefaultParams(backend)
	params.ArenaSize = 4 << 20
	params.NumIOQueues = 2
	params.QueueEntries = 32
	params.QueueTrackers = 8
	return params
}

func openTestDevice(t *testing.T, options *Options) (*Device, *MockBackend) {
	t.Helper()
	backend := NewMockBackend(testBackendSize)
	dev, err := Open(context.Background(), testParams(backend), options)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev, backend
}

func allocBuffer(t *testing.T, dev *Device, size int) []byte {
	t.Helper()
	buf, err := dev.AllocBuffer(size)
	if err != nil {
		t.Fatalf("AllocBuffer(%d) failed: %v", size, err)
	}
	return buf
}

func TestOpenIdentify(t *testing.T) {
	dev, _ := openTestDevice(t, &Options{Model: "test model", Serial: "SN42"})

	info := dev.Info()
	if info.Model != "test model" || info.Serial != "SN42" {
		t.Errorf("Unexpected identity: model=%q serial=%q", info.Model, info.Serial)
	}
	if info.BlockSize != 512 {
		t.Errorf("Expected 512-byte blocks, got %d", info.BlockSize)
	}
	if info.Blocks != testBackendSize/512 {
		t.Errorf("Expected %d blocks, got %d", testBackendSize/512, info.Blocks)
	}
	if info.Size != testBackendSize {
		t.Errorf("Expected size %d, got %d", testBackendSize, info.Size)
	}
	if info.NumIOQueues != 2 || dev.NumQueues() != 2 {
		t.Errorf("Expected 2 I/O queues, got %d", info.NumIOQueues)
	}
	if info.State != "live" {
		t.Errorf("Expected live controller, got %s", info.State)
	}
}

func TestOpenValidation(t *testing.T) {
	if _, err := Open(context.Background(), DeviceParams{}, nil); !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("Expected invalid parameters for missing backend, got %v", err)
	}

	params := testParams(NewMockBackend(testBackendSize))
	params.RetryLimit = -1
	if _, err := Open(context.Background(), params, nil); !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("Expected invalid parameters for negative retry limit, got %v", err)
	}

	params = testParams(NewMockBackend(testBackendSize))
	params.LBASize = 1000
	if _, err := Open(context.Background(), params, nil); !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("Expected invalid parameters for bad block size, got %v", err)
	}

	params = testParams(NewMockBackend(testBackendSize))
	params.QueueTrackers = params.QueueEntries
	if _, err := Open(context.Background(), params, nil); !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("Expected invalid parameters for trackers >= entries, got %v", err)
	}
}

func TestDeviceReadWrite(t *testing.T) {
	dev, backend := openTestDevice(t, nil)
	ctx := context.Background()

	wbuf := allocBuffer(t, dev, 3*4096)
	for i := range wbuf {
		wbuf[i] = byte(i * 7)
	}
	if err := dev.Write(ctx, 1, 16, wbuf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	rbuf := allocBuffer(t, dev, 3*4096)
	if err := dev.Read(ctx, 2, 16, rbuf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(wbuf, rbuf) {
		t.Error("Read data does not match written data")
	}

	counts := backend.CallCounts()
	if counts["write"] == 0 || counts["read"] == 0 {
		t.Errorf("Expected backend reads and writes, got %v", counts)
	}

	snap := dev.MetricsSnapshot()
	if snap.ReadOps != 1 || snap.WriteOps != 1 {
		t.Errorf("Expected 1 read and 1 write, got %d/%d", snap.ReadOps, snap.WriteOps)
	}
	if snap.ReadBytes != 3*4096 || snap.WriteBytes != 3*4096 {
		t.Errorf("Unexpected byte counts: read=%d write=%d", snap.ReadBytes, snap.WriteBytes)
	}
	// Two IDENTIFY commands ran on the admin queue while opening.
	if snap.OtherOps != 2 {
		t.Errorf("Expected 2 admin ops, got %d", snap.OtherOps)
	}
}

func TestDeviceArgumentErrors(t *testing.T) {
	dev, _ := openTestDevice(t, nil)
	ctx := context.Background()

	if err := dev.Read(ctx, 1, 0, allocBuffer(t, dev, 100)); !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("Expected invalid parameters for partial block, got %v", err)
	}
	if err := dev.Write(ctx, 1, 0, nil); !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("Expected invalid parameters for empty buffer, got %v", err)
	}
	if err := dev.Flush(ctx, 3); !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("Expected invalid parameters for unknown queue, got %v", err)
	}
	if err := dev.WriteZeroes(ctx, 1, 0, 0); !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("Expected invalid parameters for zero blocks, got %v", err)
	}

	// A buffer outside DMA memory cannot be translated.
	err := dev.Write(ctx, 1, 0, make([]byte, 512))
	if !IsCode(err, ErrCodeCommandFailed) {
		t.Fatalf("Expected command failure for heap buffer, got %v", err)
	}
	var ne *Error
	if !errors.As(err, &ne) || ne.Queue != 1 {
		t.Errorf("Expected error on queue 1, got %#v", err)
	}

	// Past the end of the namespace
	err = dev.Read(ctx, 1, testBackendSize/512, allocBuffer(t, dev, 512))
	if !IsCode(err, ErrCodeCommandFailed) {
		t.Errorf("Expected command failure past end of namespace, got %v", err)
	}
}

func TestDeviceFlushZeroesDeallocate(t *testing.T) {
	dev, backend := openTestDevice(t, nil)
	ctx := context.Background()

	buf := allocBuffer(t, dev, 8*512)
	for i := range buf {
		buf[i] = 0xaa
	}
	if err := dev.Write(ctx, 1, 0, buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := dev.Flush(ctx, 1); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if !backend.IsFlushed() {
		t.Error("Expected backend to be flushed")
	}

	if err := dev.WriteZeroes(ctx, 1, 2, 2); err != nil {
		t.Fatalf("WriteZeroes failed: %v", err)
	}
	if err := dev.Deallocate(ctx, 1, 6, 2); err != nil {
		t.Fatalf("Deallocate failed: %v", err)
	}
	if got := backend.CallCounts()["discard"]; got != 2 {
		t.Errorf("Expected 2 discards, got %d", got)
	}

	if err := dev.Read(ctx, 1, 0, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	for blk := 0; blk < 8; blk++ {
		want := byte(0xaa)
		if blk == 2 || blk == 3 || blk == 6 || blk == 7 {
			want = 0
		}
		if buf[blk*512] != want || buf[blk*512+511] != want {
			t.Errorf("block %d: expected %#x, got %#x", blk, want, buf[blk*512])
		}
	}
	if snap := dev.MetricsSnapshot(); snap.FlushOps != 1 {
		t.Errorf("Expected 1 flush, got %d", snap.FlushOps)
	}
}

func TestDeviceMediaErrors(t *testing.T) {
	dev, backend := openTestDevice(t, nil)
	ctx := context.Background()
	buf := allocBuffer(t, dev, 512)

	backend.FailReads(true)
	err := dev.Read(ctx, 1, 0, buf)
	if !IsCode(err, ErrCodeIOError) {
		t.Fatalf("Expected I/O error, got %v", err)
	}
	var ne *Error
	if errors.As(err, &ne) {
		cpl := Completion{Status: ne.Status}
		if cpl.SCT() != nvme.SCTMediaError || cpl.SC() != nvme.SCUnrecoveredReadError {
			t.Errorf("Unexpected status %#x", ne.Status)
		}
	}

	backend.FailReads(false)
	backend.FailWrites(true)
	if err := dev.Write(ctx, 1, 0, buf); !IsCode(err, ErrCodeIOError) {
		t.Errorf("Expected I/O error on write, got %v", err)
	}

	backend.Reset()
	if err := dev.Write(ctx, 1, 0, buf); err != nil {
		t.Errorf("Write after clearing failures: %v", err)
	}
	if snap := dev.MetricsSnapshot(); snap.ReadErrors != 1 || snap.WriteErrors != 1 {
		t.Errorf("Expected one read and one write error, got %d/%d", snap.ReadErrors, snap.WriteErrors)
	}
}

func TestDeviceRetry(t *testing.T) {
	dev, _ := openTestDevice(t, nil)
	ctx := context.Background()
	buf := allocBuffer(t, dev, 512)

	// One transient abort is absorbed by the default retry limit.
	dev.InjectStatus(nvme.SCTGeneric, nvme.SCAbortedByRequest, false, 1)
	if err := dev.Write(ctx, 1, 0, buf); err != nil {
		t.Fatalf("Write with one transient abort failed: %v", err)
	}
	if snap := dev.MetricsSnapshot(); snap.Retries != 1 {
		t.Errorf("Expected 1 retry, got %d", snap.Retries)
	}

	// A second abort exhausts it.
	dev.InjectStatus(nvme.SCTGeneric, nvme.SCAbortedByRequest, false, 2)
	err := dev.Write(ctx, 1, 0, buf)
	if !IsCode(err, ErrCodeCommandFailed) {
		t.Fatalf("Expected command failure after retries, got %v", err)
	}

	// DNR disables retry.
	dev.InjectStatus(nvme.SCTGeneric, nvme.SCAbortedByRequest, true, 1)
	if err := dev.Write(ctx, 1, 0, buf); !IsCode(err, ErrCodeCommandFailed) {
		t.Errorf("Expected command failure with DNR, got %v", err)
	}
	if snap := dev.MetricsSnapshot(); snap.Retries != 2 {
		t.Errorf("Expected 2 retries in total, got %d", snap.Retries)
	}
}

func TestDeviceAsyncSubmitPoll(t *testing.T) {
	dev, _ := openTestDevice(t, nil)
	pool := NewRequestPool()

	const n = 12 // more than the 8 trackers per queue
	var completed, failed int
	for i := 0; i < n; i++ {
		req := pool.Get()
		req.Cmd = Command{OPC: uint8(nvme.IOWrite), NSID: 1}
		req.Cmd.SetLBA(uint64(i), 1)
		req.Payload = allocBuffer(t, dev, 512)
		req.Callback = func(arg any, cpl *Completion) {
			completed++
			if cpl.IsError() {
				failed++
			}
			pool.Put(arg.(*Request))
		}
		req.Arg = req
		if err := dev.Submit(1, req); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}

	outstanding, backlogged := dev.Outstanding(1)
	if outstanding != 8 || backlogged != 4 {
		t.Errorf("Expected 8 outstanding and 4 backlogged, got %d/%d", outstanding, backlogged)
	}

	for i := 0; i < 100 && completed < n; i++ {
		if _, err := dev.Poll(1); err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
	}
	if completed != n || failed != 0 {
		t.Errorf("Expected %d successful completions, got %d (%d failed)", n, completed, failed)
	}
}

func TestDeviceResetResubmits(t *testing.T) {
	dev, _ := openTestDevice(t, nil)
	ctx := context.Background()

	var (
		got  Completion
		done bool
	)
	req := &Request{
		Cmd:      Command{OPC: uint8(nvme.IOWrite), NSID: 1},
		Payload:  allocBuffer(t, dev, 512),
		Callback: func(_ any, cpl *Completion) { got, done = *cpl, true },
	}
	req.Cmd.SetLBA(5, 1)
	if err := dev.Submit(1, req); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := dev.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	for i := 0; i < 100 && !done; i++ {
		if _, err := dev.Poll(1); err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
	}
	if !done || got.IsError() {
		t.Fatalf("Expected resubmitted command to succeed, done=%v status=%#x", done, got.Status)
	}
	if req.Retries() != 1 {
		t.Errorf("Expected 1 retry across the reset, got %d", req.Retries())
	}
	if info := dev.Info(); info.Resets != 1 || info.State != "live" {
		t.Errorf("Unexpected controller after reset: %+v", info)
	}

	// The queues keep working after the reset.
	if err := dev.Read(ctx, 1, 5, allocBuffer(t, dev, 512)); err != nil {
		t.Errorf("Read after reset failed: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := dev.Reset(cancelled); !IsCode(err, ErrCodeTimeout) {
		t.Errorf("Expected timeout for cancelled reset, got %v", err)
	}
}

func TestDeviceFail(t *testing.T) {
	dev, _ := openTestDevice(t, nil)
	ctx := context.Background()

	var got *Completion
	req := &Request{
		Cmd:      Command{OPC: uint8(nvme.IOFlush), NSID: 1},
		Callback: func(_ any, cpl *Completion) { c := *cpl; got = &c },
	}
	if err := dev.Submit(2, req); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	dev.Fail()
	if !dev.Failed() {
		t.Fatal("Expected controller to be failed")
	}
	if got == nil {
		t.Fatal("Expected outstanding request to be completed by Fail")
	}
	if got.SC() != nvme.SCAbortedByRequest || !got.DNR() {
		t.Errorf("Expected ABORTED BY REQUEST with DNR, got %s", FormatCompletion(got))
	}

	if err := dev.Flush(ctx, 1); !IsCode(err, ErrCodeControllerFailed) {
		t.Errorf("Expected controller failed, got %v", err)
	}
	if err := dev.Reset(ctx); !errors.Is(err, ErrControllerFailed) {
		t.Errorf("Expected reset of failed controller to fail, got %v", err)
	}
	if snap := dev.DiagSnapshot(); snap.Controller.State != "failed" {
		t.Errorf("Expected failed state in snapshot, got %s", snap.Controller.State)
	}
}

func TestDeviceBackground(t *testing.T) {
	dev, _ := openTestDevice(t, &Options{Background: true})
	ctx := context.Background()

	var wg sync.WaitGroup
	for qid := uint16(1); qid <= 2; qid++ {
		wg.Add(1)
		go func(qid uint16) {
			defer wg.Done()
			wbuf, err := dev.AllocBuffer(4096)
			if err != nil {
				t.Errorf("queue %d: %v", qid, err)
				return
			}
			rbuf, err := dev.AllocBuffer(4096)
			if err != nil {
				t.Errorf("queue %d: %v", qid, err)
				return
			}
			for i := 0; i < 20; i++ {
				lba := uint64(qid)*1000 + uint64(i)*8
				for j := range wbuf {
					wbuf[j] = byte(i + int(qid))
				}
				if err := dev.Write(ctx, qid, lba, wbuf); err != nil {
					t.Errorf("queue %d write %d: %v", qid, i, err)
					return
				}
				if err := dev.Read(ctx, qid, lba, rbuf); err != nil {
					t.Errorf("queue %d read %d: %v", qid, i, err)
					return
				}
				if !bytes.Equal(wbuf, rbuf) {
					t.Errorf("queue %d iteration %d: data mismatch", qid, i)
					return
				}
			}
		}(qid)
	}
	wg.Wait()

	snap := dev.MetricsSnapshot()
	if snap.WriteOps != 40 || snap.ReadOps != 40 {
		t.Errorf("Expected 40 reads and writes, got %d/%d", snap.ReadOps, snap.WriteOps)
	}
}

func TestDeviceObserverAndDiag(t *testing.T) {
	obs := &countingObserver{}
	dev, _ := openTestDevice(t, &Options{Observer: obs})

	if err := dev.Flush(context.Background(), 1); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	// Two IDENTIFY commands plus the flush
	if obs.completions != 3 {
		t.Errorf("Expected 3 completions seen by observer, got %d", obs.completions)
	}

	snap := dev.DiagSnapshot()
	if len(snap.Queues) != 3 {
		t.Fatalf("Expected admin plus 2 I/O queues, got %d", len(snap.Queues))
	}
	if snap.Queues[0].ID != 0 || snap.Queues[2].ID != 2 {
		t.Errorf("Unexpected queue order: %d, %d", snap.Queues[0].ID, snap.Queues[2].ID)
	}
	if snap.Device == nil || snap.Device.Commands != 3 {
		t.Errorf("Expected 3 commands executed by the device, got %+v", snap.Device)
	}
	if snap.Controller.State != "live" {
		t.Errorf("Expected live controller, got %s", snap.Controller.State)
	}
}

func TestDeviceClose(t *testing.T) {
	backend := NewMockBackend(testBackendSize)
	dev, err := Open(context.Background(), testParams(backend), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// An unreaped command is aborted by Close.
	var aborted bool
	req := &Request{
		Cmd:      Command{OPC: uint8(nvme.IOFlush), NSID: 1},
		Callback: func(_ any, cpl *Completion) { aborted = cpl.IsError() },
	}
	if err := dev.Submit(1, req); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := dev.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !aborted {
		t.Error("Expected outstanding request to be aborted on close")
	}
	if err := dev.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
	if backend.IsClosed() {
		t.Error("Close must not close the backend")
	}
	if err := dev.Flush(context.Background(), 1); !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("Expected invalid parameters after close, got %v", err)
	}
}

func TestDeviceFreeBufferHeldByAbandonedCommand(t *testing.T) {
	dev, _ := openTestDevice(t, nil)

	buf := allocBuffer(t, dev, 4096)
	addr := dev.arena.Translate(buf)
	dev.dmaRef.abandon(addr + 512)

	dev.FreeBuffer(buf)
	if dev.dmaRef.Held() != 1 {
		t.Fatalf("Expected the buffer to be held, %d held", dev.dmaRef.Held())
	}
	other := allocBuffer(t, dev, 4096)
	if dev.arena.Translate(other) == addr {
		t.Fatal("Held buffer was handed out again")
	}

	released := dev.dmaRef.settle(addr + 512)
	if len(released) != 1 || dev.arena.Translate(released[0]) != addr {
		t.Fatalf("Expected the held buffer back once the command settled, got %d buffers", len(released))
	}
	if dev.dmaRef.Held() != 0 {
		t.Errorf("Expected nothing held, %d held", dev.dmaRef.Held())
	}

	// Buffers no command targets are released at once.
	dev.FreeBuffer(other)
	if dev.dmaRef.Held() != 0 {
		t.Errorf("Untargeted buffer should not be held")
	}
}

func TestDeviceTimedOutIdentifyKeepsPage(t *testing.T) {
	dev, _ := openTestDevice(t, &Options{Background: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 50; i++ {
		if _, _, err := dev.Identify(ctx); err != nil && !IsCode(err, ErrCodeTimeout) {
			t.Fatalf("Identify %d: %v", i, err)
		}
		fresh := allocBuffer(t, dev, 4096)

		deadline := time.Now().Add(2 * time.Second)
		for {
			if _, err := dev.Poll(0); err != nil {
				t.Fatalf("Poll failed: %v", err)
			}
			if n, _ := dev.Outstanding(0); n == 0 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("Identify never completed")
			}
			time.Sleep(50 * time.Microsecond)
		}

		for j, b := range fresh {
			if b != 0 {
				t.Fatalf("iteration %d: fresh buffer written by the device at byte %d", i, j)
			}
		}
		dev.FreeBuffer(fresh)
	}

	if dev.dmaRef.Held() != 0 {
		t.Errorf("Expected every held page released, %d held", dev.dmaRef.Held())
	}
}
