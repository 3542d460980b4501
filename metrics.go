package nvmeq

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
	"github.com/ehrlich-b/go-nvmeq/internal/qpair"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks command statistics across the queue pairs of a device
type Metrics struct {
	// Terminal completions by command class
	ReadOps  atomic.Uint64
	WriteOps atomic.Uint64
	FlushOps atomic.Uint64
	OtherOps atomic.Uint64 // admin and remaining I/O opcodes

	// Bytes moved by successful reads and writes
	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	// Error counters
	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64
	FlushErrors atomic.Uint64
	OtherErrors atomic.Uint64

	// Queue pair policy counters
	Submits atomic.Uint64 // requests handed to SubmitRequest
	Retries atomic.Uint64
	Rejects atomic.Uint64

	// Queue statistics
	QueueDepthTotal atomic.Uint64 // Cumulative outstanding samples
	QueueDepthCount atomic.Uint64 // Number of samples
	MaxQueueDepth   atomic.Uint32 // Maximum observed outstanding
	MaxBacklog      atomic.Uint32 // Maximum observed backlog

	// Performance tracking
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of operations with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRead records a terminal read completion
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records a terminal write completion
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordFlush records a terminal flush completion
func (m *Metrics) RecordFlush(latencyNs uint64, success bool) {
	m.FlushOps.Add(1)
	if !success {
		m.FlushErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordOther records any other terminal completion
func (m *Metrics) RecordOther(latencyNs uint64, success bool) {
	m.OtherOps.Add(1)
	if !success {
		m.OtherErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordQueueDepth records the outstanding and backlogged counts of a queue pair
func (m *Metrics) RecordQueueDepth(outstanding, backlogged uint32) {
	m.QueueDepthTotal.Add(uint64(outstanding))
	m.QueueDepthCount.Add(1)
	storeMax(&m.MaxQueueDepth, outstanding)
	storeMax(&m.MaxBacklog, backlogged)
}

func storeMax(v *atomic.Uint32, n uint32) {
	for {
		current := v.Load()
		if n <= current || v.CompareAndSwap(current, n) {
			return
		}
	}
}

// recordLatency records operation latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the device as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived values
type MetricsSnapshot struct {
	ReadOps  uint64 `json:"read_ops"`
	WriteOps uint64 `json:"write_ops"`
	FlushOps uint64 `json:"flush_ops"`
	OtherOps uint64 `json:"other_ops"`

	ReadBytes  uint64 `json:"read_bytes"`
	WriteBytes uint64 `json:"write_bytes"`

	ReadErrors  uint64 `json:"read_errors"`
	WriteErrors uint64 `json:"write_errors"`
	FlushErrors uint64 `json:"flush_errors"`
	OtherErrors uint64 `json:"other_errors"`

	Submits uint64 `json:"submits"`
	Retries uint64 `json:"retries"`
	Rejects uint64 `json:"rejects"`

	AvgQueueDepth float64 `json:"avg_queue_depth"`
	MaxQueueDepth uint32  `json:"max_queue_depth"`
	MaxBacklog    uint32  `json:"max_backlog"`

	AvgLatencyNs uint64 `json:"avg_latency_ns"`
	UptimeNs     uint64 `json:"uptime_ns"`

	LatencyP50Ns  uint64 `json:"latency_p50_ns"`
	LatencyP99Ns  uint64 `json:"latency_p99_ns"`
	LatencyP999Ns uint64 `json:"latency_p999_ns"`

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64 `json:"latency_histogram"`

	IOPS       float64 `json:"iops"`
	Bandwidth  float64 `json:"bandwidth"` // bytes per second, reads and writes
	TotalOps   uint64  `json:"total_ops"`
	TotalBytes uint64  `json:"total_bytes"`
	ErrorRate  float64 `json:"error_rate"` // percent of terminal completions
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:       m.ReadOps.Load(),
		WriteOps:      m.WriteOps.Load(),
		FlushOps:      m.FlushOps.Load(),
		OtherOps:      m.OtherOps.Load(),
		ReadBytes:     m.ReadBytes.Load(),
		WriteBytes:    m.WriteBytes.Load(),
		ReadErrors:    m.ReadErrors.Load(),
		WriteErrors:   m.WriteErrors.Load(),
		FlushErrors:   m.FlushErrors.Load(),
		OtherErrors:   m.OtherErrors.Load(),
		Submits:       m.Submits.Load(),
		Retries:       m.Retries.Load(),
		Rejects:       m.Rejects.Load(),
		MaxQueueDepth: m.MaxQueueDepth.Load(),
		MaxBacklog:    m.MaxBacklog.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.FlushOps + snap.OtherOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	if count := m.QueueDepthCount.Load(); count > 0 {
		snap.AvgQueueDepth = float64(m.QueueDepthTotal.Load()) / float64(count)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	startTime := m.StartTime.Load()
	if stopTime := m.StopTime.Load(); stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.IOPS = float64(snap.TotalOps) / uptimeSeconds
		snap.Bandwidth = float64(snap.TotalBytes) / uptimeSeconds
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors + snap.FlushErrors + snap.OtherErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// Latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.ReadOps, &m.WriteOps, &m.FlushOps, &m.OtherOps,
		&m.ReadBytes, &m.WriteBytes,
		&m.ReadErrors, &m.WriteErrors, &m.FlushErrors, &m.OtherErrors,
		&m.Submits, &m.Retries, &m.Rejects,
		&m.QueueDepthTotal, &m.QueueDepthCount,
		&m.TotalLatencyNs, &m.OpCount,
	} {
		c.Store(0)
	}
	m.MaxQueueDepth.Store(0)
	m.MaxBacklog.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer receives queue pair events. Methods run on the goroutine that
// owns the queue pair and must not call back into it.
type Observer = qpair.Observer

// RejectReason says why a request completed without reaching a ring.
type RejectReason = qpair.RejectReason

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(uint16, *nvme.Command)                                      {}
func (NoOpObserver) ObserveCompletion(uint16, *nvme.Command, *nvme.Completion, uint64, int) {}
func (NoOpObserver) ObserveRetry(uint16, *nvme.Command, int)                                  {}
func (NoOpObserver) ObserveReject(uint16, RejectReason)                                       {}
func (NoOpObserver) ObserveQueueDepth(uint16, uint32, uint32)                                 {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
	lbaSize uint64
}

// NewMetricsObserver creates an observer that records to the given metrics.
// lbaSize converts block counts of reads and writes to bytes.
func NewMetricsObserver(m *Metrics, lbaSize int) *MetricsObserver {
	return &MetricsObserver{metrics: m, lbaSize: uint64(lbaSize)}
}

func (o *MetricsObserver) ObserveSubmit(uint16, *nvme.Command) {
	o.metrics.Submits.Add(1)
}

func (o *MetricsObserver) ObserveCompletion(qid uint16, cmd *nvme.Command, cpl *nvme.Completion, latencyNs uint64, _ int) {
	success := !cpl.IsError()
	if qid == 0 {
		o.metrics.RecordOther(latencyNs, success)
		return
	}
	switch nvme.Opcode(cmd.OPC) {
	case nvme.IORead:
		o.metrics.RecordRead(uint64(cmd.NumBlocks())*o.lbaSize, latencyNs, success)
	case nvme.IOWrite:
		o.metrics.RecordWrite(uint64(cmd.NumBlocks())*o.lbaSize, latencyNs, success)
	case nvme.IOFlush:
		o.metrics.RecordFlush(latencyNs, success)
	default:
		o.metrics.RecordOther(latencyNs, success)
	}
}

func (o *MetricsObserver) ObserveRetry(uint16, *nvme.Command, int) {
	o.metrics.Retries.Add(1)
}

func (o *MetricsObserver) ObserveReject(uint16, RejectReason) {
	o.metrics.Rejects.Add(1)
}

func (o *MetricsObserver) ObserveQueueDepth(_ uint16, outstanding, backlogged uint32) {
	o.metrics.RecordQueueDepth(outstanding, backlogged)
}

// MultiObserver fans events out to several observers in order
type MultiObserver []Observer

func (m MultiObserver) ObserveSubmit(qid uint16, cmd *nvme.Command) {
	for _, o := range m {
		o.ObserveSubmit(qid, cmd)
	}
}

func (m MultiObserver) ObserveCompletion(qid uint16, cmd *nvme.Command, cpl *nvme.Completion, latencyNs uint64, retries int) {
	for _, o := range m {
		o.ObserveCompletion(qid, cmd, cpl, latencyNs, retries)
	}
}

func (m MultiObserver) ObserveRetry(qid uint16, cmd *nvme.Command, attempt int) {
	for _, o := range m {
		o.ObserveRetry(qid, cmd, attempt)
	}
}

func (m MultiObserver) ObserveReject(qid uint16, reason RejectReason) {
	for _, o := range m {
		o.ObserveReject(qid, reason)
	}
}

func (m MultiObserver) ObserveQueueDepth(qid uint16, outstanding, backlogged uint32) {
	for _, o := range m {
		o.ObserveQueueDepth(qid, outstanding, backlogged)
	}
}

// Compile-time interface check
var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
	_ Observer = MultiObserver(nil)
)
