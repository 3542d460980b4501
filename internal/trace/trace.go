// Package trace records queue pair events to a stream and reads them back.
//
// Each record is a 4-byte little-endian length followed by a
// kelindar/binary encoded Record.
package trace

import (
	stdbinary "encoding/binary"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/kelindar/binary"

	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
	"github.com/ehrlich-b/go-nvmeq/internal/qpair"
)

var (
	ErrClosed  = errors.Define("trace: recorder closed")
	ErrCorrupt = errors.Define("trace: corrupt record")
)

// maxRecordSize bounds a frame so a corrupt length cannot trigger a huge
// allocation.
const maxRecordSize = 4096

// Kind identifies the event a record describes.
type Kind uint8

const (
	KindSubmit Kind = iota + 1
	KindComplete
	KindRetry
	KindReject
)

func (k Kind) String() string {
	switch k {
	case KindSubmit:
		return "submit"
	case KindComplete:
		return "complete"
	case KindRetry:
		return "retry"
	case KindReject:
		return "reject"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Record is one traced event. Fields not meaningful for a kind are zero.
type Record struct {
	Kind      Kind
	TimeNs    int64
	QID       uint16
	CID       uint16
	Opcode    uint8
	SCT       uint8
	SC        uint8
	DNR       bool
	Retries   uint16
	Reason    uint8
	LatencyNs uint64
}

// Failed reports whether a completion record carries an error status.
func (r *Record) Failed() bool {
	return r.Kind == KindComplete && (r.SCT != 0 || r.SC != 0)
}

// Recorder is a qpair.Observer that writes records to w. It may be shared by
// queue pairs on different goroutines.
type Recorder struct {
	mu      sync.Mutex
	w       io.Writer
	buf     []byte
	err     error
	written uint64
	dropped uint64
	closed  bool
	submits bool
	now     func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithSubmits also records every submission. Off by default since it
// doubles the trace volume.
func WithSubmits() RecorderOption {
	return func(r *Recorder) { r.submits = true }
}

// NewRecorder returns a recorder writing to w.
func NewRecorder(w io.Writer, opts ...RecorderOption) *Recorder {
	r := &Recorder{w: w, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) ObserveSubmit(qid uint16, cmd *nvme.Command) {
	if !r.submits {
		return
	}
	r.write(&Record{Kind: KindSubmit, QID: qid, CID: cmd.CID, Opcode: cmd.OPC})
}

func (r *Recorder) ObserveCompletion(qid uint16, cmd *nvme.Command, cpl *nvme.Completion, latencyNs uint64, retries int) {
	r.write(&Record{
		Kind:      KindComplete,
		QID:       qid,
		CID:       cpl.CID,
		Opcode:    cmd.OPC,
		SCT:       uint8(cpl.SCT()),
		SC:        uint8(cpl.SC()),
		DNR:       cpl.DNR(),
		Retries:   uint16(retries),
		LatencyNs: latencyNs,
	})
}

func (r *Recorder) ObserveRetry(qid uint16, cmd *nvme.Command, attempt int) {
	r.write(&Record{Kind: KindRetry, QID: qid, CID: cmd.CID, Opcode: cmd.OPC, Retries: uint16(attempt)})
}

func (r *Recorder) ObserveReject(qid uint16, reason qpair.RejectReason) {
	r.write(&Record{Kind: KindReject, QID: qid, Reason: uint8(reason)})
}

func (r *Recorder) ObserveQueueDepth(uint16, uint32, uint32) {}

// write encodes rec. Observers cannot return errors, so the first failure is
// kept for Err and later records are counted as dropped.
func (r *Recorder) write(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.err != nil {
		r.dropped++
		return
	}
	rec.TimeNs = r.now().UnixNano()

	data, err := binary.Marshal(rec)
	if err != nil {
		r.err = errors.New("marshal record", errors.WithWrap(err))
		r.dropped++
		return
	}

	r.buf = stdbinary.LittleEndian.AppendUint32(r.buf[:0], uint32(len(data)))
	r.buf = append(r.buf, data...)
	if _, err := r.w.Write(r.buf); err != nil {
		r.err = errors.New("write record", errors.WithWrap(err))
		r.dropped++
		return
	}
	r.written++
}

// Err returns the first write error.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Written returns the number of records written.
func (r *Recorder) Written() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Dropped returns the number of records lost to errors or after Close.
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close stops recording and closes the writer if it is an io.Closer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if c, ok := r.w.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return errors.New("close trace", errors.WithWrap(err))
		}
	}
	return r.err
}

var _ qpair.Observer = (*Recorder)(nil)

// Reader decodes records written by a Recorder.
type Reader struct {
	r   io.Reader
	hdr [4]byte
	buf []byte
	n   int
}

// NewReader returns a reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next returns the next record, or io.EOF at a clean end of stream.
func (rd *Reader) Next() (Record, error) {
	var rec Record

	if _, err := io.ReadFull(rd.r, rd.hdr[:]); err != nil {
		if err == io.EOF {
			return rec, io.EOF
		}
		return rec, rd.corrupt(err)
	}
	size := stdbinary.LittleEndian.Uint32(rd.hdr[:])
	if size == 0 || size > maxRecordSize {
		return rec, errors.From(ErrCorrupt,
			errors.WithMeta("record", strconv.Itoa(rd.n)),
			errors.WithMeta("size", strconv.FormatUint(uint64(size), 10)))
	}

	if cap(rd.buf) < int(size) {
		rd.buf = make([]byte, size)
	}
	rd.buf = rd.buf[:size]
	if _, err := io.ReadFull(rd.r, rd.buf); err != nil {
		return rec, rd.corrupt(err)
	}
	if err := binary.Unmarshal(rd.buf, &rec); err != nil {
		return rec, rd.corrupt(err)
	}
	rd.n++
	return rec, nil
}

func (rd *Reader) corrupt(err error) error {
	return errors.From(ErrCorrupt,
		errors.WithMeta("record", strconv.Itoa(rd.n)),
		errors.WithWrap(err))
}

// ReadAll decodes records until the end of the stream.
func ReadAll(r io.Reader) ([]Record, error) {
	rd := NewReader(r)
	var out []Record
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// Summary aggregates a trace.
type Summary struct {
	Submits     int
	Completions int
	Errors      int
	Retries     int
	Rejects     int
	MaxLatency  time.Duration
	ByQueue     map[uint16]int
}

// Summarize counts records by kind and completions by queue.
func Summarize(records []Record) Summary {
	s := Summary{ByQueue: make(map[uint16]int)}
	for i := range records {
		rec := &records[i]
		switch rec.Kind {
		case KindSubmit:
			s.Submits++
		case KindComplete:
			s.Completions++
			s.ByQueue[rec.QID]++
			if rec.Failed() {
				s.Errors++
			}
			if d := time.Duration(rec.LatencyNs); d > s.MaxLatency {
				s.MaxLatency = d
			}
		case KindRetry:
			s.Retries++
		case KindReject:
			s.Rejects++
		}
	}
	return s
}
