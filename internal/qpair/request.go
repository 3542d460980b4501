package qpair

import (
	"sync"

	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

// CompletionFunc receives the terminal completion of a request. arg is the
// request's Arg. cpl stays valid until the request is submitted again.
type CompletionFunc func(arg any, cpl *nvme.Completion)

// RequestState tracks who owns a request.
type RequestState uint8

const (
	RequestIdle     RequestState = iota // Caller owns; never submitted
	RequestQueued                       // Queue pair owns; waiting in the backlog
	RequestInFlight                     // Queue pair owns; bound to a tracker
	RequestDone                         // Caller owns; callback has run
)

func (s RequestState) String() string {
	switch s {
	case RequestIdle:
		return "idle"
	case RequestQueued:
		return "queued"
	case RequestInFlight:
		return "in-flight"
	case RequestDone:
		return "done"
	default:
		return "unknown"
	}
}

// Request is one command plus its data buffer and completion callback.
// Payload is borrowed: it must not be modified or released until the
// callback has run.
type Request struct {
	Cmd      nvme.Command
	Payload  []byte
	Callback CompletionFunc
	Arg      any

	cpl     nvme.Completion
	qpair   *QueuePair
	next    *Request
	startNs int64
	retries uint16
	state   RequestState
}

// Retries returns how many times the request has been resubmitted.
func (r *Request) Retries() int { return int(r.retries) }

// State returns the current ownership state.
func (r *Request) State() RequestState { return r.state }

// QueuePair returns the queue pair the request was last submitted to.
func (r *Request) QueuePair() *QueuePair { return r.qpair }

// Completion returns the terminal completion once the callback has run.
func (r *Request) Completion() *nvme.Completion { return &r.cpl }

// owned reports whether a queue pair currently holds the request.
func (r *Request) owned() bool {
	return r.state == RequestQueued || r.state == RequestInFlight
}

// backlog is an intrusive FIFO of requests waiting for a tracker.
func (q *QueuePair) pushBacklog(req *Request) {
	req.state = RequestQueued
	req.next = nil
	if q.queuedTail == nil {
		q.queuedHead = req
	} else {
		q.queuedTail.next = req
	}
	q.queuedTail = req
	q.queuedLen++
}

func (q *QueuePair) popBacklog() *Request {
	req := q.queuedHead
	if req == nil {
		return nil
	}
	q.queuedHead = req.next
	if q.queuedHead == nil {
		q.queuedTail = nil
	}
	req.next = nil
	q.queuedLen--
	return req
}

// RequestPool recycles requests. Pools are owned by whoever creates them;
// there is no process-wide pool.
type RequestPool struct {
	pool sync.Pool
}

// NewRequestPool creates an empty pool.
func NewRequestPool() *RequestPool {
	return &RequestPool{
		pool: sync.Pool{New: func() any { return new(Request) }},
	}
}

// Get returns a zeroed request.
func (p *RequestPool) Get() *Request {
	return p.pool.Get().(*Request)
}

// Put returns a request to the pool. Requests still owned by a queue pair
// are not recycled.
func (p *RequestPool) Put(req *Request) {
	if req == nil || req.owned() {
		return
	}
	*req = Request{}
	p.pool.Put(req)
}
