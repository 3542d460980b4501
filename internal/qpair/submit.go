package qpair

import (
	"time"

	"github.com/ehrlich-b/go-nvmeq/internal/interfaces"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
	"github.com/ehrlich-b/go-nvmeq/internal/uring"
)

// RejectReason says why a request was completed without reaching the ring.
type RejectReason uint8

const (
	RejectControllerFailed RejectReason = iota
	RejectDisabled
	RejectTranslation
	RejectTooLarge
	RejectBacklogFull
)

func (r RejectReason) String() string {
	switch r {
	case RejectControllerFailed:
		return "controller failed"
	case RejectDisabled:
		return "queue pair disabled"
	case RejectTranslation:
		return "payload translation failed"
	case RejectTooLarge:
		return "payload exceeds one PRP list"
	case RejectBacklogFull:
		return "backlog full"
	default:
		return "unknown"
	}
}

// maxPayloadPages is PRP1 plus one full list page.
const maxPayloadPages = 1 + prpEntriesPerList

// SubmitRequest hands req to the queue pair. The callback runs exactly once:
// synchronously when the request is rejected up front, otherwise from a
// later ProcessCompletions or Fail.
//
// The returned error is non-nil only when req itself is unusable (no
// callback, or still owned by a queue pair); the callback does not run then.
func (q *QueuePair) SubmitRequest(req *Request) error {
	if req == nil || req.Callback == nil {
		return newQueueError(q.id, "submit", ErrNoCallback)
	}
	if req.owned() {
		return newQueueError(q.id, "submit", ErrRequestInUse)
	}

	req.retries = 0
	req.qpair = q
	req.cpl = nvme.Completion{}
	req.startNs = time.Now().UnixNano()
	q.counters.submitted++
	q.observer.ObserveSubmit(q.id, &req.Cmd)

	q.submit(req)
	return nil
}

// submit is the admission path shared by new and backlogged requests.
func (q *QueuePair) submit(req *Request) {
	if q.ctrlr.Failed() {
		q.reject(req, nvme.SCAbortedByRequest, RejectControllerFailed)
		return
	}

	// A disabled pair takes no new work, even while its controller is
	// resetting, so nothing is silently admitted again by Enable.
	if !q.enabled {
		q.reject(req, nvme.SCAbortedByRequest, RejectDisabled)
		return
	}

	prp1, reason, ok := q.translatePayload(req.Payload)
	if !ok {
		sc := nvme.SCDataTransferError
		if reason == RejectTooLarge {
			sc = nvme.SCInvalidField
		}
		q.reject(req, sc, reason)
		return
	}

	tr := q.allocTracker()
	if tr == nil {
		q.enqueue(req)
		return
	}

	q.bind(tr, req, prp1)
	q.submitTracker(tr)
	q.observer.ObserveQueueDepth(q.id, uint32(q.outstanding), q.queuedLen)
}

// enqueue appends req to the backlog unless the backlog is full.
func (q *QueuePair) enqueue(req *Request) {
	if q.maxBacklog != 0 && q.queuedLen >= q.maxBacklog {
		q.reject(req, nvme.SCAbortedByRequest, RejectBacklogFull)
		return
	}
	q.pushBacklog(req)
	q.counters.deferred++
	q.observer.ObserveQueueDepth(q.id, uint32(q.outstanding), q.queuedLen)
}

// translatePayload checks that every page of payload has a device address
// and returns the address of its first byte.
func (q *QueuePair) translatePayload(payload []byte) (uint64, RejectReason, bool) {
	if len(payload) == 0 {
		return 0, 0, true
	}

	prp1 := q.translator.Translate(payload)
	if prp1 == interfaces.InvalidAddress {
		return 0, RejectTranslation, false
	}

	first := nvme.PageSize - int(prp1&(nvme.PageSize-1))
	if len(payload) <= first {
		return prp1, 0, true
	}
	pages := 1 + (len(payload)-first+nvme.PageSize-1)/nvme.PageSize
	if pages > maxPayloadPages {
		return 0, RejectTooLarge, false
	}
	for off := first; off < len(payload); off += nvme.PageSize {
		if q.translator.Translate(payload[off:]) == interfaces.InvalidAddress {
			return 0, RejectTranslation, false
		}
	}
	return prp1, 0, true
}

// bind attaches req to tr and builds its PRP entries.
func (q *QueuePair) bind(tr *Tracker, req *Request, prp1 uint64) {
	tr.req = req
	tr.prp1 = prp1
	tr.prp2 = 0
	req.state = RequestInFlight
	req.Cmd.CID = tr.cid

	n := len(req.Payload)
	if n == 0 {
		return
	}
	first := nvme.PageSize - int(prp1&(nvme.PageSize-1))
	switch {
	case n <= first:
	case n-first <= nvme.PageSize:
		tr.prp2 = q.translator.Translate(req.Payload[first:])
	default:
		i := 0
		for off := first; off < n; off += nvme.PageSize {
			tr.prpList[i] = q.translator.Translate(req.Payload[off:])
			i++
		}
		tr.prp2 = tr.prpAddr
	}
}

// submitTracker copies the bound command into the slot at sqTail and rings
// the doorbell. It is the only place sqTail moves.
func (q *QueuePair) submitTracker(tr *Tracker) {
	req := tr.req
	slot := &q.sq[q.sqTail]
	*slot = req.Cmd
	slot.CID = tr.cid
	slot.PRP1 = tr.prp1
	slot.PRP2 = tr.prp2

	q.sqTail++
	if q.sqTail == q.numEntries {
		q.sqTail = 0
	}

	uring.Sfence()
	q.ctrlr.RingDoorbell(q.id, q.sqTail)
}

// reject completes req without touching the rings.
func (q *QueuePair) reject(req *Request, sc nvme.StatusCode, reason RejectReason) {
	cpl := q.synthesize(noTracker, nvme.SCTGeneric, sc, true)

	q.counters.rejected++
	q.observer.ObserveReject(q.id, reason)
	q.logger.Warn("request rejected", "reason", reason.String())
	q.printCommand(&req.Cmd)
	q.printCompletion(&cpl)

	q.finish(req, &cpl)
}

// ManualComplete completes a backlogged or never-submitted request with the
// given status, without touching the rings. Requests bound to a tracker or
// already completed are left alone.
func (q *QueuePair) ManualComplete(req *Request, sct nvme.StatusCodeType, sc nvme.StatusCode, dnr bool) {
	if req == nil || req.Callback == nil {
		return
	}
	switch req.state {
	case RequestInFlight, RequestDone:
		return
	case RequestQueued:
		q.unlinkBacklog(req)
	case RequestIdle:
		req.qpair = q
		req.startNs = time.Now().UnixNano()
	}
	cpl := q.synthesize(noTracker, sct, sc, dnr)
	q.finish(req, &cpl)
}

func (q *QueuePair) unlinkBacklog(req *Request) {
	var prev *Request
	for cur := q.queuedHead; cur != nil; prev, cur = cur, cur.next {
		if cur != req {
			continue
		}
		if prev == nil {
			q.queuedHead = cur.next
		} else {
			prev.next = cur.next
		}
		if q.queuedTail == cur {
			q.queuedTail = prev
		}
		cur.next = nil
		q.queuedLen--
		return
	}
}

// synthesize builds a completion that no device produced.
func (q *QueuePair) synthesize(cid uint16, sct nvme.StatusCodeType, sc nvme.StatusCode, dnr bool) nvme.Completion {
	cpl := nvme.Completion{
		SQID:   q.id,
		SQHead: q.sqTail,
		CID:    cid,
	}
	cpl.SetStatus(sct, sc, dnr)
	return cpl
}

// finish records the terminal completion and runs the callback.
func (q *QueuePair) finish(req *Request, cpl *nvme.Completion) {
	req.cpl = *cpl
	req.state = RequestDone
	req.next = nil

	q.counters.completed++
	if cpl.IsError() {
		q.counters.errors++
	}

	var latency uint64
	if now := time.Now().UnixNano(); now > req.startNs {
		latency = uint64(now - req.startNs)
	}
	q.observer.ObserveCompletion(q.id, &req.Cmd, &req.cpl, latency, int(req.retries))

	req.Callback(req.Arg, &req.cpl)
}

// admitBacklog moves backlogged requests onto free trackers, oldest first.
func (q *QueuePair) admitBacklog() {
	for q.enabled && q.queuedHead != nil && q.freeHead != noTracker {
		q.submit(q.popBacklog())
	}
}
