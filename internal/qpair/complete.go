package qpair

import (
	"fmt"

	"github.com/ehrlich-b/go-nvmeq/internal/interfaces"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

// ProcessCompletions consumes every completion whose phase tag matches,
// up to one full ring per call, and returns how many it consumed. It never
// blocks. A disabled queue pair reports zero.
//
// A completion naming a command id with no outstanding tracker means the
// channel can no longer be trusted: the entry is consumed, the queue pair is
// disabled and an ErrProtocolViolation is returned. Callers are expected to
// Fail the queue pair afterwards.
func (q *QueuePair) ProcessCompletions() (int, error) {
	if !q.enabled {
		return 0, nil
	}

	n := 0
	var err error
	for n < int(q.numEntries) && q.enabled {
		slot := &q.cq[q.cqHead]
		cid, status := slot.LoadStatusWord()
		if uint8(status&1) != q.phase {
			break
		}

		cpl := *slot
		cpl.CID = cid
		cpl.Status = status
		q.advanceHead()
		n++

		if cid >= q.numTrackers || q.trackers[cid].req == nil {
			err = q.protocolViolation(&cpl)
			break
		}
		q.completeTracker(&q.trackers[cid], &cpl, true)
	}

	if n > 0 {
		if db, ok := q.ctrlr.(interfaces.CompletionDoorbell); ok {
			db.RingCompletionDoorbell(q.id, q.cqHead)
		}
	}
	return n, err
}

func (q *QueuePair) advanceHead() {
	q.cqHead++
	if q.cqHead == q.numEntries {
		q.cqHead = 0
		q.phase ^= 1
	}
}

func (q *QueuePair) protocolViolation(cpl *nvme.Completion) error {
	q.enabled = false
	q.counters.protocolViolations++
	q.logger.Error("completion for unknown command id, disabling queue pair",
		"cid", cpl.CID, "outstanding", q.outstanding)
	q.printCompletion(cpl)
	return newQueueError(q.id, "process_completions",
		fmt.Errorf("%w: cid %d", ErrProtocolViolation, cpl.CID))
}

// completeTracker applies the retry policy to one completion. A retried
// command keeps its tracker and goes back on the ring; anything else runs
// the callback, frees the tracker and lets the backlog advance.
func (q *QueuePair) completeTracker(tr *Tracker, cpl *nvme.Completion, printOnError bool) {
	req := tr.req

	outcome := nvme.Classify(cpl)
	if outcome == nvme.OutcomeRetryable && req.retries < q.retryLimit && !q.ctrlr.Failed() {
		req.retries++
		q.counters.retries++
		q.observer.ObserveRetry(q.id, &req.Cmd, int(req.retries))
		q.logger.Debug("retrying command", "cid", tr.cid, "retry", req.retries)
		q.submitTracker(tr)
		return
	}

	if outcome != nvme.OutcomeSuccess && printOnError {
		q.printCommand(&req.Cmd)
		q.printCompletion(cpl)
	}

	// Detach before the callback so a re-entrant Fail cannot complete req
	// twice. The tracker joins the free list only afterwards, so requests
	// submitted from the callback queue behind the existing backlog.
	tr.req = nil
	q.finish(req, cpl)
	q.releaseTracker(tr)
	q.admitBacklog()
}
