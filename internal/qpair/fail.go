package qpair

import (
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

// Fail terminates every outstanding and backlogged request with an
// ABORTED_BY_REQUEST completion carrying DNR, outstanding ones first. The
// queue pair is left disabled; ring indices are not touched.
//
// Callbacks may submit again. The pair is already disabled, so those
// requests are rejected at once.
func (q *QueuePair) Fail() {
	q.enabled = false

	aborted := 0
	for i := range q.trackers {
		tr := &q.trackers[i]
		if tr.req == nil {
			continue
		}
		cpl := q.synthesize(tr.cid, nvme.SCTGeneric, nvme.SCAbortedByRequest, true)
		q.completeTracker(tr, &cpl, false)
		aborted++
	}

	for q.queuedHead != nil {
		req := q.popBacklog()
		cpl := q.synthesize(noTracker, nvme.SCTGeneric, nvme.SCAbortedByRequest, true)
		q.finish(req, &cpl)
		aborted++
	}

	q.counters.aborted += uint64(aborted)
	if aborted > 0 {
		q.logger.Warn("queue pair failed", "aborted", aborted)
	}
}
