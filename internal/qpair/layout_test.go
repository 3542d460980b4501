package qpair

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"

	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

// The controller pointer is cold. Everything touched per request sits in
// the two cache lines in front of it.
func TestQueuePairLayout(t *testing.T) {
	var q QueuePair
	ctrlr := unsafe.Offsetof(q.ctrlr)

	assert.LessOrEqual(t, ctrlr, uintptr(128))

	hot := map[string]uintptr{
		"id":         unsafe.Offsetof(q.id),
		"sqTail":     unsafe.Offsetof(q.sqTail),
		"cqHead":     unsafe.Offsetof(q.cqHead),
		"phase":      unsafe.Offsetof(q.phase),
		"freeHead":   unsafe.Offsetof(q.freeHead),
		"sq":         unsafe.Offsetof(q.sq),
		"cq":         unsafe.Offsetof(q.cq),
		"trackers":   unsafe.Offsetof(q.trackers),
		"queuedHead": unsafe.Offsetof(q.queuedHead),
		"queuedTail": unsafe.Offsetof(q.queuedTail),
		"translator": unsafe.Offsetof(q.translator),
	}
	for name, off := range hot {
		assert.Less(t, off, ctrlr, "%s must precede ctrlr", name)
	}
}

func TestTrackerPRPPage(t *testing.T) {
	h := newHarness(t, 1, 8, 4)
	_, sqAddr := h.q.SubmissionRing()
	assert.NotZero(t, sqAddr)

	for cid := uint16(0); cid < 4; cid++ {
		tr := h.q.Tracker(cid)
		assert.Len(t, tr.prpList, prpEntriesPerList)
		assert.Zero(t, tr.prpAddr%nvme.PageSize)
		if cid > 0 {
			assert.Equal(t, h.q.Tracker(cid-1).prpAddr+nvme.PageSize, tr.prpAddr)
		}
	}
}
