package qpair

import (
	"unsafe"

	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

// noTracker terminates the free list and marks synthesized completions
// that never had a command id.
const noTracker = 0xffff

// prpEntriesPerList is the number of PRP entries one list page holds.
const prpEntriesPerList = nvme.PageSize / 8

// Tracker binds one in-flight request to a command id. Trackers live in a
// fixed arena indexed by command id and are recycled through an intrusive
// free list.
type Tracker struct {
	req      *Request
	prpList  []uint64
	prp1     uint64
	prp2     uint64
	prpAddr  uint64
	cid      uint16
	next     uint16
	aborting bool
}

// CID returns the command id the tracker stands for.
func (t *Tracker) CID() uint16 { return t.cid }

// Request returns the bound request, or nil when the tracker is free.
func (t *Tracker) Request() *Request { return t.req }

// Busy reports whether the tracker is bound to a request.
func (t *Tracker) Busy() bool { return t.req != nil }

// PayloadAddr returns the device address of the bound payload.
func (t *Tracker) PayloadAddr() uint64 { return t.prp1 }

// initTrackers builds the arena. prpMem holds one list page per tracker.
func (q *QueuePair) initTrackers(prpMem []byte, prpBase uint64) {
	q.trackers = make([]Tracker, q.numTrackers)
	for i := range q.trackers {
		tr := &q.trackers[i]
		tr.cid = uint16(i)
		page := prpMem[i*nvme.PageSize : (i+1)*nvme.PageSize]
		tr.prpList = unsafe.Slice((*uint64)(unsafe.Pointer(&page[0])), prpEntriesPerList)
		tr.prpAddr = prpBase + uint64(i*nvme.PageSize)
		if i+1 < len(q.trackers) {
			tr.next = uint16(i + 1)
		} else {
			tr.next = noTracker
		}
	}
	q.freeHead = 0
}

func (q *QueuePair) allocTracker() *Tracker {
	if q.freeHead == noTracker {
		return nil
	}
	tr := &q.trackers[q.freeHead]
	q.freeHead = tr.next
	tr.next = noTracker
	q.outstanding++
	return tr
}

func (q *QueuePair) releaseTracker(tr *Tracker) {
	tr.req = nil
	tr.prp1, tr.prp2 = 0, 0
	tr.aborting = false
	tr.next = q.freeHead
	q.freeHead = tr.cid
	q.outstanding--
}

// Tracker returns the tracker for cid, or nil if cid is out of range.
func (q *QueuePair) Tracker(cid uint16) *Tracker {
	if int(cid) >= len(q.trackers) {
		return nil
	}
	return &q.trackers[cid]
}
