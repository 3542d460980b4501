package qpair

import "github.com/ehrlich-b/go-nvmeq/internal/nvme"

// Observer receives queue pair events. Methods run on the queue pair's
// goroutine and must not call back into it.
type Observer interface {
	ObserveSubmit(qid uint16, cmd *nvme.Command)
	ObserveCompletion(qid uint16, cmd *nvme.Command, cpl *nvme.Completion, latencyNs uint64, retries int)
	ObserveRetry(qid uint16, cmd *nvme.Command, attempt int)
	ObserveReject(qid uint16, reason RejectReason)
	ObserveQueueDepth(qid uint16, outstanding, backlogged uint32)
}

type noopObserver struct{}

func (noopObserver) ObserveSubmit(uint16, *nvme.Command)                                      {}
func (noopObserver) ObserveCompletion(uint16, *nvme.Command, *nvme.Completion, uint64, int) {}
func (noopObserver) ObserveRetry(uint16, *nvme.Command, int)                                  {}
func (noopObserver) ObserveReject(uint16, RejectReason)                                       {}
func (noopObserver) ObserveQueueDepth(uint16, uint32, uint32)                                 {}

var _ Observer = noopObserver{}
