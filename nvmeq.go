// Package nvmeq is an NVMe queue-pair engine: submission and completion
// rings with phase-tag polling, command id trackers, retry of transient
// aborts, a backlog for requests that find no free tracker, and fail-fast
// draining when the controller dies.
//
// Device wires queue pairs to an emulated controller so the engine can be
// driven end to end without hardware:
//
//	dev, err := nvmeq.Open(ctx, nvmeq.DefaultParams(backend.NewMemory(64<<20)), nil)
//	if err != nil {
//		return err
//	}
//	defer dev.Close()
//	buf, _ := dev.AllocBuffer(4096)
//	err = dev.Read(ctx, 1, 0, buf)
//
// Lower level users construct a QueuePair directly against their own
// Controller and Memory implementations.
package nvmeq

import (
	"github.com/ehrlich-b/go-nvmeq/internal/interfaces"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
	"github.com/ehrlich-b/go-nvmeq/internal/qpair"
)

type (
	QueuePair      = qpair.QueuePair
	QueuePairStats = qpair.Stats
	QueueConfig    = qpair.Config
	Request        = qpair.Request
	RequestPool    = qpair.RequestPool
	CompletionFunc = qpair.CompletionFunc
	Command        = nvme.Command
	Completion     = nvme.Completion
	Opcode         = nvme.Opcode
	StatusCodeType = nvme.StatusCodeType
	StatusCode     = nvme.StatusCode

	Backend            = interfaces.Backend
	DiscardBackend     = interfaces.DiscardBackend
	WriteZeroesBackend = interfaces.WriteZeroesBackend
	Controller         = interfaces.Controller
	Memory             = interfaces.Memory
	Translator         = interfaces.Translator
)

// InvalidAddress is returned by a Translator for memory it cannot map.
const InvalidAddress = interfaces.InvalidAddress

// ConstructQueuePair allocates a queue pair. See qpair.Construct.
func ConstructQueuePair(id uint16, numEntries, numTrackers int, ctrlr Controller, cfg QueueConfig) (*QueuePair, error) {
	q, err := qpair.Construct(id, numEntries, numTrackers, ctrlr, cfg)
	if err != nil {
		return nil, WrapError("CONSTRUCT", err)
	}
	return q, nil
}

// DefaultQueueConfig returns a queue pair config with the default retry
// limit.
func DefaultQueueConfig(mem Memory) QueueConfig {
	return qpair.DefaultConfig(mem)
}

// NewRequestPool returns a pool of reusable requests.
func NewRequestPool() *RequestPool {
	return qpair.NewRequestPool()
}

// IsRetryable reports whether cpl is a transient abort the queue pair
// resubmits.
func IsRetryable(cpl *Completion) bool {
	return nvme.IsRetryable(cpl)
}

// FormatCommand renders cmd submitted on queue qid for logs.
func FormatCommand(qid uint16, cmd *Command) string {
	return nvme.FormatCommand(qid, cmd)
}

// FormatCompletion renders cpl for logs.
func FormatCompletion(cpl *Completion) string {
	return nvme.FormatCompletion(cpl)
}
