package ctrl

import (
	"github.com/ehrlich-b/go-nvmeq/internal/constants"
	"github.com/ehrlich-b/go-nvmeq/internal/logging"
)

// Params configures a controller.
type Params struct {
	// ID identifies the controller in logs and errors.
	ID uint32

	// NumIOQueues is the number of I/O queues besides the admin queue.
	NumIOQueues int

	Logger *logging.Logger
}

// DefaultParams returns params for a controller with the default number of
// I/O queues.
func DefaultParams(id uint32) Params {
	return Params{
		ID:          id,
		NumIOQueues: constants.DefaultIOQueues,
	}
}

// State is the controller lifecycle state as seen by queue pairs.
type State int

const (
	StateLive State = iota
	StateResetting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateResetting:
		return "resetting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Info is a snapshot of controller state.
type Info struct {
	ID        uint32 `json:"id"`
	State     string `json:"state"`
	NumQueues int    `json:"num_queues"`
	Resets    uint64 `json:"resets"`
	Doorbells uint64 `json:"doorbells"`
}
