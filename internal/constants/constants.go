package constants

import "time"

// Queue sizing
const (
	// DefaultQueueEntries is the default number of ring slots per I/O queue
	DefaultQueueEntries = 128

	// DefaultQueueTrackers is the default number of command ids per I/O queue
	DefaultQueueTrackers = 32

	// DefaultAdminQueueEntries is the default admin ring size
	DefaultAdminQueueEntries = 32

	// DefaultAdminQueueTrackers is the default number of admin command ids
	DefaultAdminQueueTrackers = 16

	// MaxQueueEntries bounds ring sizes so indices fit in 16 bits
	MaxQueueEntries = 0xffff

	// DefaultIOQueues is the default number of I/O queue pairs
	DefaultIOQueues = 1
)

// Retry policy
const (
	// DefaultRetryLimit is how often a retryable completion is resubmitted
	DefaultRetryLimit = 1
)

// Namespace defaults for the emulated controller
const (
	// DefaultLBASize is the logical block size in bytes
	DefaultLBASize = 512

	// DefaultNamespaceSize is the default namespace capacity (64MB)
	DefaultNamespaceSize = 64 << 20

	// DefaultMaxTransferSize bounds one command's payload (PRP1 + one list page)
	DefaultMaxTransferSize = 512 * 4096
)

// DMA arena
const (
	// DefaultArenaSize is the default pinned arena size (16MB)
	DefaultArenaSize = 16 << 20

	// DefaultIOVABase is the device address of the first arena byte
	DefaultIOVABase = 0x1_0000_0000

	// BufferPoolDepth is how many idle buffers each pool size bucket keeps
	BufferPoolDepth = 8
)

// Timing constants
const (
	// CompletionPollInterval is how long synchronous helpers sleep between
	// empty completion polls
	CompletionPollInterval = 10 * time.Microsecond

	// DefaultCommandTimeout bounds synchronous helpers
	DefaultCommandTimeout = 5 * time.Second
)
