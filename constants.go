package nvmeq

import "github.com/ehrlich-b/go-nvmeq/internal/constants"

// Re-export constants for public API
const (
	DefaultQueueEntries       = constants.DefaultQueueEntries
	DefaultQueueTrackers      = constants.DefaultQueueTrackers
	DefaultAdminQueueEntries  = constants.DefaultAdminQueueEntries
	DefaultAdminQueueTrackers = constants.DefaultAdminQueueTrackers
	DefaultIOQueues           = constants.DefaultIOQueues
	DefaultRetryLimit         = constants.DefaultRetryLimit
	DefaultLBASize            = constants.DefaultLBASize
	DefaultNamespaceSize      = constants.DefaultNamespaceSize
	DefaultMaxTransferSize    = constants.DefaultMaxTransferSize
	DefaultArenaSize          = constants.DefaultArenaSize
	DefaultCommandTimeout     = constants.DefaultCommandTimeout
	MaxQueueEntries           = constants.MaxQueueEntries
)
