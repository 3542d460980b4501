// Package nvme holds the NVMe wire structures, opcode and status tables,
// the completion classifier and human-readable decoding used for
// diagnostics.
package nvme

// Entry sizes
const (
	CommandSize    = 64
	CompletionSize = 16

	// PageSize is the memory page size used for PRP entries.
	PageSize = 4096
)

// Opcode is a command opcode. Its meaning depends on the queue it is
// submitted to.
type Opcode uint8

// Admin command opcodes (queue 0)
const (
	AdminDeleteSQ          Opcode = 0x00
	AdminCreateSQ          Opcode = 0x01
	AdminGetLogPage        Opcode = 0x02
	AdminDeleteCQ          Opcode = 0x04
	AdminCreateCQ          Opcode = 0x05
	AdminIdentify          Opcode = 0x06
	AdminAbort             Opcode = 0x08
	AdminSetFeatures       Opcode = 0x09
	AdminGetFeatures       Opcode = 0x0a
	AdminAsyncEventRequest Opcode = 0x0c
	AdminNamespaceMgmt     Opcode = 0x0d
	AdminFirmwareCommit    Opcode = 0x10
	AdminFirmwareDownload  Opcode = 0x11
	AdminNamespaceAttach   Opcode = 0x15
	AdminFormatNVM         Opcode = 0x80
	AdminSecuritySend      Opcode = 0x81
	AdminSecurityReceive   Opcode = 0x82
)

// I/O command opcodes (queues 1..n)
const (
	IOFlush               Opcode = 0x00
	IOWrite               Opcode = 0x01
	IORead                Opcode = 0x02
	IOWriteUncorrectable  Opcode = 0x04
	IOCompare             Opcode = 0x05
	IOWriteZeroes         Opcode = 0x08
	IODatasetManagement   Opcode = 0x09
	IOReservationRegister Opcode = 0x0d
	IOReservationReport   Opcode = 0x0e
	IOReservationAcquire  Opcode = 0x11
	IOReservationRelease  Opcode = 0x15
)

// StatusCodeType is the SCT field of a completion.
type StatusCodeType uint8

const (
	SCTGeneric         StatusCodeType = 0x0
	SCTCommandSpecific StatusCodeType = 0x1
	SCTMediaError      StatusCodeType = 0x2
	SCTPath            StatusCodeType = 0x3
	SCTVendorSpecific  StatusCodeType = 0x7
)

// StatusCode is the SC field of a completion. Values overlap between types.
type StatusCode uint8

// Generic command status codes
const (
	SCSuccess                  StatusCode = 0x00
	SCInvalidOpcode            StatusCode = 0x01
	SCInvalidField             StatusCode = 0x02
	SCCommandIDConflict        StatusCode = 0x03
	SCDataTransferError        StatusCode = 0x04
	SCAbortedPowerLoss         StatusCode = 0x05
	SCInternalDeviceError      StatusCode = 0x06
	SCAbortedByRequest         StatusCode = 0x07
	SCAbortedSQDeletion        StatusCode = 0x08
	SCAbortedFailedFused       StatusCode = 0x09
	SCAbortedMissingFused      StatusCode = 0x0a
	SCInvalidNamespaceOrFormat StatusCode = 0x0b
	SCCommandSequenceError     StatusCode = 0x0c
	SCLBAOutOfRange            StatusCode = 0x80
	SCCapacityExceeded         StatusCode = 0x81
	SCNamespaceNotReady        StatusCode = 0x82
)

// Command specific status codes
const (
	SCCompletionQueueInvalid    StatusCode = 0x00
	SCInvalidQueueIdentifier    StatusCode = 0x01
	SCMaximumQueueSizeExceeded  StatusCode = 0x02
	SCAbortCommandLimitExceeded StatusCode = 0x03
	SCAsyncEventRequestLimit    StatusCode = 0x05
	SCInvalidFirmwareSlot       StatusCode = 0x06
	SCInvalidFirmwareImage      StatusCode = 0x07
	SCInvalidInterruptVector    StatusCode = 0x08
	SCInvalidLogPage            StatusCode = 0x09
	SCInvalidFormat             StatusCode = 0x0a
	SCConflictingAttributes     StatusCode = 0x80
	SCInvalidProtectionInfo     StatusCode = 0x81
	SCAttemptedWriteToRO        StatusCode = 0x82
)

// Media error status codes
const (
	SCWriteFaults              StatusCode = 0x80
	SCUnrecoveredReadError     StatusCode = 0x81
	SCGuardCheckError          StatusCode = 0x82
	SCApplicationTagCheckError StatusCode = 0x83
	SCReferenceTagCheckError   StatusCode = 0x84
	SCCompareFailure           StatusCode = 0x85
	SCAccessDenied             StatusCode = 0x86
)

// Dataset management attributes (CDW11)
const (
	DSMAttrDeallocate = 1 << 2
)

// DSMRange is one entry of a dataset management range list.
type DSMRange struct {
	Attributes uint32
	Length     uint32 // in logical blocks
	StartLBA   uint64
}

// DSMRangeSize is the wire size of a DSMRange.
const DSMRangeSize = 16
