package interfaces

// InvalidAddress is returned by Translate when a buffer has no
// device-visible mapping. No legitimate device address equals it.
const InvalidAddress = ^uint64(0)

// Translator maps a host buffer to the address a device uses to DMA it.
type Translator interface {
	// Translate returns the device address of buf[0], or InvalidAddress.
	Translate(buf []byte) uint64
}

// Memory is the allocate/translate contract queue pairs use for ring and
// PRP list memory. Allocations are page aligned and zeroed.
type Memory interface {
	Translator
	Alloc(size int) ([]byte, error)
	Free(buf []byte)
}

// Controller is what a queue pair needs from its owning controller.
// Failed and Resetting must be cheap and free of side effects.
type Controller interface {
	Failed() bool
	Resetting() bool

	// RingDoorbell publishes a new submission queue tail for qid.
	RingDoorbell(qid uint16, tail uint16)
}

// CompletionDoorbell is implemented by controllers that want to be told
// when completion queue entries have been consumed.
type CompletionDoorbell interface {
	RingCompletionDoorbell(qid uint16, head uint16)
}
