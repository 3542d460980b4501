package uring

import "sync/atomic"

// barrierDummy is the target of the fence operations below.
var barrierDummy int64

// Sfence orders ring slot stores before the doorbell write that publishes
// them. atomic.AddInt64 compiles to LOCK XADD on x86-64, a full fence.
func Sfence() {
	atomic.AddInt64(&barrierDummy, 0)
}

// Mfence is a full fence, used before reading completion entries that a
// device published concurrently.
func Mfence() {
	atomic.AddInt64(&barrierDummy, 0)
}
