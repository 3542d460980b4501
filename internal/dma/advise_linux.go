package dma

import "golang.org/x/sys/unix"

// adviseNoFork keeps the arena out of forked children so device addresses
// are never shared with a copy-on-write mapping.
func adviseNoFork(mem []byte) {
	_ = unix.Madvise(mem, unix.MADV_DONTFORK)
}
