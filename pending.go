package nvmeq

import (
	"sync"

	"github.com/ehrlich-b/go-nvmeq/internal/interfaces"
)

// pendingDMA tracks buffers still targeted by commands that a blocking
// helper stopped waiting for. The controller may write into such a buffer
// until the command completes, so FreeBuffer holds it back until then.
type pendingDMA struct {
	mu   sync.Mutex
	cmds map[uint64]int    // payload device address -> abandoned commands
	held map[uint64][]byte // buffer base address -> buffer freed by the caller
}

func newPendingDMA() *pendingDMA {
	return &pendingDMA{
		cmds: make(map[uint64]int),
		held: make(map[uint64][]byte),
	}
}

// abandon records a command on the ring whose payload starts at addr.
func (p *pendingDMA) abandon(addr uint64) {
	p.mu.Lock()
	p.cmds[addr]++
	p.mu.Unlock()
}

// settle records that the command for addr completed and returns the held
// buffers no abandoned command targets anymore.
func (p *pendingDMA) settle(addr uint64) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmds[addr] <= 1 {
		delete(p.cmds, addr)
	} else {
		p.cmds[addr]--
	}

	var release [][]byte
	for base, buf := range p.held {
		if !p.targetedLocked(base, cap(buf)) {
			delete(p.held, base)
			release = append(release, buf)
		}
	}
	return release
}

// hold keeps buf, based at base, if an abandoned command still targets it.
func (p *pendingDMA) hold(base uint64, buf []byte) bool {
	if base == interfaces.InvalidAddress {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.targetedLocked(base, cap(buf)) {
		return false
	}
	p.held[base] = buf
	return true
}

func (p *pendingDMA) targetedLocked(base uint64, n int) bool {
	end := base + uint64(n)
	for addr := range p.cmds {
		if addr >= base && addr < end {
			return true
		}
	}
	return false
}

// Held returns the number of freed buffers waiting on abandoned commands.
func (p *pendingDMA) Held() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held)
}
