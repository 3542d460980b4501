package emu

import "github.com/ehrlich-b/go-nvmeq/internal/nvme"

type fault struct {
	status    uint16
	remaining int
}

// InjectStatus makes the next count I/O commands complete with the given
// status instead of executing. Injections queue up behind each other.
func (d *Device) InjectStatus(sct nvme.StatusCodeType, sc nvme.StatusCode, dnr bool, count int) {
	if count <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = append(d.faults, fault{status: nvme.MakeStatus(sct, sc, dnr), remaining: count})
}

// ClearFaults drops pending injections.
func (d *Device) ClearFaults() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = nil
}

// PendingFaults returns the number of commands still to be failed.
func (d *Device) PendingFaults() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, f := range d.faults {
		n += f.remaining
	}
	return n
}

// takeFault consumes one injection. Called with d.mu held.
func (d *Device) takeFault() (uint16, bool) {
	if len(d.faults) == 0 {
		return 0, false
	}
	f := &d.faults[0]
	st := f.status
	f.remaining--
	if f.remaining == 0 {
		d.faults = d.faults[1:]
	}
	d.stats.Injected++
	return st, true
}
