package emu

import (
	"encoding/binary"
	"io"

	"github.com/ehrlich-b/go-nvmeq/internal/interfaces"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

const (
	namespaceID   = 1
	broadcastNSID = 0xffffffff

	// Get/Set Features identifier for the number of queues
	featureNumQueues = 0x07
)

func status(sct nvme.StatusCodeType, sc nvme.StatusCode, dnr bool) uint16 {
	return nvme.MakeStatus(sct, sc, dnr)
}

var (
	statusInvalidOpcode = status(nvme.SCTGeneric, nvme.SCInvalidOpcode, true)
	statusInvalidField  = status(nvme.SCTGeneric, nvme.SCInvalidField, true)
	statusInvalidNS     = status(nvme.SCTGeneric, nvme.SCInvalidNamespaceOrFormat, true)
	statusLBARange      = status(nvme.SCTGeneric, nvme.SCLBAOutOfRange, true)
	statusTransfer      = status(nvme.SCTGeneric, nvme.SCDataTransferError, true)
	statusInternal      = status(nvme.SCTGeneric, nvme.SCInternalDeviceError, false)
	statusReadError     = status(nvme.SCTMediaError, nvme.SCUnrecoveredReadError, false)
	statusWriteFault    = status(nvme.SCTMediaError, nvme.SCWriteFaults, false)
)

// execute runs one command and returns CDW0 and the status field.
func (d *Device) execute(qid uint16, cmd *nvme.Command) (uint32, uint16) {
	if qid == 0 {
		return d.admin(cmd)
	}
	if st, ok := d.takeFault(); ok {
		return 0, st
	}

	op := nvme.Opcode(cmd.OPC)
	if cmd.NSID != namespaceID && !(op == nvme.IOFlush && cmd.NSID == broadcastNSID) {
		return 0, statusInvalidNS
	}

	switch op {
	case nvme.IOFlush:
		if err := d.backend.Flush(); err != nil {
			d.logger.Error("backend flush failed", "error", err)
			return 0, statusInternal
		}
		return 0, 0
	case nvme.IORead:
		return 0, d.readWrite(cmd, false)
	case nvme.IOWrite:
		return 0, d.readWrite(cmd, true)
	case nvme.IOWriteZeroes:
		return 0, d.writeZeroes(cmd)
	case nvme.IODatasetManagement:
		return 0, d.datasetManagement(cmd)
	default:
		return 0, statusInvalidOpcode
	}
}

func (d *Device) admin(cmd *nvme.Command) (uint32, uint16) {
	switch nvme.Opcode(cmd.OPC) {
	case nvme.AdminIdentify:
		return 0, d.identify(cmd)
	case nvme.AdminGetFeatures, nvme.AdminSetFeatures:
		if cmd.CDW10&0xff != featureNumQueues {
			return 0, statusInvalidField
		}
		// Zero-based counts of submission and completion queues.
		n := uint32(0)
		if len(d.queues) > 1 {
			n = uint32(len(d.queues) - 2)
		}
		return n | n<<16, 0
	case nvme.AdminAbort:
		// Bit 0 set: the command was not aborted.
		return 1, 0
	default:
		return 0, statusInvalidOpcode
	}
}

func (d *Device) identify(cmd *nvme.Command) uint16 {
	segs, ok := d.segments(cmd.PRP1, cmd.PRP2, nvme.IdentifyDataSize)
	if !ok {
		return statusTransfer
	}

	page := make([]byte, nvme.IdentifyDataSize)
	switch cmd.CDW10 & 0xff {
	case nvme.CNSController:
		nvme.EncodeIdentifyController(page, &d.ident)
	case nvme.CNSNamespace:
		if cmd.NSID != namespaceID {
			return statusInvalidNS
		}
		ns := nvme.IdentifyNamespace{NSZE: d.nlb, NCAP: d.nlb, NUSE: d.nlb, LBADS: d.lbaShift}
		nvme.EncodeIdentifyNamespace(page, &ns)
	default:
		return statusInvalidField
	}

	for _, seg := range segs {
		page = page[copy(seg, page):]
	}
	return 0
}

// checkRange validates an LBA range and converts it to bytes.
func (d *Device) checkRange(slba, nlb uint64) (off, length int64, ok bool) {
	end := slba + nlb
	if end < slba || end > d.nlb {
		return 0, 0, false
	}
	return int64(slba) << d.lbaShift, int64(nlb) << d.lbaShift, true
}

func (d *Device) readWrite(cmd *nvme.Command, write bool) uint16 {
	off, length, ok := d.checkRange(cmd.StartLBA(), uint64(cmd.NumBlocks()))
	if !ok {
		return statusLBARange
	}
	segs, ok := d.segments(cmd.PRP1, cmd.PRP2, int(length))
	if !ok {
		return statusTransfer
	}

	for _, seg := range segs {
		var n int
		var err error
		if write {
			n, err = d.backend.WriteAt(seg, off)
		} else {
			n, err = d.backend.ReadAt(seg, off)
			if err == io.EOF && n == len(seg) {
				err = nil
			}
		}
		if err == nil && n < len(seg) {
			err = io.ErrShortBuffer
		}
		if err != nil {
			d.logger.Error("backend I/O failed", "write", write, "offset", off, "error", err)
			if write {
				return statusWriteFault
			}
			return statusReadError
		}
		off += int64(n)
	}

	if write {
		d.stats.BytesWritten += uint64(length)
	} else {
		d.stats.BytesRead += uint64(length)
	}
	return 0
}

func (d *Device) writeZeroes(cmd *nvme.Command) uint16 {
	off, length, ok := d.checkRange(cmd.StartLBA(), uint64(cmd.NumBlocks()))
	if !ok {
		return statusLBARange
	}

	if wz, ok := d.backend.(interfaces.WriteZeroesBackend); ok {
		if err := wz.WriteZeroes(off, length); err != nil {
			d.logger.Error("backend write zeroes failed", "error", err)
			return statusWriteFault
		}
		return 0
	}

	zero := make([]byte, min(length, 64<<10))
	for length > 0 {
		chunk := zero[:min(int64(len(zero)), length)]
		if _, err := d.backend.WriteAt(chunk, off); err != nil {
			d.logger.Error("backend write zeroes failed", "error", err)
			return statusWriteFault
		}
		off += int64(len(chunk))
		length -= int64(len(chunk))
	}
	return 0
}

// datasetManagement handles deallocate. Other attributes are hints and
// succeed without effect.
func (d *Device) datasetManagement(cmd *nvme.Command) uint16 {
	nr := int(cmd.CDW10&0xff) + 1
	segs, ok := d.segments(cmd.PRP1, cmd.PRP2, nr*nvme.DSMRangeSize)
	if !ok {
		return statusTransfer
	}
	raw := make([]byte, 0, nr*nvme.DSMRangeSize)
	for _, seg := range segs {
		raw = append(raw, seg...)
	}

	ranges := make([]nvme.DSMRange, nr)
	for i := range ranges {
		_ = nvme.UnmarshalDSMRange(raw[i*nvme.DSMRangeSize:], &ranges[i])
		if _, _, ok := d.checkRange(ranges[i].StartLBA, uint64(ranges[i].Length)); !ok {
			return statusLBARange
		}
	}

	if cmd.CDW11&nvme.DSMAttrDeallocate == 0 {
		return 0
	}
	discard, ok := d.backend.(interfaces.DiscardBackend)
	if !ok {
		return 0
	}
	for _, r := range ranges {
		off, length, _ := d.checkRange(r.StartLBA, uint64(r.Length))
		if err := discard.Discard(off, length); err != nil {
			d.logger.Error("backend discard failed", "error", err)
			return statusInternal
		}
	}
	return 0
}

// segments resolves the PRP entries of a transfer of length bytes into host
// memory, one slice per page.
func (d *Device) segments(prp1, prp2 uint64, length int) ([][]byte, bool) {
	if length == 0 {
		return nil, true
	}

	first := nvme.PageSize - int(prp1&(nvme.PageSize-1))
	if first > length {
		first = length
	}
	seg, ok := d.mem.Resolve(prp1, first)
	if !ok {
		return nil, false
	}
	segs := [][]byte{seg}
	remaining := length - first
	if remaining == 0 {
		return segs, true
	}

	if remaining <= nvme.PageSize {
		seg, ok = d.mem.Resolve(prp2, remaining)
		if !ok {
			return nil, false
		}
		return append(segs, seg), true
	}

	entries := (remaining + nvme.PageSize - 1) / nvme.PageSize
	if entries > nvme.PageSize/8 || prp2&(nvme.PageSize-1) != 0 {
		// Chained PRP lists are not supported.
		return nil, false
	}
	list, ok := d.mem.Resolve(prp2, entries*8)
	if !ok {
		return nil, false
	}
	for i := 0; i < entries; i++ {
		addr := binary.LittleEndian.Uint64(list[i*8:])
		n := min(remaining, nvme.PageSize)
		if addr&(nvme.PageSize-1) != 0 {
			return nil, false
		}
		seg, ok = d.mem.Resolve(addr, n)
		if !ok {
			return nil, false
		}
		segs = append(segs, seg)
		remaining -= n
	}
	return segs, true
}
