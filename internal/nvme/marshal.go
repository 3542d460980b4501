package nvme

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// MarshalError is returned for short buffers.
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
	ErrShortBuffer      MarshalError = "buffer too small for marshaling"
)

// MarshalCommand writes cmd into buf in wire order.
func MarshalCommand(buf []byte, cmd *Command) error {
	if len(buf) < CommandSize {
		return ErrShortBuffer
	}

	buf[0] = cmd.OPC
	buf[1] = cmd.Flags
	binary.LittleEndian.PutUint16(buf[2:4], cmd.CID)
	binary.LittleEndian.PutUint32(buf[4:8], cmd.NSID)
	binary.LittleEndian.PutUint64(buf[8:16], cmd.Rsvd2)
	binary.LittleEndian.PutUint64(buf[16:24], cmd.MPTR)
	binary.LittleEndian.PutUint64(buf[24:32], cmd.PRP1)
	binary.LittleEndian.PutUint64(buf[32:40], cmd.PRP2)
	binary.LittleEndian.PutUint32(buf[40:44], cmd.CDW10)
	binary.LittleEndian.PutUint32(buf[44:48], cmd.CDW11)
	binary.LittleEndian.PutUint32(buf[48:52], cmd.CDW12)
	binary.LittleEndian.PutUint32(buf[52:56], cmd.CDW13)
	binary.LittleEndian.PutUint32(buf[56:60], cmd.CDW14)
	binary.LittleEndian.PutUint32(buf[60:64], cmd.CDW15)

	return nil
}

// UnmarshalCommand reads a submission entry from data.
func UnmarshalCommand(data []byte, cmd *Command) error {
	if len(data) < CommandSize {
		return ErrInsufficientData
	}

	cmd.OPC = data[0]
	cmd.Flags = data[1]
	cmd.CID = binary.LittleEndian.Uint16(data[2:4])
	cmd.NSID = binary.LittleEndian.Uint32(data[4:8])
	cmd.Rsvd2 = binary.LittleEndian.Uint64(data[8:16])
	cmd.MPTR = binary.LittleEndian.Uint64(data[16:24])
	cmd.PRP1 = binary.LittleEndian.Uint64(data[24:32])
	cmd.PRP2 = binary.LittleEndian.Uint64(data[32:40])
	cmd.CDW10 = binary.LittleEndian.Uint32(data[40:44])
	cmd.CDW11 = binary.LittleEndian.Uint32(data[44:48])
	cmd.CDW12 = binary.LittleEndian.Uint32(data[48:52])
	cmd.CDW13 = binary.LittleEndian.Uint32(data[52:56])
	cmd.CDW14 = binary.LittleEndian.Uint32(data[56:60])
	cmd.CDW15 = binary.LittleEndian.Uint32(data[60:64])

	return nil
}

// UnmarshalCompletion reads a completion entry from data. The status word is
// loaded atomically.
func UnmarshalCompletion(data []byte, cpl *Completion) error {
	if len(data) < CompletionSize {
		return ErrInsufficientData
	}

	w := atomic.LoadUint32((*uint32)(unsafe.Pointer(&data[12])))
	cpl.CDW0 = binary.LittleEndian.Uint32(data[0:4])
	cpl.Rsvd1 = binary.LittleEndian.Uint32(data[4:8])
	cpl.SQHead = binary.LittleEndian.Uint16(data[8:10])
	cpl.SQID = binary.LittleEndian.Uint16(data[10:12])
	cpl.CID = uint16(w)
	cpl.Status = uint16(w >> 16)

	return nil
}

// PublishCompletion writes cpl into a completion slot. Dwords 0-2 are written
// first; dword 3, which carries the phase tag, is stored last and atomically
// so a poller that observes the new phase also observes the rest of the entry.
func PublishCompletion(slot []byte, cpl *Completion) error {
	if len(slot) < CompletionSize {
		return ErrShortBuffer
	}

	binary.LittleEndian.PutUint32(slot[0:4], cpl.CDW0)
	binary.LittleEndian.PutUint32(slot[4:8], cpl.Rsvd1)
	binary.LittleEndian.PutUint16(slot[8:10], cpl.SQHead)
	binary.LittleEndian.PutUint16(slot[10:12], cpl.SQID)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&slot[12])), uint32(cpl.CID)|uint32(cpl.Status)<<16)

	return nil
}

// UnmarshalDSMRange reads one dataset management range.
func UnmarshalDSMRange(data []byte, r *DSMRange) error {
	if len(data) < DSMRangeSize {
		return ErrInsufficientData
	}

	r.Attributes = binary.LittleEndian.Uint32(data[0:4])
	r.Length = binary.LittleEndian.Uint32(data[4:8])
	r.StartLBA = binary.LittleEndian.Uint64(data[8:16])

	return nil
}

// MarshalDSMRange writes one dataset management range.
func MarshalDSMRange(buf []byte, r *DSMRange) error {
	if len(buf) < DSMRangeSize {
		return ErrShortBuffer
	}

	binary.LittleEndian.PutUint32(buf[0:4], r.Attributes)
	binary.LittleEndian.PutUint32(buf[4:8], r.Length)
	binary.LittleEndian.PutUint64(buf[8:16], r.StartLBA)

	return nil
}
