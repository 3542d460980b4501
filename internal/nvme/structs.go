package nvme

import (
	"sync/atomic"
	"unsafe"
)

// Command is a submission queue entry. Layout matches the 64-byte
// common command format:
//
//	struct nvme_command {
//	  __u8  opc;         // opcode
//	  __u8  flags;       // fuse (bits 0-1), psdt (bits 6-7)
//	  __u16 cid;         // command identifier
//	  __u32 nsid;        // namespace identifier
//	  __u64 rsvd2;
//	  __u64 mptr;        // metadata pointer
//	  __u64 prp1;        // data pointer, entry 1
//	  __u64 prp2;        // data pointer, entry 2 or PRP list
//	  __u32 cdw10..cdw15;
//	};
type Command struct {
	OPC   uint8
	Flags uint8
	CID   uint16
	NSID  uint32
	Rsvd2 uint64
	MPTR  uint64
	PRP1  uint64
	PRP2  uint64
	CDW10 uint32
	CDW11 uint32
	CDW12 uint32
	CDW13 uint32
	CDW14 uint32
	CDW15 uint32
}

// Compile-time size check - one submission slot is 64 bytes
var _ [CommandSize]byte = [unsafe.Sizeof(Command{})]byte{}

// Completion is a completion queue entry (16 bytes).
//
//	struct nvme_completion {
//	  __u32 cdw0;      // command specific
//	  __u32 rsvd1;
//	  __u16 sqhd;      // submission queue head pointer
//	  __u16 sqid;      // submission queue identifier
//	  __u16 cid;       // command identifier
//	  __u16 status;    // p:1 sc:8 sct:3 crd:2 m:1 dnr:1
//	};
type Completion struct {
	CDW0   uint32
	Rsvd1  uint32
	SQHead uint16
	SQID   uint16
	CID    uint16
	Status uint16
}

// Compile-time size check - one completion slot is 16 bytes
var _ [CompletionSize]byte = [unsafe.Sizeof(Completion{})]byte{}

// Status field bit layout
const (
	statusPhaseMask = 0x0001
	statusSCShift   = 1
	statusSCMask    = 0xff
	statusSCTShift  = 9
	statusSCTMask   = 0x7
	statusCRDShift  = 12
	statusCRDMask   = 0x3
	statusMore      = 1 << 14
	statusDNR       = 1 << 15
)

// MakeStatus packs a status field. The phase bit is left clear.
func MakeStatus(sct StatusCodeType, sc StatusCode, dnr bool) uint16 {
	s := uint16(sc)<<statusSCShift | uint16(sct&statusSCTMask)<<statusSCTShift
	if dnr {
		s |= statusDNR
	}
	return s
}

// Phase returns the phase tag of the entry.
func (c *Completion) Phase() uint8 { return uint8(c.Status & statusPhaseMask) }

// SCT returns the status code type.
func (c *Completion) SCT() StatusCodeType {
	return StatusCodeType((c.Status >> statusSCTShift) & statusSCTMask)
}

// SC returns the status code.
func (c *Completion) SC() StatusCode { return StatusCode((c.Status >> statusSCShift) & statusSCMask) }

// CRD returns the command retry delay selector.
func (c *Completion) CRD() uint8 { return uint8((c.Status >> statusCRDShift) & statusCRDMask) }

// More reports whether more status information is available via the error log.
func (c *Completion) More() bool { return c.Status&statusMore != 0 }

// DNR reports the do-not-retry indicator.
func (c *Completion) DNR() bool { return c.Status&statusDNR != 0 }

// IsError reports whether the completion carries anything other than
// generic/success.
func (c *Completion) IsError() bool {
	return c.SCT() != SCTGeneric || c.SC() != SCSuccess
}

// SetStatus replaces SC, SCT and DNR, preserving the phase bit.
func (c *Completion) SetStatus(sct StatusCodeType, sc StatusCode, dnr bool) {
	c.Status = c.Status&statusPhaseMask | MakeStatus(sct, sc, dnr)
}

// statusWord points at dword 3 (CID in the low half, status in the high
// half on little-endian hosts).
func (c *Completion) statusWord() *uint32 {
	return (*uint32)(unsafe.Pointer(&c.CID))
}

// LoadStatusWord atomically reads CID and status. Pollers must observe the
// phase bit through this call before trusting the rest of the entry.
func (c *Completion) LoadStatusWord() (cid uint16, status uint16) {
	w := atomic.LoadUint32(c.statusWord())
	return uint16(w), uint16(w >> 16)
}

// StoreStatusWord atomically publishes CID and status. Producers write the
// remaining fields first.
func (c *Completion) StoreStatusWord(cid uint16, status uint16) {
	atomic.StoreUint32(c.statusWord(), uint32(cid)|uint32(status)<<16)
}

// IdentifyController holds the subset of identify controller data
// the driver consumes. It occupies the first bytes of the 4096-byte page.
type IdentifyController struct {
	VID   uint16
	SSVID uint16
	SN    [20]byte
	MN    [40]byte
	FR    [8]byte
}

// Offsets inside the identify controller page
const (
	identifyVIDOffset   = 0
	identifySSVIDOffset = 2
	identifySNOffset    = 4
	identifyMNOffset    = 24
	identifyFROffset    = 64
	IdentifyDataSize    = 4096
)

// IdentifyNamespace holds the namespace size and the active LBA format.
type IdentifyNamespace struct {
	NSZE  uint64 // size in logical blocks
	NCAP  uint64 // capacity in logical blocks
	NUSE  uint64 // blocks in use
	LBADS uint8  // log2 of the logical block size
}

// Identify CNS values (CDW10 bits 0-7)
const (
	CNSNamespace  = 0x00
	CNSController = 0x01
)

const (
	identifyNSZEOffset  = 0
	identifyNCAPOffset  = 8
	identifyNUSEOffset  = 16
	identifyFLBASOffset = 26
	identifyLBAF0Offset = 128
)

// BlockSize returns the logical block size in bytes.
func (ns *IdentifyNamespace) BlockSize() int { return 1 << ns.LBADS }
