package nvme

import (
	"encoding/binary"
	"fmt"
	"strings"
)

type opcodeName struct {
	opc  Opcode
	name string
}

var adminOpcodes = []opcodeName{
	{AdminDeleteSQ, "DELETE SQ"},
	{AdminCreateSQ, "CREATE SQ"},
	{AdminGetLogPage, "GET LOG PAGE"},
	{AdminDeleteCQ, "DELETE CQ"},
	{AdminCreateCQ, "CREATE CQ"},
	{AdminIdentify, "IDENTIFY"},
	{AdminAbort, "ABORT"},
	{AdminSetFeatures, "SET FEATURES"},
	{AdminGetFeatures, "GET FEATURES"},
	{AdminAsyncEventRequest, "ASYNC EVENT REQUEST"},
	{AdminNamespaceMgmt, "NAMESPACE MANAGEMENT"},
	{AdminFirmwareCommit, "FIRMWARE COMMIT"},
	{AdminFirmwareDownload, "FIRMWARE IMAGE DOWNLOAD"},
	{AdminNamespaceAttach, "NAMESPACE ATTACHMENT"},
	{AdminFormatNVM, "FORMAT NVM"},
	{AdminSecuritySend, "SECURITY SEND"},
	{AdminSecurityReceive, "SECURITY RECEIVE"},
}

var ioOpcodes = []opcodeName{
	{IOFlush, "FLUSH"},
	{IOWrite, "WRITE"},
	{IORead, "READ"},
	{IOWriteUncorrectable, "WRITE UNCORRECTABLE"},
	{IOCompare, "COMPARE"},
	{IOWriteZeroes, "WRITE ZEROES"},
	{IODatasetManagement, "DATASET MANAGEMENT"},
	{IOReservationRegister, "RESERVATION REGISTER"},
	{IOReservationReport, "RESERVATION REPORT"},
	{IOReservationAcquire, "RESERVATION ACQUIRE"},
	{IOReservationRelease, "RESERVATION RELEASE"},
}

func lookupOpcode(table []opcodeName, opc Opcode, fallback string) string {
	for _, e := range table {
		if e.opc == opc {
			return e.name
		}
	}
	return fallback
}

// OpcodeName decodes opc using the admin table for queue 0 and the I/O
// table for every other queue.
func OpcodeName(qid uint16, opc Opcode) string {
	if qid == 0 {
		return lookupOpcode(adminOpcodes, opc, "ADMIN COMMAND")
	}
	return lookupOpcode(ioOpcodes, opc, "IO COMMAND")
}

type statusName struct {
	sc   StatusCode
	name string
}

var genericStatus = []statusName{
	{SCSuccess, "SUCCESS"},
	{SCInvalidOpcode, "INVALID OPCODE"},
	{SCInvalidField, "INVALID FIELD"},
	{SCCommandIDConflict, "COMMAND ID CONFLICT"},
	{SCDataTransferError, "DATA TRANSFER ERROR"},
	{SCAbortedPowerLoss, "ABORTED - POWER LOSS"},
	{SCInternalDeviceError, "INTERNAL DEVICE ERROR"},
	{SCAbortedByRequest, "ABORTED - BY REQUEST"},
	{SCAbortedSQDeletion, "ABORTED - SQ DELETION"},
	{SCAbortedFailedFused, "ABORTED - FAILED FUSED"},
	{SCAbortedMissingFused, "ABORTED - MISSING FUSED"},
	{SCInvalidNamespaceOrFormat, "INVALID NAMESPACE OR FORMAT"},
	{SCCommandSequenceError, "COMMAND SEQUENCE ERROR"},
	{SCLBAOutOfRange, "LBA OUT OF RANGE"},
	{SCCapacityExceeded, "CAPACITY EXCEEDED"},
	{SCNamespaceNotReady, "NAMESPACE NOT READY"},
}

var commandSpecificStatus = []statusName{
	{SCCompletionQueueInvalid, "INVALID COMPLETION QUEUE"},
	{SCInvalidQueueIdentifier, "INVALID QUEUE IDENTIFIER"},
	{SCMaximumQueueSizeExceeded, "MAX QUEUE SIZE EXCEEDED"},
	{SCAbortCommandLimitExceeded, "ABORT CMD LIMIT EXCEEDED"},
	{SCAsyncEventRequestLimit, "ASYNC LIMIT EXCEEDED"},
	{SCInvalidFirmwareSlot, "INVALID FIRMWARE SLOT"},
	{SCInvalidFirmwareImage, "INVALID FIRMWARE IMAGE"},
	{SCInvalidInterruptVector, "INVALID INTERRUPT VECTOR"},
	{SCInvalidLogPage, "INVALID LOG PAGE"},
	{SCInvalidFormat, "INVALID FORMAT"},
	{SCConflictingAttributes, "CONFLICTING ATTRIBUTES"},
	{SCInvalidProtectionInfo, "INVALID PROTECTION INFO"},
	{SCAttemptedWriteToRO, "WRITE TO RO PAGE"},
}

var mediaStatus = []statusName{
	{SCWriteFaults, "WRITE FAULTS"},
	{SCUnrecoveredReadError, "UNRECOVERED READ ERROR"},
	{SCGuardCheckError, "GUARD CHECK ERROR"},
	{SCApplicationTagCheckError, "APPLICATION TAG CHECK ERROR"},
	{SCReferenceTagCheckError, "REFERENCE TAG CHECK ERROR"},
	{SCCompareFailure, "COMPARE FAILURE"},
	{SCAccessDenied, "ACCESS DENIED"},
}

// StatusString decodes a status code type and code pair.
func StatusString(sct StatusCodeType, sc StatusCode) string {
	var table []statusName
	switch sct {
	case SCTGeneric:
		table = genericStatus
	case SCTCommandSpecific:
		table = commandSpecificStatus
	case SCTMediaError:
		table = mediaStatus
	case SCTVendorSpecific:
		return "VENDOR SPECIFIC"
	default:
		return "RESERVED"
	}
	for _, e := range table {
		if e.sc == sc {
			return e.name
		}
	}
	return "RESERVED"
}

// FormatCommand renders a submission entry for diagnostics.
func FormatCommand(qid uint16, cmd *Command) string {
	name := OpcodeName(qid, Opcode(cmd.OPC))
	if qid != 0 {
		switch Opcode(cmd.OPC) {
		case IORead, IOWrite, IOCompare, IOWriteZeroes:
			return fmt.Sprintf("%s sqid:%d cid:%d nsid:%x lba:%d len:%d",
				name, qid, cmd.CID, cmd.NSID, cmd.StartLBA(), cmd.NumBlocks())
		}
	}
	return fmt.Sprintf("%s (%02x) sqid:%d cid:%d nsid:%x cdw10:%08x cdw11:%08x",
		name, cmd.OPC, qid, cmd.CID, cmd.NSID, cmd.CDW10, cmd.CDW11)
}

// FormatCompletion renders a completion entry for diagnostics.
func FormatCompletion(cpl *Completion) string {
	return fmt.Sprintf("%s (%02x/%02x) sqid:%d cid:%d cdw0:%x sqhd:%04x p:%d m:%d dnr:%d",
		StatusString(cpl.SCT(), cpl.SC()), uint8(cpl.SCT()), uint8(cpl.SC()),
		cpl.SQID, cpl.CID, cpl.CDW0, cpl.SQHead, cpl.Phase(), b2i(cpl.More()), b2i(cpl.DNR()))
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// StartLBA returns the starting LBA of a read/write style command.
func (c *Command) StartLBA() uint64 {
	return uint64(c.CDW11)<<32 | uint64(c.CDW10)
}

// NumBlocks returns the number of logical blocks (NLB is zero based).
func (c *Command) NumBlocks() uint32 {
	return c.CDW12&0xffff + 1
}

// SetLBA encodes the starting LBA and block count of a read/write style command.
func (c *Command) SetLBA(lba uint64, blocks uint32) {
	c.CDW10 = uint32(lba)
	c.CDW11 = uint32(lba >> 32)
	c.CDW12 = c.CDW12&^0xffff | (blocks-1)&0xffff
}

// ParseIdentifyController extracts the identify fields from a 4096-byte page.
func ParseIdentifyController(page []byte) (IdentifyController, error) {
	var id IdentifyController
	if len(page) < identifyFROffset+len(id.FR) {
		return id, fmt.Errorf("identify data too short: %d bytes", len(page))
	}
	id.VID = uint16(page[identifyVIDOffset]) | uint16(page[identifyVIDOffset+1])<<8
	id.SSVID = uint16(page[identifySSVIDOffset]) | uint16(page[identifySSVIDOffset+1])<<8
	copy(id.SN[:], page[identifySNOffset:])
	copy(id.MN[:], page[identifyMNOffset:])
	copy(id.FR[:], page[identifyFROffset:])
	return id, nil
}

// EncodeIdentifyController writes id into page.
func EncodeIdentifyController(page []byte, id *IdentifyController) {
	page[identifyVIDOffset] = byte(id.VID)
	page[identifyVIDOffset+1] = byte(id.VID >> 8)
	page[identifySSVIDOffset] = byte(id.SSVID)
	page[identifySSVIDOffset+1] = byte(id.SSVID >> 8)
	copy(page[identifySNOffset:identifySNOffset+len(id.SN)], id.SN[:])
	copy(page[identifyMNOffset:identifyMNOffset+len(id.MN)], id.MN[:])
	copy(page[identifyFROffset:identifyFROffset+len(id.FR)], id.FR[:])
}

// Model returns the model number with trailing padding removed.
func (id *IdentifyController) Model() string {
	return strings.TrimRight(string(id.MN[:]), " \x00")
}

// Serial returns the serial number with trailing padding removed.
func (id *IdentifyController) Serial() string {
	return strings.TrimRight(string(id.SN[:]), " \x00")
}

// ParseIdentifyNamespace extracts size and LBA format 0 from a namespace page.
func ParseIdentifyNamespace(page []byte) (IdentifyNamespace, error) {
	var ns IdentifyNamespace
	if len(page) < identifyLBAF0Offset+4 {
		return ns, fmt.Errorf("identify namespace data too short: %d bytes", len(page))
	}
	ns.NSZE = binary.LittleEndian.Uint64(page[identifyNSZEOffset:])
	ns.NCAP = binary.LittleEndian.Uint64(page[identifyNCAPOffset:])
	ns.NUSE = binary.LittleEndian.Uint64(page[identifyNUSEOffset:])
	fmtIdx := int(page[identifyFLBASOffset] & 0xf)
	off := identifyLBAF0Offset + 4*fmtIdx
	if len(page) < off+4 {
		return ns, fmt.Errorf("identify namespace: lba format %d out of range", fmtIdx)
	}
	ns.LBADS = page[off+2]
	return ns, nil
}

// EncodeIdentifyNamespace writes ns into page using LBA format 0.
func EncodeIdentifyNamespace(page []byte, ns *IdentifyNamespace) {
	binary.LittleEndian.PutUint64(page[identifyNSZEOffset:], ns.NSZE)
	binary.LittleEndian.PutUint64(page[identifyNCAPOffset:], ns.NCAP)
	binary.LittleEndian.PutUint64(page[identifyNUSEOffset:], ns.NUSE)
	page[identifyFLBASOffset] = 0
	page[identifyLBAF0Offset+2] = ns.LBADS
}
