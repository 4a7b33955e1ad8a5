package kci

import "encoding/binary"

// ReverseFlag marks a response's sequence number as a device-originated
// reverse notification rather than the echo of a host command. Host
// commands never carry it.
const ReverseFlag uint64 = 1 << 63

// Fixed wire element sizes in bytes. Ring capacities are counted in
// elements; the backing memory is capacity times these.
const (
	CommandElementSize  = 32
	ResponseElementSize = 16
)

// CommandCode identifies a host-to-firmware command.
type CommandCode uint32

// Command codes. Wire-level contract; values must match the firmware.
const (
	CodeAck            CommandCode = 0
	CodeUnmapBuffer    CommandCode = 1
	CodeMapLogBuffer   CommandCode = 2
	CodeJoinGroup      CommandCode = 3
	CodeLeaveGroup     CommandCode = 4
	CodeMapTraceBuffer CommandCode = 5
	CodeFirmwareInfo   CommandCode = 6
	CodeShutdown       CommandCode = 7
	CodeGetUsage       CommandCode = 8
	CodeGetDebugDump   CommandCode = 9
	CodeOpenDevice     CommandCode = 10
	CodeCloseDevice    CommandCode = 11
)

func (c CommandCode) String() string {
	switch c {
	case CodeAck:
		return "ACK"
	case CodeUnmapBuffer:
		return "UNMAP_BUFFER"
	case CodeMapLogBuffer:
		return "MAP_LOG_BUFFER"
	case CodeJoinGroup:
		return "JOIN_GROUP"
	case CodeLeaveGroup:
		return "LEAVE_GROUP"
	case CodeMapTraceBuffer:
		return "MAP_TRACE_BUFFER"
	case CodeFirmwareInfo:
		return "FIRMWARE_INFO"
	case CodeShutdown:
		return "SHUTDOWN"
	case CodeGetUsage:
		return "GET_USAGE"
	case CodeGetDebugDump:
		return "GET_DEBUG_DUMP"
	case CodeOpenDevice:
		return "OPEN_DEVICE"
	case CodeCloseDevice:
		return "CLOSE_DEVICE"
	default:
		return "UNKNOWN"
	}
}

// FirmwareStatus is the code field of a normal (non-reverse) response.
type FirmwareStatus uint16

const (
	FwOK                 FirmwareStatus = 0
	FwCancelled          FirmwareStatus = 1
	FwUnknown            FirmwareStatus = 2
	FwInvalidArgument    FirmwareStatus = 3
	FwDeadlineExceeded   FirmwareStatus = 4
	FwNotFound           FirmwareStatus = 5
	FwAlreadyExists      FirmwareStatus = 6
	FwPermissionDenied   FirmwareStatus = 7
	FwResourceExhausted  FirmwareStatus = 8
	FwFailedPrecondition FirmwareStatus = 9
	FwAborted            FirmwareStatus = 10
	FwOutOfRange         FirmwareStatus = 11
	FwUnimplemented      FirmwareStatus = 12
	FwInternal           FirmwareStatus = 13
	FwUnavailable        FirmwareStatus = 14
	FwDataLoss           FirmwareStatus = 15
	FwUnauthenticated    FirmwareStatus = 16
)

// FeatureAbsent reports whether the status means the firmware recognizes
// the command but chose not to service it. Call sites treat this as "the
// feature isn't there", not as a failure.
func (s FirmwareStatus) FeatureAbsent() bool {
	return s == FwUnimplemented || s == FwUnavailable
}

// Reverse notification codes carried in the code field of reverse-flagged
// responses. Codes up to ReverseChipCodeLast are chip-specific and opaque
// to the engine.
const (
	ReverseChipCodeFirst uint16 = 0x500
	ReverseChipCodeLast  uint16 = 0x5FF
	ReverseFirmwareCrash uint16 = 0x600
	ReverseJobLockup     uint16 = 0x601
)

// Status is the host-side decoration attached to a response element after
// it is fetched from the queue. The firmware never sets it; whatever the
// device wrote in that slot is discarded during response processing.
type Status uint16

const (
	// StatusOK: the response was fetched from the queue.
	StatusOK Status = 0
	// StatusWaitingResponse: no response received yet.
	StatusWaitingResponse Status = 1
	// StatusNoResponse: an expected response will never arrive; see
	// waitList.consume.
	StatusNoResponse Status = 2
)

// DMADescriptor references a payload buffer by device address.
type DMADescriptor struct {
	Address uint64
	Size    uint32
	Flags   uint32
}

// Command is one command ring element.
type Command struct {
	Seq  uint64 // assigned by the engine on push
	Code CommandCode
	DMA  DMADescriptor
}

// Response is one response ring element, plus the host-side Status field.
type Response struct {
	Seq    uint64
	Code   uint16
	Status Status
	Retval uint32
}

// FirmwareStatus interprets the code field of a normal response.
func (r *Response) FirmwareStatus() FirmwareStatus { return FirmwareStatus(r.Code) }

// IsReverse reports whether the element is a reverse notification.
func (r *Response) IsReverse() bool { return r.Seq&ReverseFlag != 0 }

// Ring elements live in device-shared memory and are encoded
// little-endian, matching the firmware's view of that memory.

// MarshalCommand encodes c into b, which must hold CommandElementSize
// bytes.
func MarshalCommand(b []byte, c *Command) {
	binary.LittleEndian.PutUint64(b[0:8], c.Seq)
	binary.LittleEndian.PutUint64(b[8:16], uint64(c.Code))
	binary.LittleEndian.PutUint64(b[16:24], c.DMA.Address)
	binary.LittleEndian.PutUint32(b[24:28], c.DMA.Size)
	binary.LittleEndian.PutUint32(b[28:32], c.DMA.Flags)
}

// UnmarshalCommand decodes a command element from b.
func UnmarshalCommand(b []byte) Command {
	return Command{
		Seq:  binary.LittleEndian.Uint64(b[0:8]),
		Code: CommandCode(binary.LittleEndian.Uint64(b[8:16])),
		DMA: DMADescriptor{
			Address: binary.LittleEndian.Uint64(b[16:24]),
			Size:    binary.LittleEndian.Uint32(b[24:28]),
			Flags:   binary.LittleEndian.Uint32(b[28:32]),
		},
	}
}

// MarshalResponse encodes r into b, which must hold ResponseElementSize
// bytes. The status slot is written as-is; on the wire it is reserved.
func MarshalResponse(b []byte, r *Response) {
	binary.LittleEndian.PutUint64(b[0:8], r.Seq)
	binary.LittleEndian.PutUint16(b[8:10], r.Code)
	binary.LittleEndian.PutUint16(b[10:12], uint16(r.Status))
	binary.LittleEndian.PutUint32(b[12:16], r.Retval)
}

// UnmarshalResponse decodes a response element from b.
func UnmarshalResponse(b []byte) Response {
	return Response{
		Seq:    binary.LittleEndian.Uint64(b[0:8]),
		Code:   binary.LittleEndian.Uint16(b[8:10]),
		Status: Status(binary.LittleEndian.Uint16(b[10:12])),
		Retval: binary.LittleEndian.Uint32(b[12:16]),
	}
}
