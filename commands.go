package kci

import "encoding/binary"

// High-level command helpers. Each wraps one command code; the payload
// conventions (which fields ride in the DMA descriptor, which need a
// scratch buffer) are part of the firmware contract.

// sendChecked sends cmd and maps a non-OK firmware status to an error.
func (e *Engine) sendChecked(cmd *Command) error {
	resp, err := e.SendAndWait(cmd)
	if err != nil {
		return err
	}
	if st := resp.FirmwareStatus(); st != FwOK {
		return NewFirmwareError(cmd.Code.String(), cmd.Seq, st)
	}
	return nil
}

// Ack checks that the firmware is alive and serving the control mailbox.
func (e *Engine) Ack() error {
	return e.sendChecked(&Command{Code: CodeAck})
}

// UnmapBuffer tells the firmware to drop its mapping of a device buffer.
// flags carries the DMA direction the mapping was created with.
func (e *Engine) UnmapBuffer(deviceAddr uint64, size uint32, flags uint32) error {
	return e.sendChecked(&Command{
		Code: CodeUnmapBuffer,
		DMA:  DMADescriptor{Address: deviceAddr, Size: size, Flags: flags},
	})
}

// MapLogBuffer points the firmware's log output at a host buffer.
func (e *Engine) MapLogBuffer(deviceAddr uint64, size uint32) error {
	return e.sendChecked(&Command{
		Code: CodeMapLogBuffer,
		DMA:  DMADescriptor{Address: deviceAddr, Size: size},
	})
}

// MapTraceBuffer points the firmware's trace output at a host buffer.
func (e *Engine) MapTraceBuffer(deviceAddr uint64, size uint32) error {
	return e.sendChecked(&Command{
		Code: CodeMapTraceBuffer,
		DMA:  DMADescriptor{Address: deviceAddr, Size: size},
	})
}

// groupDetailSize is the wire size of the JOIN_GROUP payload:
// n_dies u8, vid u8, six reserved bytes.
const groupDetailSize = 8

// JoinGroup notifies the firmware that this die joins a device group of
// numDies dies under virtual ID vid. The detail rides in a scratch buffer
// referenced by the DMA descriptor; it is freed once the firmware answers.
func (e *Engine) JoinGroup(numDies, vid uint8) error {
	detail, err := e.alloc.Alloc(groupDetailSize)
	if err != nil {
		return NewError("JOIN_GROUP", ErrCodeNoMemory, "group detail buffer")
	}
	defer e.alloc.Free(detail)

	detail.Bytes[0] = numDies
	detail.Bytes[1] = vid

	return e.sendChecked(&Command{
		Code: CodeJoinGroup,
		DMA:  DMADescriptor{Address: detail.DeviceAddr, Size: groupDetailSize},
	})
}

// LeaveGroup notifies the firmware that this die left its device group.
func (e *Engine) LeaveGroup() error {
	return e.sendChecked(&Command{Code: CodeLeaveGroup})
}

// FirmwareFlavor identifies the firmware build variant.
type FirmwareFlavor uint32

const (
	FlavorUnknown     FirmwareFlavor = 0
	FlavorBootloader  FirmwareFlavor = 1
	FlavorSystemTest  FirmwareFlavor = 2
	FlavorProdDefault FirmwareFlavor = 3
	FlavorCustom      FirmwareFlavor = 4
)

func (f FirmwareFlavor) String() string {
	switch f {
	case FlavorBootloader:
		return "bootloader"
	case FlavorSystemTest:
		return "systest"
	case FlavorProdDefault:
		return "prod"
	case FlavorCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// FirmwareInfo reports the running firmware build, as filled in by the
// FIRMWARE_INFO command.
type FirmwareInfo struct {
	BuildTime  uint64 // seconds since epoch
	Flavor     FirmwareFlavor
	Changelist uint32
}

// firmwareInfoSize is the wire size of the info buffer the firmware fills:
// build time u64, flavor u32, changelist u32, ten spare u32s.
const firmwareInfoSize = 56

// QueryFirmwareInfo asks the firmware which build is running. Old firmware
// answers UNIMPLEMENTED; that yields FlavorUnknown with a nil error rather
// than a failure, since the handshake must proceed either way. A scratch
// buffer allocation failure likewise degrades to a bufferless handshake.
func (e *Engine) QueryFirmwareInfo() (FirmwareInfo, error) {
	var info FirmwareInfo
	cmd := &Command{Code: CodeFirmwareInfo}

	buf, err := e.alloc.Alloc(firmwareInfoSize)
	if err != nil {
		e.log.Warn("firmware info buffer unavailable, continuing without", "error", err)
	} else {
		defer e.alloc.Free(buf)
		cmd.DMA.Address = buf.DeviceAddr
		cmd.DMA.Size = firmwareInfoSize
	}

	resp, err := e.SendAndWait(cmd)
	if err != nil {
		return info, err
	}

	switch st := resp.FirmwareStatus(); {
	case st == FwUnimplemented:
		e.log.Debug("firmware does not report build info")
		return info, nil
	case st != FwOK:
		return info, NewFirmwareError(cmd.Code.String(), cmd.Seq, st)
	}

	if buf != nil {
		info.BuildTime = binary.LittleEndian.Uint64(buf.Bytes[0:8])
		info.Flavor = FirmwareFlavor(binary.LittleEndian.Uint32(buf.Bytes[8:12]))
		info.Changelist = binary.LittleEndian.Uint32(buf.Bytes[12:16])
		if info.Flavor > FlavorCustom {
			e.log.Debug("unrecognized firmware flavor", "flavor", uint32(info.Flavor))
			info.Flavor = FlavorUnknown
		}
	}
	return info, nil
}

// Shutdown notifies the firmware that the host is going away. Sent
// fire-and-forget: during teardown nobody is left to read the answer.
func (e *Engine) Shutdown() error {
	return e.PushCommand(&Command{Code: CodeShutdown}, nil)
}

// GetDebugDump asks the firmware to write a debug dump into the given
// host buffer.
func (e *Engine) GetDebugDump(deviceAddr uint64, size uint32) error {
	return e.sendChecked(&Command{
		Code: CodeGetDebugDump,
		DMA:  DMADescriptor{Address: deviceAddr, Size: size},
	})
}

// OpenDevice sends OPEN_DEVICE for the mailbox bitmap, which rides in the
// DMA flags field. Most callers want ActivateMailboxes, which tracks what
// the firmware has been told.
func (e *Engine) OpenDevice(mailboxIDs uint32) error {
	return e.sendChecked(&Command{
		Code: CodeOpenDevice,
		DMA:  DMADescriptor{Flags: mailboxIDs},
	})
}

// CloseDevice sends CLOSE_DEVICE for the mailbox bitmap. See OpenDevice.
func (e *Engine) CloseDevice(mailboxIDs uint32) error {
	return e.sendChecked(&Command{
		Code: CodeCloseDevice,
		DMA:  DMADescriptor{Flags: mailboxIDs},
	})
}
