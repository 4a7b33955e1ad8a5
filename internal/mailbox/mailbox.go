// Package mailbox owns the memory-mapped ring descriptors and doorbell
// registers for the device's mailbox channels.
//
// Each mailbox pairs a command ring (host-written, device-read) with a
// response ring (device-written, host-read). The host keeps its own copy
// of the cursors it owns (command tail, response head) and mirrors them to
// the device-visible CSRs; the cursors the device owns are only ever read
// from the CSRs. Mailbox index 0 is reserved for the kernel control
// interface; the rest belong to higher-level clients.
package mailbox

import (
	"fmt"

	"github.com/hwplane/kci/internal/circq"
	"github.com/hwplane/kci/internal/logging"
	"github.com/hwplane/kci/internal/mmio"
)

// KCIIndex is the mailbox index reserved for the kernel control interface.
const KCIIndex uint = 0

// Register offsets within a mailbox's context CSR block. Kernel-only;
// never exposed to user mappings. The order matches the hardware layout.
const (
	CtxContextEnable          uint32 = 0x00
	CtxPriority               uint32 = 0x04
	CtxCmdDoorbellEnable      uint32 = 0x08
	CtxCmdTailDoorbellEnable  uint32 = 0x0C
	CtxCmdDoorbellClear       uint32 = 0x10
	CtxCmdQueueAddrLow        uint32 = 0x14
	CtxCmdQueueAddrHigh       uint32 = 0x18
	CtxCmdQueueSize           uint32 = 0x1C
	CtxRespDoorbellEnable     uint32 = 0x20
	CtxRespTailDoorbellEnable uint32 = 0x24
	CtxRespQueueAddrLow       uint32 = 0x28
	CtxRespQueueAddrHigh      uint32 = 0x2C
	CtxRespQueueSize          uint32 = 0x30
)

// Register offsets within a mailbox's command queue CSR block.
const (
	CmdDoorbellSet    uint32 = 0x00
	CmdDoorbellStatus uint32 = 0x04
	CmdHead           uint32 = 0x08
	CmdTail           uint32 = 0x0C
	CmdErrorStatus    uint32 = 0x10
)

// Register offsets within a mailbox's response queue CSR block.
const (
	RespDoorbellSet    uint32 = 0x00
	RespDoorbellClear  uint32 = 0x04
	RespDoorbellStatus uint32 = 0x08
	RespHead           uint32 = 0x0C
	RespTail           uint32 = 0x10
)

// QueueType selects the command or the response ring of a mailbox.
type QueueType int

const (
	CmdQueue QueueType = iota
	RespQueue
)

// Layout converts a mailbox index to the base offsets of its CSR blocks.
// The concrete bases are chip-specific and supplied at construction time.
type Layout struct {
	ContextBase func(index uint) uint32
	CmdBase     func(index uint) uint32
	RespBase    func(index uint) uint32
}

// FlatLayout returns a layout placing each mailbox's blocks at fixed
// offsets inside a per-mailbox stride. Matches the register file used by
// the simulator and by chips with linear mailbox CSR spacing.
func FlatLayout(base, stride uint32) Layout {
	return Layout{
		ContextBase: func(i uint) uint32 { return base + uint32(i)*stride },
		CmdBase:     func(i uint) uint32 { return base + uint32(i)*stride + 0x40 },
		RespBase:    func(i uint) uint32 { return base + uint32(i)*stride + 0x80 },
	}
}

// Mailbox is one command/response ring pair plus its cursors and
// doorbells.
type Mailbox struct {
	ID   uint
	regs mmio.Regs
	log  *logging.Logger

	ctxBase  uint32
	cmdBase  uint32
	respBase uint32

	// Queue geometry and host-owned cursors, in units of elements.
	// Written only by the owner of the respective submission/drain lock.
	cmdQueueSize  uint32
	cmdQueueTail  uint32
	respQueueSize uint32
	respQueueHead uint32

	// handleIRQ runs in interrupt dispatch context when the response
	// doorbell fires. Must not block.
	handleIRQ func()
}

// SetIRQHandler installs the response-doorbell handler. Must be called
// before interrupts are enabled for the mailbox.
func (m *Mailbox) SetIRQHandler(fn func()) { m.handleIRQ = fn }

// SetQueue programs a ring's backing device address and size into the
// context CSRs and zeroes the host-owned cursor. Used at init and after a
// device restart; the backing memory itself is owned by the caller.
func (m *Mailbox) SetQueue(t QueueType, deviceAddr uint64, size uint32) error {
	if size == 0 || size > circq.MaxQueueSize {
		return fmt.Errorf("mailbox %d: queue size %d out of range [1, %d]",
			m.ID, size, circq.MaxQueueSize)
	}
	low := uint32(deviceAddr)
	high := uint32(deviceAddr >> 32)
	switch t {
	case CmdQueue:
		m.regs.Write32(m.ctxBase+CtxCmdQueueAddrLow, low)
		m.regs.Write32(m.ctxBase+CtxCmdQueueAddrHigh, high)
		m.regs.Write32(m.ctxBase+CtxCmdQueueSize, size)
		m.cmdQueueSize = size
		m.cmdQueueTail = 0
		m.regs.Write32(m.cmdBase+CmdTail, 0)
	case RespQueue:
		m.regs.Write32(m.ctxBase+CtxRespQueueAddrLow, low)
		m.regs.Write32(m.ctxBase+CtxRespQueueAddrHigh, high)
		m.regs.Write32(m.ctxBase+CtxRespQueueSize, size)
		m.respQueueSize = size
		m.respQueueHead = 0
		m.regs.Write32(m.respBase+RespHead, 0)
	default:
		return fmt.Errorf("mailbox %d: unknown queue type %d", m.ID, t)
	}
	return nil
}

// SetPriority sets the mailbox's arbitration priority.
func (m *Mailbox) SetPriority(p uint32) {
	m.regs.Write32(m.ctxBase+CtxPriority, p)
}

// EnableContext arms the mailbox. Write is fenced so all preceding queue
// configuration is visible to the device first.
func (m *Mailbox) EnableContext() {
	m.regs.Write32Sync(m.ctxBase+CtxContextEnable, 1)
}

// DisableContext logically disables the mailbox. Must precede teardown of
// the ring memory.
func (m *Mailbox) DisableContext() {
	m.regs.Write32Sync(m.ctxBase+CtxContextEnable, 0)
}

// InitDoorbells clears any stale doorbell request and enables doorbell
// interrupts at the mailbox level.
func (m *Mailbox) InitDoorbells() {
	m.regs.Write32(m.respBase+RespDoorbellClear, 1)
	m.regs.Write32(m.ctxBase+CtxCmdDoorbellEnable, 1)
	m.regs.Write32(m.ctxBase+CtxRespDoorbellEnable, 1)
}

// Reset zeroes all queue cursors, discarding any commands or responses
// left from before a device restart. Ring backing memory is untouched.
func (m *Mailbox) Reset() {
	m.regs.Write32(m.cmdBase+CmdHead, 0)
	m.regs.Write32(m.cmdBase+CmdTail, 0)
	m.regs.Write32(m.respBase+RespHead, 0)
	m.regs.Write32(m.respBase+RespTail, 0)
	m.cmdQueueTail = 0
	m.respQueueHead = 0
}

// RingCmdDoorbell notifies the device that new command entries are
// available. Fenced: ring-memory writes must land first.
func (m *Mailbox) RingCmdDoorbell() {
	m.regs.Write32Sync(m.cmdBase+CmdDoorbellSet, 1)
}

// CmdQueueHead reads the device-advanced command queue head cursor.
func (m *Mailbox) CmdQueueHead() uint32 {
	return m.regs.Read32(m.cmdBase + CmdHead)
}

// RespQueueTail reads the device-advanced response queue tail cursor with
// acquire ordering, so ring-memory reads that follow observe the elements
// the cursor covers.
func (m *Mailbox) RespQueueTail() uint32 {
	return m.regs.Read32Sync(m.respBase + RespTail)
}

// CmdQueueTail returns the host-owned command tail cursor. Callers must
// hold the submission lock.
func (m *Mailbox) CmdQueueTail() uint32 { return m.cmdQueueTail }

// RespQueueHead returns the host-owned response head cursor. Callers must
// hold the drain lock.
func (m *Mailbox) RespQueueHead() uint32 { return m.respQueueHead }

// CmdQueueSize returns the command ring capacity in elements.
func (m *Mailbox) CmdQueueSize() uint32 { return m.cmdQueueSize }

// RespQueueSize returns the response ring capacity in elements.
func (m *Mailbox) RespQueueSize() uint32 { return m.respQueueSize }

// IncCmdQueueTail advances the host command tail cursor and mirrors it to
// the device-visible CSR. Caller holds the submission lock.
func (m *Mailbox) IncCmdQueueTail(inc uint32) {
	m.cmdQueueTail = circq.Advance(m.cmdQueueTail, inc, m.cmdQueueSize)
	m.regs.Write32Sync(m.cmdBase+CmdTail, m.cmdQueueTail)
}

// IncRespQueueHead advances the host response head cursor and mirrors it
// to the device-visible CSR. Caller holds the drain lock.
func (m *Mailbox) IncRespQueueHead(inc uint32) {
	m.respQueueHead = circq.Advance(m.respQueueHead, inc, m.respQueueSize)
	m.regs.Write32(m.respBase+RespHead, m.respQueueHead)
}
