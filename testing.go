package kci

import (
	"sync"

	"github.com/hwplane/kci/internal/circq"
	"github.com/hwplane/kci/internal/dma"
	"github.com/hwplane/kci/internal/mailbox"
	"github.com/hwplane/kci/internal/mmio"
)

// FirmwareResponder decides how simulated firmware answers a command.
// Returning false suppresses the response, modelling firmware that skips
// or never services the command. Responders run on the goroutine that
// rang the doorbell and must not call back into the engine.
type FirmwareResponder func(cmd Command) (Response, bool)

// EchoResponder answers every command with FwOK.
func EchoResponder(cmd Command) (Response, bool) {
	return Response{Seq: cmd.Seq, Code: uint16(FwOK)}, true
}

// DropAllResponder never answers.
func DropAllResponder(Command) (Response, bool) {
	return Response{}, false
}

// FakeFirmware models the device side of one KCI mailbox on top of an
// in-process register file and DMA pool. It consumes command elements when
// the command doorbell rings, runs a programmable responder, and delivers
// responses through the response ring plus doorbell interrupt, the same
// path real firmware uses.
type FakeFirmware struct {
	regs *mmio.Mem
	pool *dma.Pool

	ctxBase  uint32
	cmdBase  uint32
	respBase uint32

	// interrupt models the device's IRQ line.
	interrupt func()

	mu         sync.Mutex
	responder  FirmwareResponder
	halted     bool
	cmdHead    uint32 // device-owned cursors
	respTail   uint32
	reverseSeq uint64
	commands   []Command
}

// NewFakeFirmware attaches simulated firmware to the mailbox at index in
// the given register file. Call AttachInterrupt before driving an engine.
func NewFakeFirmware(regs *mmio.Mem, pool *dma.Pool, layout mailbox.Layout, index uint) *FakeFirmware {
	f := &FakeFirmware{
		regs:      regs,
		pool:      pool,
		ctxBase:   layout.ContextBase(index),
		cmdBase:   layout.CmdBase(index),
		respBase:  layout.RespBase(index),
		responder: EchoResponder,
	}

	regs.Watch(f.cmdBase+mailbox.CmdDoorbellSet, func(v uint32) {
		if v != 0 {
			f.process()
		}
	})
	// Context enable marks a (re)initialized host: pick up the reset
	// cursor values.
	regs.Watch(f.ctxBase+mailbox.CtxContextEnable, func(v uint32) {
		if v != 0 {
			f.resync()
		}
	})
	// Writing the clear register retires the doorbell status bit.
	regs.Watch(f.respBase+mailbox.RespDoorbellClear, func(v uint32) {
		if v != 0 {
			regs.Write32(f.respBase+mailbox.RespDoorbellStatus, 0)
		}
	})
	return f
}

// AttachInterrupt wires the simulated IRQ line, typically to the mailbox
// manager's interrupt dispatcher.
func (f *FakeFirmware) AttachInterrupt(fn func()) {
	f.mu.Lock()
	f.interrupt = fn
	f.mu.Unlock()
}

// SetResponder replaces the command responder.
func (f *FakeFirmware) SetResponder(r FirmwareResponder) {
	f.mu.Lock()
	f.responder = r
	f.mu.Unlock()
}

// Halt stops command consumption, modelling a wedged device. Doorbells
// are ignored until Resume.
func (f *FakeFirmware) Halt() {
	f.mu.Lock()
	f.halted = true
	f.mu.Unlock()
}

// Resume restarts command consumption and processes whatever accumulated.
func (f *FakeFirmware) Resume() {
	f.mu.Lock()
	f.halted = false
	f.mu.Unlock()
	f.process()
}

// Commands returns a copy of every command consumed so far.
func (f *FakeFirmware) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.commands...)
}

func (f *FakeFirmware) resync() {
	f.mu.Lock()
	f.cmdHead = f.regs.Read32(f.cmdBase + mailbox.CmdHead)
	f.respTail = f.regs.Read32(f.respBase + mailbox.RespTail)
	f.mu.Unlock()
}

func (f *FakeFirmware) cmdRing() ([]byte, uint32) {
	size := f.regs.Read32(f.ctxBase + mailbox.CtxCmdQueueSize)
	addr := uint64(f.regs.Read32(f.ctxBase+mailbox.CtxCmdQueueAddrLow)) |
		uint64(f.regs.Read32(f.ctxBase+mailbox.CtxCmdQueueAddrHigh))<<32
	ring, err := f.pool.Slice(addr, int(size)*CommandElementSize)
	if err != nil {
		return nil, 0
	}
	return ring, size
}

func (f *FakeFirmware) respRing() ([]byte, uint32) {
	size := f.regs.Read32(f.ctxBase + mailbox.CtxRespQueueSize)
	addr := uint64(f.regs.Read32(f.ctxBase+mailbox.CtxRespQueueAddrLow)) |
		uint64(f.regs.Read32(f.ctxBase+mailbox.CtxRespQueueAddrHigh))<<32
	ring, err := f.pool.Slice(addr, int(size)*ResponseElementSize)
	if err != nil {
		return nil, 0
	}
	return ring, size
}

// process consumes every command currently in the ring.
func (f *FakeFirmware) process() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.halted {
		return
	}
	ring, size := f.cmdRing()
	if ring == nil {
		return
	}

	for {
		tail := f.regs.Read32Sync(f.cmdBase + mailbox.CmdTail)
		if circq.Count(f.cmdHead, tail, size) == 0 {
			return
		}
		slot := circq.RealIndex(f.cmdHead)
		cmd := UnmarshalCommand(ring[slot*CommandElementSize:])
		f.cmdHead = circq.Advance(f.cmdHead, 1, size)
		f.regs.Write32Sync(f.cmdBase+mailbox.CmdHead, f.cmdHead)
		f.commands = append(f.commands, cmd)

		if resp, ok := f.responder(cmd); ok {
			f.pushLocked(resp)
		}
	}
}

// PushResponse injects a response element directly, bypassing the
// responder. Returns false when the response ring is full.
func (f *FakeFirmware) PushResponse(resp Response) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushLocked(resp)
}

// PushReverse injects a device-originated notification.
func (f *FakeFirmware) PushReverse(code uint16, retval uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := Response{
		Seq:    ReverseFlag | f.reverseSeq,
		Code:   code,
		Retval: retval,
	}
	f.reverseSeq++
	return f.pushLocked(resp)
}

func (f *FakeFirmware) pushLocked(resp Response) bool {
	ring, size := f.respRing()
	if ring == nil {
		return false
	}

	head := f.regs.Read32(f.respBase + mailbox.RespHead)
	if circq.Space(head, f.respTail, size) == 0 {
		return false
	}

	slot := circq.RealIndex(f.respTail)
	MarshalResponse(ring[slot*ResponseElementSize:], &resp)
	f.respTail = circq.Advance(f.respTail, 1, size)
	f.regs.Write32Sync(f.respBase+mailbox.RespTail, f.respTail)
	f.regs.Write32(f.respBase+mailbox.RespDoorbellStatus, 1)

	if f.interrupt != nil {
		f.interrupt()
	}
	return true
}
