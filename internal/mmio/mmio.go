// Package mmio abstracts 32-bit access to the device's control/status
// register space.
//
// Cursor registers owned by the device are updated concurrently with host
// reads, so the interface distinguishes plain accesses from fence-ordered
// ones: Read32Sync completes before any following load by the calling
// goroutine, Write32Sync completes after every preceding store.
package mmio

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Regs is the register access surface handed to the mailbox layer. A real
// device backs it with a mapped BAR; tests and the simulator back it with
// Mem.
type Regs interface {
	Read32(offset uint32) uint32
	// Read32Sync reads with acquire ordering, for registers the device
	// writes behind the host's back.
	Read32Sync(offset uint32) uint32
	Write32(offset uint32, value uint32)
	// Write32Sync writes with release ordering, so ring-memory stores
	// are visible to the device before the doorbell fires.
	Write32Sync(offset uint32, value uint32)
}

// Mem is a register file held in process memory. All accesses are atomic,
// which satisfies both the plain and the fenced accessor contracts, and
// write watchers let a simulated device react to doorbell writes.
type Mem struct {
	words []uint32

	mu       sync.RWMutex
	watchers map[uint32][]func(value uint32)
}

// NewMem creates a register file covering size bytes. size must be a
// multiple of 4.
func NewMem(size uint32) *Mem {
	if size%4 != 0 {
		panic(fmt.Sprintf("mmio: register file size %#x not 32-bit aligned", size))
	}
	return &Mem{
		words:    make([]uint32, size/4),
		watchers: make(map[uint32][]func(uint32)),
	}
}

func (m *Mem) word(offset uint32) *uint32 {
	if offset%4 != 0 {
		panic(fmt.Sprintf("mmio: unaligned register access at %#x", offset))
	}
	return &m.words[offset/4]
}

func (m *Mem) Read32(offset uint32) uint32 {
	return atomic.LoadUint32(m.word(offset))
}

func (m *Mem) Read32Sync(offset uint32) uint32 {
	return atomic.LoadUint32(m.word(offset))
}

func (m *Mem) Write32(offset uint32, value uint32) {
	atomic.StoreUint32(m.word(offset), value)
	m.notify(offset, value)
}

func (m *Mem) Write32Sync(offset uint32, value uint32) {
	atomic.StoreUint32(m.word(offset), value)
	m.notify(offset, value)
}

// Watch registers fn to run after every write to the register at offset.
// Watchers run on the writer's goroutine; they model the wire-level side
// effect of a register write (doorbell interrupt generation) and must not
// block.
func (m *Mem) Watch(offset uint32, fn func(value uint32)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers[offset] = append(m.watchers[offset], fn)
}

func (m *Mem) notify(offset uint32, value uint32) {
	m.mu.RLock()
	fns := m.watchers[offset]
	m.mu.RUnlock()
	for _, fn := range fns {
		fn(value)
	}
}
