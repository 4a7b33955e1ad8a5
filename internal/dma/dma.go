// Package dma provides the "device-visible coherent memory" collaborator
// used for mailbox rings and command payload buffers.
//
// The engine never manages physical memory itself: it asks an Allocator
// for a buffer and receives both a host mapping and the address the device
// should be given. The Pool implementation backs buffers with anonymous
// page-aligned mappings and hands out device addresses from a flat IOVA
// range, which is what the simulated firmware translates through.
package dma

import (
	"fmt"
	"sort"
	"sync"
)

// Buffer is one device-visible allocation.
type Buffer struct {
	// Bytes is the host mapping of the buffer.
	Bytes []byte
	// DeviceAddr is the address the device uses to reach the buffer.
	DeviceAddr uint64
}

// Size returns the usable length of the buffer in bytes.
func (b *Buffer) Size() int { return len(b.Bytes) }

// Allocator allocates and frees device-visible buffers.
type Allocator interface {
	Alloc(size int) (*Buffer, error)
	Free(b *Buffer) error
}

const pageSize = 4096

// Pool is an Allocator assigning device addresses from a contiguous IOVA
// range starting at a configurable base. Allocations are page-granular.
type Pool struct {
	mu       sync.Mutex
	iovaNext uint64
	buffers  map[uint64]*Buffer // keyed by DeviceAddr
}

// NewPool creates a pool handing out device addresses from iovaBase up.
func NewPool(iovaBase uint64) *Pool {
	if iovaBase%pageSize != 0 {
		iovaBase = (iovaBase + pageSize - 1) &^ (pageSize - 1)
	}
	return &Pool{
		iovaNext: iovaBase,
		buffers:  make(map[uint64]*Buffer),
	}
}

// Alloc returns a zeroed buffer of at least size bytes.
func (p *Pool) Alloc(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dma: invalid allocation size %d", size)
	}
	mapped := (size + pageSize - 1) &^ (pageSize - 1)
	mem, err := mapPages(mapped)
	if err != nil {
		return nil, fmt.Errorf("dma: map %d bytes: %w", mapped, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	b := &Buffer{
		Bytes:      mem[:size],
		DeviceAddr: p.iovaNext,
	}
	p.iovaNext += uint64(mapped)
	p.buffers[b.DeviceAddr] = b
	return b, nil
}

// Free releases a buffer previously returned by Alloc. Freeing is
// idempotent for a buffer already released.
func (p *Pool) Free(b *Buffer) error {
	if b == nil {
		return nil
	}
	p.mu.Lock()
	cur, ok := p.buffers[b.DeviceAddr]
	if ok && cur == b {
		delete(p.buffers, b.DeviceAddr)
	}
	p.mu.Unlock()
	if !ok || cur != b {
		return nil
	}
	mem := b.Bytes[:cap(b.Bytes)]
	b.Bytes = nil
	return unmapPages(mem)
}

// Slice translates a device address range back to host memory, the way an
// IOMMU would for the device. Used by device-side collaborators (the
// firmware simulator) to read command payloads and write results.
func (p *Pool) Slice(deviceAddr uint64, size int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Few live buffers; a sorted scan is plenty.
	addrs := make([]uint64, 0, len(p.buffers))
	for a := range p.buffers {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, a := range addrs {
		b := p.buffers[a]
		if deviceAddr >= a && deviceAddr+uint64(size) <= a+uint64(len(b.Bytes)) {
			off := deviceAddr - a
			return b.Bytes[off : off+uint64(size)], nil
		}
	}
	return nil, fmt.Errorf("dma: no mapping covers %#x+%d", deviceAddr, size)
}
