// Package circq implements the circular queue index arithmetic shared by
// the mailbox wire queues and the reverse notification buffer.
//
// Queue cursors carry an extra "wrap" bit above the index bits so that
// head == tail unambiguously means empty; a full queue has equal real
// indices but differing wrap bits. The hardware queue-size register is 10
// bits wide, which fixes the wrap bit position for all queues.
package circq

const (
	// WrapBit is toggled each time an index passes the end of the queue.
	WrapBit uint32 = 1 << 10
	// IndexMask extracts the buffer slot from a cursor value.
	IndexMask uint32 = WrapBit - 1
	// ValidMask covers every bit a cursor may legally carry.
	ValidMask uint32 = IndexMask | WrapBit
	// MaxQueueSize is the largest element count a queue-size register
	// can express.
	MaxQueueSize uint32 = WrapBit - 1
)

// Wrapped reports whether the wrap bit of index is set.
func Wrapped(index uint32) bool {
	return index&WrapBit != 0
}

// RealIndex masks off the wrap bit, yielding the actual buffer slot.
func RealIndex(index uint32) uint32 {
	return index & IndexMask
}

// Count returns the number of occupied elements in a queue of the given
// size. A count larger than size can only be produced by corrupted
// cursors; it is reported as 0 so a misbehaving device cannot trick the
// host into over-reading the ring.
func Count(head, tail, size uint32) uint32 {
	var n uint32
	if Wrapped(tail) != Wrapped(head) {
		n = size - RealIndex(head) + RealIndex(tail)
	} else {
		n = tail - head
	}
	if n > size {
		return 0
	}
	return n
}

// Space returns the number of free elements in a queue of the given size.
func Space(head, tail, size uint32) uint32 {
	return size - Count(head, tail, size)
}

// Advance increments a cursor by inc elements, toggling the wrap bit when
// the real index passes the end of the queue. inc must not exceed size.
func Advance(index, inc, size uint32) uint32 {
	next := RealIndex(index) + inc
	if next >= size {
		return (index + inc - size) ^ WrapBit
	}
	return index + inc
}
