package circq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyQueue(t *testing.T) {
	const size = 16
	assert.Equal(t, uint32(0), Count(0, 0, size))
	assert.Equal(t, uint32(size), Space(0, 0, size))
}

func TestFullQueue(t *testing.T) {
	const size = 16
	// Tail lapped the head once: same slot, differing wrap bits.
	tail := Advance(0, size, size)
	require.Equal(t, uint32(0), RealIndex(tail))
	require.True(t, Wrapped(tail))
	assert.Equal(t, uint32(size), Count(0, tail, size))
	assert.Equal(t, uint32(0), Space(0, tail, size))
}

func TestAdvanceTogglesWrapBit(t *testing.T) {
	const size = 8
	idx := uint32(6)
	idx = Advance(idx, 3, size) // passes the end
	assert.Equal(t, uint32(1), RealIndex(idx))
	assert.True(t, Wrapped(idx))

	idx = Advance(idx, 7, size) // passes the end again
	assert.Equal(t, uint32(0), RealIndex(idx))
	assert.False(t, Wrapped(idx))
}

// Count + Space must equal capacity for every cursor pair reachable by
// legal advance operations.
func TestOccupancyInvariant(t *testing.T) {
	const size = 16
	head, tail := uint32(0), uint32(0)
	// Drive the queue through several laps with a mixed push/pop pattern.
	pattern := []struct{ push, pop uint32 }{
		{5, 2}, {11, 9}, {8, 13}, {16, 0}, {0, 16}, {3, 3}, {13, 13},
	}
	for _, p := range pattern {
		tail = Advance(tail, p.push, size)
		assert.Equal(t, uint32(size), Count(head, tail, size)+Space(head, tail, size),
			"head=%#x tail=%#x", head, tail)
		head = Advance(head, p.pop, size)
		assert.Equal(t, uint32(size), Count(head, tail, size)+Space(head, tail, size),
			"head=%#x tail=%#x", head, tail)
	}
	assert.Equal(t, uint32(0), Count(head, tail, size))
}

func TestCorruptCursorsReportEmpty(t *testing.T) {
	// A tail far beyond the head within the same wrap epoch implies
	// corruption; Count must clamp to 0 rather than over-read.
	assert.Equal(t, uint32(0), Count(2, 200, 16))
}

func TestRealIndexMasksWrapBit(t *testing.T) {
	assert.Equal(t, uint32(5), RealIndex(5|WrapBit))
	assert.Equal(t, uint32(5), RealIndex(5))
}
