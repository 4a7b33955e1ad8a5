package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocAssignsDistinctDeviceAddrs(t *testing.T) {
	p := NewPool(0x1000_0000)

	a, err := p.Alloc(64)
	require.NoError(t, err)
	b, err := p.Alloc(8192)
	require.NoError(t, err)

	assert.Equal(t, 64, a.Size())
	assert.Equal(t, 8192, b.Size())
	assert.NotEqual(t, a.DeviceAddr, b.DeviceAddr)
	assert.Equal(t, uint64(0), a.DeviceAddr%pageSize)
	assert.Equal(t, uint64(0), b.DeviceAddr%pageSize)

	require.NoError(t, p.Free(a))
	require.NoError(t, p.Free(b))
}

func TestAllocZeroes(t *testing.T) {
	p := NewPool(0x2000_0000)
	b, err := p.Alloc(4096)
	require.NoError(t, err)
	defer p.Free(b)

	for i, v := range b.Bytes {
		require.Zerof(t, v, "byte %d not zeroed", i)
	}
}

func TestSliceTranslatesDeviceAddr(t *testing.T) {
	p := NewPool(0x3000_0000)
	b, err := p.Alloc(256)
	require.NoError(t, err)
	defer p.Free(b)

	copy(b.Bytes[16:], []byte("payload"))

	view, err := p.Slice(b.DeviceAddr+16, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), view)

	_, err = p.Slice(b.DeviceAddr+250, 16)
	assert.Error(t, err, "range past the end of the buffer must not translate")

	_, err = p.Slice(0xdead0000, 4)
	assert.Error(t, err)
}

func TestFreeIsIdempotent(t *testing.T) {
	p := NewPool(0x4000_0000)
	b, err := p.Alloc(32)
	require.NoError(t, err)

	require.NoError(t, p.Free(b))
	require.NoError(t, p.Free(b))
	require.NoError(t, p.Free(nil))

	_, err = p.Slice(b.DeviceAddr, 4)
	assert.Error(t, err, "freed buffer must no longer translate")
}

func TestInvalidAllocSize(t *testing.T) {
	p := NewPool(0x5000_0000)
	_, err := p.Alloc(0)
	assert.Error(t, err)
	_, err = p.Alloc(-5)
	assert.Error(t, err)
}
