package cache_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/augustday/ublockfs/blockdevice"
	"github.com/augustday/ublockfs/cache"
	"github.com/augustday/ublockfs/internal/testutil"
)

const blockSize = 4096

func TestReadBlock_MissLoadsFromDevice(t *testing.T) {
	dev := testutil.NewMemoryDevice(t, blockSize, 20)
	payload := bytes.Repeat([]byte{0x11}, blockSize)
	require.NoError(t, dev.WriteBlock(5, payload))

	c := cache.New(dev, 4)
	got := make([]byte, blockSize)
	require.NoError(t, c.ReadBlock(5, got))
	require.Equal(t, payload, got)
	require.True(t, c.IsResident(5))
}

func TestWriteBlock_MarksDirtyUntilFlush(t *testing.T) {
	dev := testutil.NewMemoryDevice(t, blockSize, 20)
	c := cache.New(dev, 4)

	payload := bytes.Repeat([]byte{0x22}, blockSize)
	require.NoError(t, c.WriteBlock(3, payload))

	statuses := c.Status()
	require.Len(t, statuses, 1)
	require.True(t, statuses[0].Dirty)

	require.NoError(t, c.FlushAll())
	for _, s := range c.Status() {
		require.False(t, s.Dirty)
	}

	onDisk := make([]byte, blockSize)
	require.NoError(t, dev.ReadBlock(3, onDisk))
	require.Equal(t, payload, onDisk)
}

// TestFIFOEviction reproduces spec.md §8's S6: with P=4 frames, reading
// blocks 10..14 in order evicts block 10 (the FIFO head) after the fifth
// read, leaving 11-14 resident.
func TestFIFOEviction(t *testing.T) {
	dev := testutil.NewMemoryDevice(t, blockSize, 20)
	c := cache.New(dev, 4)

	buf := make([]byte, blockSize)
	for _, idx := range []blockdevice.Index{10, 11, 12, 13, 14} {
		require.NoError(t, c.ReadBlock(idx, buf))
	}

	require.False(t, c.IsResident(10), "block 10 was the FIFO head and must be evicted")
	for _, idx := range []blockdevice.Index{11, 12, 13, 14} {
		require.True(t, c.IsResident(idx))
	}
}

func TestWriteBlock_WritesBackDirtyVictimOnEviction(t *testing.T) {
	dev := testutil.NewMemoryDevice(t, blockSize, 20)
	c := cache.New(dev, 2)

	payload := bytes.Repeat([]byte{0x33}, blockSize)
	require.NoError(t, c.WriteBlock(0, payload))
	require.NoError(t, c.WriteBlock(1, make([]byte, blockSize)))

	// A third write forces eviction of block 0 (FIFO head), which must be
	// written back to the device since it was dirty.
	require.NoError(t, c.WriteBlock(2, make([]byte, blockSize)))
	require.False(t, c.IsResident(0))

	onDisk := make([]byte, blockSize)
	require.NoError(t, dev.ReadBlock(0, onDisk))
	require.Equal(t, payload, onDisk)
}

func TestReadBlock_RejectsWrongSizedBuffer(t *testing.T) {
	dev := testutil.NewMemoryDevice(t, blockSize, 4)
	c := cache.New(dev, 4)
	require.Error(t, c.ReadBlock(0, make([]byte, blockSize-1)))
}
