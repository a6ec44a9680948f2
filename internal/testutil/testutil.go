// Package testutil builds in-memory block devices for unit tests, adapted
// from the disk-image test fixtures this project grew out of: instead of a
// compressed on-disk golden image, tests get a zero-filled buffer backed by
// bytesextra, since there is no golden-image corpus for ublockfs images.
package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/augustday/ublockfs/blockdevice"
)

// NewMemoryDevice returns a BlockDevice over a zero-filled in-memory buffer
// of blockSize*totalBlocks bytes. No host file is created.
func NewMemoryDevice(t *testing.T, blockSize, totalBlocks uint32) *blockdevice.BlockDevice {
	t.Helper()
	buf := make([]byte, int(blockSize)*int(totalBlocks))
	stream := bytesextra.NewReadWriteSeeker(buf)
	require.NotNil(t, stream)
	return blockdevice.FromStream(stream, blockSize, totalBlocks)
}
