package blockdevice_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/augustday/ublockfs/blockdevice"
)

const testBlockSize = 4096

func TestCreate_ZeroFillsAndSizesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")

	dev, err := blockdevice.Create(path, testBlockSize, 4)
	require.NoError(t, err)
	defer dev.Close()

	buf := make([]byte, testBlockSize)
	require.NoError(t, dev.ReadBlock(0, buf))
	require.True(t, bytes.Equal(buf, make([]byte, testBlockSize)))
}

func TestWriteThenReadBlock_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	dev, err := blockdevice.Create(path, testBlockSize, 4)
	require.NoError(t, err)
	defer dev.Close()

	want := bytes.Repeat([]byte{0xAB}, testBlockSize)
	require.NoError(t, dev.WriteBlock(2, want))

	got := make([]byte, testBlockSize)
	require.NoError(t, dev.ReadBlock(2, got))
	require.Equal(t, want, got)

	other := make([]byte, testBlockSize)
	require.NoError(t, dev.ReadBlock(1, other))
	require.True(t, bytes.Equal(other, make([]byte, testBlockSize)), "adjacent block must be untouched")
}

func TestOpen_DerivesTotalBlocksFromFileSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	created, err := blockdevice.Create(path, testBlockSize, 8)
	require.NoError(t, err)
	require.NoError(t, created.Close())

	opened, err := blockdevice.Open(path, testBlockSize)
	require.NoError(t, err)
	defer opened.Close()
	require.EqualValues(t, 8, opened.TotalBlocks)
}

func TestReadBlock_OutOfRangeIndexFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	dev, err := blockdevice.Create(path, testBlockSize, 2)
	require.NoError(t, err)
	defer dev.Close()

	buf := make([]byte, testBlockSize)
	require.Error(t, dev.ReadBlock(2, buf))
}

func TestCopyBlocks_IsByteExact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	dev, err := blockdevice.Create(path, testBlockSize, 6)
	require.NoError(t, err)
	defer dev.Close()

	src := bytes.Repeat([]byte{0x5A}, testBlockSize)
	require.NoError(t, dev.WriteBlock(0, src))

	require.NoError(t, dev.CopyBlocks(0, 3, 1))

	got := make([]byte, testBlockSize)
	require.NoError(t, dev.ReadBlock(3, got))
	require.Equal(t, src, got)
}

func TestFromStream_WorksOverInMemoryBuffer(t *testing.T) {
	buf := make([]byte, testBlockSize*3)
	stream := bytesextra.NewReadWriteSeeker(buf)
	dev := blockdevice.FromStream(stream, testBlockSize, 3)

	payload := bytes.Repeat([]byte{0x7E}, testBlockSize)
	require.NoError(t, dev.WriteBlock(1, payload))

	got := make([]byte, testBlockSize)
	require.NoError(t, dev.ReadBlock(1, got))
	require.Equal(t, payload, got)
	require.NoError(t, dev.Close())
}
