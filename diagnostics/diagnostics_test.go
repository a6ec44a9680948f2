package diagnostics_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/augustday/ublockfs/cache"
	"github.com/augustday/ublockfs/diagnostics"
	"github.com/augustday/ublockfs/fs"
)

func TestFormatDf_RendersHeaderAndRow(t *testing.T) {
	out, err := diagnostics.FormatDf(fs.FSStat{
		BlockSize: 4096, TotalBlocks: 64, FreeBlocks: 61,
		UsedBlocks: 3, InodeCapacity: 32, InodesUsed: 1, CacheFrames: 16,
	})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "block_size")
	require.Contains(t, lines[1], "4096")
}

func TestFormatCache_RendersOneRowPerFrame(t *testing.T) {
	out, err := diagnostics.FormatCache([]cache.FrameStatus{
		{Frame: 0, Block: 10, Resident: true, Dirty: false},
		{Frame: 1, Block: 11, Resident: true, Dirty: true},
	})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 3)
}

func TestFormatFsck_EmptyViolationsStillProducesHeader(t *testing.T) {
	out, err := diagnostics.FormatFsck(nil)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "invariant")
}

func TestRunFsck_CleanFilesystemReportsNoViolations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	require.NoError(t, fs.Format(path, 8, 32))
	fsys, err := fs.Mount(path, 32)
	require.NoError(t, err)
	defer fsys.Unmount()

	_, err = fsys.Mkdir("/d1")
	require.NoError(t, err)
	_, err = fsys.CreateFile("/d1/a.txt", []byte("hello"))
	require.NoError(t, err)

	violations, err := diagnostics.RunFsck(fsys)
	require.NoError(t, err)
	require.Empty(t, violations)
}
