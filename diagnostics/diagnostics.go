// Package diagnostics formats read-only introspection of a mounted
// filesystem as CSV, for the CLI's `df`, `cache`, and `fsck` commands.
// It never mutates anything it inspects.
package diagnostics

import (
	"github.com/gocarina/gocsv"

	"github.com/augustday/ublockfs/cache"
	"github.com/augustday/ublockfs/fs"
)

// DfRow is one line of `df`'s CSV output.
type DfRow struct {
	BlockSize     uint32 `csv:"block_size"`
	TotalBlocks   uint32 `csv:"total_blocks"`
	FreeBlocks    uint32 `csv:"free_blocks"`
	UsedBlocks    uint32 `csv:"used_blocks"`
	InodeCapacity uint32 `csv:"inode_capacity"`
	InodesUsed    uint32 `csv:"inodes_used"`
	CacheFrames   int    `csv:"cache_frames"`
}

// FormatDf renders an FSStat snapshot as a one-row CSV table.
func FormatDf(stat fs.FSStat) (string, error) {
	rows := []DfRow{{
		BlockSize:     stat.BlockSize,
		TotalBlocks:   stat.TotalBlocks,
		FreeBlocks:    stat.FreeBlocks,
		UsedBlocks:    stat.UsedBlocks,
		InodeCapacity: stat.InodeCapacity,
		InodesUsed:    stat.InodesUsed,
		CacheFrames:   stat.CacheFrames,
	}}
	return gocsv.MarshalString(&rows)
}

// CacheRow is one line of `cache`'s CSV output: one resident frame, in FIFO
// order (oldest first).
type CacheRow struct {
	Frame    int    `csv:"frame"`
	Block    uint32 `csv:"block"`
	Resident bool   `csv:"resident"`
	Dirty    bool   `csv:"dirty"`
}

// FormatCache renders a cache frame-table snapshot as CSV.
func FormatCache(frames []cache.FrameStatus) (string, error) {
	rows := make([]CacheRow, len(frames))
	for i, f := range frames {
		rows[i] = CacheRow{
			Frame:    f.Frame,
			Block:    uint32(f.Block),
			Resident: f.Resident,
			Dirty:    f.Dirty,
		}
	}
	return gocsv.MarshalString(&rows)
}

// ViolationRow is one line of `fsck`'s output: one broken invariant.
type ViolationRow struct {
	Invariant string `csv:"invariant"`
	InodeID   uint32 `csv:"inode_id"`
	Detail    string `csv:"detail"`
}

// FormatFsck renders a slice of ViolationRow (e.g. from RunFsck) as CSV. An
// empty slice still produces a valid (header-only) CSV document.
func FormatFsck(violations []ViolationRow) (string, error) {
	return gocsv.MarshalString(&violations)
}
