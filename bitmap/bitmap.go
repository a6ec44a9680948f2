// Package bitmap implements the free-block allocation map persisted in the
// metadata region (starting at block 0) of a ublockfs image. Bit value 1
// means allocated; bit index is the block number. The metadata region
// (bitmap blocks plus the inode table) is permanently reserved and never
// handed out by the allocator; see spec.md §3 and fs.layout for how its
// size is derived from block size, total blocks, and inode capacity.
package bitmap

import (
	"fmt"
	"sync"

	gobitmap "github.com/boljen/go-bitmap"

	"github.com/augustday/ublockfs/blockdevice"
	dioerrors "github.com/augustday/ublockfs/errors"
)

// BlockReadWriter is the subset of cache.Cache the bitmap needs to persist
// itself. It is satisfied by *cache.Cache without either package importing
// the other's concrete type.
type BlockReadWriter interface {
	ReadBlock(idx blockdevice.Index, buf []byte) error
	WriteBlock(idx blockdevice.Index, buf []byte) error
}

// Bitmap is the in-memory free-block map. All mutating operations are
// serialized under mu; IsAllocated may be called concurrently with other
// readers but not with a writer.
type Bitmap struct {
	mu          sync.RWMutex
	bits        gobitmap.Bitmap
	blockSize   uint32
	totalBlocks uint32
	reserved    uint32 // blocks [0, reserved) are permanently allocated
	freeCount   uint32
}

// NumBlocksForBitmap returns how many on-disk blocks a bitmap covering
// totalBlocks bits occupies, given blockSize-byte blocks.
func NumBlocksForBitmap(blockSize, totalBlocks uint32) uint32 {
	bitsPerBlock := blockSize * 8
	return (totalBlocks + bitsPerBlock - 1) / bitsPerBlock
}

func (b *Bitmap) markReservedLocked() {
	for i := uint32(0); i < b.reserved && i < b.totalBlocks; i++ {
		b.bits.Set(int(i), true)
	}
}

// Initialize builds a fresh, all-free bitmap of totalBlocks bits (sized to
// blockSize-byte blocks) and marks the first `reserved` blocks allocated.
// `reserved` must cover at least the bitmap's own on-disk blocks.
func Initialize(blockSize, totalBlocks, reserved uint32) *Bitmap {
	b := &Bitmap{
		bits:        gobitmap.New(int(totalBlocks)),
		blockSize:   blockSize,
		totalBlocks: totalBlocks,
		reserved:    reserved,
	}
	b.markReservedLocked()
	b.recomputeFreeCount()
	return b
}

func (b *Bitmap) recomputeFreeCount() {
	used := uint32(0)
	for i := uint32(0); i < b.totalBlocks; i++ {
		if b.bits.Get(int(i)) {
			used++
		}
	}
	b.freeCount = b.totalBlocks - used
}

// Load reads the bitmap's on-disk blocks (starting at block 0) through
// cache, recomputes the free count by scanning, and reasserts the
// reservation bits (defensive against a corrupted image that cleared them).
func Load(cache BlockReadWriter, blockSize, totalBlocks, reserved uint32) (*Bitmap, error) {
	b := &Bitmap{
		bits:        gobitmap.New(int(totalBlocks)),
		blockSize:   blockSize,
		totalBlocks: totalBlocks,
		reserved:    reserved,
	}

	raw := b.bits.Data(false)
	nBlocks := NumBlocksForBitmap(blockSize, totalBlocks)
	for i := uint32(0); i < nBlocks; i++ {
		buf := make([]byte, blockSize)
		if err := cache.ReadBlock(blockdevice.Index(i), buf); err != nil {
			return nil, err
		}
		copy(raw[i*blockSize:], buf)
	}

	b.markReservedLocked()
	b.recomputeFreeCount()
	return b, nil
}

// Save writes the bitmap's on-disk blocks through cache.
func (b *Bitmap) Save(cache BlockReadWriter) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	raw := b.bits.Data(false)
	nBlocks := NumBlocksForBitmap(b.blockSize, b.totalBlocks)
	for i := uint32(0); i < nBlocks; i++ {
		buf := make([]byte, b.blockSize)
		start := i * b.blockSize
		end := start + b.blockSize
		if int(end) > len(raw) {
			end = uint32(len(raw))
		}
		copy(buf, raw[start:end])
		if err := cache.WriteBlock(blockdevice.Index(i), buf); err != nil {
			return err
		}
	}
	return nil
}

// FreeCount returns the number of unallocated blocks.
func (b *Bitmap) FreeCount() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.freeCount
}

// TotalBlocks returns the total number of blocks tracked by this bitmap.
func (b *Bitmap) TotalBlocks() uint32 {
	return b.totalBlocks
}

// IsAllocated reports whether block idx is allocated. Out-of-range indices
// report allocated, per spec.md §4.2 ("safer default").
func (b *Bitmap) IsAllocated(idx uint32) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if idx >= b.totalBlocks {
		return true
	}
	return b.bits.Get(int(idx))
}

// AllocateOne returns the lowest-index free block above the reserved region
// and marks it allocated.
func (b *Bitmap) AllocateOne() (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := b.reserved; i < b.totalBlocks; i++ {
		if !b.bits.Get(int(i)) {
			b.bits.Set(int(i), true)
			b.freeCount--
			return i, nil
		}
	}
	return 0, dioerrors.ErrNoSpaceOnDevice
}

// findFreeRun returns the lowest start index s >= reserved such that blocks
// [s, s+count) are all free, first-fit, ties broken by lowest index.
func (b *Bitmap) findFreeRun(count uint32) (uint32, error) {
	if count == 0 {
		return 0, dioerrors.ErrInvalidArgument.WithMessage("contiguous allocation of 0 blocks")
	}

	runStart := b.reserved
	runLen := uint32(0)
	for i := b.reserved; i < b.totalBlocks; i++ {
		if b.bits.Get(int(i)) {
			runLen = 0
			runStart = i + 1
			continue
		}
		if runLen == 0 {
			runStart = i
		}
		runLen++
		if runLen == count {
			return runStart, nil
		}
	}
	return 0, dioerrors.ErrNoSpaceOnDevice
}

// AllocateContiguous returns the lowest-index run of count free blocks
// (first-fit from the reserved boundary) and marks them all allocated
// atomically.
func (b *Bitmap) AllocateContiguous(count uint32) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start, err := b.findFreeRun(count)
	if err != nil {
		return 0, err
	}
	for i := uint32(0); i < count; i++ {
		b.bits.Set(int(start+i), true)
	}
	b.freeCount -= count
	return start, nil
}

// IsRangeFree reports whether every block in [start, start+count) is free.
// Used by inode.Manager's in-place tail-extension path, which must verify
// the trailing blocks are free under the bitmap lock before marking them
// used directly (spec.md §9, "resize ... mark_block_used").
func (b *Bitmap) IsRangeFree(start, count uint32) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if start+count > b.totalBlocks {
		return false
	}
	for i := start; i < start+count; i++ {
		if b.bits.Get(int(i)) {
			return false
		}
	}
	return true
}

// MarkRangeUsed marks [start, start+count) allocated without going through
// the first-fit allocator. Callers MUST have verified the range is free
// (e.g. via IsRangeFree) in the same critical section as this call; this
// function re-verifies itself and returns an error instead of silently
// overwriting bits that are already set.
func (b *Bitmap) MarkRangeUsed(start, count uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if start+count > b.totalBlocks {
		return dioerrors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("range [%d, %d) exceeds device size %d", start, start+count, b.totalBlocks))
	}
	for i := start; i < start+count; i++ {
		if b.bits.Get(int(i)) {
			return dioerrors.ErrNoSpaceOnDevice.WithMessage(
				fmt.Sprintf("block %d in requested range is already allocated", i))
		}
	}
	for i := start; i < start+count; i++ {
		b.bits.Set(int(i), true)
	}
	b.freeCount -= count
	return nil
}

// FreeOne clears the bit for idx. Freeing an already-free block, or one
// inside the permanently reserved region, is a silent no-op per spec.md §7.
func (b *Bitmap) FreeOne(idx uint32) {
	b.FreeContiguous(idx, 1)
}

// FreeContiguous clears count bits starting at start. Reserved blocks within
// the range are left untouched; freeing already-free blocks is a no-op.
func (b *Bitmap) FreeContiguous(start, count uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := start; i < start+count && i < b.totalBlocks; i++ {
		if i < b.reserved {
			continue
		}
		if b.bits.Get(int(i)) {
			b.bits.Set(int(i), false)
			b.freeCount++
		}
	}
}
