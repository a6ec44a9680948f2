// Package cache implements the fixed-capacity FIFO block cache that sits
// between the upper layers (bitmap, inode manager) and the BlockDevice. It
// is the sole owner of block buffers during steady-state operation: neither
// bitmap nor inode touch the BlockDevice directly once mounted.
//
// Policy is FIFO with write-back: insertion order into the queue governs
// eviction, and reads never reorder the queue.
package cache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/augustday/ublockfs/blockdevice"
	dioerrors "github.com/augustday/ublockfs/errors"
)

// DefaultFrameCount is the default number of page frames (P in spec.md §4.3).
const DefaultFrameCount = 16

// frame is one page frame: a resident block plus its dirty flag.
type frame struct {
	blockIdx blockdevice.Index
	resident bool
	dirty    bool
	data     []byte
}

// Cache is a fixed-capacity set of page frames over a BlockDevice, FIFO
// eviction, write-back on eviction and on FlushAll.
type Cache struct {
	mu         sync.RWMutex
	device     *blockdevice.BlockDevice
	frames     []frame
	blockToIdx map[blockdevice.Index]int // reverse map: block index -> frame slot
	fifo       *list.List                // holds frame slot ints, in insertion order
	fifoElem   map[int]*list.Element     // frame slot -> its node in fifo, for O(1) removal
}

// New creates a Cache with frameCount frames (each device.BlockSize bytes)
// backed by device.
func New(device *blockdevice.BlockDevice, frameCount int) *Cache {
	if frameCount <= 0 {
		frameCount = DefaultFrameCount
	}

	frames := make([]frame, frameCount)
	for i := range frames {
		frames[i].data = make([]byte, device.BlockSize)
	}

	return &Cache{
		device:     device,
		frames:     frames,
		blockToIdx: make(map[blockdevice.Index]int),
		fifo:       list.New(),
		fifoElem:   make(map[int]*list.Element),
	}
}

// FrameCount returns P, the fixed number of page frames.
func (c *Cache) FrameCount() int {
	return len(c.frames)
}

// getFreeFrameLocked returns the index of a frame ready to hold a new block,
// evicting the FIFO head (writing it back if dirty) if every frame is full.
// Caller must hold c.mu for writing.
func (c *Cache) getFreeFrameLocked() (int, error) {
	for i := range c.frames {
		if !c.frames[i].resident {
			return i, nil
		}
	}

	// Every frame is full: evict the FIFO head.
	head := c.fifo.Front()
	victim := head.Value.(int)
	c.fifo.Remove(head)
	delete(c.fifoElem, victim)

	f := &c.frames[victim]
	if f.dirty {
		if err := c.device.WriteBlock(f.blockIdx, f.data); err != nil {
			// Put the victim back at the front so a retry doesn't lose it.
			elem := c.fifo.PushFront(victim)
			c.fifoElem[victim] = elem
			return 0, err
		}
	}

	delete(c.blockToIdx, f.blockIdx)
	f.resident = false
	f.dirty = false
	return victim, nil
}

func (c *Cache) installLocked(slot int, idx blockdevice.Index) {
	c.frames[slot].blockIdx = idx
	c.frames[slot].resident = true
	c.blockToIdx[idx] = slot
	elem := c.fifo.PushBack(slot)
	c.fifoElem[slot] = elem
}

// ReadBlock copies the contents of block idx into buf (exactly BlockSize
// bytes), loading it from the device first if it isn't resident. A read
// never changes FIFO order.
func (c *Cache) ReadBlock(idx blockdevice.Index, buf []byte) error {
	if err := c.checkBuf(buf); err != nil {
		return err
	}

	c.mu.RLock()
	if slot, ok := c.blockToIdx[idx]; ok {
		copy(buf, c.frames[slot].data)
		c.mu.RUnlock()
		return nil
	}
	c.mu.RUnlock()

	// Miss: promote to the writer lock and recheck residency before loading,
	// since another goroutine may have loaded it while we didn't hold the
	// lock (SPEC_FULL.md §5's recheck-after-upgrade discipline).
	c.mu.Lock()
	defer c.mu.Unlock()

	if slot, ok := c.blockToIdx[idx]; ok {
		copy(buf, c.frames[slot].data)
		return nil
	}

	slot, err := c.getFreeFrameLocked()
	if err != nil {
		return err
	}
	if err := c.device.ReadBlock(idx, c.frames[slot].data); err != nil {
		return err
	}
	c.installLocked(slot, idx)
	copy(buf, c.frames[slot].data)
	return nil
}

// WriteBlock overwrites block idx with buf (exactly BlockSize bytes) and
// marks it dirty, loading the existing block first if it isn't resident
// (partial-block writes must preserve prior content for callers that only
// touch part of a block via a higher-level byte range).
func (c *Cache) WriteBlock(idx blockdevice.Index, buf []byte) error {
	if err := c.checkBuf(buf); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if slot, ok := c.blockToIdx[idx]; ok {
		copy(c.frames[slot].data, buf)
		c.frames[slot].dirty = true
		return nil
	}

	slot, err := c.getFreeFrameLocked()
	if err != nil {
		return err
	}
	if err := c.device.ReadBlock(idx, c.frames[slot].data); err != nil {
		return err
	}
	copy(c.frames[slot].data, buf)
	c.frames[slot].dirty = true
	c.installLocked(slot, idx)
	return nil
}

// FlushAll writes back every dirty frame and clears their dirty bits.
func (c *Cache) FlushAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.frames {
		f := &c.frames[i]
		if f.resident && f.dirty {
			if err := c.device.WriteBlock(f.blockIdx, f.data); err != nil {
				return err
			}
			f.dirty = false
		}
	}
	return nil
}

func (c *Cache) checkBuf(buf []byte) error {
	if uint32(len(buf)) != c.device.BlockSize {
		return dioerrors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("buffer must be exactly %d bytes, got %d", c.device.BlockSize, len(buf)))
	}
	return nil
}

// FrameStatus describes one resident frame, used by the `cache` CLI command
// and tests verifying FIFO eviction (S6 in spec.md §8).
type FrameStatus struct {
	Frame    int
	Block    blockdevice.Index
	Resident bool
	Dirty    bool
}

// Status returns a snapshot of every frame in FIFO order (oldest first),
// skipping empty frames.
func (c *Cache) Status() []FrameStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	statuses := make([]FrameStatus, 0, c.fifo.Len())
	for e := c.fifo.Front(); e != nil; e = e.Next() {
		slot := e.Value.(int)
		f := c.frames[slot]
		statuses = append(statuses, FrameStatus{
			Frame:    slot,
			Block:    f.blockIdx,
			Resident: f.resident,
			Dirty:    f.dirty,
		})
	}
	return statuses
}

// IsResident reports whether block idx currently occupies a frame.
func (c *Cache) IsResident(idx blockdevice.Index) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.blockToIdx[idx]
	return ok
}
