package inode

import (
	"fmt"
	"strings"
	"sync"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/augustday/ublockfs/bitmap"
	"github.com/augustday/ublockfs/blockdevice"
	"github.com/augustday/ublockfs/directory"
	dioerrors "github.com/augustday/ublockfs/errors"
)

// BlockReadWriter is the subset of cache.Cache the inode manager needs. It's
// satisfied by *cache.Cache without an import cycle between the two
// packages.
type BlockReadWriter interface {
	ReadBlock(idx blockdevice.Index, buf []byte) error
	WriteBlock(idx blockdevice.Index, buf []byte) error
}

// Manager owns the inode table, the per-slot allocation bitvector, and the
// write-through directory-page cache. It never touches the BlockDevice
// directly; all I/O goes through the injected cache.
type Manager struct {
	cache BlockReadWriter
	bmp   *bitmap.Bitmap

	blockSize       uint32
	tableStartBlock uint32
	capacity        uint32 // M, the inode table capacity
	inodesPerBlock  uint32
	dataStartBlock  uint32 // D, first block of the data region

	allocLock sync.Mutex
	used      []bool // index 0 unused; 1..capacity

	inodeLocks []sync.Mutex // index 0 unused; 1..capacity, one per inode id

	dirCacheLock sync.Mutex
	dirCache     map[uint32]*directory.Page
}

// TableBlocks returns how many on-disk blocks an inode table of the given
// capacity occupies at the given block size.
func TableBlocks(blockSize, capacity uint32) uint32 {
	perBlock := blockSize / RecordSize
	return (capacity + perBlock - 1) / perBlock
}

// NewManager constructs a Manager over an already-initialized inode table
// region starting at tableStartBlock (immediately after the bitmap's own
// blocks) with room for `capacity` inodes. dataStartBlock is the first
// block available to the allocator for file/directory content.
func NewManager(
	cache BlockReadWriter,
	bmp *bitmap.Bitmap,
	blockSize, tableStartBlock, capacity, dataStartBlock uint32,
) *Manager {
	return &Manager{
		cache:           cache,
		bmp:             bmp,
		blockSize:       blockSize,
		tableStartBlock: tableStartBlock,
		capacity:        capacity,
		inodesPerBlock:  blockSize / RecordSize,
		dataStartBlock:  dataStartBlock,
		used:            make([]bool, capacity+1),
		inodeLocks:      make([]sync.Mutex, capacity+1),
		dirCache:        make(map[uint32]*directory.Page),
	}
}

func (m *Manager) lockFor(id uint32) *sync.Mutex {
	return &m.inodeLocks[id]
}

// blockAndOffsetFor returns which on-disk block holds inode id's record, and
// the byte offset within that block.
func (m *Manager) blockAndOffsetFor(id uint32) (blockdevice.Index, uint32) {
	slot := id - 1 // slot 0 of the table backs id 1
	blockNum := m.tableStartBlock + slot/m.inodesPerBlock
	offset := (slot % m.inodesPerBlock) * RecordSize
	return blockdevice.Index(blockNum), offset
}

// InitializeTable zero-fills every on-disk block of a freshly formatted
// inode table.
func (m *Manager) InitializeTable() error {
	zero := make([]byte, m.blockSize)
	nBlocks := TableBlocks(m.blockSize, m.capacity)
	for i := uint32(0); i < nBlocks; i++ {
		if err := m.cache.WriteBlock(blockdevice.Index(m.tableStartBlock+i), zero); err != nil {
			return err
		}
	}
	return nil
}

// LoadUsed scans the on-disk inode table and rebuilds the in-memory `used`
// bitvector, per spec.md §4.5 ("reconstructable from disk by scanning").
func (m *Manager) LoadUsed() error {
	m.allocLock.Lock()
	defer m.allocLock.Unlock()

	for id := uint32(1); id <= m.capacity; id++ {
		n, err := m.readInodeRaw(id)
		if err != nil {
			return err
		}
		m.used[id] = n.ID == id
	}
	return nil
}

// HasRoot reports whether inode 1 (root) currently exists on disk.
func (m *Manager) HasRoot() (bool, error) {
	n, err := m.readInodeRaw(RootID)
	if err != nil {
		return false, err
	}
	return n.ID == RootID, nil
}

func (m *Manager) readInodeRaw(id uint32) (*Inode, error) {
	block, offset := m.blockAndOffsetFor(id)
	buf := make([]byte, m.blockSize)
	if err := m.cache.ReadBlock(block, buf); err != nil {
		return nil, err
	}
	return DeserializeInode(buf[offset : offset+RecordSize])
}

// ReadInode reads and deserializes inode id's record.
func (m *Manager) ReadInode(id uint32) (*Inode, error) {
	return m.readInodeRaw(id)
}

// WriteInode serializes and writes inode n's record back to its slot.
func (m *Manager) WriteInode(n *Inode) error {
	block, offset := m.blockAndOffsetFor(n.ID)
	buf := make([]byte, m.blockSize)
	if err := m.cache.ReadBlock(block, buf); err != nil {
		return err
	}
	copy(buf[offset:offset+RecordSize], n.Serialize())
	return m.cache.WriteBlock(block, buf)
}

// allocateSlot claims the lowest free inode id (slot 0 is never used; id 1
// is reserved for root and only ever claimed by CreateRoot).
func (m *Manager) allocateSlot(startFrom uint32) (uint32, error) {
	m.allocLock.Lock()
	defer m.allocLock.Unlock()

	for id := startFrom; id <= m.capacity; id++ {
		if !m.used[id] {
			m.used[id] = true
			return id, nil
		}
	}
	return 0, dioerrors.ErrNoInodes
}

func (m *Manager) freeSlot(id uint32) {
	m.allocLock.Lock()
	defer m.allocLock.Unlock()
	m.used[id] = false
}

// CreateRoot creates the root directory (id 1) with self-links. It does not
// check whether a root already exists; the filesystem facade calls it at
// mount time only when HasRoot reports none.
func (m *Manager) CreateRoot(now int64) error {
	m.allocLock.Lock()
	m.used[RootID] = true
	m.allocLock.Unlock()

	start, err := m.bmp.AllocateOne()
	if err != nil {
		m.freeSlot(RootID)
		return err
	}

	page := directory.NewPage()
	page.AddSelfLinks(RootID, RootID)
	pageBytes, err := page.Serialize(m.blockSize)
	if err != nil {
		m.bmp.FreeOne(start)
		m.freeSlot(RootID)
		return err
	}
	if err := m.cache.WriteBlock(blockdevice.Index(start), pageBytes); err != nil {
		m.bmp.FreeOne(start)
		m.freeSlot(RootID)
		return err
	}

	root := &Inode{
		ID:         RootID,
		Type:       TypeDirectory,
		Size:       uint32(len(pageBytes)),
		StartBlock: start,
		BlockCount: 1,
		ParentID:   RootID,
		CreateTime: now,
		ModifyTime: now,
		Name:       "/",
	}
	if err := m.WriteInode(root); err != nil {
		m.bmp.FreeOne(start)
		m.freeSlot(RootID)
		return err
	}

	m.dirCacheLock.Lock()
	m.dirCache[RootID] = page
	m.dirCacheLock.Unlock()
	return nil
}

// getDirectoryPage loads dirID's directory page, consulting (and
// populating) the write-through directory cache. Callers must hold
// m.lockFor(dirID) so cache population/eviction never races a pending save
// (spec.md §4.5, "directory cache coherence").
func (m *Manager) getDirectoryPage(dirID uint32, startBlock uint32) (*directory.Page, error) {
	m.dirCacheLock.Lock()
	if page, ok := m.dirCache[dirID]; ok {
		m.dirCacheLock.Unlock()
		return page, nil
	}
	m.dirCacheLock.Unlock()

	buf := make([]byte, m.blockSize)
	if err := m.cache.ReadBlock(blockdevice.Index(startBlock), buf); err != nil {
		return nil, err
	}
	page, err := directory.Deserialize(buf)
	if err != nil {
		return nil, err
	}

	m.dirCacheLock.Lock()
	m.dirCache[dirID] = page
	m.dirCacheLock.Unlock()
	return page, nil
}

// saveDirectoryPage writes dirID's page through the cache and keeps the
// write-through directory cache entry in sync. Callers must hold
// m.lockFor(dirID).
func (m *Manager) saveDirectoryPage(dirID, startBlock uint32, page *directory.Page) error {
	buf, err := page.Serialize(m.blockSize)
	if err != nil {
		return err
	}
	if err := m.cache.WriteBlock(blockdevice.Index(startBlock), buf); err != nil {
		return err
	}

	m.dirCacheLock.Lock()
	m.dirCache[dirID] = page
	m.dirCacheLock.Unlock()
	return nil
}

func (m *Manager) invalidateDirectoryPage(dirID uint32) {
	m.dirCacheLock.Lock()
	delete(m.dirCache, dirID)
	m.dirCacheLock.Unlock()
}

// CreateFile implements spec.md §4.5's create_file: validates the name,
// rejects duplicates, allocates an inode slot and a contiguous extent sized
// to the initial content, writes the inode, and appends the directory
// entry — undoing every completed step in reverse if a later step fails.
func (m *Manager) CreateFile(parent *Inode, name string, content []byte, now int64) (*Inode, error) {
	return m.createObject(parent, name, content, TypeFile, now)
}

// CreateDirectory implements spec.md §4.5's analogous directory creation:
// a one-block extent seeded with "." and "..".
func (m *Manager) CreateDirectory(parent *Inode, name string, now int64) (*Inode, error) {
	return m.createObject(parent, name, nil, TypeDirectory, now)
}

func (m *Manager) createObject(parent *Inode, name string, content []byte, typ Type, now int64) (*Inode, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	parentLock := m.lockFor(parent.ID)
	parentLock.Lock()
	defer parentLock.Unlock()

	page, err := m.getDirectoryPage(parent.ID, parent.StartBlock)
	if err != nil {
		return nil, err
	}
	if _, exists := page.Find(name); exists {
		return nil, dioerrors.ErrExists.WithMessage(name)
	}

	id, err := m.allocateSlot(RootID + 1)
	if err != nil {
		return nil, err
	}

	var undo error
	rollbackSlot := func() {
		m.freeSlot(id)
	}

	var blockCount uint32
	var startBlock uint32
	var pageBytes []byte

	if typ == TypeDirectory {
		blockCount = 1
		startBlock, err = m.bmp.AllocateContiguous(blockCount)
		if err != nil {
			rollbackSlot()
			return nil, err
		}
		childPage := directory.NewPage()
		childPage.AddSelfLinks(id, parent.ID)
		pageBytes, err = childPage.Serialize(m.blockSize)
		if err != nil {
			m.bmp.FreeContiguous(startBlock, blockCount)
			rollbackSlot()
			return nil, err
		}
		if err := m.cache.WriteBlock(blockdevice.Index(startBlock), pageBytes); err != nil {
			m.bmp.FreeContiguous(startBlock, blockCount)
			rollbackSlot()
			return nil, err
		}
		m.dirCacheLock.Lock()
		m.dirCache[id] = childPage
		m.dirCacheLock.Unlock()
	} else {
		size := uint32(len(content))
		blockCount = BlockCountForSize(size, m.blockSize)
		startBlock, err = m.bmp.AllocateContiguous(blockCount)
		if err != nil {
			rollbackSlot()
			return nil, err
		}
		if err := m.writeExtent(startBlock, blockCount, content); err != nil {
			m.bmp.FreeContiguous(startBlock, blockCount)
			rollbackSlot()
			return nil, err
		}
	}

	newInode := &Inode{
		ID:         id,
		Type:       typ,
		Size:       uint32(len(content)),
		StartBlock: startBlock,
		BlockCount: blockCount,
		ParentID:   parent.ID,
		CreateTime: now,
		ModifyTime: now,
		Name:       name,
	}
	if typ == TypeDirectory {
		// Directory "size" is the bytes used in its single page, not the
		// logical content length (there is none).
		newInode.Size = uint32(len(pageBytes))
	}

	if err := m.WriteInode(newInode); err != nil {
		m.bmp.FreeContiguous(startBlock, blockCount)
		rollbackSlot()
		if typ == TypeDirectory {
			m.invalidateDirectoryPage(id)
		}
		return nil, multierror.Append(undo, err).ErrorOrNil()
	}

	entryType := directory.TypeFile
	if typ == TypeDirectory {
		entryType = directory.TypeDirectory
	}
	if err := page.Add(name, id, entryType); err != nil {
		m.bmp.FreeContiguous(startBlock, blockCount)
		rollbackSlot()
		if typ == TypeDirectory {
			m.invalidateDirectoryPage(id)
		}
		return nil, err
	}
	if err := m.saveDirectoryPage(parent.ID, parent.StartBlock, page); err != nil {
		_ = page.Remove(name)
		m.bmp.FreeContiguous(startBlock, blockCount)
		rollbackSlot()
		if typ == TypeDirectory {
			m.invalidateDirectoryPage(id)
		}
		return nil, err
	}

	return newInode, nil
}

// writeExtent zero-pads content to blockCount*blockSize and writes it across
// the contiguous run starting at startBlock.
func (m *Manager) writeExtent(startBlock, blockCount uint32, content []byte) error {
	padded := make([]byte, blockCount*m.blockSize)
	copy(padded, content)

	for i := uint32(0); i < blockCount; i++ {
		chunk := padded[i*m.blockSize : (i+1)*m.blockSize]
		if err := m.cache.WriteBlock(blockdevice.Index(startBlock+i), chunk); err != nil {
			return err
		}
	}
	return nil
}

// ReadFile implements spec.md §4.5's read(): reads BlockCount blocks through
// the cache and returns the first Size bytes.
func (m *Manager) ReadFile(n *Inode) ([]byte, error) {
	lock := m.lockFor(n.ID)
	lock.Lock()
	defer lock.Unlock()

	if n.BlockCount == 0 {
		return nil, nil
	}

	buf := make([]byte, n.BlockCount*m.blockSize)
	for i := uint32(0); i < n.BlockCount; i++ {
		if err := m.cache.ReadBlock(blockdevice.Index(n.StartBlock+i), buf[i*m.blockSize:(i+1)*m.blockSize]); err != nil {
			return nil, err
		}
	}
	if n.Size > uint32(len(buf)) {
		return nil, dioerrors.ErrFileSystemCorrupted.WithMessage("inode size exceeds its own extent")
	}
	return buf[:n.Size], nil
}

// WriteFile implements spec.md §4.5's write(): resize to content's length,
// rewrite every block (zero-padding the final partial block), and bump
// modify_time.
func (m *Manager) WriteFile(n *Inode, content []byte, now int64) error {
	lock := m.lockFor(n.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.resizeLocked(n, uint32(len(content))); err != nil {
		return err
	}
	if err := m.writeExtent(n.StartBlock, n.BlockCount, content); err != nil {
		return err
	}
	n.ModifyTime = now
	return m.WriteInode(n)
}

// Resize implements spec.md §4.5's resize() directly (used by tests
// exercising the contiguous-extent relocation path, S5 in spec.md §8).
func (m *Manager) Resize(n *Inode, newSize uint32, now int64) error {
	lock := m.lockFor(n.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.resizeLocked(n, newSize); err != nil {
		return err
	}
	n.ModifyTime = now
	return m.WriteInode(n)
}

func (m *Manager) resizeLocked(n *Inode, newSize uint32) error {
	newBlockCount := BlockCountForSize(newSize, m.blockSize)

	switch {
	case newBlockCount == n.BlockCount:
		n.Size = newSize
		return nil

	case newBlockCount > n.BlockCount && n.BlockCount > 0 &&
		m.bmp.IsRangeFree(n.StartBlock+n.BlockCount, newBlockCount-n.BlockCount):
		// In-place tail extension: verified free under the bitmap lock,
		// then marked directly rather than through the first-fit allocator
		// (spec.md §9's "mark_block_used" path).
		extra := newBlockCount - n.BlockCount
		if err := m.bmp.MarkRangeUsed(n.StartBlock+n.BlockCount, extra); err != nil {
			return err
		}
		n.BlockCount = newBlockCount
		n.Size = newSize
		return nil

	default:
		newStart, err := m.bmp.AllocateContiguous(newBlockCount)
		if err != nil {
			return err
		}
		if n.BlockCount > 0 {
			copyCount := n.BlockCount
			if newBlockCount < copyCount {
				copyCount = newBlockCount
			}
			for i := uint32(0); i < copyCount; i++ {
				buf := make([]byte, m.blockSize)
				if err := m.cache.ReadBlock(blockdevice.Index(n.StartBlock+i), buf); err != nil {
					m.bmp.FreeContiguous(newStart, newBlockCount)
					return err
				}
				if err := m.cache.WriteBlock(blockdevice.Index(newStart+i), buf); err != nil {
					m.bmp.FreeContiguous(newStart, newBlockCount)
					return err
				}
			}
			m.bmp.FreeContiguous(n.StartBlock, n.BlockCount)
		}
		// Zero any newly added blocks past what was copied.
		if newBlockCount > n.BlockCount {
			zero := make([]byte, m.blockSize)
			for i := n.BlockCount; i < newBlockCount; i++ {
				if err := m.cache.WriteBlock(blockdevice.Index(newStart+i), zero); err != nil {
					return err
				}
			}
		}
		n.StartBlock = newStart
		n.BlockCount = newBlockCount
		n.Size = newSize
		return nil
	}
}

// splitPath splits a normalized absolute path into non-empty, non-"."
// segments, handling ".." as a parent-step marker left in the slice for the
// caller to interpret against the live inode chain (Resolve does this).
func splitPath(path string) []string {
	raw := strings.Split(path, "/")
	segments := make([]string, 0, len(raw))
	for _, s := range raw {
		if s == "" || s == "." {
			continue
		}
		segments = append(segments, s)
	}
	return segments
}

// Resolve implements spec.md §4.5's resolve(): walks a normalized path from
// root, treating ".." as a parent-step capped at root, and returns the
// terminal inode id.
func (m *Manager) Resolve(path string) (uint32, error) {
	if path == "/" || path == "" {
		return RootID, nil
	}

	currentID := uint32(RootID)
	for _, segment := range splitPath(path) {
		current, err := m.ReadInode(currentID)
		if err != nil {
			return 0, err
		}
		if !current.IsDir() {
			return 0, dioerrors.ErrWrongType.WithMessage(fmt.Sprintf("%q is not a directory", current.Name))
		}

		if segment == ".." {
			lock := m.lockFor(currentID)
			lock.Lock()
			page, err := m.getDirectoryPage(currentID, current.StartBlock)
			lock.Unlock()
			if err != nil {
				return 0, err
			}
			entry, ok := page.Find("..")
			if !ok {
				return 0, dioerrors.ErrFileSystemCorrupted.WithMessage("directory missing '..' entry")
			}
			currentID = entry.InodeID
			continue
		}

		lock := m.lockFor(currentID)
		lock.Lock()
		page, err := m.getDirectoryPage(currentID, current.StartBlock)
		lock.Unlock()
		if err != nil {
			return 0, err
		}

		entry, ok := page.Find(segment)
		if !ok {
			return 0, dioerrors.ErrNotFound.WithMessage(segment)
		}
		currentID = entry.InodeID
	}

	return currentID, nil
}

// ListDirectory returns a snapshot of dir's entries.
func (m *Manager) ListDirectory(dir *Inode) ([]directory.Entry, error) {
	if !dir.IsDir() {
		return nil, dioerrors.ErrWrongType.WithMessage(fmt.Sprintf("%q is not a directory", dir.Name))
	}

	lock := m.lockFor(dir.ID)
	lock.Lock()
	defer lock.Unlock()

	page, err := m.getDirectoryPage(dir.ID, dir.StartBlock)
	if err != nil {
		return nil, err
	}
	return page.List(), nil
}

// DeleteFile implements spec.md §4.5's file delete: free the extent, remove
// the parent's entry, free the inode slot.
func (m *Manager) DeleteFile(parent *Inode, name string) error {
	parentLock := m.lockFor(parent.ID)
	parentLock.Lock()
	defer parentLock.Unlock()

	page, err := m.getDirectoryPage(parent.ID, parent.StartBlock)
	if err != nil {
		return err
	}
	entry, ok := page.Find(name)
	if !ok {
		return dioerrors.ErrNotFound.WithMessage(name)
	}

	child, err := m.ReadInode(entry.InodeID)
	if err != nil {
		return err
	}
	if child.IsDir() {
		return dioerrors.ErrWrongType.WithMessage(fmt.Sprintf("%q is a directory", name))
	}

	if err := page.Remove(name); err != nil {
		return err
	}
	if err := m.saveDirectoryPage(parent.ID, parent.StartBlock, page); err != nil {
		return err
	}

	m.bmp.FreeContiguous(child.StartBlock, child.BlockCount)
	m.freeSlot(child.ID)
	return nil
}

// DeleteDirectory implements spec.md §4.5's delete_directory(): recursively
// deletes all entries except "." and "..", frees the directory's own
// extent, removes its entry from its parent, and frees its inode slot. The
// root directory can never be targeted (callers must not pass RootID).
func (m *Manager) DeleteDirectory(parent *Inode, name string) error {
	parentLock := m.lockFor(parent.ID)
	parentLock.Lock()

	page, err := m.getDirectoryPage(parent.ID, parent.StartBlock)
	if err != nil {
		parentLock.Unlock()
		return err
	}
	entry, ok := page.Find(name)
	if !ok {
		parentLock.Unlock()
		return dioerrors.ErrNotFound.WithMessage(name)
	}

	child, err := m.ReadInode(entry.InodeID)
	if err != nil {
		parentLock.Unlock()
		return err
	}
	if !child.IsDir() {
		parentLock.Unlock()
		return dioerrors.ErrWrongType.WithMessage(fmt.Sprintf("%q is not a directory", name))
	}
	if child.ID == RootID {
		parentLock.Unlock()
		return dioerrors.ErrInvalidArgument.WithMessage("cannot delete the root directory")
	}

	if err := m.deleteDirectoryContents(child); err != nil {
		parentLock.Unlock()
		return err
	}

	if err := page.Remove(name); err != nil {
		parentLock.Unlock()
		return err
	}
	if err := m.saveDirectoryPage(parent.ID, parent.StartBlock, page); err != nil {
		parentLock.Unlock()
		return err
	}
	parentLock.Unlock()

	m.bmp.FreeContiguous(child.StartBlock, child.BlockCount)
	m.freeSlot(child.ID)
	m.invalidateDirectoryPage(child.ID)
	return nil
}

// deleteDirectoryContents recursively removes every entry of dir except "."
// and "..", depth-first, terminating on the first error.
func (m *Manager) deleteDirectoryContents(dir *Inode) error {
	lock := m.lockFor(dir.ID)
	lock.Lock()
	page, err := m.getDirectoryPage(dir.ID, dir.StartBlock)
	lock.Unlock()
	if err != nil {
		return err
	}

	for _, e := range page.List() {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		if e.Type == directory.TypeDirectory {
			if err := m.DeleteDirectory(dir, e.Name); err != nil {
				return err
			}
		} else {
			if err := m.DeleteFile(dir, e.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// DataStartBlock returns D, the first block of the data region.
func (m *Manager) DataStartBlock() uint32 {
	return m.dataStartBlock
}

// Capacity returns M, the inode table capacity.
func (m *Manager) Capacity() uint32 {
	return m.capacity
}

// AllInodes returns every currently allocated inode, in ascending id order.
// Used by read-only diagnostics (fsck-style consistency scans); never called
// from the hot path.
func (m *Manager) AllInodes() ([]*Inode, error) {
	m.allocLock.Lock()
	ids := make([]uint32, 0, m.capacity)
	for id := uint32(1); id <= m.capacity; id++ {
		if m.used[id] {
			ids = append(ids, id)
		}
	}
	m.allocLock.Unlock()

	out := make([]*Inode, 0, len(ids))
	for _, id := range ids {
		n, err := m.ReadInode(id)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// UsedCount returns how many inode slots are currently allocated.
func (m *Manager) UsedCount() uint32 {
	m.allocLock.Lock()
	defer m.allocLock.Unlock()

	count := uint32(0)
	for _, u := range m.used {
		if u {
			count++
		}
	}
	return count
}
