// Package fs implements the filesystem facade (C6 in spec.md): mount and
// format lifecycle, current-working-directory state, open-file reference
// counts, and the high-level create/read/write/cd/ls/mkdir/rmdir/rm
// operations the CLI adapter drives.
package fs

import (
	"errors"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/augustday/ublockfs/bitmap"
	"github.com/augustday/ublockfs/blockdevice"
	"github.com/augustday/ublockfs/cache"
	"github.com/augustday/ublockfs/directory"
	dioerrors "github.com/augustday/ublockfs/errors"
	"github.com/augustday/ublockfs/inode"
)

// Filesystem is the mounted, stateful facade over one backing image. It is
// the sole owner of BlockDevice, Cache, Bitmap, and InodeManager; callers
// reach every lower-level operation through it.
//
// Per SPEC_FULL.md §5, mu is the outermost lock in the hierarchy: it
// protects mount status, cwd, and the open-file map, and is always acquired
// before any call descends into the inode manager, bitmap, or cache.
type Filesystem struct {
	mu sync.RWMutex

	path   string
	device *blockdevice.BlockDevice
	cache  *cache.Cache
	bmp    *bitmap.Bitmap
	inodes *inode.Manager
	layout layout

	mounted   bool
	cwd       string
	cwdID     uint32
	openFiles map[string]int
}

func now() int64 {
	return time.Now().Unix()
}

// Format lays out a fresh image at path: size_mb megabytes, divided into
// BlockSize blocks, with an inode table sized to inodeCapacity slots
// (DefaultInodeCapacity if zero). It does not mount the result.
//
// Nothing on disk records inodeCapacity (spec.md §9 allows omitting a
// superblock "if all layout parameters are derivable from backing-file
// size and fixed defaults"); a later Mount of this image must pass the same
// inodeCapacity it was formatted with, or derive the same default. A
// mismatch is an undetectable corruption, out of scope for this spec.
func Format(imagePath string, sizeMB, inodeCapacity uint32) error {
	if inodeCapacity == 0 {
		inodeCapacity = DefaultInodeCapacity
	}
	totalBlocks := (sizeMB * 1024 * 1024) / BlockSize
	l := computeLayout(BlockSize, totalBlocks, inodeCapacity)
	if l.dataStart >= totalBlocks {
		return dioerrors.ErrInvalidArgument.WithMessage("image too small for its own metadata region")
	}

	device, err := blockdevice.Create(imagePath, BlockSize, totalBlocks)
	if err != nil {
		return err
	}
	defer device.Close()

	c := cache.New(device, cache.DefaultFrameCount)

	bmp := bitmap.Initialize(BlockSize, totalBlocks, l.reserved())
	if err := bmp.Save(c); err != nil {
		return err
	}

	mgr := inode.NewManager(c, bmp, BlockSize, l.tableStart, inodeCapacity, l.dataStart)
	if err := mgr.InitializeTable(); err != nil {
		return err
	}

	return c.FlushAll()
}

// Mount opens an existing image and brings up the cache, bitmap, and inode
// manager over it, creating the root directory if this is the image's
// first mount. inodeCapacity must match the value Format used (zero means
// DefaultInodeCapacity, the value an unqualified Format call used).
func Mount(imagePath string, inodeCapacity uint32) (*Filesystem, error) {
	if inodeCapacity == 0 {
		inodeCapacity = DefaultInodeCapacity
	}

	device, err := blockdevice.Open(imagePath, BlockSize)
	if err != nil {
		return nil, err
	}

	l := computeLayout(BlockSize, device.TotalBlocks, inodeCapacity)
	c := cache.New(device, cache.DefaultFrameCount)

	bmp, err := bitmap.Load(c, BlockSize, device.TotalBlocks, l.reserved())
	if err != nil {
		device.Close()
		return nil, err
	}

	mgr := inode.NewManager(c, bmp, BlockSize, l.tableStart, inodeCapacity, l.dataStart)
	if err := mgr.LoadUsed(); err != nil {
		device.Close()
		return nil, err
	}

	hasRoot, err := mgr.HasRoot()
	if err != nil {
		device.Close()
		return nil, err
	}
	if !hasRoot {
		if err := mgr.CreateRoot(now()); err != nil {
			device.Close()
			return nil, err
		}
	}

	return &Filesystem{
		path:      imagePath,
		device:    device,
		cache:     c,
		bmp:       bmp,
		inodes:    mgr,
		layout:    l,
		mounted:   true,
		cwd:       "/",
		cwdID:     inode.RootID,
		openFiles: make(map[string]int),
	}, nil
}

// Unmount writes the bitmap into the cache, flushes the cache (so the
// bitmap reaches the device too), drops the open-file table, and closes the
// backing device.
func (f *Filesystem) Unmount() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.mounted {
		return dioerrors.ErrNotMounted
	}

	if err := f.bmp.Save(f.cache); err != nil {
		return err
	}
	if err := f.cache.FlushAll(); err != nil {
		return err
	}
	if err := f.device.Close(); err != nil {
		return err
	}

	f.mounted = false
	f.openFiles = nil
	return nil
}

func (f *Filesystem) ensureMounted() error {
	if !f.mounted {
		return dioerrors.ErrNotMounted
	}
	return nil
}

// normalize resolves path against cwd into an absolute, `.`/`..`-collapsed
// form per spec.md §4.6: absolute if it starts with `/`, else prepended
// with cwd; `.` segments drop, `..` pops the stack (bounded at root), empty
// segments are ignored, and the result always starts with `/`.
func normalize(cwd, p string) string {
	base := p
	if !strings.HasPrefix(p, "/") {
		base = cwd + "/" + p
	}

	segments := strings.Split(base, "/")
	stack := make([]string, 0, len(segments))
	for _, s := range segments {
		switch s {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, s)
		}
	}
	return "/" + strings.Join(stack, "/")
}

func splitParentName(normPath string) (parent, name string) {
	return path.Dir(normPath), path.Base(normPath)
}

// isBusyLocked reports whether normPath, or (for a directory) any entry
// nested under it, has a nonzero open reference count. Caller must hold
// f.mu.
func (f *Filesystem) isBusyLocked(normPath string) bool {
	if f.openFiles[normPath] > 0 {
		return true
	}
	prefix := normPath
	if prefix != "/" {
		prefix += "/"
	}
	for p, count := range f.openFiles {
		if count > 0 && p != normPath && strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// Open increments path's open-reference count after verifying it resolves.
func (f *Filesystem) Open(p string) error {
	f.mu.RLock()
	if err := f.ensureMounted(); err != nil {
		f.mu.RUnlock()
		return err
	}
	norm := normalize(f.cwd, p)
	f.mu.RUnlock()

	if _, err := f.inodes.Resolve(norm); err != nil {
		return err
	}

	f.mu.Lock()
	f.openFiles[norm]++
	f.mu.Unlock()
	return nil
}

// Close decrements path's open-reference count, removing the entry once it
// reaches zero.
func (f *Filesystem) Close(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.ensureMounted(); err != nil {
		return err
	}
	norm := normalize(f.cwd, p)
	if f.openFiles[norm] <= 0 {
		return dioerrors.ErrInvalidArgument.WithMessage(norm + " is not open")
	}
	f.openFiles[norm]--
	if f.openFiles[norm] == 0 {
		delete(f.openFiles, norm)
	}
	return nil
}

// Cd changes the current working directory to path, which must resolve to
// a directory.
func (f *Filesystem) Cd(p string) error {
	f.mu.RLock()
	if err := f.ensureMounted(); err != nil {
		f.mu.RUnlock()
		return err
	}
	norm := normalize(f.cwd, p)
	f.mu.RUnlock()

	id, err := f.inodes.Resolve(norm)
	if err != nil {
		return err
	}
	n, err := f.inodes.ReadInode(id)
	if err != nil {
		return err
	}
	if !n.IsDir() {
		return dioerrors.ErrWrongType.WithMessage(norm + " is not a directory")
	}

	f.mu.Lock()
	f.cwd = norm
	f.cwdID = id
	f.mu.Unlock()
	return nil
}

// Pwd returns the current working directory.
func (f *Filesystem) Pwd() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cwd
}

// Ls lists the entries of path (cwd if empty).
func (f *Filesystem) Ls(p string) ([]directory.Entry, error) {
	f.mu.RLock()
	if err := f.ensureMounted(); err != nil {
		f.mu.RUnlock()
		return nil, err
	}
	target := p
	if target == "" {
		target = f.cwd
	}
	norm := normalize(f.cwd, target)
	f.mu.RUnlock()

	id, err := f.inodes.Resolve(norm)
	if err != nil {
		return nil, err
	}
	n, err := f.inodes.ReadInode(id)
	if err != nil {
		return nil, err
	}
	return f.inodes.ListDirectory(n)
}

// Stat returns metadata for path.
func (f *Filesystem) Stat(p string) (FileStat, error) {
	f.mu.RLock()
	if err := f.ensureMounted(); err != nil {
		f.mu.RUnlock()
		return FileStat{}, err
	}
	norm := normalize(f.cwd, p)
	f.mu.RUnlock()

	id, err := f.inodes.Resolve(norm)
	if err != nil {
		return FileStat{}, err
	}
	n, err := f.inodes.ReadInode(id)
	if err != nil {
		return FileStat{}, err
	}
	return statFromInode(n), nil
}

// CreateFile creates a new, empty-or-seeded regular file at path.
func (f *Filesystem) CreateFile(p string, content []byte) (FileStat, error) {
	f.mu.RLock()
	if err := f.ensureMounted(); err != nil {
		f.mu.RUnlock()
		return FileStat{}, err
	}
	norm := normalize(f.cwd, p)
	busy := f.isBusyLocked(norm)
	f.mu.RUnlock()
	if busy {
		return FileStat{}, dioerrors.ErrBusy.WithMessage(norm)
	}

	parentPath, name := splitParentName(norm)
	parentID, err := f.inodes.Resolve(parentPath)
	if err != nil {
		return FileStat{}, err
	}
	parent, err := f.inodes.ReadInode(parentID)
	if err != nil {
		return FileStat{}, err
	}
	if !parent.IsDir() {
		return FileStat{}, dioerrors.ErrWrongType.WithMessage(parentPath + " is not a directory")
	}

	n, err := f.inodes.CreateFile(parent, name, content, now())
	if err != nil {
		return FileStat{}, err
	}
	return statFromInode(n), nil
}

// WriteFile overwrites path's content, creating the file first if it does
// not already exist (the CLI's `echo ... > path` redirection semantics).
func (f *Filesystem) WriteFile(p string, content []byte) (FileStat, error) {
	f.mu.RLock()
	if err := f.ensureMounted(); err != nil {
		f.mu.RUnlock()
		return FileStat{}, err
	}
	norm := normalize(f.cwd, p)
	busy := f.isBusyLocked(norm)
	f.mu.RUnlock()
	if busy {
		return FileStat{}, dioerrors.ErrBusy.WithMessage(norm)
	}

	id, err := f.inodes.Resolve(norm)
	if err != nil {
		if errors.Is(err, dioerrors.ErrNotFound) {
			return f.CreateFile(p, content)
		}
		return FileStat{}, err
	}

	n, err := f.inodes.ReadInode(id)
	if err != nil {
		return FileStat{}, err
	}
	if !n.IsFile() {
		return FileStat{}, dioerrors.ErrWrongType.WithMessage(norm + " is a directory")
	}
	if err := f.inodes.WriteFile(n, content, now()); err != nil {
		return FileStat{}, err
	}
	return statFromInode(n), nil
}

// ReadFile returns path's content, holding an open reference for the
// duration of the read.
func (f *Filesystem) ReadFile(p string) ([]byte, error) {
	f.mu.RLock()
	if err := f.ensureMounted(); err != nil {
		f.mu.RUnlock()
		return nil, err
	}
	norm := normalize(f.cwd, p)
	f.mu.RUnlock()

	id, err := f.inodes.Resolve(norm)
	if err != nil {
		return nil, err
	}
	n, err := f.inodes.ReadInode(id)
	if err != nil {
		return nil, err
	}
	if !n.IsFile() {
		return nil, dioerrors.ErrWrongType.WithMessage(norm + " is a directory")
	}

	f.mu.Lock()
	f.openFiles[norm]++
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.openFiles[norm]--
		if f.openFiles[norm] == 0 {
			delete(f.openFiles, norm)
		}
		f.mu.Unlock()
	}()

	return f.inodes.ReadFile(n)
}

// Mkdir creates a new directory at path.
func (f *Filesystem) Mkdir(p string) (FileStat, error) {
	f.mu.RLock()
	if err := f.ensureMounted(); err != nil {
		f.mu.RUnlock()
		return FileStat{}, err
	}
	norm := normalize(f.cwd, p)
	f.mu.RUnlock()

	parentPath, name := splitParentName(norm)
	parentID, err := f.inodes.Resolve(parentPath)
	if err != nil {
		return FileStat{}, err
	}
	parent, err := f.inodes.ReadInode(parentID)
	if err != nil {
		return FileStat{}, err
	}
	if !parent.IsDir() {
		return FileStat{}, dioerrors.ErrWrongType.WithMessage(parentPath + " is not a directory")
	}

	n, err := f.inodes.CreateDirectory(parent, name, now())
	if err != nil {
		return FileStat{}, err
	}
	return statFromInode(n), nil
}

// Rm deletes the regular file at path.
func (f *Filesystem) Rm(p string) error {
	f.mu.RLock()
	if err := f.ensureMounted(); err != nil {
		f.mu.RUnlock()
		return err
	}
	norm := normalize(f.cwd, p)
	busy := f.isBusyLocked(norm)
	f.mu.RUnlock()
	if busy {
		return dioerrors.ErrBusy.WithMessage(norm)
	}

	parentPath, name := splitParentName(norm)
	parentID, err := f.inodes.Resolve(parentPath)
	if err != nil {
		return err
	}
	parent, err := f.inodes.ReadInode(parentID)
	if err != nil {
		return err
	}
	return f.inodes.DeleteFile(parent, name)
}

// Rmdir removes the directory at path. Unlike the recursive low-level
// delete_directory operation, the CLI's rmdir refuses a non-empty
// directory (spec.md §7's NotEmpty, "refusal policy").
func (f *Filesystem) Rmdir(p string) error {
	f.mu.RLock()
	if err := f.ensureMounted(); err != nil {
		f.mu.RUnlock()
		return err
	}
	norm := normalize(f.cwd, p)
	busy := f.isBusyLocked(norm)
	f.mu.RUnlock()
	if busy {
		return dioerrors.ErrBusy.WithMessage(norm)
	}
	if norm == "/" {
		return dioerrors.ErrInvalidArgument.WithMessage("cannot remove the root directory")
	}

	id, err := f.inodes.Resolve(norm)
	if err != nil {
		return err
	}
	target, err := f.inodes.ReadInode(id)
	if err != nil {
		return err
	}
	if !target.IsDir() {
		return dioerrors.ErrWrongType.WithMessage(norm + " is not a directory")
	}

	entries, err := f.inodes.ListDirectory(target)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name != "." && e.Name != ".." {
			return dioerrors.ErrDirectoryNotEmpty.WithMessage(norm)
		}
	}

	parentPath, name := splitParentName(norm)
	parentID, err := f.inodes.Resolve(parentPath)
	if err != nil {
		return err
	}
	parent, err := f.inodes.ReadInode(parentID)
	if err != nil {
		return err
	}
	return f.inodes.DeleteDirectory(parent, name)
}

// Df reports free/used block and inode counts for the mounted image.
func (f *Filesystem) Df() (FSStat, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.ensureMounted(); err != nil {
		return FSStat{}, err
	}

	return FSStat{
		BlockSize:     f.layout.blockSize,
		TotalBlocks:   f.layout.totalBlocks,
		FreeBlocks:    f.bmp.FreeCount(),
		UsedBlocks:    f.layout.totalBlocks - f.bmp.FreeCount(),
		InodeCapacity: f.inodes.Capacity(),
		InodesUsed:    f.inodes.UsedCount(),
		CacheFrames:   f.cache.FrameCount(),
	}, nil
}

// CacheStatus exposes the cache's frame table for the `cache` CLI command.
func (f *Filesystem) CacheStatus() ([]cache.FrameStatus, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.ensureMounted(); err != nil {
		return nil, err
	}
	return f.cache.Status(), nil
}

// AllInodes returns every currently allocated inode. Used by read-only
// diagnostics (fsck-style consistency scans); not part of the hot path.
func (f *Filesystem) AllInodes() ([]*inode.Inode, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.ensureMounted(); err != nil {
		return nil, err
	}
	return f.inodes.AllInodes()
}

// IsBlockAllocated reports whether block idx is marked allocated in the
// bitmap.
func (f *Filesystem) IsBlockAllocated(idx uint32) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bmp.IsAllocated(idx)
}

// TotalBlocks returns N, the device's total block count.
func (f *Filesystem) TotalBlocks() uint32 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.layout.totalBlocks
}

// ListDirectoryByInode lists n's entries directly, bypassing path
// resolution. Used by diagnostics, which already holds the inode.
func (f *Filesystem) ListDirectoryByInode(n *inode.Inode) ([]directory.Entry, error) {
	return f.inodes.ListDirectory(n)
}

// Mounted reports whether the filesystem is currently mounted.
func (f *Filesystem) Mounted() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.mounted
}
