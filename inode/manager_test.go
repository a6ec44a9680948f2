package inode_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/augustday/ublockfs/bitmap"
	"github.com/augustday/ublockfs/cache"
	"github.com/augustday/ublockfs/inode"
	"github.com/augustday/ublockfs/internal/testutil"
)

const (
	testBlockSize     = 4096
	testTotalBlocks   = 64
	testInodeCapacity = 8
	testTableStart    = 1 // one bitmap block ahead of it
	testDataStart     = 2 // table fits in one block at this capacity
)

func newTestManager(t *testing.T) *inode.Manager {
	t.Helper()
	dev := testutil.NewMemoryDevice(t, testBlockSize, testTotalBlocks)
	c := cache.New(dev, 16)
	bmp := bitmap.Initialize(testBlockSize, testTotalBlocks, testDataStart)
	mgr := inode.NewManager(c, bmp, testBlockSize, testTableStart, testInodeCapacity, testDataStart)
	require.NoError(t, mgr.InitializeTable())
	require.NoError(t, mgr.CreateRoot(1_700_000_000))
	return mgr
}

func readRoot(t *testing.T, mgr *inode.Manager) *inode.Inode {
	t.Helper()
	root, err := mgr.ReadInode(inode.RootID)
	require.NoError(t, err)
	return root
}

func TestCreateRoot_SeedsSelfLinks(t *testing.T) {
	mgr := newTestManager(t)
	root := readRoot(t, mgr)
	require.True(t, root.IsDir())
	require.EqualValues(t, inode.RootID, root.ParentID)

	entries, err := mgr.ListDirectory(root)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestCreateFile_AppearsInParentAndResolves(t *testing.T) {
	mgr := newTestManager(t)
	root := readRoot(t, mgr)

	n, err := mgr.CreateFile(root, "a.txt", []byte("hello"), 1700000001)
	require.NoError(t, err)
	require.EqualValues(t, 5, n.Size)
	require.EqualValues(t, 1, n.BlockCount)

	id, err := mgr.Resolve("/a.txt")
	require.NoError(t, err)
	require.Equal(t, n.ID, id)

	content, err := mgr.ReadFile(n)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), content)
}

func TestCreateFile_RejectsDuplicateName(t *testing.T) {
	mgr := newTestManager(t)
	root := readRoot(t, mgr)

	_, err := mgr.CreateFile(root, "a.txt", nil, 1)
	require.NoError(t, err)

	_, err = mgr.CreateFile(root, "a.txt", nil, 1)
	require.Error(t, err)
}

func TestCreateFile_RejectsInvalidName(t *testing.T) {
	mgr := newTestManager(t)
	root := readRoot(t, mgr)
	_, err := mgr.CreateFile(root, "a/b", nil, 1)
	require.Error(t, err)
}

func TestCreateDirectory_NestsAndResolves(t *testing.T) {
	mgr := newTestManager(t)
	root := readRoot(t, mgr)

	d1, err := mgr.CreateDirectory(root, "d1", 1)
	require.NoError(t, err)

	d2, err := mgr.CreateDirectory(d1, "d2", 2)
	require.NoError(t, err)

	fileInD2, err := mgr.CreateFile(d2, "x", []byte("y"), 3)
	require.NoError(t, err)
	require.Equal(t, d2.ID, fileInD2.ParentID)

	id, err := mgr.Resolve("/d1/d2/x")
	require.NoError(t, err)
	require.Equal(t, fileInD2.ID, id)

	entries, err := mgr.ListDirectory(d2)
	require.NoError(t, err)
	require.Len(t, entries, 3) // ., .., x
}

func TestResolve_DotDotCappedAtRoot(t *testing.T) {
	mgr := newTestManager(t)
	root := readRoot(t, mgr)
	_, err := mgr.CreateDirectory(root, "d1", 1)
	require.NoError(t, err)

	id, err := mgr.Resolve("/d1/../../../")
	require.NoError(t, err)
	require.EqualValues(t, inode.RootID, id)
}

func TestResolve_MissingSegmentReturnsNotFound(t *testing.T) {
	mgr := newTestManager(t)
	_, err := mgr.Resolve("/nope")
	require.Error(t, err)
}

func TestWriteFile_ResizesAndRewrites(t *testing.T) {
	mgr := newTestManager(t)
	root := readRoot(t, mgr)

	n, err := mgr.CreateFile(root, "a.txt", []byte("hi"), 1)
	require.NoError(t, err)

	big := make([]byte, testBlockSize*3)
	for i := range big {
		big[i] = byte(i % 251)
	}
	require.NoError(t, mgr.WriteFile(n, big, 2))
	require.EqualValues(t, len(big), n.Size)
	require.EqualValues(t, 3, n.BlockCount)

	got, err := mgr.ReadFile(n)
	require.NoError(t, err)
	require.Equal(t, big, got)
}

func TestResize_RelocatesWhenTailIsNotFree(t *testing.T) {
	mgr := newTestManager(t)
	root := readRoot(t, mgr)

	a, err := mgr.CreateFile(root, "a", []byte("x"), 1)
	require.NoError(t, err)
	_, err = mgr.CreateFile(root, "b", []byte("y"), 1) // occupies the block right after a's extent
	require.NoError(t, err)

	oldStart := a.StartBlock
	require.NoError(t, mgr.Resize(a, testBlockSize*2, 2))
	require.NotEqual(t, oldStart, a.StartBlock, "must have relocated since the tail block was taken")
	require.EqualValues(t, 2, a.BlockCount)
}

func TestDeleteFile_RemovesEntryAndFreesSlot(t *testing.T) {
	mgr := newTestManager(t)
	root := readRoot(t, mgr)

	_, err := mgr.CreateFile(root, "a.txt", []byte("z"), 1)
	require.NoError(t, err)
	require.NoError(t, mgr.DeleteFile(root, "a.txt"))

	_, err = mgr.Resolve("/a.txt")
	require.Error(t, err)
}

func TestDeleteDirectory_RecursivelyRemovesContents(t *testing.T) {
	mgr := newTestManager(t)
	root := readRoot(t, mgr)

	d1, err := mgr.CreateDirectory(root, "d1", 1)
	require.NoError(t, err)
	_, err = mgr.CreateFile(d1, "x", []byte("1"), 2)
	require.NoError(t, err)

	require.NoError(t, mgr.DeleteDirectory(root, "d1"))

	_, err = mgr.Resolve("/d1")
	require.Error(t, err)
	_, err = mgr.Resolve("/d1/x")
	require.Error(t, err)
}

func TestDeleteDirectory_RefusesRoot(t *testing.T) {
	mgr := newTestManager(t)
	root := readRoot(t, mgr)
	d1, err := mgr.CreateDirectory(root, "d1", 1)
	require.NoError(t, err)
	_ = d1
	require.Error(t, mgr.DeleteDirectory(root, "."))
}
