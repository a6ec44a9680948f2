package inode_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/augustday/ublockfs/inode"
)

func TestSerializeDeserialize_RoundTrips(t *testing.T) {
	n := &inode.Inode{
		ID:         3,
		Type:       inode.TypeFile,
		Size:       42,
		StartBlock: 100,
		BlockCount: 1,
		ParentID:   1,
		CreateTime: 1000,
		ModifyTime: 2000,
		Name:       "a.txt",
	}

	buf := n.Serialize()
	require.Len(t, buf, inode.RecordSize)

	got, err := inode.DeserializeInode(buf)
	require.NoError(t, err)
	require.Equal(t, n, got)
}

func TestDeserialize_RejectsWrongSize(t *testing.T) {
	_, err := inode.DeserializeInode(make([]byte, inode.RecordSize-1))
	require.Error(t, err)
}

func TestBlockCountForSize_AlwaysAtLeastOne(t *testing.T) {
	require.EqualValues(t, 1, inode.BlockCountForSize(0, 4096))
	require.EqualValues(t, 1, inode.BlockCountForSize(1, 4096))
	require.EqualValues(t, 1, inode.BlockCountForSize(4096, 4096))
	require.EqualValues(t, 2, inode.BlockCountForSize(4097, 4096))
}

func TestValidateName(t *testing.T) {
	require.NoError(t, inode.ValidateName("a.txt"))
	require.Error(t, inode.ValidateName(""))
	require.Error(t, inode.ValidateName("a/b"))
	require.Error(t, inode.ValidateName("a:b"))

	tooLong := make([]byte, inode.MaxNameLength+1)
	for i := range tooLong {
		tooLong[i] = 'x'
	}
	require.Error(t, inode.ValidateName(string(tooLong)))
}

func TestType_String(t *testing.T) {
	require.Equal(t, "FILE", inode.TypeFile.String())
	require.Equal(t, "DIRECTORY", inode.TypeDirectory.String())
}
