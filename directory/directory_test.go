package directory_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/augustday/ublockfs/directory"
)

const blockSize = 4096

func TestNewPage_AddSelfLinks(t *testing.T) {
	p := directory.NewPage()
	p.AddSelfLinks(5, 1)

	self, ok := p.Find(".")
	require.True(t, ok)
	require.EqualValues(t, 5, self.InodeID)

	parent, ok := p.Find("..")
	require.True(t, ok)
	require.EqualValues(t, 1, parent.InodeID)

	require.True(t, p.IsEmpty(), "only . and .. present")
}

func TestAdd_RejectsDuplicateAndOversizedNames(t *testing.T) {
	p := directory.NewPage()
	p.AddSelfLinks(1, 1)

	require.NoError(t, p.Add("a.txt", 2, directory.TypeFile))
	require.Error(t, p.Add("a.txt", 3, directory.TypeFile))

	tooLong := make([]byte, directory.MaxNameLength+1)
	for i := range tooLong {
		tooLong[i] = 'x'
	}
	require.Error(t, p.Add(string(tooLong), 4, directory.TypeFile))
}

func TestRemove_RejectsSelfLinksAndMissingNames(t *testing.T) {
	p := directory.NewPage()
	p.AddSelfLinks(1, 1)

	require.Error(t, p.Remove("."))
	require.Error(t, p.Remove(".."))
	require.Error(t, p.Remove("nope"))

	require.NoError(t, p.Add("a.txt", 2, directory.TypeFile))
	require.NoError(t, p.Remove("a.txt"))
	require.True(t, p.IsEmpty())
}

func TestSerializeDeserialize_RoundTrips(t *testing.T) {
	p := directory.NewPage()
	p.AddSelfLinks(7, 1)
	require.NoError(t, p.Add("a.txt", 8, directory.TypeFile))
	require.NoError(t, p.Add("sub", 9, directory.TypeDirectory))

	buf, err := p.Serialize(blockSize)
	require.NoError(t, err)
	require.Len(t, buf, blockSize)

	got, err := directory.Deserialize(buf)
	require.NoError(t, err)
	require.Equal(t, p.List(), got.List())
}

func TestSerialize_FailsWhenPageExceedsBlockSize(t *testing.T) {
	p := directory.NewPage()
	p.AddSelfLinks(1, 1)
	require.NoError(t, p.Add("a.txt", 2, directory.TypeFile))

	_, err := p.Serialize(16) // the header plus three entries needs 214 bytes
	require.Error(t, err)
}

func TestAdd_RejectsBeyondMaxEntries(t *testing.T) {
	p := directory.NewPage()
	p.AddSelfLinks(1, 1)
	for i := 0; i < directory.MaxEntries-2; i++ {
		require.NoError(t, p.Add(fmt.Sprintf("f%d", i), uint32(i+2), directory.TypeFile))
	}
	require.Equal(t, directory.MaxEntries, p.Len())
	require.Error(t, p.Add("overflow", 9999, directory.TypeFile))
}

func TestFind_MissingNameReturnsFalse(t *testing.T) {
	p := directory.NewPage()
	p.AddSelfLinks(1, 1)
	_, ok := p.Find("missing")
	require.False(t, ok)
}
