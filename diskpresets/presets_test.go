package diskpresets_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/augustday/ublockfs/diskpresets"
)

func TestGet_KnownPresetsResolve(t *testing.T) {
	for _, slug := range []string{"tiny", "floppy", "small", "default", "large"} {
		p, err := diskpresets.Get(slug)
		require.NoError(t, err, slug)
		require.Equal(t, slug, p.Slug)
		require.NotZero(t, p.SizeMB)
		require.NotZero(t, p.BlockSize)
		require.NotZero(t, p.InodeCapacity)
	}
}

func TestGet_UnknownSlugFails(t *testing.T) {
	_, err := diskpresets.Get("does-not-exist")
	require.Error(t, err)
}

func TestNames_IncludesEveryPreset(t *testing.T) {
	names := diskpresets.Names()
	require.ElementsMatch(t, []string{"tiny", "floppy", "small", "default", "large"}, names)
}
