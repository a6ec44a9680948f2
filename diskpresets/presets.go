// Package diskpresets holds a small table of named image-size presets
// (size in MB, block size, and inode table capacity) that the CLI's
// `format` command and tests can refer to by name instead of spelling out
// every layout parameter, modeled on the predefined disk geometries of the
// disk-image tooling this project grew out of.
package diskpresets

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/gocarina/gocsv"
)

//go:embed presets.csv
var rawCSV string

// Preset names one concrete (size_mb, block_size, inode_capacity) triple.
type Preset struct {
	Name          string `csv:"name"`
	Slug          string `csv:"slug"`
	SizeMB        uint32 `csv:"size_mb"`
	BlockSize     uint32 `csv:"block_size"`
	InodeCapacity uint32 `csv:"inode_capacity"`
	Notes         string `csv:"notes"`
}

var presets map[string]Preset

func init() {
	presets = make(map[string]Preset)
	err := gocsv.UnmarshalToCallback(strings.NewReader(rawCSV), func(row Preset) error {
		if _, exists := presets[row.Slug]; exists {
			return fmt.Errorf("diskpresets: duplicate preset slug %q", row.Slug)
		}
		presets[row.Slug] = row
		return nil
	})
	if err != nil {
		panic(err)
	}
}

// Get returns the preset registered under slug.
func Get(slug string) (Preset, error) {
	p, ok := presets[slug]
	if !ok {
		return Preset{}, fmt.Errorf("diskpresets: no preset named %q", slug)
	}
	return p, nil
}

// Names returns every registered preset slug.
func Names() []string {
	names := make([]string, 0, len(presets))
	for slug := range presets {
		names = append(names, slug)
	}
	return names
}
