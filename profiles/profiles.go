// Package profiles holds the registry of predefined image geometries that the
// format command (and the test suite) can mint. The registry ships as an
// embedded CSV file, one row per profile.
package profiles

import (
	"fmt"
	"io"
	"strings"

	_ "embed"

	"github.com/gocarina/gocsv"
)

// Geometry describes the shape of a single-group ext2 image.
type Geometry struct {
	Name string `csv:"name"`
	Slug string `csv:"slug"`

	// BlockSize is the size of one block, in bytes. The engine only supports
	// 1024 but the registry records it explicitly.
	BlockSize uint32 `csv:"block_size"`

	// TotalBlocks is the number of blocks in the image, counting the boot
	// block at the start of the file.
	TotalBlocks uint32 `csv:"total_blocks"`

	// TotalInodes is the size of the inode table. Must be a multiple of the
	// number of inodes per block (block_size / 128).
	TotalInodes uint32 `csv:"total_inodes"`

	Notes string `csv:"notes"`
}

// TotalSizeBytes gives the size of the image file this geometry describes.
func (g *Geometry) TotalSizeBytes() int64 {
	return int64(g.BlockSize) * int64(g.TotalBlocks)
}

// DefaultSlug names the geometry commands use when none is requested: the
// classic 128-block, 32-inode teaching image.
const DefaultSlug = "classic-128"

//go:embed image-profiles.csv
var imageProfilesRawCSV string
var imageProfiles = map[string]Geometry{}

// Get returns the predefined geometry with the given slug.
func Get(slug string) (Geometry, error) {
	geometry, ok := imageProfiles[slug]
	if ok {
		return geometry, nil
	}

	err := fmt.Errorf("no predefined image profile exists with slug %q", slug)
	return Geometry{}, err
}

// Slugs lists the registered profile slugs, in no particular order.
func Slugs() []string {
	slugs := make([]string, 0, len(imageProfiles))
	for slug := range imageProfiles {
		slugs = append(slugs, slug)
	}
	return slugs
}

func init() {
	reader := strings.NewReader(imageProfilesRawCSV)
	err := gocsv.UnmarshalToCallback(
		reader,
		func(row Geometry) error {
			_, exists := imageProfiles[row.Slug]
			if exists {
				return fmt.Errorf(
					"duplicate definition for profile %q found on row %d",
					row.Slug,
					len(imageProfiles)+1,
				)
			}
			imageProfiles[row.Slug] = row
			return nil
		},
	)
	if err != nil && err != io.EOF {
		panic(err)
	}
}
