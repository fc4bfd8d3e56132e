package ext2

import (
	"bytes"
	"io"
	"testing"

	"github.com/dargueta/ext2kit"
	"github.com/dargueta/ext2kit/profiles"
	dt "github.com/dargueta/ext2kit/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestDriver formats a fresh classic-128 image in memory and mounts it.
func newTestDriver(t *testing.T) *Driver {
	t.Helper()

	geo, err := profiles.Get(profiles.DefaultSlug)
	require.NoError(t, err)

	_, stream := dt.BlankImage(t, uint(geo.TotalBlocks))
	driver, err := NewDriverFromStream(stream)
	require.NoError(t, err)

	require.NoError(t, driver.Format(geo))
	require.NoError(t, driver.Mount())
	return driver
}

// checkQuietly runs the checker and requires that it found nothing to do.
func checkQuietly(t *testing.T, driver *Driver) {
	t.Helper()

	var log bytes.Buffer
	fixes, err := driver.Check(&log)
	require.NoError(t, err)
	require.Zerof(t, fixes, "checker found problems:\n%s", log.String())
}

// countFreeBitmapBits recounts both bitmaps the way the checker does.
func countFreeBitmapBits(t *testing.T, driver *Driver) (freeBlocks, freeInodes int) {
	t.Helper()

	blockBits, err := driver.blockBitmap()
	require.NoError(t, err)
	inodeBits, err := driver.inodeBitmap()
	require.NoError(t, err)

	return countFreeBits(blockBits, driver.sb.BlocksCount),
		countFreeBits(inodeBits, driver.sb.InodesCount)
}

// requireCountersMatchBitmaps asserts the central invariant: all four free
// counter fields agree with their bitmaps.
func requireCountersMatchBitmaps(t *testing.T, driver *Driver) {
	t.Helper()

	freeBlocks, freeInodes := countFreeBitmapBits(t, driver)
	assert.EqualValues(t, freeBlocks, driver.sb.FreeBlocksCount, "superblock free blocks")
	assert.EqualValues(t, freeBlocks, driver.gd.FreeBlocksCount, "group descriptor free blocks")
	assert.EqualValues(t, freeInodes, driver.sb.FreeInodesCount, "superblock free inodes")
	assert.EqualValues(t, freeInodes, driver.gd.FreeInodesCount, "group descriptor free inodes")
}

// requireRecordLengthClosure asserts that every allocated directory block's
// record lengths chain exactly to the block end.
func requireRecordLengthClosure(t *testing.T, driver *Driver, dirInode uint32) {
	t.Helper()

	ino, err := driver.InodeAt(dirInode)
	require.NoError(t, err)
	require.True(t, ino.IsDir())

	for k := 0; k < NumDirectBlocks && ino.Block[k] != 0; k++ {
		block, err := driver.blockSlice(ino.Block[k])
		require.NoError(t, err)

		pos := 0
		for pos < BlockSize {
			entry, err := decodeDirEntry(block, pos)
			require.NoError(t, err)
			require.Greater(t, int(entry.RecLen), 0)
			pos += int(entry.RecLen)
		}
		assert.Equal(t, BlockSize, pos, "record lengths must close the block exactly")
	}
}

func TestFormatProducesConsistentImage(t *testing.T) {
	driver := newTestDriver(t)

	stat := driver.FSStat()
	assert.EqualValues(t, 1024, stat.BlockSize)
	assert.EqualValues(t, 128, stat.TotalBlocks)
	assert.EqualValues(t, 32, stat.TotalInodes)
	// Blocks 1-9 hold the metadata and the root directory; one more bit is
	// burned on the guard at the end of the bitmap.
	assert.EqualValues(t, 118, stat.BlocksFree)
	// Ten reserved inodes.
	assert.EqualValues(t, 22, stat.InodesFree)
	assert.EqualValues(t, 1, stat.Directories)

	requireCountersMatchBitmaps(t, driver)
	requireRecordLengthClosure(t, driver, RootInode)
	checkQuietly(t, driver)
}

func TestFormatRootDirectory(t *testing.T) {
	driver := newTestDriver(t)

	root, err := driver.InodeAt(RootInode)
	require.NoError(t, err)
	assert.True(t, root.IsDir())
	assert.EqualValues(t, 2, root.LinksCount)
	assert.EqualValues(t, BlockSize, root.Size)
	assert.EqualValues(t, 2, root.Sectors)

	dot, err := driver.FindEntry(RootInode, ".")
	require.NoError(t, err)
	dotDot, err := driver.FindEntry(RootInode, "..")
	require.NoError(t, err)
	assert.EqualValues(t, RootInode, dot)
	assert.EqualValues(t, RootInode, dotDot)
}

func TestFormatRejectsMismatchedGeometry(t *testing.T) {
	geo, err := profiles.Get(profiles.DefaultSlug)
	require.NoError(t, err)

	// The stream is one block short of what the profile wants.
	_, stream := dt.BlankImage(t, uint(geo.TotalBlocks)-1)
	driver, err := NewDriverFromStream(stream)
	require.NoError(t, err)

	assert.ErrorIs(t, driver.Format(geo), ext2kit.ErrInvalidArgument)
}

func TestMountRejectsGarbage(t *testing.T) {
	_, stream := dt.BlankImage(t, 128)
	driver, err := NewDriverFromStream(stream)
	require.NoError(t, err)

	assert.ErrorIs(t, driver.Mount(), ext2kit.ErrFileSystemCorrupted)
}

func TestFlushRoundTripsThroughStream(t *testing.T) {
	geo, err := profiles.Get(profiles.DefaultSlug)
	require.NoError(t, err)

	storage, stream := dt.BlankImage(t, uint(geo.TotalBlocks))
	driver, err := NewDriverFromStream(stream)
	require.NoError(t, err)
	require.NoError(t, driver.Format(geo))
	require.NoError(t, driver.Mount())

	require.NoError(t, driver.Mkdir("/home"))
	require.NoError(t, driver.Unmount())

	// A second driver over the same storage must see the directory.
	_, err = stream.Seek(0, io.SeekStart)
	require.NoError(t, err)
	reopened, err := NewDriverFromStream(stream)
	require.NoError(t, err)
	require.NoError(t, reopened.Mount())

	inodeNum, err := reopened.ResolvePath("/home")
	require.NoError(t, err)
	assert.NotZero(t, inodeNum)

	// And the superblock magic really is in the flushed bytes.
	assert.EqualValues(t, 0x53, storage[BlockSize+56])
	assert.EqualValues(t, 0xef, storage[BlockSize+57])
}

func TestStatReportsInodeMetadata(t *testing.T) {
	driver := newTestDriver(t)
	require.NoError(t, driver.Mkdir("/var"))

	stat, err := driver.Stat("/var")
	require.NoError(t, err)
	assert.True(t, stat.IsDir())
	assert.False(t, stat.IsFile())
	assert.EqualValues(t, 2, stat.Nlinks)
	assert.EqualValues(t, BlockSize, stat.Size)
	assert.False(t, stat.CreatedAt.IsZero())
	assert.True(t, stat.DeletedAt.IsZero())
}
