package ext2

import (
	"fmt"
	"strings"
	"testing"

	"github.com/dargueta/ext2kit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPadRecLen(t *testing.T) {
	assert.Equal(t, 8, padRecLen(8))
	assert.Equal(t, 12, padRecLen(9))
	assert.Equal(t, 12, padRecLen(12))
	assert.Equal(t, 16, padRecLen(13))
	assert.Equal(t, 0, padRecLen(0))
}

func TestFindEntryIsExactAndCaseSensitive(t *testing.T) {
	driver := newTestDriver(t)
	require.NoError(t, driver.Mkdir("/Data"))

	found, err := driver.FindEntry(RootInode, "Data")
	require.NoError(t, err)
	assert.NotZero(t, found)

	missed, err := driver.FindEntry(RootInode, "data")
	require.NoError(t, err)
	assert.Zero(t, missed)

	missed, err = driver.FindEntry(RootInode, "Dat")
	require.NoError(t, err)
	assert.Zero(t, missed)
}

func TestCreateEntrySplitsSlack(t *testing.T) {
	driver := newTestDriver(t)
	require.NoError(t, driver.Mkdir("/one"))
	require.NoError(t, driver.Mkdir("/two"))

	// Both went into the root's single block by carving up the final entry's
	// slack, so the root can't have grown.
	root, err := driver.InodeAt(RootInode)
	require.NoError(t, err)
	assert.EqualValues(t, BlockSize, root.Size)
	assert.Zero(t, root.Block[1])

	requireRecordLengthClosure(t, driver, RootInode)

	// On-disk layout: ".", "..", then the new entries, each packed tight
	// except the last, which owns the rest of the block.
	entries, err := driver.ListDir("/")
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, ".", entries[0].Name)
	assert.Equal(t, "..", entries[1].Name)
	assert.Equal(t, "one", entries[2].Name)
	assert.Equal(t, "two", entries[3].Name)
	assert.EqualValues(t, entries[2].actualSize(), entries[2].RecLen)
}

// fillRootBlock creates directories with long names until the root spills
// into a second directory block, and returns the name of the entry that
// spilled over, which sits at the front of that new block. The names are long so the block fills before the classic-128
// image runs out of inodes.
func fillRootBlock(t *testing.T, driver *Driver) string {
	t.Helper()

	for i := 0; ; i++ {
		name := fmt.Sprintf("%02d-%s", i, strings.Repeat("x", 56))
		require.NoError(t, driver.Mkdir("/"+name))

		root, err := driver.InodeAt(RootInode)
		require.NoError(t, err)
		if root.Block[1] != 0 {
			return name
		}
		require.Less(t, i, 20, "second directory block never allocated")
	}
}

func TestCreateEntryAllocatesBlockWhenFull(t *testing.T) {
	driver := newTestDriver(t)

	fillRootBlock(t, driver)

	root, err := driver.InodeAt(RootInode)
	require.NoError(t, err)
	assert.EqualValues(t, 2*BlockSize, root.Size)
	assert.EqualValues(t, 4, root.Sectors)
	requireRecordLengthClosure(t, driver, RootInode)
	requireCountersMatchBitmaps(t, driver)
	checkQuietly(t, driver)
}

func TestRemoveEntryCoalescesPredecessor(t *testing.T) {
	driver := newTestDriver(t)
	require.NoError(t, driver.CopyIn("/a", "a", []byte("aaa")))
	require.NoError(t, driver.CopyIn("/b", "b", []byte("bbb")))
	require.NoError(t, driver.CopyIn("/c", "c", []byte("ccc")))

	require.NoError(t, driver.Remove("/b", false))

	// The intact chain must skip b but still close the block.
	requireRecordLengthClosure(t, driver, RootInode)

	entries, err := driver.ListDir("/")
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name)
	}
	assert.Equal(t, []string{".", "..", "a", "c"}, names)

	// The removed header survives in a's slack, name intact.
	deleted, err := driver.ListDeleted("/")
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, "b", deleted[0].Name)
	assert.NotZero(t, deleted[0].Inode)
}

func TestRemoveFirstEntryInBlockIsUnrecoverable(t *testing.T) {
	driver := newTestDriver(t)

	// The entry that spills into the root's second block sits at its front
	// and so has no predecessor to coalesce into.
	spilled := fillRootBlock(t, driver)
	require.NoError(t, driver.Remove("/"+spilled, true))

	// The slot's inode number was zeroed but the block structure survives.
	found, err := driver.FindEntry(RootInode, spilled)
	require.NoError(t, err)
	assert.Zero(t, found)
	requireRecordLengthClosure(t, driver, RootInode)

	// And by design there is nothing to dig out of a gap.
	removed, err := driver.FindRemovedEntry(RootInode, spilled)
	require.NoError(t, err)
	assert.Zero(t, removed)

	assert.ErrorIs(t, driver.Restore("/"+spilled, true), ext2kit.ErrNotFound)
	checkQuietly(t, driver)
}

func TestFindRemovedEntryWalksGaps(t *testing.T) {
	driver := newTestDriver(t)
	require.NoError(t, driver.CopyIn("/keep1", "keep1", []byte("1")))
	require.NoError(t, driver.CopyIn("/dead1", "dead1", []byte("2")))
	require.NoError(t, driver.CopyIn("/dead2", "dead2", []byte("3")))
	require.NoError(t, driver.CopyIn("/keep2", "keep2", []byte("4")))

	dead1, err := driver.FindEntry(RootInode, "dead1")
	require.NoError(t, err)
	dead2, err := driver.FindEntry(RootInode, "dead2")
	require.NoError(t, err)

	require.NoError(t, driver.Remove("/dead1", false))
	require.NoError(t, driver.Remove("/dead2", false))

	// Two adjacent corpses in keep1's slack; the gap walk must find both.
	found1, err := driver.FindRemovedEntry(RootInode, "dead1")
	require.NoError(t, err)
	assert.Equal(t, dead1, found1)

	found2, err := driver.FindRemovedEntry(RootInode, "dead2")
	require.NoError(t, err)
	assert.Equal(t, dead2, found2)

	// Live names are not found among the dead.
	found, err := driver.FindRemovedEntry(RootInode, "keep2")
	require.NoError(t, err)
	assert.Zero(t, found)
}

func TestHardLinkBumpsLinkCount(t *testing.T) {
	driver := newTestDriver(t)
	require.NoError(t, driver.CopyIn("/f", "f", []byte("shared")))

	fInode, err := driver.ResolvePath("/f")
	require.NoError(t, err)

	require.NoError(t, driver.Link("/f", "/g"))

	gInode, err := driver.ResolvePath("/g")
	require.NoError(t, err)
	assert.Equal(t, fInode, gInode, "hard link must share the inode")

	ino, err := driver.InodeAt(fInode)
	require.NoError(t, err)
	assert.EqualValues(t, 2, ino.LinksCount)
}

func TestDirectoryEntriesGetDotAndDotDot(t *testing.T) {
	driver := newTestDriver(t)
	require.NoError(t, driver.Mkdir("/parent"))
	require.NoError(t, driver.Mkdir("/parent/child"))

	parentInode, err := driver.ResolvePath("/parent")
	require.NoError(t, err)
	childInode, err := driver.ResolvePath("/parent/child")
	require.NoError(t, err)

	dot, err := driver.FindEntry(childInode, ".")
	require.NoError(t, err)
	assert.Equal(t, childInode, dot)

	dotDot, err := driver.FindEntry(childInode, "..")
	require.NoError(t, err)
	assert.Equal(t, parentInode, dotDot)

	// Its entry in "/" + its own "." + the child's "..".
	parent, err := driver.InodeAt(parentInode)
	require.NoError(t, err)
	assert.EqualValues(t, 3, parent.LinksCount)

	child, err := driver.InodeAt(childInode)
	require.NoError(t, err)
	assert.EqualValues(t, 2, child.LinksCount)
}
