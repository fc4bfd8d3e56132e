package ext2

import (
	"bytes"
	"testing"

	"github.com/dargueta/ext2kit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoveTreeFreesEverything(t *testing.T) {
	driver := newTestDriver(t)

	freeBlocks := driver.sb.FreeBlocksCount
	freeInodes := driver.sb.FreeInodesCount
	usedDirs := driver.gd.UsedDirsCount

	require.NoError(t, driver.Mkdir("/a"))
	require.NoError(t, driver.Mkdir("/a/b"))
	assert.Equal(t, usedDirs+2, driver.gd.UsedDirsCount)

	require.NoError(t, driver.Remove("/a", true))

	// Both inodes and both directory blocks must be back in the pool, and
	// the used-directories count back where it started.
	assert.Equal(t, freeBlocks, driver.sb.FreeBlocksCount)
	assert.Equal(t, freeInodes, driver.sb.FreeInodesCount)
	assert.Equal(t, usedDirs, driver.gd.UsedDirsCount)
	requireCountersMatchBitmaps(t, driver)
	checkQuietly(t, driver)

	// The root is whole again: only "." and ".." point at it.
	root, err := driver.InodeAt(RootInode)
	require.NoError(t, err)
	assert.EqualValues(t, 2, root.LinksCount)

	inodeNum, err := driver.ResolvePath("/a")
	require.NoError(t, err)
	assert.Zero(t, inodeNum)
}

func TestRemoveSetsDeletionTimeAndClearsLinks(t *testing.T) {
	driver := newTestDriver(t)
	require.NoError(t, driver.CopyIn("/f", "f", []byte("bytes")))

	inodeNum, err := driver.ResolvePath("/f")
	require.NoError(t, err)

	require.NoError(t, driver.Remove("/f", false))

	ino, err := driver.InodeAt(inodeNum)
	require.NoError(t, err)
	assert.Zero(t, ino.LinksCount)
	assert.NotZero(t, ino.DeletionTime, "freed inodes carry their deletion time")

	// The data blocks were freed but not wiped.
	block, err := driver.blockSlice(ino.Block[0])
	require.NoError(t, err)
	assert.Equal(t, "bytes", string(block[:5]))
}

func TestRemoveHardLinkKeepsInode(t *testing.T) {
	driver := newTestDriver(t)
	require.NoError(t, driver.CopyIn("/f", "f", []byte("shared")))
	require.NoError(t, driver.Link("/f", "/g"))

	require.NoError(t, driver.Remove("/f", false))

	// The other name still resolves and the inode is down to one link.
	gInode, err := driver.ResolvePath("/g")
	require.NoError(t, err)
	require.NotZero(t, gInode)

	ino, err := driver.InodeAt(gInode)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ino.LinksCount)
	assert.Zero(t, ino.DeletionTime)

	contents, err := driver.ReadFile("/g")
	require.NoError(t, err)
	assert.Equal(t, "shared", string(contents))
	checkQuietly(t, driver)
}

func TestRestoreFileRoundTrip(t *testing.T) {
	driver := newTestDriver(t)
	payload := patternBytes(2500)

	require.NoError(t, driver.Mkdir("/d"))
	require.NoError(t, driver.CopyIn("/d/x", "x", payload))
	require.NoError(t, driver.Remove("/d/x", false))

	inodeNum, err := driver.ResolvePath("/d/x")
	require.NoError(t, err)
	require.Zero(t, inodeNum)

	require.NoError(t, driver.Restore("/d/x", false))

	readBack, err := driver.ReadFile("/d/x")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, readBack), "restored bytes differ")

	stat, err := driver.Stat("/d/x")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stat.Nlinks)
	assert.True(t, stat.DeletedAt.IsZero())

	requireCountersMatchBitmaps(t, driver)
	checkQuietly(t, driver)
}

func TestRestoreRefusesWhenInodeReused(t *testing.T) {
	driver := newTestDriver(t)
	require.NoError(t, driver.CopyIn("/old", "old", []byte("old")))
	require.NoError(t, driver.Remove("/old", false))

	// Claim the freed inode (and block) for a new file.
	require.NoError(t, driver.CopyIn("/new", "new", []byte("new")))

	err := driver.Restore("/old", false)
	assert.ErrorIs(t, err, ext2kit.ErrNotFound)
	checkQuietly(t, driver)
}

func TestRestoreDirectoryNeedsRecursiveFlag(t *testing.T) {
	driver := newTestDriver(t)
	require.NoError(t, driver.Mkdir("/d"))
	require.NoError(t, driver.Remove("/d", true))

	assert.ErrorIs(t, driver.Restore("/d", false), ext2kit.ErrIsADirectory)
	require.NoError(t, driver.Restore("/d", true))

	inodeNum, err := driver.ResolvePath("/d")
	require.NoError(t, err)
	assert.NotZero(t, inodeNum)
	checkQuietly(t, driver)
}

func TestRecursiveRestoreBringsBackChildren(t *testing.T) {
	driver := newTestDriver(t)
	payload := []byte("child data")

	require.NoError(t, driver.Mkdir("/d"))
	require.NoError(t, driver.Mkdir("/d/sub"))
	require.NoError(t, driver.CopyIn("/d/file", "file", payload))

	usedDirs := driver.gd.UsedDirsCount
	require.NoError(t, driver.Remove("/d", true))
	require.NoError(t, driver.Restore("/d", true))
	assert.Equal(t, usedDirs, driver.gd.UsedDirsCount)

	readBack, err := driver.ReadFile("/d/file")
	require.NoError(t, err)
	assert.Equal(t, payload, readBack)

	subInode, err := driver.ResolvePath("/d/sub")
	require.NoError(t, err)
	assert.NotZero(t, subInode)

	requireCountersMatchBitmaps(t, driver)
	checkQuietly(t, driver)
}

func TestPartialRestoreReportsFailureButKeepsProgress(t *testing.T) {
	driver := newTestDriver(t)

	require.NoError(t, driver.Mkdir("/d"))
	require.NoError(t, driver.CopyIn("/d/gone", "gone", []byte("unlucky")))
	require.NoError(t, driver.CopyIn("/d/safe", "safe", []byte("lucky")))

	goneInode, err := driver.ResolvePath("/d/gone")
	require.NoError(t, err)

	require.NoError(t, driver.Remove("/d", true))

	// Steal the freed child's inode number, as a later allocation would.
	claimed, err := driver.attemptInodeReallocation(goneInode)
	require.NoError(t, err)
	require.True(t, claimed)

	err = driver.Restore("/d", true)
	assert.ErrorIs(t, err, ext2kit.ErrNotFound, "partial restore still fails overall")

	// The directory and the untouched child are back regardless.
	readBack, err := driver.ReadFile("/d/safe")
	require.NoError(t, err)
	assert.Equal(t, "lucky", string(readBack))

	// The unrecoverable child's entry was never unlinked from /d, so it
	// still names its old, now foreign, inode; the restore left it alone.
	inodeNum, err := driver.ResolvePath("/d/gone")
	require.NoError(t, err)
	assert.Equal(t, goneInode, inodeNum)

	safeStat, err := driver.Stat("/d/safe")
	require.NoError(t, err)
	assert.EqualValues(t, 1, safeStat.Nlinks)
}
