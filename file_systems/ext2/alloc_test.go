package ext2

import (
	"testing"

	"github.com/dargueta/ext2kit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitIndexIsOffByOne(t *testing.T) {
	// The off-by-one in the number→bit mapping is where the bugs live, so
	// pin it down explicitly: number v is bit v−1.
	assert.Equal(t, 0, bitIndex(1))
	assert.Equal(t, 7, bitIndex(8))
	assert.Equal(t, 8, bitIndex(9))
	assert.Equal(t, 11, bitIndex(FirstUserInode))
	assert.Equal(t, 127, bitIndex(128))
}

func TestAllocateInodeStartsAtTwelve(t *testing.T) {
	driver := newTestDriver(t)

	inodeNum, err := driver.allocateInode()
	require.NoError(t, err)
	assert.EqualValues(t, FirstUserInode, inodeNum)

	next, err := driver.allocateInode()
	require.NoError(t, err)
	assert.EqualValues(t, FirstUserInode+1, next)

	requireCountersMatchBitmaps(t, driver)
}

func TestAllocateInodeReusesHoles(t *testing.T) {
	driver := newTestDriver(t)

	first, err := driver.allocateInode()
	require.NoError(t, err)
	second, err := driver.allocateInode()
	require.NoError(t, err)

	// Free the lower one again; the allocator must reuse it before moving on.
	require.NoError(t, driver.deallocateInode(first))
	reused, err := driver.allocateInode()
	require.NoError(t, err)
	assert.Equal(t, first, reused)

	third, err := driver.allocateInode()
	require.NoError(t, err)
	assert.Equal(t, second+1, third)
}

func TestAllocateBlockReturnsLowestFree(t *testing.T) {
	driver := newTestDriver(t)

	// classic-128 uses blocks 1-9 for metadata plus the root directory.
	blockNum, err := driver.allocateBlock()
	require.NoError(t, err)
	assert.EqualValues(t, 10, blockNum)

	requireCountersMatchBitmaps(t, driver)
}

func TestAllocatorsMirrorBothCounters(t *testing.T) {
	driver := newTestDriver(t)

	sbBlocks := driver.sb.FreeBlocksCount
	gdBlocks := driver.gd.FreeBlocksCount
	sbInodes := driver.sb.FreeInodesCount
	gdInodes := driver.gd.FreeInodesCount

	blockNum, err := driver.allocateBlock()
	require.NoError(t, err)
	inodeNum, err := driver.allocateInode()
	require.NoError(t, err)

	assert.Equal(t, sbBlocks-1, driver.sb.FreeBlocksCount)
	assert.Equal(t, gdBlocks-1, driver.gd.FreeBlocksCount)
	assert.Equal(t, sbInodes-1, driver.sb.FreeInodesCount)
	assert.Equal(t, gdInodes-1, driver.gd.FreeInodesCount)

	require.NoError(t, driver.deallocateBlock(blockNum))
	require.NoError(t, driver.deallocateInode(inodeNum))

	assert.Equal(t, sbBlocks, driver.sb.FreeBlocksCount)
	assert.Equal(t, gdBlocks, driver.gd.FreeBlocksCount)
	assert.Equal(t, sbInodes, driver.sb.FreeInodesCount)
	assert.Equal(t, gdInodes, driver.gd.FreeInodesCount)
}

func TestInodeExhaustionIsAnError(t *testing.T) {
	driver := newTestDriver(t)

	// classic-128 has 32 inodes; 10 reserved, 11 skipped by the allocator.
	for i := 0; i < 21; i++ {
		_, err := driver.allocateInode()
		require.NoError(t, err)
	}

	_, err := driver.allocateInode()
	assert.ErrorIs(t, err, ext2kit.ErrNoSpaceOnDevice)
}

func TestBlockExhaustionIsAnError(t *testing.T) {
	driver := newTestDriver(t)

	for {
		_, err := driver.allocateBlock()
		if err != nil {
			assert.ErrorIs(t, err, ext2kit.ErrNoSpaceOnDevice)
			break
		}
	}

	assert.Zero(t, driver.sb.FreeBlocksCount)
	requireCountersMatchBitmaps(t, driver)
}

func TestReallocationAttempts(t *testing.T) {
	driver := newTestDriver(t)

	inodeNum, err := driver.allocateInode()
	require.NoError(t, err)

	// Still in use: the attempt must refuse.
	claimed, err := driver.attemptInodeReallocation(inodeNum)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, driver.deallocateInode(inodeNum))
	claimed, err = driver.attemptInodeReallocation(inodeNum)
	require.NoError(t, err)
	assert.True(t, claimed)

	blockNum, err := driver.allocateBlock()
	require.NoError(t, err)
	free := driver.sb.FreeBlocksCount

	// Attempting an in-use block is a no-op, counters included.
	require.NoError(t, driver.attemptBlockReallocation(blockNum))
	assert.Equal(t, free, driver.sb.FreeBlocksCount)

	require.NoError(t, driver.deallocateBlock(blockNum))
	require.NoError(t, driver.attemptBlockReallocation(blockNum))
	assert.Equal(t, free, driver.sb.FreeBlocksCount)
	requireCountersMatchBitmaps(t, driver)
}
