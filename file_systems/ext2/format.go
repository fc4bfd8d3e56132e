package ext2

import (
	"fmt"
	"time"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/ext2kit"
	c "github.com/dargueta/ext2kit/file_systems/common"
	"github.com/dargueta/ext2kit/profiles"
)

// Format writes a fresh, consistent file system over the driver's image:
// boot block, superblock, group descriptor, the two bitmaps, the inode table,
// and a root directory holding only "." and "..". Everything previously on
// the image is destroyed.
//
// The resulting layout is fixed: superblock in block 1, group descriptor in
// block 2, block and inode bitmaps in blocks 3 and 4, then the inode table,
// then the root directory's block. The last bitmap bit refers to a block
// number one past the end of the image, so it is marked in-use up front to
// keep it away from the allocator.
func (driver *Driver) Format(geo profiles.Geometry) error {
	if geo.BlockSize != BlockSize {
		return ext2kit.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("only %d-byte blocks are supported, got %d",
				BlockSize, geo.BlockSize))
	}
	if uint(geo.TotalBlocks) != driver.image.TotalBlocks() {
		return ext2kit.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("profile wants %d blocks but the image holds %d",
				geo.TotalBlocks, driver.image.TotalBlocks()))
	}
	if geo.TotalBlocks > BlockSize*8 || geo.TotalInodes > BlockSize*8 {
		return ext2kit.ErrInvalidArgument.WithMessage(
			"a single block group cannot track more than 8192 blocks or inodes")
	}
	if geo.TotalInodes == 0 || geo.TotalInodes%InodesPerBlock != 0 {
		return ext2kit.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("inode count must be a non-zero multiple of %d, got %d",
				InodesPerBlock, geo.TotalInodes))
	}

	inodeTableBlocks := geo.TotalInodes / InodesPerBlock

	const blockBitmapBlock = 3
	const inodeBitmapBlock = 4
	const inodeTableBlock = 5
	rootDirBlock := inodeTableBlock + inodeTableBlocks

	if rootDirBlock >= geo.TotalBlocks {
		return ext2kit.ErrInvalidArgument.WithMessage(
			"image too small for its inode table")
	}

	// Wipe every block so stale data can't leak into fresh structures.
	for b := uint(0); b < driver.image.TotalBlocks(); b++ {
		raw, err := driver.image.GetSlice(c.LogicalBlock(b), 1)
		if err != nil {
			return err
		}
		for i := range raw {
			raw[i] = 0
		}
		err = driver.image.MarkBlockRangeDirty(c.LogicalBlock(b), 1)
		if err != nil {
			return err
		}
	}

	now := uint32(time.Now().Unix())

	// Blocks 1 through the root directory's block are spoken for, plus the
	// out-of-range guard bit at the very end of the bitmap.
	usedBlocks := rootDirBlock
	freeBlocks := geo.TotalBlocks - usedBlocks - 1
	// Inodes 1-10 are reserved by the format.
	freeInodes := geo.TotalInodes - 10

	sb := Superblock{
		InodesCount:     geo.TotalInodes,
		BlocksCount:     geo.TotalBlocks,
		FreeBlocksCount: freeBlocks,
		FreeInodesCount: freeInodes,
		FirstDataBlock:  1,
		BlocksPerGroup:  BlockSize * 8,
		FragsPerGroup:   BlockSize * 8,
		InodesPerGroup:  geo.TotalInodes,
		WriteTime:       now,
		Magic:           Magic,
		State:           1,
		Errors:          1,
		LastCheck:       now,
	}

	gd := GroupDescriptor{
		BlockBitmapBlock: blockBitmapBlock,
		InodeBitmapBlock: inodeBitmapBlock,
		InodeTableBlock:  inodeTableBlock,
		FreeBlocksCount:  uint16(freeBlocks),
		FreeInodesCount:  uint16(freeInodes),
		UsedDirsCount:    1,
	}

	rawSuperblock, err := driver.image.GetSlice(SuperblockNumber, 1)
	if err != nil {
		return err
	}
	err = sb.encodeTo(rawSuperblock)
	if err != nil {
		return err
	}

	rawDescriptor, err := driver.image.GetSlice(GroupDescriptorBlock, 1)
	if err != nil {
		return err
	}
	err = gd.encodeTo(rawDescriptor)
	if err != nil {
		return err
	}

	rawBlockBitmap, err := driver.image.GetSlice(blockBitmapBlock, 1)
	if err != nil {
		return err
	}
	blockBits := bitmap.Bitmap(rawBlockBitmap)
	for blockNum := uint32(1); blockNum <= usedBlocks; blockNum++ {
		blockBits.Set(bitIndex(blockNum), true)
	}
	blockBits.Set(bitIndex(geo.TotalBlocks), true)

	rawInodeBitmap, err := driver.image.GetSlice(inodeBitmapBlock, 1)
	if err != nil {
		return err
	}
	inodeBits := bitmap.Bitmap(rawInodeBitmap)
	for inodeNum := uint32(1); inodeNum <= 10; inodeNum++ {
		inodeBits.Set(bitIndex(inodeNum), true)
	}

	// The root directory: an inode with one data block holding "." and "..",
	// both pointing back at the root. Its link count is 2 for the same
	// reason.
	rootInode := Inode{
		Mode:         ext2kit.S_IFDIR | ext2kit.S_IRWXU | ext2kit.S_IRGRP | ext2kit.S_IXGRP | ext2kit.S_IROTH | ext2kit.S_IXOTH,
		Size:         BlockSize,
		CreationTime: now,
		LinksCount:   2,
		Sectors:      BlockSize / SectorSize,
	}
	rootInode.Block[0] = rootDirBlock

	rawTable, err := driver.image.GetSlice(inodeTableBlock, 1)
	if err != nil {
		return err
	}
	err = rootInode.encodeTo(rawTable[(RootInode-1)*InodeSize : RootInode*InodeSize])
	if err != nil {
		return err
	}

	rawRootDir, err := driver.image.GetSlice(c.LogicalBlock(rootDirBlock), 1)
	if err != nil {
		return err
	}

	dot := DirEntry{
		Inode:    RootInode,
		RecLen:   uint16(padRecLen(direntHeaderSize + 1)),
		NameLen:  1,
		FileType: FileTypeDirectory,
		Name:     ".",
	}
	writeDirEntry(rawRootDir, 0, &dot)

	dotDot := DirEntry{
		Inode:    RootInode,
		RecLen:   uint16(BlockSize - int(dot.RecLen)),
		NameLen:  2,
		FileType: FileTypeDirectory,
		Name:     "..",
	}
	writeDirEntry(rawRootDir, int(dot.RecLen), &dotDot)

	return driver.image.Flush()
}
