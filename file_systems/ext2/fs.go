package ext2

import (
	"fmt"
	"io"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/ext2kit"
	c "github.com/dargueta/ext2kit/file_systems/common"
	"github.com/dargueta/ext2kit/file_systems/common/blockcache"
)

// Driver edits one ext2 image in place. All mutations happen inside the block
// cache; nothing reaches the backing file until Flush() or Unmount().
//
// The free counters live decoded in `sb` and `gd` and every allocator action
// updates both, so the two on-disk copies can only disagree if the image
// arrived that way (which is the checker's department).
type Driver struct {
	image     *blockcache.BlockCache
	sb        Superblock
	gd        GroupDescriptor
	isMounted bool
}

// NewDriver wraps an existing block cache. The cache must use 1024-byte
// blocks.
func NewDriver(image *blockcache.BlockCache) *Driver {
	return &Driver{image: image}
}

// NewDriverFromStream wraps a stream holding a whole image, inferring the
// block count from the stream size.
func NewDriverFromStream(stream io.ReadWriteSeeker) (*Driver, error) {
	image, err := blockcache.WrapStreamWithInferredSize(stream, BlockSize)
	if err != nil {
		return nil, err
	}
	return NewDriver(image), nil
}

// Mount decodes the superblock and group descriptor and validates that this
// is an image the engine can edit.
func (driver *Driver) Mount() error {
	if driver.isMounted {
		return nil
	}

	rawSuperblock, err := driver.image.GetSlice(SuperblockNumber, 1)
	if err != nil {
		return err
	}
	sb, err := decodeSuperblock(rawSuperblock)
	if err != nil {
		return err
	}

	if sb.Magic != Magic {
		return ext2kit.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("bad superblock magic 0x%04x", sb.Magic))
	}
	if sb.LogBlockSize != 0 {
		return ext2kit.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("only 1024-byte blocks are supported, got %d",
				BlockSize<<sb.LogBlockSize))
	}
	if uint(sb.BlocksCount) != driver.image.TotalBlocks() {
		return ext2kit.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("superblock says %d blocks but the image holds %d",
				sb.BlocksCount, driver.image.TotalBlocks()))
	}

	rawDescriptor, err := driver.image.GetSlice(GroupDescriptorBlock, 1)
	if err != nil {
		return err
	}
	gd, err := decodeGroupDescriptor(rawDescriptor)
	if err != nil {
		return err
	}

	driver.sb = sb
	driver.gd = gd
	driver.isMounted = true
	return nil
}

// Flush re-encodes the superblock and group descriptor and writes every dirty
// block back to the underlying stream.
func (driver *Driver) Flush() error {
	if !driver.isMounted {
		return nil
	}

	rawSuperblock, err := driver.image.GetSlice(SuperblockNumber, 1)
	if err != nil {
		return err
	}
	err = driver.sb.encodeTo(rawSuperblock)
	if err != nil {
		return err
	}
	err = driver.image.MarkBlockRangeDirty(SuperblockNumber, 1)
	if err != nil {
		return err
	}

	rawDescriptor, err := driver.image.GetSlice(GroupDescriptorBlock, 1)
	if err != nil {
		return err
	}
	err = driver.gd.encodeTo(rawDescriptor)
	if err != nil {
		return err
	}
	err = driver.image.MarkBlockRangeDirty(GroupDescriptorBlock, 1)
	if err != nil {
		return err
	}

	return driver.image.Flush()
}

// Unmount flushes all pending changes and detaches the driver.
func (driver *Driver) Unmount() error {
	err := driver.Flush()
	if err != nil {
		return err
	}
	driver.isMounted = false
	return nil
}

// FSStat reports the file system statistics as currently recorded in the
// superblock and group descriptor.
func (driver *Driver) FSStat() ext2kit.FSStat {
	return ext2kit.FSStat{
		BlockSize:     BlockSize,
		TotalBlocks:   driver.sb.BlocksCount,
		BlocksFree:    driver.sb.FreeBlocksCount,
		TotalInodes:   driver.sb.InodesCount,
		InodesFree:    driver.sb.FreeInodesCount,
		Directories:   driver.gd.UsedDirsCount,
		MaxNameLength: MaxNameLength,
	}
}

////////////////////////////////////////////////////////////////////////////////
// Raw image accessors

// blockSlice returns the 1024 bytes of the block with the given file system
// number. Block numbers count from the start of the image file, so the lowest
// valid one is 1 (the superblock); 0 marks an empty pointer slot.
func (driver *Driver) blockSlice(blockNum uint32) ([]byte, error) {
	if blockNum == 0 || uint(blockNum) >= driver.image.TotalBlocks() {
		return nil, ext2kit.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("block number %d not in range [1, %d)",
				blockNum, driver.image.TotalBlocks()))
	}
	return driver.image.GetSlice(c.LogicalBlock(blockNum), 1)
}

// markBlockDirty flags one file system block for writing out on Flush().
func (driver *Driver) markBlockDirty(blockNum uint32) {
	// The bounds were already checked when the slice was handed out.
	_ = driver.image.MarkBlockRangeDirty(c.LogicalBlock(blockNum), 1)
}

// blockBitmap returns the data block bitmap as a mutable bitmap view. Callers
// that change bits must follow up with markBlockBitmapDirty().
func (driver *Driver) blockBitmap() (bitmap.Bitmap, error) {
	raw, err := driver.blockSlice(driver.gd.BlockBitmapBlock)
	if err != nil {
		return nil, err
	}
	return bitmap.Bitmap(raw), nil
}

func (driver *Driver) markBlockBitmapDirty() {
	driver.markBlockDirty(driver.gd.BlockBitmapBlock)
}

// inodeBitmap returns the inode bitmap as a mutable bitmap view. Callers that
// change bits must follow up with markInodeBitmapDirty().
func (driver *Driver) inodeBitmap() (bitmap.Bitmap, error) {
	raw, err := driver.blockSlice(driver.gd.InodeBitmapBlock)
	if err != nil {
		return nil, err
	}
	return bitmap.Bitmap(raw), nil
}

func (driver *Driver) markInodeBitmapDirty() {
	driver.markBlockDirty(driver.gd.InodeBitmapBlock)
}

// inodeLocation gives the table block holding an inode and the offset of the
// inode within that block.
func (driver *Driver) inodeLocation(inodeNum uint32) (uint32, int, error) {
	if inodeNum == 0 || inodeNum > driver.sb.InodesCount {
		return 0, 0, ext2kit.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("inode number %d not in range [1, %d]",
				inodeNum, driver.sb.InodesCount))
	}
	index := inodeNum - 1
	block := driver.gd.InodeTableBlock + index/InodesPerBlock
	offset := int(index%InodesPerBlock) * InodeSize
	return block, offset, nil
}

// InodeAt reads the inode with the given number. The returned value is a
// copy; mutations only land on the image via putInode().
func (driver *Driver) InodeAt(inodeNum uint32) (Inode, error) {
	block, offset, err := driver.inodeLocation(inodeNum)
	if err != nil {
		return Inode{}, err
	}
	raw, err := driver.blockSlice(block)
	if err != nil {
		return Inode{}, err
	}
	return decodeInode(raw[offset : offset+InodeSize])
}

// putInode writes an inode back to the table.
func (driver *Driver) putInode(inodeNum uint32, ino *Inode) error {
	block, offset, err := driver.inodeLocation(inodeNum)
	if err != nil {
		return err
	}
	raw, err := driver.blockSlice(block)
	if err != nil {
		return err
	}
	err = ino.encodeTo(raw[offset : offset+InodeSize])
	if err != nil {
		return err
	}
	driver.markBlockDirty(block)
	return nil
}

// isDir reports whether the given inode number refers to a directory. An
// invalid or unreadable inode is simply not a directory.
func (driver *Driver) isDir(inodeNum uint32) bool {
	if inodeNum == 0 {
		return false
	}
	ino, err := driver.InodeAt(inodeNum)
	if err != nil {
		return false
	}
	return ino.IsDir()
}

////////////////////////////////////////////////////////////////////////////////
// Free counter mirroring
//
// Every bitmap flip goes through one of these so the superblock and group
// descriptor never drift apart.

func (driver *Driver) adjustFreeInodes(delta int) {
	driver.sb.FreeInodesCount = uint32(int(driver.sb.FreeInodesCount) + delta)
	driver.gd.FreeInodesCount = uint16(int(driver.gd.FreeInodesCount) + delta)
}

func (driver *Driver) adjustFreeBlocks(delta int) {
	driver.sb.FreeBlocksCount = uint32(int(driver.sb.FreeBlocksCount) + delta)
	driver.gd.FreeBlocksCount = uint16(int(driver.gd.FreeBlocksCount) + delta)
}

func (driver *Driver) adjustUsedDirs(delta int) {
	driver.gd.UsedDirsCount = uint16(int(driver.gd.UsedDirsCount) + delta)
}
