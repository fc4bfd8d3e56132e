package ext2

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/ext2kit"
)

// The on-disk bitmaps are LSB-first within each byte, byte-major — exactly
// the order bitmap.Bitmap uses — so the views returned by inodeBitmap() and
// blockBitmap() operate on the image bytes directly. The only twist is the
// off-by-one: numbering starts at 1, so number v lives at bit index v−1.

// bitIndex maps an inode or block number onto its bitmap index.
func bitIndex(num uint32) int {
	return int(num) - 1
}

// bitmapSpan gives the number of usable bits in a bitmap covering `count`
// numbered objects. Only whole bytes participate, matching how the counters
// are reconciled.
func bitmapSpan(count uint32) int {
	return int(count/8) * 8
}

// allocateInode finds the lowest free inode number, marks it used, and
// updates the free-inode counters. The search starts at FirstUserInode;
// the reserved inodes below it are never handed out.
func (driver *Driver) allocateInode() (uint32, error) {
	bits, err := driver.inodeBitmap()
	if err != nil {
		return 0, err
	}

	limit := bitmapSpan(driver.sb.InodesCount)
	for i := bitIndex(FirstUserInode); i < limit; i++ {
		if bits.Get(i) {
			continue
		}
		bits.Set(i, true)
		driver.markInodeBitmapDirty()
		driver.adjustFreeInodes(-1)
		return uint32(i) + 1, nil
	}

	return 0, ext2kit.ErrNoSpaceOnDevice.WithMessage("no free inodes left")
}

// allocateBlock finds the lowest free block number, marks it used, and
// updates the free-block counters.
func (driver *Driver) allocateBlock() (uint32, error) {
	bits, err := driver.blockBitmap()
	if err != nil {
		return 0, err
	}

	limit := bitmapSpan(driver.sb.BlocksCount)
	for i := 0; i < limit; i++ {
		if bits.Get(i) {
			continue
		}
		bits.Set(i, true)
		driver.markBlockBitmapDirty()
		driver.adjustFreeBlocks(-1)
		return uint32(i) + 1, nil
	}

	return 0, ext2kit.ErrNoSpaceOnDevice.WithMessage("no free blocks left")
}

// deallocateInode clears an inode's bitmap bit and bumps the free counters.
func (driver *Driver) deallocateInode(inodeNum uint32) error {
	bits, err := driver.inodeBitmap()
	if err != nil {
		return err
	}
	if err := driver.checkBitmapRange(inodeNum, driver.sb.InodesCount, "inode"); err != nil {
		return err
	}

	bits.Set(bitIndex(inodeNum), false)
	driver.markInodeBitmapDirty()
	driver.adjustFreeInodes(1)
	return nil
}

// deallocateBlock clears a block's bitmap bit and bumps the free counters.
func (driver *Driver) deallocateBlock(blockNum uint32) error {
	bits, err := driver.blockBitmap()
	if err != nil {
		return err
	}
	if err := driver.checkBitmapRange(blockNum, driver.sb.BlocksCount, "block"); err != nil {
		return err
	}

	bits.Set(bitIndex(blockNum), false)
	driver.markBlockBitmapDirty()
	driver.adjustFreeBlocks(1)
	return nil
}

// attemptInodeReallocation re-marks a previously freed inode as used, but
// only if nothing else claimed it in the meantime. Reports whether the inode
// was actually claimed.
func (driver *Driver) attemptInodeReallocation(inodeNum uint32) (bool, error) {
	bits, err := driver.inodeBitmap()
	if err != nil {
		return false, err
	}
	if err := driver.checkBitmapRange(inodeNum, driver.sb.InodesCount, "inode"); err != nil {
		return false, err
	}

	if bits.Get(bitIndex(inodeNum)) {
		return false, nil
	}
	bits.Set(bitIndex(inodeNum), true)
	driver.markInodeBitmapDirty()
	driver.adjustFreeInodes(-1)
	return true, nil
}

// attemptBlockReallocation re-marks a previously freed block as used if it is
// still free. Already-taken blocks are left alone.
func (driver *Driver) attemptBlockReallocation(blockNum uint32) error {
	bits, err := driver.blockBitmap()
	if err != nil {
		return err
	}
	if err := driver.checkBitmapRange(blockNum, driver.sb.BlocksCount, "block"); err != nil {
		return err
	}

	if !bits.Get(bitIndex(blockNum)) {
		bits.Set(bitIndex(blockNum), true)
		driver.markBlockBitmapDirty()
		driver.adjustFreeBlocks(-1)
	}
	return nil
}

// bitInUse reports whether the bit for `num` is set in `bits`.
func bitInUse(bits bitmap.Bitmap, num uint32) bool {
	return bits.Get(bitIndex(num))
}

// checkBitmapRange validates that `num` has a bit in a bitmap covering
// `count` objects.
func (driver *Driver) checkBitmapRange(num, count uint32, what string) error {
	if num == 0 || num > count {
		return ext2kit.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("%s number %d not in range [1, %d]", what, num, count))
	}
	return nil
}
