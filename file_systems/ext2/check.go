package ext2

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/ext2kit"
	"github.com/hashicorp/go-multierror"
)

// Check repairs the image's bookkeeping in two passes: first the free
// counters in the superblock and group descriptor are reconciled with the
// bitmaps, then the directory tree is walked from the root repairing entry
// type mismatches, missing inode bits, stale deletion times, and missing data
// block bits. One line per fix is written to `w`, followed by a summary.
//
// The returned error aggregates structural corruption the checker ran into
// but cannot repair (unparseable directory blocks, directory block pointers
// outside the image); the fixes already applied stand regardless. Data block
// pointers and entry inode numbers that are out of range are skipped without
// being reported.
func (driver *Driver) Check(w io.Writer) (int, error) {
	totalFixes := driver.reconcileCounters(w)

	var walkErrors *multierror.Error
	root, err := driver.InodeAt(RootInode)
	if err != nil {
		walkErrors = multierror.Append(walkErrors, err)
	} else if root.Block[0] != 0 {
		// The walk starts from the root directory's own "." entry.
		block, err := driver.blockSlice(root.Block[0])
		if err != nil {
			walkErrors = multierror.Append(walkErrors, err)
		} else {
			entry, err := decodeDirEntry(block, 0)
			if err != nil {
				walkErrors = multierror.Append(walkErrors, err)
			} else {
				fixes := driver.fixEntryTree(w, root.Block[0], 0, entry, true, &walkErrors)
				totalFixes += fixes
			}
		}
	}

	if totalFixes > 0 {
		fmt.Fprintf(w, "%d file system inconsistencies repaired!\n", totalFixes)
	} else {
		fmt.Fprintln(w, "No file system inconsistencies detected!")
	}

	return totalFixes, walkErrors.ErrorOrNil()
}

// reconcileCounters trusts the bitmaps: any free-count field that disagrees
// with the number of zero bits is overwritten, and the size of the
// discrepancy is what counts as fixes.
func (driver *Driver) reconcileCounters(w io.Writer) int {
	fixes := 0

	blockBits, err := driver.blockBitmap()
	if err == nil {
		freeBlocks := countFreeBits(blockBits, driver.sb.BlocksCount)

		if freeBlocks != int(driver.sb.FreeBlocksCount) {
			diff := absDiff(freeBlocks, int(driver.sb.FreeBlocksCount))
			driver.sb.FreeBlocksCount = uint32(freeBlocks)
			fmt.Fprintf(w,
				"Fixed: superblock's free blocks counter was off by %d compared to the bitmap\n",
				diff)
			fixes += diff
		}

		if freeBlocks != int(driver.gd.FreeBlocksCount) {
			diff := absDiff(freeBlocks, int(driver.gd.FreeBlocksCount))
			driver.gd.FreeBlocksCount = uint16(freeBlocks)
			fmt.Fprintf(w,
				"Fixed: block group's free blocks counter was off by %d compared to the bitmap\n",
				diff)
			fixes += diff
		}
	}

	inodeBits, err := driver.inodeBitmap()
	if err == nil {
		freeInodes := countFreeBits(inodeBits, driver.sb.InodesCount)

		if freeInodes != int(driver.sb.FreeInodesCount) {
			diff := absDiff(freeInodes, int(driver.sb.FreeInodesCount))
			driver.sb.FreeInodesCount = uint32(freeInodes)
			fmt.Fprintf(w,
				"Fixed: superblock's free inodes counter was off by %d compared to the bitmap\n",
				diff)
			fixes += diff
		}

		if freeInodes != int(driver.gd.FreeInodesCount) {
			diff := absDiff(freeInodes, int(driver.gd.FreeInodesCount))
			driver.gd.FreeInodesCount = uint16(freeInodes)
			fmt.Fprintf(w,
				"Fixed: block group's free inodes counter was off by %d compared to the bitmap\n",
				diff)
			fixes += diff
		}
	}

	return fixes
}

func countFreeBits(bits bitmap.Bitmap, count uint32) int {
	free := 0
	for i := 0; i < bitmapSpan(count); i++ {
		if !bits.Get(i) {
			free++
		}
	}
	return free
}

func absDiff(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

// fixEntryTree repairs one directory entry and, if it is a directory that
// should be descended into, all entries below it. Dotted entries stop the
// recursion except for the root's own "." entry that seeds the walk.
func (driver *Driver) fixEntryTree(
	w io.Writer,
	blockNum uint32,
	pos int,
	entry DirEntry,
	isFirst bool,
	walkErrors **multierror.Error,
) int {
	fixes := driver.fixFileType(w, blockNum, pos, &entry)
	fixes += driver.fixInodeBitmap(w, &entry)
	fixes += driver.fixDeletionTime(w, &entry)
	fixes += driver.fixBlockBitmap(w, &entry)

	if entry.FileType != FileTypeDirectory || (isDotEntry(entry.Name) && !isFirst) {
		return fixes
	}

	ino, err := driver.InodeAt(entry.Inode)
	if err != nil {
		*walkErrors = multierror.Append(*walkErrors, err)
		return fixes
	}

	for k := 0; k < NumDirectBlocks && ino.Block[k] != 0; k++ {
		block, err := driver.blockSlice(ino.Block[k])
		if err != nil {
			*walkErrors = multierror.Append(*walkErrors, err)
			continue
		}

		for childPos := 0; childPos < BlockSize; {
			child, err := decodeDirEntry(block, childPos)
			if err != nil {
				*walkErrors = multierror.Append(*walkErrors, err)
				break
			}
			if child.Inode != 0 {
				fixes += driver.fixEntryTree(
					w, ino.Block[k], childPos, child, false, walkErrors)
			}
			childPos += int(child.RecLen)
		}
	}

	return fixes
}

// fixFileType makes the entry's type code agree with its inode's mode.
func (driver *Driver) fixFileType(w io.Writer, blockNum uint32, pos int, entry *DirEntry) int {
	ino, err := driver.InodeAt(entry.Inode)
	if err != nil {
		return 0
	}

	if ino.Mode&ext2kit.S_IFMT == ModeForFileType(entry.FileType) {
		return 0
	}

	entry.FileType = FileTypeForMode(ino.Mode)
	block, err := driver.blockSlice(blockNum)
	if err != nil {
		return 0
	}
	block[pos+7] = entry.FileType
	driver.markBlockDirty(blockNum)

	fmt.Fprintf(w, "Fixed: Entry type vs inode mismatch: inode [%d]\n", entry.Inode)
	return 1
}

// fixInodeBitmap marks a referenced inode as in-use if the bitmap missed it.
func (driver *Driver) fixInodeBitmap(w io.Writer, entry *DirEntry) int {
	bits, err := driver.inodeBitmap()
	if err != nil {
		return 0
	}
	if err := driver.checkBitmapRange(entry.Inode, driver.sb.InodesCount, "inode"); err != nil {
		return 0
	}
	if bitInUse(bits, entry.Inode) {
		return 0
	}

	bits.Set(bitIndex(entry.Inode), true)
	driver.markInodeBitmapDirty()
	driver.adjustFreeInodes(-1)

	fmt.Fprintf(w, "Fixed: inode [%d] not marked as in-use\n", entry.Inode)
	return 1
}

// fixDeletionTime clears the deletion time of a referenced (hence live)
// inode.
func (driver *Driver) fixDeletionTime(w io.Writer, entry *DirEntry) int {
	ino, err := driver.InodeAt(entry.Inode)
	if err != nil || ino.DeletionTime == 0 {
		return 0
	}

	ino.DeletionTime = 0
	if driver.putInode(entry.Inode, &ino) != nil {
		return 0
	}

	fmt.Fprintf(w, "Fixed: valid inode marked for deletion [%d]\n", entry.Inode)
	return 1
}

// fixBlockBitmap marks every data block the entry's inode references as
// in-use: the direct pointers and, when present, every 32-bit slot of the
// indirect block.
func (driver *Driver) fixBlockBitmap(w io.Writer, entry *DirEntry) int {
	ino, err := driver.InodeAt(entry.Inode)
	if err != nil {
		return 0
	}

	blocksFixed := 0
	k := 0
	for ; k < NumDirectBlocks && ino.Block[k] != 0; k++ {
		blocksFixed += driver.fixBlock(ino.Block[k])
	}

	if k == NumDirectBlocks && ino.Block[IndirectSlot] != 0 {
		indirect, err := driver.blockSlice(ino.Block[IndirectSlot])
		if err == nil {
			for i := 0; i < PointersPerBlock; i++ {
				dataBlock := binary.LittleEndian.Uint32(indirect[i*4:])
				if dataBlock == 0 {
					break
				}
				blocksFixed += driver.fixBlock(dataBlock)
			}
		}
	}

	if blocksFixed > 0 {
		fmt.Fprintf(w,
			"Fixed: %d in-use data blocks not marked in data bitmap for inode [%d]\n",
			blocksFixed, entry.Inode)
	}
	return blocksFixed
}

// fixBlock sets one block's bitmap bit if it was clear. Reports 1 if a fix
// was made.
func (driver *Driver) fixBlock(blockNum uint32) int {
	bits, err := driver.blockBitmap()
	if err != nil {
		return 0
	}
	if err := driver.checkBitmapRange(blockNum, driver.sb.BlocksCount, "block"); err != nil {
		return 0
	}
	if bitInUse(bits, blockNum) {
		return 0
	}

	bits.Set(bitIndex(blockNum), true)
	driver.markBlockBitmapDirty()
	driver.adjustFreeBlocks(-1)
	return 1
}
