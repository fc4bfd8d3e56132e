package ext2

import (
	"encoding/binary"
	"time"
)

// freeResources releases an inode's number and every one of its data blocks,
// stamps its deletion time, and drops its link count. Directories are walked
// first: each child that is a non-dotted directory, or a file on its last
// link, is freed the same way; every other child only loses a link. Dotted
// entries can never be on their last link here because the recursion is
// depth-first.
//
// Data bytes are left in place — that is what makes restoring possible.
func (driver *Driver) freeResources(inodeNum uint32) error {
	ino, err := driver.InodeAt(inodeNum)
	if err != nil {
		return err
	}

	isDirectory := driver.isDir(inodeNum)
	if isDirectory {
		for k := 0; k < NumDirectBlocks && ino.Block[k] != 0; k++ {
			block, err := driver.blockSlice(ino.Block[k])
			if err != nil {
				return err
			}

			for pos := 0; pos < BlockSize; {
				entry, err := decodeDirEntry(block, pos)
				if err != nil {
					return err
				}
				pos += int(entry.RecLen)

				// A zeroed inode number is a dead slot, not a child.
				if entry.Inode == 0 {
					continue
				}

				child, err := driver.InodeAt(entry.Inode)
				if err != nil {
					return err
				}

				childIsDir := driver.isDir(entry.Inode)
				isLastCopy := !childIsDir && child.LinksCount == 1
				isNonDottedDir := childIsDir && !isDotEntry(entry.Name)

				if isLastCopy || isNonDottedDir {
					err = driver.freeResources(entry.Inode)
					if err != nil {
						return err
					}
				} else {
					child.LinksCount--
					err = driver.putInode(entry.Inode, &child)
					if err != nil {
						return err
					}
				}
			}
		}
	}

	err = driver.deallocateInode(inodeNum)
	if err != nil {
		return err
	}
	// Mirrors the per-directory increment a restore performs, so a removed
	// tree leaves the used-directories count where it started.
	if isDirectory {
		driver.adjustUsedDirs(-1)
	}

	k := 0
	for ; k < NumDirectBlocks && ino.Block[k] != 0; k++ {
		err = driver.deallocateBlock(ino.Block[k])
		if err != nil {
			return err
		}
	}

	if k == NumDirectBlocks && ino.Block[IndirectSlot] != 0 {
		indirect, err := driver.blockSlice(ino.Block[IndirectSlot])
		if err != nil {
			return err
		}

		for i := 0; i < PointersPerBlock; i++ {
			dataBlock := binary.LittleEndian.Uint32(indirect[i*4:])
			if dataBlock == 0 {
				break
			}
			err = driver.deallocateBlock(dataBlock)
			if err != nil {
				return err
			}
		}

		err = driver.deallocateBlock(ino.Block[IndirectSlot])
		if err != nil {
			return err
		}
	}

	// The directory walk may have come back around through a "." entry, so
	// reload before the final link/deletion-time update.
	ino, err = driver.InodeAt(inodeNum)
	if err != nil {
		return err
	}
	ino.DeletionTime = uint32(time.Now().Unix())
	ino.LinksCount--
	return driver.putInode(inodeNum, &ino)
}

// reallocateResources is the mirror image of freeResources for a restore:
// claim the inode's number, then claim back as many of its data blocks as are
// still free, recurse into directories, and finally clear the deletion time
// and regain the dropped link.
//
// If the inode number itself has been reused the whole subtree is abandoned;
// individual data blocks that were reused are silently left to their new
// owners.
func (driver *Driver) reallocateResources(inodeNum uint32) error {
	claimed, err := driver.attemptInodeReallocation(inodeNum)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	ino, err := driver.InodeAt(inodeNum)
	if err != nil {
		return err
	}

	k := 0
	for ; k < NumDirectBlocks && ino.Block[k] != 0; k++ {
		err = driver.attemptBlockReallocation(ino.Block[k])
		if err != nil {
			return err
		}
	}

	if k == NumDirectBlocks && ino.Block[IndirectSlot] != 0 {
		err = driver.attemptBlockReallocation(ino.Block[IndirectSlot])
		if err != nil {
			return err
		}

		indirect, err := driver.blockSlice(ino.Block[IndirectSlot])
		if err != nil {
			return err
		}

		for i := 0; i < PointersPerBlock; i++ {
			dataBlock := binary.LittleEndian.Uint32(indirect[i*4:])
			if dataBlock == 0 {
				break
			}
			err = driver.attemptBlockReallocation(dataBlock)
			if err != nil {
				return err
			}
		}
	}

	if driver.isDir(inodeNum) {
		for k := 0; k < NumDirectBlocks && ino.Block[k] != 0; k++ {
			block, err := driver.blockSlice(ino.Block[k])
			if err != nil {
				return err
			}

			for pos := 0; pos < BlockSize; {
				entry, err := decodeDirEntry(block, pos)
				if err != nil {
					return err
				}
				pos += int(entry.RecLen)

				if entry.Inode == 0 {
					continue
				}

				child, err := driver.InodeAt(entry.Inode)
				if err != nil {
					return err
				}

				childIsDir := driver.isDir(entry.Inode)
				isFileWithNoLinks := !childIsDir && child.LinksCount == 0
				isNonDottedDir := childIsDir && !isDotEntry(entry.Name)

				if isFileWithNoLinks || isNonDottedDir {
					err = driver.reallocateResources(entry.Inode)
					if err != nil {
						return err
					}
				} else {
					child.LinksCount++
					err = driver.putInode(entry.Inode, &child)
					if err != nil {
						return err
					}
				}
			}
		}
	}

	// Reload for the same aliasing reason as freeResources: the walk above
	// touches this inode again through its "." entry.
	ino, err = driver.InodeAt(inodeNum)
	if err != nil {
		return err
	}
	ino.DeletionTime = 0
	ino.LinksCount++
	err = driver.putInode(inodeNum, &ino)
	if err != nil {
		return err
	}

	if driver.isDir(inodeNum) {
		driver.adjustUsedDirs(1)
	}
	return nil
}

// Recoverability verdicts for isRecoverable.
const (
	recoverNone    = 0  // the inode or one of its blocks has been reused
	recoverFull    = 1  // everything can come back
	recoverPartial = -1 // the inode can come back but some descendant can't
)

// notRecoverable gives the verdict for an unrecoverable inode: at the top of
// the recursion that's simply "no"; below it, it poisons the whole restore
// into a partial one.
func notRecoverable(isFirst bool) int {
	if isFirst {
		return recoverNone
	}
	return recoverPartial
}

// isRecoverable reports whether a previously freed inode can be fully
// restored: its number and every data block (direct, the indirect pointer
// block, and every block it names) must still be free. A directory whose own
// resources are free additionally needs every non-dotted child recoverable,
// or the verdict drops to recoverPartial.
func (driver *Driver) isRecoverable(inodeNum uint32, isFirst bool) (int, error) {
	inodeBits, err := driver.inodeBitmap()
	if err != nil {
		return recoverNone, err
	}
	blockBits, err := driver.blockBitmap()
	if err != nil {
		return recoverNone, err
	}

	if err := driver.checkBitmapRange(inodeNum, driver.sb.InodesCount, "inode"); err != nil {
		return recoverNone, err
	}
	if bitInUse(inodeBits, inodeNum) {
		return notRecoverable(isFirst), nil
	}

	ino, err := driver.InodeAt(inodeNum)
	if err != nil {
		return recoverNone, err
	}

	k := 0
	for ; k < NumDirectBlocks && ino.Block[k] != 0; k++ {
		if err := driver.checkBitmapRange(ino.Block[k], driver.sb.BlocksCount, "block"); err != nil {
			return recoverNone, err
		}
		if bitInUse(blockBits, ino.Block[k]) {
			return notRecoverable(isFirst), nil
		}
	}

	if k == NumDirectBlocks && ino.Block[IndirectSlot] != 0 {
		if err := driver.checkBitmapRange(ino.Block[IndirectSlot], driver.sb.BlocksCount, "block"); err != nil {
			return recoverNone, err
		}
		if bitInUse(blockBits, ino.Block[IndirectSlot]) {
			return notRecoverable(isFirst), nil
		}

		indirect, err := driver.blockSlice(ino.Block[IndirectSlot])
		if err != nil {
			return recoverNone, err
		}

		for i := 0; i < PointersPerBlock; i++ {
			dataBlock := binary.LittleEndian.Uint32(indirect[i*4:])
			if dataBlock == 0 {
				break
			}
			if err := driver.checkBitmapRange(dataBlock, driver.sb.BlocksCount, "block"); err != nil {
				return recoverNone, err
			}
			if bitInUse(blockBits, dataBlock) {
				return notRecoverable(isFirst), nil
			}
		}
	}

	if driver.isDir(inodeNum) {
		for k := 0; k < NumDirectBlocks && ino.Block[k] != 0; k++ {
			block, err := driver.blockSlice(ino.Block[k])
			if err != nil {
				return recoverNone, err
			}

			for pos := 0; pos < BlockSize; {
				entry, err := decodeDirEntry(block, pos)
				if err != nil {
					return recoverNone, err
				}
				pos += int(entry.RecLen)

				if entry.Inode == 0 || isDotEntry(entry.Name) {
					continue
				}

				verdict, err := driver.isRecoverable(entry.Inode, false)
				if err != nil {
					return recoverNone, err
				}
				if verdict < 0 {
					return verdict, nil
				}
			}
		}
	}

	return recoverFull, nil
}
