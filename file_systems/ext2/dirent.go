package ext2

import (
	"encoding/binary"
	"fmt"

	"github.com/dargueta/ext2kit"
)

// DirEntry is one decoded directory entry. On disk the 8-byte header is
// followed by the name with no terminator; RecLen stretches to the start of
// the next entry in the block (or the block end, for the final entry).
type DirEntry struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
	Name     string
}

// padRecLen rounds an entry size up to the 4-byte alignment the format
// requires.
func padRecLen(n int) int {
	return (n + 3) &^ 3
}

// actualSize is the packed size of the entry: header plus name, padded. The
// difference between RecLen and this is the entry's slack.
func (entry *DirEntry) actualSize() int {
	return padRecLen(direntHeaderSize + int(entry.NameLen))
}

func isDotEntry(name string) bool {
	return name == "." || name == ".."
}

// decodeDirEntry reads the intact entry at `pos` and validates that its
// record length keeps the block's chain closed.
func decodeDirEntry(block []byte, pos int) (DirEntry, error) {
	entry, err := decodeGapEntry(block, pos)
	if err != nil {
		return DirEntry{}, err
	}
	if int(entry.RecLen) < entry.actualSize() || pos+int(entry.RecLen) > len(block) {
		return DirEntry{}, ext2kit.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("directory entry at offset %d has record length %d",
				pos, entry.RecLen))
	}
	return entry, nil
}

// decodeGapEntry reads an entry header without validating its record length.
// Entries sitting in a predecessor's slack keep their pre-removal RecLen,
// which no longer has to make sense.
func decodeGapEntry(block []byte, pos int) (DirEntry, error) {
	if pos < 0 || pos+direntHeaderSize > len(block) {
		return DirEntry{}, ext2kit.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("directory entry header at offset %d overruns the block", pos))
	}

	entry := DirEntry{
		Inode:    binary.LittleEndian.Uint32(block[pos:]),
		RecLen:   binary.LittleEndian.Uint16(block[pos+4:]),
		NameLen:  block[pos+6],
		FileType: block[pos+7],
	}

	nameEnd := pos + direntHeaderSize + int(entry.NameLen)
	if nameEnd > len(block) {
		return DirEntry{}, ext2kit.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("directory entry name at offset %d overruns the block", pos))
	}
	entry.Name = string(block[pos+direntHeaderSize : nameEnd])
	return entry, nil
}

// writeDirEntry stores the header and name at `pos`. Bytes in the entry's
// slack are left as-is.
func writeDirEntry(block []byte, pos int, entry *DirEntry) {
	binary.LittleEndian.PutUint32(block[pos:], entry.Inode)
	binary.LittleEndian.PutUint16(block[pos+4:], entry.RecLen)
	block[pos+6] = entry.NameLen
	block[pos+7] = entry.FileType
	copy(block[pos+direntHeaderSize:], entry.Name)
}

// FindEntry searches the directory `parentInode` for an entry with the given
// name and returns its inode number, or 0 if there is no such entry. Names
// are compared exactly and case-sensitively.
func (driver *Driver) FindEntry(parentInode uint32, name string) (uint32, error) {
	parent, err := driver.InodeAt(parentInode)
	if err != nil {
		return 0, err
	}

	for k := 0; k < NumDirectBlocks && parent.Block[k] != 0; k++ {
		block, err := driver.blockSlice(parent.Block[k])
		if err != nil {
			return 0, err
		}

		for pos := 0; pos < BlockSize; {
			entry, err := decodeDirEntry(block, pos)
			if err != nil {
				return 0, err
			}
			if entry.Name == name {
				return entry.Inode, nil
			}
			pos += int(entry.RecLen)
		}
	}

	return 0, nil
}

// CreateEntry adds a directory entry named `name` for `entryInode` to the
// directory `parentInode`. New entries are carved out of the final entry's
// slack; when no block has room, a fresh direct block is allocated. If the
// target inode has no links yet it is initialized for the given type,
// otherwise its link count is bumped. New directories get their "." and ".."
// entries through the same path.
func (driver *Driver) CreateEntry(
	parentInode uint32,
	entryInode uint32,
	name string,
	fileType uint8,
) error {
	newActual := padRecLen(direntHeaderSize + len(name))

	parent, err := driver.InodeAt(parentInode)
	if err != nil {
		return err
	}

	var block []byte
	var blockNum uint32
	insertPos := -1
	newRecLen := 0

	// Look for a block whose final entry has enough slack for the new one.
	k := 0
	for insertPos < 0 && k < NumDirectBlocks && parent.Block[k] != 0 {
		blockNum = parent.Block[k]
		block, err = driver.blockSlice(blockNum)
		if err != nil {
			return err
		}

		var last DirEntry
		lastPos := 0
		for pos := 0; pos < BlockSize; {
			last, err = decodeDirEntry(block, pos)
			if err != nil {
				return err
			}
			lastPos = pos
			pos += int(last.RecLen)
		}

		lastActual := last.actualSize()
		slack := int(last.RecLen) - lastActual
		if newActual <= slack {
			// Shrink the final entry to its packed size and take the rest.
			binary.LittleEndian.PutUint16(block[lastPos+4:], uint16(lastActual))
			insertPos = lastPos + lastActual
			newRecLen = slack
		} else {
			k++
		}
	}

	// No block had room; put the new entry at the start of a fresh block.
	if insertPos < 0 {
		if k >= NumDirectBlocks {
			return ext2kit.ErrNoSpaceOnDevice.WithMessage(
				"directory has used all twelve direct blocks")
		}

		blockNum, err = driver.allocateBlock()
		if err != nil {
			return err
		}

		parent.Block[k] = blockNum
		parent.Sectors += BlockSize / SectorSize
		parent.Size += BlockSize
		err = driver.putInode(parentInode, &parent)
		if err != nil {
			return err
		}

		block, err = driver.blockSlice(blockNum)
		if err != nil {
			return err
		}
		insertPos = 0
		newRecLen = BlockSize
	}

	newEntry := DirEntry{
		Inode:    entryInode,
		RecLen:   uint16(newRecLen),
		NameLen:  uint8(len(name)),
		FileType: fileType,
		Name:     name,
	}
	writeDirEntry(block, insertPos, &newEntry)
	driver.markBlockDirty(blockNum)

	// A target with no links yet is a brand new file; anything else is
	// gaining a hard link.
	target, err := driver.InodeAt(entryInode)
	if err != nil {
		return err
	}
	if target.LinksCount == 0 {
		target = driver.newInode(fileType)
	} else {
		target.LinksCount++
	}
	err = driver.putInode(entryInode, &target)
	if err != nil {
		return err
	}

	if fileType == FileTypeDirectory && !isDotEntry(name) {
		err = driver.CreateEntry(entryInode, entryInode, ".", FileTypeDirectory)
		if err != nil {
			return err
		}
		err = driver.CreateEntry(entryInode, parentInode, "..", FileTypeDirectory)
		if err != nil {
			return err
		}
	}

	return nil
}

// RemoveEntry unlinks the entry named `name` from the directory
// `parentInode`.
//
// The first entry of a block has no predecessor, so its removal just zeroes
// the inode field and the slot can never be recovered. Any other entry is
// absorbed into its predecessor's record length; the abandoned header and
// name stay behind in the slack, which is what FindRemovedEntry digs through
// later.
//
// Removing the last link of a file, or a directory, frees the inode's
// resources recursively.
func (driver *Driver) RemoveEntry(parentInode uint32, name string) error {
	entryInode, err := driver.FindEntry(parentInode, name)
	if err != nil {
		return err
	}
	if entryInode == 0 {
		return ext2kit.ErrNotFound.WithMessage(
			fmt.Sprintf("no entry named %q", name))
	}

	parent, err := driver.InodeAt(parentInode)
	if err != nil {
		return err
	}

	found := false
	for k := 0; !found && k < NumDirectBlocks && parent.Block[k] != 0; k++ {
		blockNum := parent.Block[k]
		block, err := driver.blockSlice(blockNum)
		if err != nil {
			return err
		}

		cur, err := decodeDirEntry(block, 0)
		if err != nil {
			return err
		}

		if cur.Name == name {
			// First in its block: zero the inode number, keep the slot.
			binary.LittleEndian.PutUint32(block[0:], 0)
			driver.markBlockDirty(blockNum)
			found = true
			break
		}

		prevPos := 0
		prev := cur
		for pos := int(cur.RecLen); !found && pos < BlockSize; {
			cur, err = decodeDirEntry(block, pos)
			if err != nil {
				return err
			}

			if cur.Name == name {
				// Predecessor coalescing: the removed entry's bytes now sit
				// inside prev's record length.
				binary.LittleEndian.PutUint16(
					block[prevPos+4:], prev.RecLen+cur.RecLen)
				driver.markBlockDirty(blockNum)
				found = true
			} else {
				prevPos = pos
				prev = cur
				pos += int(cur.RecLen)
			}
		}
	}

	entryIsDir := driver.isDir(entryInode)

	target, err := driver.InodeAt(entryInode)
	if err != nil {
		return err
	}

	isLastCopy := !entryIsDir && target.LinksCount == 1
	if entryIsDir || isLastCopy {
		return driver.freeResources(entryInode)
	}

	target.LinksCount--
	return driver.putInode(entryInode, &target)
}

// FindRemovedEntry searches the directory `parentInode` for a previously
// removed entry with the given name and returns its inode number, or 0.
//
// The intact chain is walked by record length; between each intact entry's
// packed size and the start of the next intact entry lies the gap, and any
// removed entries inside it are still parseable by stepping over their
// padded packed sizes. An entry removed from the front of its block left no
// gap behind and is never a candidate.
func (driver *Driver) FindRemovedEntry(parentInode uint32, name string) (uint32, error) {
	parent, err := driver.InodeAt(parentInode)
	if err != nil {
		return 0, err
	}

	for k := 0; k < NumDirectBlocks && parent.Block[k] != 0; k++ {
		block, err := driver.blockSlice(parent.Block[k])
		if err != nil {
			return 0, err
		}

		first, err := decodeDirEntry(block, 0)
		if err != nil {
			return 0, err
		}
		if first.Name == name {
			// Removed from the front of this block; unrecoverable.
			return 0, nil
		}

		pos := 0
		for pos < BlockSize {
			cur, err := decodeDirEntry(block, pos)
			if err != nil {
				return 0, err
			}
			nextIntactPos := pos + int(cur.RecLen)
			pos += cur.actualSize()

			// Walk the removed headers hiding in the gap, if there are any. A
			// gap tail too short to hold a header ends the walk of that gap.
			for pos < nextIntactPos {
				gapEntry, err := decodeGapEntry(block, pos)
				if err != nil {
					break
				}
				if gapEntry.Name == name {
					return gapEntry.Inode, nil
				}
				pos += gapEntry.actualSize()
			}

			pos = nextIntactPos
		}
	}

	return 0, nil
}

// RestoreEntry re-links the previously removed entry named `name` in the
// directory `parentInode` by splitting its predecessor's record length at the
// recovered header, then reattaching the inode's resources. The caller is
// responsible for checking recoverability first.
func (driver *Driver) RestoreEntry(parentInode uint32, name string) error {
	parent, err := driver.InodeAt(parentInode)
	if err != nil {
		return err
	}

	for k := 0; k < NumDirectBlocks && parent.Block[k] != 0; k++ {
		blockNum := parent.Block[k]
		block, err := driver.blockSlice(blockNum)
		if err != nil {
			return err
		}

		pos := 0
		for pos < BlockSize {
			intact, err := decodeDirEntry(block, pos)
			if err != nil {
				return err
			}
			intactPos := pos
			nextIntactPos := pos + int(intact.RecLen)
			distance := intact.actualSize()
			pos += distance

			for pos < nextIntactPos {
				gapEntry, err := decodeGapEntry(block, pos)
				if err != nil {
					break
				}

				if gapEntry.Name == name {
					// Split the predecessor's record at the recovered header.
					binary.LittleEndian.PutUint16(
						block[pos+4:], intact.RecLen-uint16(distance))
					binary.LittleEndian.PutUint16(
						block[intactPos+4:], uint16(distance))
					driver.markBlockDirty(blockNum)

					// Restored entries can't be dangling hard links, so the
					// inode's resources always need reattaching.
					return driver.reallocateResources(gapEntry.Inode)
				}

				distance += gapEntry.actualSize()
				pos += gapEntry.actualSize()
			}

			pos = nextIntactPos
		}
	}

	return ext2kit.ErrNotFound.WithMessage(
		fmt.Sprintf("no removed entry named %q", name))
}
