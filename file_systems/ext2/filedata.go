package ext2

import (
	"encoding/binary"
	"fmt"

	"github.com/dargueta/ext2kit"
)

// writeFileData fills a freshly created, empty inode with `contents`. Blocks
// are allocated first — twelve direct pointers, then a singly-indirect block
// holding up to 256 more block numbers — and the bytes are copied in a second
// pass.
//
// The tail of the final block keeps whatever the allocator found there; reads
// stop at the recorded size, so the stale bytes are never observable through
// the file itself.
func (driver *Driver) writeFileData(inodeNum uint32, contents []byte) error {
	if len(contents) > MaxFileSize {
		return ext2kit.ErrFileTooLarge.WithMessage(
			fmt.Sprintf("%d bytes exceeds the %d-byte layout limit",
				len(contents), MaxFileSize))
	}

	ino, err := driver.InodeAt(inodeNum)
	if err != nil {
		return err
	}
	ino.Size = uint32(len(contents))

	var indirect []byte
	indirectSlots := 0

	// Allocation pass.
	k := 0
	for bytesAllocated := 0; bytesAllocated < len(contents); bytesAllocated += BlockSize {
		if k < NumDirectBlocks {
			blockNum, err := driver.allocateBlock()
			if err != nil {
				return err
			}
			ino.Block[k] = blockNum
			ino.Sectors += BlockSize / SectorSize
			k++
			continue
		}

		if indirect == nil {
			blockNum, err := driver.allocateBlock()
			if err != nil {
				return err
			}
			ino.Block[IndirectSlot] = blockNum
			ino.Sectors += BlockSize / SectorSize

			indirect, err = driver.blockSlice(blockNum)
			if err != nil {
				return err
			}
			// The pointer block is scanned up to its first zero entry when
			// the file is freed, so it can't be left holding stale data.
			for i := range indirect {
				indirect[i] = 0
			}
			driver.markBlockDirty(blockNum)
		}

		blockNum, err := driver.allocateBlock()
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(indirect[indirectSlots*4:], blockNum)
		indirectSlots++
		ino.Sectors += BlockSize / SectorSize
	}

	err = driver.putInode(inodeNum, &ino)
	if err != nil {
		return err
	}

	// Write pass.
	k = 0
	indirectSlots = 0
	for written := 0; written < len(contents); {
		var blockNum uint32
		if k < NumDirectBlocks {
			blockNum = ino.Block[k]
			k++
		} else {
			blockNum = binary.LittleEndian.Uint32(indirect[indirectSlots*4:])
			indirectSlots++
		}

		block, err := driver.blockSlice(blockNum)
		if err != nil {
			return err
		}
		written += copy(block, contents[written:])
		driver.markBlockDirty(blockNum)
	}

	return nil
}

// readFileData returns the file's bytes by walking the same direct-then-
// indirect layout writeFileData produces.
func (driver *Driver) readFileData(inodeNum uint32) ([]byte, error) {
	ino, err := driver.InodeAt(inodeNum)
	if err != nil {
		return nil, err
	}
	if int(ino.Size) > MaxFileSize {
		return nil, ext2kit.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("inode %d claims %d bytes", inodeNum, ino.Size))
	}

	contents := make([]byte, ino.Size)

	var indirect []byte
	if ino.Block[IndirectSlot] != 0 {
		indirect, err = driver.blockSlice(ino.Block[IndirectSlot])
		if err != nil {
			return nil, err
		}
	}

	k := 0
	indirectSlots := 0
	for read := 0; read < len(contents); {
		var blockNum uint32
		if k < NumDirectBlocks {
			blockNum = ino.Block[k]
			k++
		} else {
			if indirect == nil {
				return nil, ext2kit.ErrFileSystemCorrupted.WithMessage(
					fmt.Sprintf("inode %d has no indirect block for its size", inodeNum))
			}
			blockNum = binary.LittleEndian.Uint32(indirect[indirectSlots*4:])
			indirectSlots++
		}

		block, err := driver.blockSlice(blockNum)
		if err != nil {
			return nil, err
		}
		read += copy(contents[read:], block)
	}

	return contents, nil
}
