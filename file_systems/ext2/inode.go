package ext2

import "time"

// newInode builds a freshly initialized inode for a new directory entry of
// the given type: creation time set to the wall clock, one link, no data.
// The caller is responsible for storing it with putInode().
//
// The core leaves permission bits at zero; only the type bits in the high
// nibble matter to any operation here.
func (driver *Driver) newInode(fileType uint8) Inode {
	ino := Inode{
		Mode:         ModeForFileType(fileType),
		CreationTime: uint32(time.Now().Unix()),
		LinksCount:   1,
	}
	if fileType == FileTypeDirectory {
		driver.adjustUsedDirs(1)
	}
	return ino
}
