// Package ext2kit is an offline manipulator and consistency checker for
// single-group ext2 disk images. The file_systems/ext2 package holds the
// on-image engine; cmd/ext2kit exposes it as shell-style commands that edit
// an image file in place.
package ext2kit

import "time"

// FileStat describes one file system object, in the spirit of [syscall.Stat_t]
// but only with the fields a revision-0 ext2 inode can actually represent.
type FileStat struct {
	InodeNumber uint32
	Nlinks      uint16
	// Mode holds the raw i_mode value; the type bits are the S_IF* constants.
	Mode uint16
	// Size of the object, in bytes.
	Size uint32
	// Sectors is the number of 512-byte sectors allocated to the object.
	Sectors   uint32
	CreatedAt time.Time
	DeletedAt time.Time
}

func (stat *FileStat) IsDir() bool {
	return stat.Mode&S_IFMT == S_IFDIR
}

func (stat *FileStat) IsFile() bool {
	return stat.Mode&S_IFMT == S_IFREG
}

func (stat *FileStat) IsSymlink() bool {
	return stat.Mode&S_IFMT == S_IFLNK
}

// FSStat is a platform-independent form of [syscall.Statfs_t], trimmed to the
// information a single-group image carries.
type FSStat struct {
	// BlockSize is the size of a logical block on the file system, in bytes.
	BlockSize uint32
	// TotalBlocks is the total number of blocks on the disk image.
	TotalBlocks uint32
	// BlocksFree is the number of unallocated blocks on the image.
	BlocksFree uint32
	// TotalInodes is the total number of inodes in the inode table.
	TotalInodes uint32
	// InodesFree is the number of unallocated inodes.
	InodesFree uint32
	// Directories is the used-directories count from the group descriptor.
	Directories uint16
	// MaxNameLength is the longest possible name for a directory entry, in bytes.
	MaxNameLength int
}
