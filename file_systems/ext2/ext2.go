// Package ext2 implements an offline engine for single-group, revision-0
// ext2 images with 1024-byte blocks: directory manipulation, hard and
// symbolic links, unlink with recovery-gap preservation, restore, and a
// whole-image consistency checker.
package ext2

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/dargueta/ext2kit"
	"github.com/noxer/bytewriter"
)

const (
	// BlockSize is the only block size this engine understands.
	BlockSize = 1024
	// SectorSize is the unit of an inode's i_blocks field.
	SectorSize = 512
	// InodeSize is the on-disk size of a revision-0 inode.
	InodeSize = 128
	// InodesPerBlock gives how many inodes fit in one table block.
	InodesPerBlock = BlockSize / InodeSize

	// SuperblockNumber and GroupDescriptorBlock are fixed by the format for
	// 1024-byte blocks: block 0 is the boot block.
	SuperblockNumber     = 1
	GroupDescriptorBlock = 2

	// RootInode is the inode number of the root directory.
	RootInode = 2
	// FirstUserInode is where the allocator begins its search. Inodes 1
	// through 10 are reserved by the format; 11 is left alone as well, for
	// compatibility with images that kept it for lost+found.
	FirstUserInode = 12

	// MaxNameLength is the longest directory entry name, in bytes.
	MaxNameLength = 255

	// NumDirectBlocks is the count of direct pointers in an inode, and
	// IndirectSlot the index of the singly-indirect pointer. Slots 13 and 14
	// (doubly and triply indirect) are never used by this engine.
	NumDirectBlocks = 12
	IndirectSlot    = 12
	// PointersPerBlock is how many 32-bit block numbers an indirect block holds.
	PointersPerBlock = BlockSize / 4

	// MaxFileSize is the largest file representable with 12 direct blocks and
	// one singly-indirect block.
	MaxFileSize = (NumDirectBlocks + PointersPerBlock) * BlockSize

	// Magic is the s_magic signature of every ext2 superblock.
	Magic = 0xef53

	direntHeaderSize = 8
)

// Directory entry file type codes.
const (
	FileTypeUnknown   = 0
	FileTypeRegular   = 1
	FileTypeDirectory = 2
	FileTypeSymlink   = 7
)

// ModeForFileType returns the inode mode type bits corresponding to a
// directory entry file type code.
func ModeForFileType(fileType uint8) uint16 {
	switch fileType {
	case FileTypeDirectory:
		return ext2kit.S_IFDIR
	case FileTypeSymlink:
		return ext2kit.S_IFLNK
	default:
		return ext2kit.S_IFREG
	}
}

// FileTypeForMode returns the directory entry file type code corresponding to
// an inode mode.
func FileTypeForMode(mode uint16) uint8 {
	switch mode & ext2kit.S_IFMT {
	case ext2kit.S_IFDIR:
		return FileTypeDirectory
	case ext2kit.S_IFLNK:
		return FileTypeSymlink
	default:
		return FileTypeRegular
	}
}

// Superblock is the leading portion of the on-disk superblock. The image
// carries more fields after these; they are preserved verbatim because the
// codec only ever rewrites this prefix of the block.
type Superblock struct {
	InodesCount     uint32
	BlocksCount     uint32
	ReservedBlocks  uint32
	FreeBlocksCount uint32
	FreeInodesCount uint32
	FirstDataBlock  uint32
	LogBlockSize    uint32
	LogFragSize     uint32
	BlocksPerGroup  uint32
	FragsPerGroup   uint32
	InodesPerGroup  uint32
	MountTime       uint32
	WriteTime       uint32
	MountCount      uint16
	MaxMountCount   uint16
	Magic           uint16
	State           uint16
	Errors          uint16
	MinorRevLevel   uint16
	LastCheck       uint32
	CheckInterval   uint32
	CreatorOS       uint32
	RevLevel        uint32
	DefaultResUID   uint16
	DefaultResGID   uint16
}

// GroupDescriptor is the (sole) block group descriptor.
type GroupDescriptor struct {
	BlockBitmapBlock uint32
	InodeBitmapBlock uint32
	InodeTableBlock  uint32
	FreeBlocksCount  uint16
	FreeInodesCount  uint16
	UsedDirsCount    uint16
	Pad              uint16
	Reserved         [12]byte
}

// Inode is a revision-0 inode, 128 bytes on disk.
type Inode struct {
	Mode             uint16
	UID              uint16
	Size             uint32
	AccessTime       uint32
	CreationTime     uint32
	ModificationTime uint32
	DeletionTime     uint32
	GID              uint16
	LinksCount       uint16
	// Sectors is the i_blocks field: allocated space in 512-byte sectors.
	Sectors    uint32
	Flags      uint32
	OSD1       uint32
	Block      [15]uint32
	Generation uint32
	FileACL    uint32
	DirACL     uint32
	FragAddr   uint32
	OSD2       [12]byte
}

// IsDir reports whether the inode's mode type bits mark a directory.
func (ino *Inode) IsDir() bool {
	return ino.Mode&ext2kit.S_IFMT == ext2kit.S_IFDIR
}

// Stat converts the raw inode into the module-wide FileStat form.
func (ino *Inode) Stat(number uint32) ext2kit.FileStat {
	stat := ext2kit.FileStat{
		InodeNumber: number,
		Nlinks:      ino.LinksCount,
		Mode:        ino.Mode,
		Size:        ino.Size,
		Sectors:     ino.Sectors,
		CreatedAt:   time.Unix(int64(ino.CreationTime), 0),
	}
	if ino.DeletionTime != 0 {
		stat.DeletedAt = time.Unix(int64(ino.DeletionTime), 0)
	}
	return stat
}

func decodeSuperblock(raw []byte) (Superblock, error) {
	var sb Superblock
	err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &sb)
	if err != nil {
		return Superblock{}, ext2kit.ErrIOFailed.Wrap(err)
	}
	return sb, nil
}

// encodeTo serializes the superblock into the start of `raw`, leaving the
// rest of the block untouched.
func (sb *Superblock) encodeTo(raw []byte) error {
	err := binary.Write(bytewriter.New(raw), binary.LittleEndian, sb)
	if err != nil {
		return ext2kit.ErrIOFailed.Wrap(err)
	}
	return nil
}

func decodeGroupDescriptor(raw []byte) (GroupDescriptor, error) {
	var gd GroupDescriptor
	err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &gd)
	if err != nil {
		return GroupDescriptor{}, ext2kit.ErrIOFailed.Wrap(err)
	}
	return gd, nil
}

func (gd *GroupDescriptor) encodeTo(raw []byte) error {
	err := binary.Write(bytewriter.New(raw), binary.LittleEndian, gd)
	if err != nil {
		return ext2kit.ErrIOFailed.Wrap(err)
	}
	return nil
}

func decodeInode(raw []byte) (Inode, error) {
	var ino Inode
	err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &ino)
	if err != nil {
		return Inode{}, ext2kit.ErrIOFailed.Wrap(err)
	}
	return ino, nil
}

func (ino *Inode) encodeTo(raw []byte) error {
	err := binary.Write(bytewriter.New(raw), binary.LittleEndian, ino)
	if err != nil {
		return ext2kit.ErrIOFailed.Wrap(err)
	}
	return nil
}
