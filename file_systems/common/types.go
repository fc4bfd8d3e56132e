// Package common contains definitions of fundamental types shared by the
// image-access layer and the file system engine.
package common

// LogicalBlock is a zero-based block index into a disk image, counted from
// the start of the image file. With 1024-byte blocks an ext2 block *number*
// is the same index, but the file system never uses number 0 (the boot
// block) for data: 0 marks an empty pointer slot.
type LogicalBlock uint
