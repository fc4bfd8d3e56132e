package ext2kit

////////////////////////////////////////////////////////////////////////////////
// Inode mode flags
//
// These are the standard POSIX mode bits as they appear in the upper nibble
// and permission bits of an ext2 inode's i_mode field.

const (
	S_IXOTH = 1 << iota
	S_IWOTH = 1 << iota
	S_IROTH = 1 << iota
	S_IXGRP = 1 << iota
	S_IWGRP = 1 << iota
	S_IRGRP = 1 << iota
	S_IXUSR = 1 << iota
	S_IWUSR = 1 << iota
	S_IRUSR = 1 << iota
	S_ISVTX = 1 << iota
	S_ISGID = 1 << iota
	S_ISUID = 1 << iota
)

const S_IFIFO = 0x1000
const S_IFCHR = 0x2000
const S_IFDIR = 0x4000
const S_IFBLK = 0x6000
const S_IFREG = 0x8000
const S_IFLNK = 0xa000
const S_IFSOCK = 0xc000

// S_IFMT masks off everything but the file type bits of a mode.
const S_IFMT = 0xf000

const S_IRWXO = S_IXOTH | S_IWOTH | S_IROTH
const S_IRWXG = S_IXGRP | S_IWGRP | S_IRGRP
const S_IRWXU = S_IXUSR | S_IWUSR | S_IRUSR
