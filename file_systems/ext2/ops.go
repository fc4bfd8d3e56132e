package ext2

import (
	"fmt"

	"github.com/dargueta/ext2kit"
)

// This file is the surface the command drivers consume: one method per verb,
// validating up front and returning errno-carrying errors. Once an operation
// starts mutating, nothing is rolled back; the image is a single in-memory
// map that gets flushed on unmount, exactly like editing it live.

// Mkdir creates the directory at the given absolute path, including its "."
// and ".." entries.
func (driver *Driver) Mkdir(path string) error {
	if !IsAbsolute(path) {
		return ext2kit.ErrNotFound.WithMessage("path must be absolute")
	}

	parentPath, name := SplitPath(path)
	if name == "/" {
		return ext2kit.ErrExists.WithMessage("the root directory always exists")
	}

	parentInode, err := driver.ResolvePath(parentPath)
	if err != nil {
		return err
	}
	if parentInode == 0 || !driver.isDir(parentInode) {
		return ext2kit.ErrNotFound.WithMessage(
			fmt.Sprintf("parent directory %q is not valid", parentPath))
	}

	if len(name) > MaxNameLength {
		return ext2kit.ErrNameTooLong.WithMessage(name)
	}

	existing, err := driver.FindEntry(parentInode, name)
	if err != nil {
		return err
	}
	if existing != 0 {
		return ext2kit.ErrExists.WithMessage(path)
	}

	newInode, err := driver.allocateInode()
	if err != nil {
		return err
	}
	return driver.CreateEntry(parentInode, newInode, name, FileTypeDirectory)
}

// CopyIn creates a regular file at `destPath` holding `contents`. If the
// destination resolves to a directory the file is created inside it under
// `srcName` (the host file's base name); a destination that resolves to an
// existing file is refused. A trailing slash demands that the destination be
// a directory.
func (driver *Driver) CopyIn(destPath, srcName string, contents []byte) error {
	destInode, err := driver.ResolvePath(destPath)
	if err != nil {
		return err
	}

	var parentInode uint32
	var name string

	if destInode != 0 {
		if HasTrailingSlash(destPath) && !driver.isDir(destInode) {
			return ext2kit.ErrNotFound.WithMessage(
				"destination with trailing slash is not a directory")
		}

		dest, err := driver.InodeAt(destInode)
		if err != nil {
			return err
		}

		switch dest.Mode & ext2kit.S_IFMT {
		case ext2kit.S_IFLNK:
			return ext2kit.ErrInvalidArgument.WithMessage(
				"destination path is a symlink")
		case ext2kit.S_IFDIR:
			parentInode = destInode
			name = srcName
		default:
			return ext2kit.ErrExists.WithMessage("destination file already exists")
		}
	} else {
		parentPath, base := SplitPath(destPath)

		parentInode, err = driver.ResolvePath(parentPath)
		if err != nil {
			return err
		}
		if parentInode == 0 || !driver.isDir(parentInode) {
			return ext2kit.ErrNotFound.WithMessage(
				"parent directory for destination path is invalid")
		}

		// A trailing slash here would make the new file a directory.
		if HasTrailingSlash(destPath) {
			return ext2kit.ErrNotFound.WithMessage(
				"destination file to create cannot be a directory")
		}
		name = base
	}

	existing, err := driver.FindEntry(parentInode, name)
	if err != nil {
		return err
	}
	if existing != 0 {
		return ext2kit.ErrExists.WithMessage(
			fmt.Sprintf("%q already exists in the destination directory", name))
	}

	if len(name) > MaxNameLength {
		return ext2kit.ErrNameTooLong.WithMessage(name)
	}

	if err := driver.checkFileFits(len(contents)); err != nil {
		return err
	}

	inodeNum, err := driver.allocateInode()
	if err != nil {
		return err
	}
	err = driver.CreateEntry(parentInode, inodeNum, name, FileTypeRegular)
	if err != nil {
		return err
	}
	return driver.writeFileData(inodeNum, contents)
}

// checkFileFits rejects contents that can't be stored in the remaining free
// blocks. Files past the direct pointers also cost one block for the
// indirect pointer table.
func (driver *Driver) checkFileFits(size int) error {
	freeBlocks := int(driver.sb.FreeBlocksCount)
	if size > NumDirectBlocks*BlockSize {
		freeBlocks--
	}

	if size > MaxFileSize || size > freeBlocks*BlockSize {
		return ext2kit.ErrNoSpaceOnDevice.WithMessage(
			fmt.Sprintf("source of %d bytes is too large to copy", size))
	}
	return nil
}

// Link creates a hard link at `destPath` to the file at `srcPath`: a second
// directory entry for the same inode. Directories can't be hard linked.
func (driver *Driver) Link(srcPath, destPath string) error {
	parentInode, linkName, srcInode, err := driver.prepareLink(srcPath, destPath)
	if err != nil {
		return err
	}
	return driver.CreateEntry(parentInode, srcInode, linkName, FileTypeRegular)
}

// Symlink creates a symbolic link at `linkPath` whose data is the target
// path string. The target must exist and not be a directory.
func (driver *Driver) Symlink(targetPath, linkPath string) error {
	parentInode, linkName, _, err := driver.prepareLink(targetPath, linkPath)
	if err != nil {
		return err
	}

	linkInode, err := driver.allocateInode()
	if err != nil {
		return err
	}
	err = driver.CreateEntry(parentInode, linkInode, linkName, FileTypeSymlink)
	if err != nil {
		return err
	}
	return driver.writeFileData(linkInode, []byte(targetPath))
}

// prepareLink runs the validation shared by Link and Symlink and hands back
// the destination parent, the link's name, and the source inode.
func (driver *Driver) prepareLink(srcPath, destPath string) (uint32, string, uint32, error) {
	srcInode, err := driver.ResolvePath(srcPath)
	if err != nil {
		return 0, "", 0, err
	}
	if srcInode == 0 {
		return 0, "", 0, ext2kit.ErrNotFound.WithMessage(
			fmt.Sprintf("source file %s does not exist", srcPath))
	}
	if driver.isDir(srcInode) {
		return 0, "", 0, ext2kit.ErrIsADirectory.WithMessage(
			fmt.Sprintf("source file %s is a directory", srcPath))
	}

	if HasTrailingSlash(destPath) {
		return 0, "", 0, ext2kit.ErrNotFound.WithMessage(
			"link cannot be a directory")
	}

	parentPath, linkName := SplitPath(destPath)
	parentInode, err := driver.ResolvePath(parentPath)
	if err != nil {
		return 0, "", 0, err
	}
	if parentInode == 0 || !driver.isDir(parentInode) {
		return 0, "", 0, ext2kit.ErrNotFound.WithMessage(
			fmt.Sprintf("parent directory %s for destination path is invalid", parentPath))
	}

	if len(linkName) > MaxNameLength {
		return 0, "", 0, ext2kit.ErrNameTooLong.WithMessage(linkName)
	}

	existing, err := driver.FindEntry(parentInode, linkName)
	if err != nil {
		return 0, "", 0, err
	}
	if existing != 0 {
		return 0, "", 0, ext2kit.ErrExists.WithMessage(
			fmt.Sprintf("link name %q already exists", linkName))
	}

	return parentInode, linkName, srcInode, nil
}

// Remove unlinks the entry at the given absolute path. Without `recursive`
// only files and links can be removed; with it, directories go too, taking
// everything below them along.
func (driver *Driver) Remove(path string, recursive bool) error {
	targetInode, err := driver.ResolvePath(path)
	if err != nil {
		return err
	}
	if targetInode == 0 {
		return ext2kit.ErrNotFound.WithMessage("target file does not exist")
	}

	if !recursive && driver.isDir(targetInode) {
		return ext2kit.ErrIsADirectory.WithMessage(path)
	}

	parentPath, name := SplitPath(path)
	if name == "/" {
		return ext2kit.ErrNotPermitted.WithMessage(
			"cannot remove the root directory")
	}
	if isDotEntry(name) {
		return ext2kit.ErrInvalidArgument.WithMessage(
			`refusing to remove "." or ".."`)
	}

	parentInode, err := driver.ResolvePath(parentPath)
	if err != nil {
		return err
	}
	if parentInode == 0 {
		return ext2kit.ErrNotFound.WithMessage(parentPath)
	}

	return driver.RemoveEntry(parentInode, name)
}

// Restore brings back a previously removed entry, provided its inode number
// and data blocks haven't been reused. Without `recursive` only files and
// links can be restored. With it, a directory is restored along with as many
// of its descendants as are still recoverable — and if any of them aren't,
// the partial restore stands but the operation still reports failure.
func (driver *Driver) Restore(path string, recursive bool) error {
	parentPath, name := SplitPath(path)

	parentInode, err := driver.ResolvePath(parentPath)
	if err != nil {
		return err
	}
	if parentInode == 0 || !driver.isDir(parentInode) {
		return ext2kit.ErrNotFound.WithMessage("invalid parent directory")
	}

	targetInode, err := driver.FindRemovedEntry(parentInode, name)
	if err != nil {
		return err
	}
	if targetInode == 0 {
		return ext2kit.ErrNotFound.WithMessage("target entry not found")
	}

	if !recursive && driver.isDir(targetInode) {
		return ext2kit.ErrIsADirectory.WithMessage(path)
	}

	verdict, err := driver.isRecoverable(targetInode, true)
	if err != nil {
		return err
	}

	if verdict == recoverNone {
		return ext2kit.ErrNotFound.WithMessage("target entry could not be restored")
	}

	err = driver.RestoreEntry(parentInode, name)
	if err != nil {
		return err
	}

	if verdict == recoverPartial {
		// Best effort happened above; the caller still needs to know that
		// some descendants stayed gone.
		return ext2kit.ErrNotFound.WithMessage(
			"target directory only partially restored")
	}
	return nil
}

// ReadFile returns the bytes of the file at the given absolute path through
// its direct and indirect block layout.
func (driver *Driver) ReadFile(path string) ([]byte, error) {
	inodeNum, err := driver.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	if inodeNum == 0 {
		return nil, ext2kit.ErrNotFound.WithMessage(path)
	}
	if driver.isDir(inodeNum) {
		return nil, ext2kit.ErrIsADirectory.WithMessage(path)
	}
	return driver.readFileData(inodeNum)
}

// Stat returns the metadata of the object at the given absolute path.
func (driver *Driver) Stat(path string) (ext2kit.FileStat, error) {
	inodeNum, err := driver.ResolvePath(path)
	if err != nil {
		return ext2kit.FileStat{}, err
	}
	if inodeNum == 0 {
		return ext2kit.FileStat{}, ext2kit.ErrNotFound.WithMessage(path)
	}

	ino, err := driver.InodeAt(inodeNum)
	if err != nil {
		return ext2kit.FileStat{}, err
	}
	return ino.Stat(inodeNum), nil
}

// ListDir returns the live entries of the directory at the given absolute
// path, in on-disk order. Slots whose inode number was zeroed by a removal
// are skipped.
func (driver *Driver) ListDir(path string) ([]DirEntry, error) {
	inodeNum, err := driver.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	if inodeNum == 0 {
		return nil, ext2kit.ErrNotFound.WithMessage(path)
	}
	if !driver.isDir(inodeNum) {
		return nil, ext2kit.ErrNotADirectory.WithMessage(path)
	}

	ino, err := driver.InodeAt(inodeNum)
	if err != nil {
		return nil, err
	}

	var entries []DirEntry
	for k := 0; k < NumDirectBlocks && ino.Block[k] != 0; k++ {
		block, err := driver.blockSlice(ino.Block[k])
		if err != nil {
			return nil, err
		}

		for pos := 0; pos < BlockSize; {
			entry, err := decodeDirEntry(block, pos)
			if err != nil {
				return nil, err
			}
			if entry.Inode != 0 {
				entries = append(entries, entry)
			}
			pos += int(entry.RecLen)
		}
	}
	return entries, nil
}

// ListDeleted returns the removed entries still recoverable from the gaps of
// the directory at the given absolute path.
func (driver *Driver) ListDeleted(path string) ([]DirEntry, error) {
	inodeNum, err := driver.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	if inodeNum == 0 {
		return nil, ext2kit.ErrNotFound.WithMessage(path)
	}
	if !driver.isDir(inodeNum) {
		return nil, ext2kit.ErrNotADirectory.WithMessage(path)
	}

	ino, err := driver.InodeAt(inodeNum)
	if err != nil {
		return nil, err
	}

	var entries []DirEntry
	for k := 0; k < NumDirectBlocks && ino.Block[k] != 0; k++ {
		block, err := driver.blockSlice(ino.Block[k])
		if err != nil {
			return nil, err
		}

		for pos := 0; pos < BlockSize; {
			entry, err := decodeDirEntry(block, pos)
			if err != nil {
				return nil, err
			}
			nextIntactPos := pos + int(entry.RecLen)
			pos += entry.actualSize()

			for pos < nextIntactPos {
				gapEntry, err := decodeGapEntry(block, pos)
				if err != nil {
					break
				}
				if gapEntry.Inode != 0 && gapEntry.NameLen > 0 {
					entries = append(entries, gapEntry)
				}
				pos += gapEntry.actualSize()
			}

			pos = nextIntactPos
		}
	}
	return entries, nil
}
