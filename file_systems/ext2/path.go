package ext2

import "strings"

// IsAbsolute reports whether the path starts at the root of the image. Only
// absolute paths mean anything to this engine.
func IsAbsolute(path string) bool {
	return strings.HasPrefix(path, "/")
}

// HasTrailingSlash reports whether the path ends in a slash, which callers
// use to demand that the target be a directory.
func HasTrailingSlash(path string) bool {
	return strings.HasSuffix(path, "/")
}

// SplitPath splits a path into its parent directory and final component with
// the semantics of dirname(3) and basename(3): trailing slashes are ignored,
// and both halves of "/" are "/".
func SplitPath(path string) (string, string) {
	trimmed := path
	for len(trimmed) > 1 && strings.HasSuffix(trimmed, "/") {
		trimmed = trimmed[:len(trimmed)-1]
	}

	if trimmed == "" || trimmed == "/" {
		return "/", "/"
	}

	i := strings.LastIndexByte(trimmed, '/')
	if i < 0 {
		return ".", trimmed
	}

	parent := trimmed[:i]
	if parent == "" {
		parent = "/"
	}
	return parent, trimmed[i+1:]
}

// ResolvePath walks an absolute path from the root inode one slash-separated
// segment at a time and returns the inode number it lands on, or 0 when the
// path doesn't resolve. Repeated and trailing slashes are tolerated; note
// that a trailing slash alone does not force the result to be a directory —
// callers that care must check.
func (driver *Driver) ResolvePath(path string) (uint32, error) {
	if !IsAbsolute(path) {
		return 0, nil
	}

	for IsAbsolute(path) {
		path = path[1:]
	}

	inodeNum := uint32(RootInode)
	for len(path) > 0 {
		nextSlash := strings.IndexByte(path, '/')
		if nextSlash < 0 {
			nextSlash = len(path)
		}
		segment := path[:nextSlash]

		// Every lookup happens inside the current inode, so it has to be a
		// directory; anything else can't be walked through.
		if !driver.isDir(inodeNum) {
			return 0, nil
		}

		found, err := driver.FindEntry(inodeNum, segment)
		if err != nil {
			return 0, err
		}
		if found == 0 {
			return 0, nil
		}
		inodeNum = found

		path = path[nextSlash:]
		for len(path) > 1 && path[1] == '/' {
			path = path[1:]
		}
		if len(path) > 0 {
			path = path[1:]
		}
	}

	return inodeNum, nil
}
