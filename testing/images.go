// Package testing holds helpers shared by the test suites of the file system
// packages.
package testing

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// BlankImage returns an in-memory disk image sized for `totalBlocks`
// 1024-byte blocks, as both the raw storage and a read-write stream over it.
// The stream's size is fixed — writes past the end fail, the same way a
// fixed-size image file behaves — and everything flushed through the stream
// lands in the returned slice, which lets tests corrupt or inspect raw bytes
// directly.
func BlankImage(t *testing.T, totalBlocks uint) ([]byte, io.ReadWriteSeeker) {
	require.Greater(t, totalBlocks, uint(0), "an image needs at least one block")

	storage := make([]byte, totalBlocks*1024)
	return storage, bytesextra.NewReadWriteSeeker(storage)
}
