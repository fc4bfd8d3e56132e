// Package blockcache provides a block-oriented view of a fixed-size disk
// image. It stands in for a writable memory map: callers take byte slices
// aliasing the cached image, mutate them in place, mark the touched blocks
// dirty, and flush the result back to the underlying stream in one pass.
//
// All block indices begin at 0.

package blockcache

import (
	"fmt"
	"io"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/ext2kit"
	c "github.com/dargueta/ext2kit/file_systems/common"
	"github.com/xaionaro-go/bytesextra"
)

// FetchBlockCallback reads the contents of a single block from the backing
// storage into `buffer`. The following guarantees apply:
//
//   - `blockIndex` is in the range [0, TotalBlocks).
//   - `buffer` is always BytesPerBlock bytes.
type FetchBlockCallback func(blockIndex c.LogicalBlock, buffer []byte) error

// FlushBlockCallback writes the contents of `buffer` to a block in the
// backing storage. All restrictions in [FetchBlockCallback] apply here too.
type FlushBlockCallback func(blockIndex c.LogicalBlock, buffer []byte) error

// BlockCache caches a fixed-size image one block at a time. Unlike a general
// purpose cache it can never be resized; the images this module edits are a
// fixed number of blocks by definition.
type BlockCache struct {
	// loadedBlocks is a bitmap indicating which blocks are in `data`; 1 means
	// present, 0 is not loaded.
	loadedBlocks bitmap.Bitmap
	// dirtyBlocks is a bitmap indicating which blocks in `data` have been
	// modified and need to be written back to the underlying storage.
	dirtyBlocks   bitmap.Bitmap
	fetch         FetchBlockCallback
	flush         FlushBlockCallback
	bytesPerBlock uint
	totalBlocks   uint
	data          []byte
}

// New creates a new [BlockCache] from fetch and flush callbacks.
func New(
	bytesPerBlock uint,
	totalBlocks uint,
	fetchCb FetchBlockCallback,
	flushCb FlushBlockCallback,
) *BlockCache {
	return &BlockCache{
		loadedBlocks:  bitmap.NewSlice(int(totalBlocks)),
		dirtyBlocks:   bitmap.NewSlice(int(totalBlocks)),
		data:          make([]byte, int(bytesPerBlock*totalBlocks)),
		fetch:         fetchCb,
		flush:         flushCb,
		bytesPerBlock: bytesPerBlock,
		totalBlocks:   totalBlocks,
	}
}

// WrapStream creates a [BlockCache] over any [io.ReadWriteSeeker], most
// usually an [os.File] holding the disk image.
func WrapStream(
	stream io.ReadWriteSeeker,
	bytesPerBlock uint,
	totalBlocks uint,
) *BlockCache {
	// Reading and writing differ only by a single method call on the stream,
	// so both callbacks delegate here.
	runCb := func(block c.LogicalBlock, buffer []byte, read bool) error {
		err := seekToBlock(stream, block, c.LogicalBlock(totalBlocks), bytesPerBlock)
		if err != nil {
			return err
		}

		if read {
			_, err = stream.Read(buffer)
		} else {
			_, err = stream.Write(buffer)
		}

		if err != nil && err != io.EOF {
			return err
		}
		return nil
	}

	fetchCb := func(block c.LogicalBlock, buffer []byte) error {
		return runCb(block, buffer, true)
	}

	flushCb := func(block c.LogicalBlock, buffer []byte) error {
		return runCb(block, buffer, false)
	}

	return New(bytesPerBlock, totalBlocks, fetchCb, flushCb)
}

// WrapStreamWithInferredSize is [WrapStream] with the block count taken from
// the current size of the stream.
func WrapStreamWithInferredSize(
	stream io.ReadWriteSeeker,
	bytesPerBlock uint,
) (*BlockCache, error) {
	eofOffset, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, ext2kit.ErrIOFailed.Wrap(err)
	}
	totalBlocks := uint(eofOffset) / bytesPerBlock
	_, err = stream.Seek(0, io.SeekStart)
	if err != nil {
		return nil, ext2kit.ErrIOFailed.Wrap(err)
	}
	return WrapStream(stream, bytesPerBlock, totalBlocks), nil
}

// WrapSlice creates a [BlockCache] whose backing storage is an in-memory byte
// slice. Tests use this the way commands use files.
func WrapSlice(storage []byte, bytesPerBlock uint) *BlockCache {
	stream := bytesextra.NewReadWriteSeeker(storage)
	return WrapStream(stream, bytesPerBlock, uint(len(storage))/bytesPerBlock)
}

// seekToBlock sets the stream pointer for a stream to the offset of a block.
func seekToBlock(stream io.Seeker, block, totalBlocks c.LogicalBlock, bytesPerBlock uint) error {
	if block >= totalBlocks {
		return ext2kit.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf(
				"invalid block number: %d not in range [0, %d)",
				block,
				totalBlocks,
			),
		)
	}

	blockOffset := int64(block) * int64(bytesPerBlock)
	_, err := stream.Seek(blockOffset, io.SeekStart)
	return err
}

// BytesPerBlock returns the size of a single block, in bytes.
func (cache *BlockCache) BytesPerBlock() uint {
	return cache.bytesPerBlock
}

// TotalBlocks returns the size of the cache, in blocks.
func (cache *BlockCache) TotalBlocks() uint {
	return cache.totalBlocks
}

// Size gives the size of the cache, in bytes (not blocks!).
func (cache *BlockCache) Size() int64 {
	return int64(cache.bytesPerBlock) * int64(cache.totalBlocks)
}

// CheckBounds verifies that blocks [start, start+count) exist in the cache.
// If not, it returns an error describing the exact conditions.
func (cache *BlockCache) CheckBounds(start c.LogicalBlock, count uint) error {
	if uint(start) >= cache.totalBlocks || uint(start)+count > cache.totalBlocks {
		return ext2kit.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf(
				"can't access %d block(s) starting at block %d; requested range"+
					" not in [0, %d)",
				count,
				start,
				cache.totalBlocks,
			),
		)
	}
	return nil
}

// GetSlice returns a slice aliasing the cache's storage, beginning at block
// `start` and continuing for `count` blocks.
//
// If the returned slice is modified, the modified blocks MUST be marked as
// dirty. Use [BlockCache.MarkBlockRangeDirty] for this.
func (cache *BlockCache) GetSlice(
	start c.LogicalBlock,
	count uint,
) ([]byte, error) {
	err := cache.loadBlockRange(start, count)
	if err != nil {
		return nil, err
	}

	startOffset := uint(start) * cache.bytesPerBlock
	endOffset := startOffset + (count * cache.bytesPerBlock)
	return cache.data[startOffset:endOffset], nil
}

// loadBlockRange ensures that all blocks in the range [start, start + count)
// are present in the cache, and loads any missing ones from storage.
func (cache *BlockCache) loadBlockRange(start c.LogicalBlock, count uint) error {
	err := cache.CheckBounds(start, count)
	if err != nil {
		return err
	}

	for blockIndex := uint(start); blockIndex < uint(start)+count; blockIndex++ {
		// Skip if the block is in the cache. Since dirty blocks are present by
		// definition, we don't need to check `dirtyBlocks`.
		if cache.loadedBlocks.Get(int(blockIndex)) {
			continue
		}

		startByteOffset := blockIndex * cache.bytesPerBlock
		endByteOffset := startByteOffset + cache.bytesPerBlock
		buffer := cache.data[startByteOffset:endByteOffset]

		err = cache.fetch(c.LogicalBlock(blockIndex), buffer)
		if err != nil {
			return ext2kit.ErrIOFailed.WithMessage(
				fmt.Sprintf("failed to load block %d from source: %s", blockIndex, err),
			)
		}

		// Mark the block as present and clean.
		cache.loadedBlocks.Set(int(blockIndex), true)
		cache.dirtyBlocks.Set(int(blockIndex), false)
	}

	return nil
}

// LoadAll ensures all missing blocks are loaded from storage into the cache.
func (cache *BlockCache) LoadAll() error {
	return cache.loadBlockRange(0, cache.totalBlocks)
}

// Flush writes all dirty blocks (and only dirty blocks) to the underlying
// storage and marks them as clean.
func (cache *BlockCache) Flush() error {
	for blockIndex := 0; uint(blockIndex) < cache.totalBlocks; blockIndex++ {
		// Skip if the block is clean. This also skips over blocks that aren't
		// loaded, since missing blocks are considered clean.
		if !cache.dirtyBlocks.Get(blockIndex) {
			continue
		}

		buffer, err := cache.GetSlice(c.LogicalBlock(blockIndex), 1)
		if err != nil {
			return err
		}

		err = cache.flush(c.LogicalBlock(blockIndex), buffer)
		if err != nil {
			return ext2kit.ErrIOFailed.WithMessage(
				fmt.Sprintf("failed to flush block %d to storage: %s", blockIndex, err),
			)
		}

		cache.dirtyBlocks.Set(blockIndex, false)
	}

	return nil
}

// ReadAt fills `buffer` with data beginning at block `start`, loading any
// missing blocks first. `buffer` does not need to be an exact multiple of the
// size of one block.
func (cache *BlockCache) ReadAt(buffer []byte, start c.LogicalBlock) (int, error) {
	numBlocks := cache.minBlocksForSize(uint(len(buffer)))
	sourceData, err := cache.GetSlice(start, numBlocks)
	if err != nil {
		return 0, err
	}

	copy(buffer, sourceData)
	return len(buffer), nil
}

// WriteAt copies data into the cache from `buffer`, beginning at block
// `start`, and marks all touched blocks dirty.
func (cache *BlockCache) WriteAt(buffer []byte, start c.LogicalBlock) (int, error) {
	numBlocks := cache.minBlocksForSize(uint(len(buffer)))
	targetByteSlice, err := cache.GetSlice(start, numBlocks)
	if err != nil {
		return 0, err
	}

	copy(targetByteSlice, buffer)

	err = cache.MarkBlockRangeDirty(start, numBlocks)
	if err != nil {
		return 0, err
	}
	return len(buffer), nil
}

// MarkBlockRangeDirty marks a range of blocks as modified. They will be
// written out to the backing storage on the next call to [BlockCache.Flush].
func (cache *BlockCache) MarkBlockRangeDirty(
	start c.LogicalBlock,
	count uint,
) error {
	err := cache.CheckBounds(start, count)
	if err != nil {
		return err
	}

	for i := uint(0); i < count; i++ {
		bitIndex := int(start) + int(i)
		cache.dirtyBlocks.Set(bitIndex, true)
		cache.loadedBlocks.Set(bitIndex, true)
	}
	return nil
}

// minBlocksForSize gives the minimum number of blocks required to hold the
// given number of bytes.
func (cache *BlockCache) minBlocksForSize(size uint) uint {
	return (size + cache.bytesPerBlock - 1) / cache.bytesPerBlock
}
