package diskfs

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/aegisfs/aegisfs"
)

// blockForRead resolves a logical block index to a physical block
// number for reading, returning ok=false for a sparse (never-written)
// block. Logical indices 0..11 are direct; 12..(12+512) are addressed
// through the single-indirect pointer (spec.md §4.4).
func (d *DiskFs) blockForRead(ctx context.Context, in *aegisfs.Inode, logicalIndex uint64) (physical uint64, ok bool, err error) {
	if logicalIndex >= uint64(aegisfs.MaxFileBlocks) {
		return 0, false, fmt.Errorf("aegisfs: logical block %d exceeds maximum of %d: %w", logicalIndex, aegisfs.MaxFileBlocks, aegisfs.ErrFileTooLarge)
	}
	if logicalIndex < aegisfs.DirectPointers {
		ptr := in.Pointers[logicalIndex]
		return ptr, ptr != 0, nil
	}

	indirectBlockNum := in.Pointers[aegisfs.SingleIndirectIndex]
	if indirectBlockNum == 0 {
		return 0, false, nil
	}
	indirectBlock, err := d.Cache.ReadBlock(ctx, indirectBlockNum)
	if err != nil {
		return 0, false, fmt.Errorf("aegisfs: reading indirect block %d: %w", indirectBlockNum, err)
	}
	idx := logicalIndex - aegisfs.DirectPointers
	ptr := binary.LittleEndian.Uint64(indirectBlock[idx*8 : idx*8+8])
	return ptr, ptr != 0, nil
}

// blockForWrite resolves a logical block index to a physical block
// number, allocating (and, for the indirect region, zero-initializing
// the indirect block itself) as needed.
func (d *DiskFs) blockForWrite(ctx context.Context, in *aegisfs.Inode, logicalIndex uint64) (uint64, error) {
	if logicalIndex >= uint64(aegisfs.MaxFileBlocks) {
		return 0, fmt.Errorf("aegisfs: write at logical block %d exceeds maximum file size of %d bytes: %w", logicalIndex, aegisfs.MaxFileSize, aegisfs.ErrFileTooLarge)
	}

	if logicalIndex < aegisfs.DirectPointers {
		if in.Pointers[logicalIndex] == 0 {
			block, err := d.AllocateDataBlock(ctx)
			if err != nil {
				return 0, err
			}
			in.Pointers[logicalIndex] = block
			in.Blocks512 += aegisfs.BlockSize / 512
			return in.Pointers[logicalIndex], nil
		}
		redirected, err := d.redirectForCoW(ctx, in.Pointers[logicalIndex])
		if err != nil {
			return 0, err
		}
		in.Pointers[logicalIndex] = redirected
		return redirected, nil
	}

	if in.Pointers[aegisfs.SingleIndirectIndex] == 0 {
		indirectBlock, err := d.AllocateDataBlock(ctx)
		if err != nil {
			return 0, err
		}
		in.Pointers[aegisfs.SingleIndirectIndex] = indirectBlock
		in.Blocks512 += aegisfs.BlockSize / 512
	}
	indirectBlockNum := in.Pointers[aegisfs.SingleIndirectIndex]

	indirectBlock, err := d.Cache.ReadBlock(ctx, indirectBlockNum)
	if err != nil {
		return 0, fmt.Errorf("aegisfs: reading indirect block %d: %w", indirectBlockNum, err)
	}

	idx := logicalIndex - aegisfs.DirectPointers
	ptr := binary.LittleEndian.Uint64(indirectBlock[idx*8 : idx*8+8])
	if ptr == 0 {
		newBlock, err := d.AllocateDataBlock(ctx)
		if err != nil {
			return 0, err
		}
		binary.LittleEndian.PutUint64(indirectBlock[idx*8:idx*8+8], newBlock)
		if err := d.Cache.WriteBlock(ctx, indirectBlockNum, indirectBlock); err != nil {
			return 0, fmt.Errorf("aegisfs: updating indirect block %d: %w", indirectBlockNum, err)
		}
		in.Blocks512 += aegisfs.BlockSize / 512
		return newBlock, nil
	}

	redirected, err := d.redirectForCoW(ctx, ptr)
	if err != nil {
		return 0, err
	}
	if redirected != ptr {
		binary.LittleEndian.PutUint64(indirectBlock[idx*8:idx*8+8], redirected)
		if err := d.Cache.WriteBlock(ctx, indirectBlockNum, indirectBlock); err != nil {
			return 0, fmt.Errorf("aegisfs: updating indirect block %d after snapshot redirect: %w", indirectBlockNum, err)
		}
	}
	return redirected, nil
}

// redirectForCoW applies snapshot copy-on-write redirection to ptr, an
// already-allocated block about to be overwritten, if a snapshot
// manager is wired in (spec.md §2, §4.8: writes to a block referenced
// by a snapshot are redirected to a fresh copy before the original is
// touched). Freshly allocated blocks never reach this helper, since a
// block with no prior snapshot reference never needs redirecting.
func (d *DiskFs) redirectForCoW(ctx context.Context, ptr uint64) (uint64, error) {
	if d.Snapshots == nil {
		return ptr, nil
	}
	redirected, err := d.Snapshots.CopyOnWrite(ctx, ptr)
	if err != nil {
		return 0, fmt.Errorf("aegisfs: snapshot copy-on-write for block %d: %w", ptr, err)
	}
	return redirected, nil
}

// chunk describes one (block, in-block offset, length) slice of a byte
// range, as produced by splitRange.
type chunk struct {
	logicalIndex uint64
	blockOffset  int
	length       int
	rangeOffset  int // offset into the caller's byte range this chunk covers
}

func splitRange(offset, size uint64) []chunk {
	var chunks []chunk
	remaining := size
	pos := offset
	var rangeOffset int

	for remaining > 0 {
		logicalIndex := pos / aegisfs.BlockSize
		blockOffset := int(pos % aegisfs.BlockSize)
		length := aegisfs.BlockSize - blockOffset
		if uint64(length) > remaining {
			length = int(remaining)
		}
		chunks = append(chunks, chunk{logicalIndex: logicalIndex, blockOffset: blockOffset, length: length, rangeOffset: rangeOffset})
		pos += uint64(length)
		remaining -= uint64(length)
		rangeOffset += length
	}
	return chunks
}

// ReadFileData reads size bytes starting at offset from the file named
// by in. A logical block whose pointer is zero reads as all-zero
// (spec.md §4.4: "sparse (all-zero) block").
func (d *DiskFs) ReadFileData(ctx context.Context, in *aegisfs.Inode, offset, size uint64) ([]byte, error) {
	if offset >= in.Size {
		return nil, nil
	}
	if offset+size > in.Size {
		size = in.Size - offset
	}

	out := make([]byte, size)
	for _, c := range splitRange(offset, size) {
		physical, ok, err := d.blockForRead(ctx, in, c.logicalIndex)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // already zero
		}
		block, err := d.Cache.ReadBlock(ctx, physical)
		if err != nil {
			return nil, fmt.Errorf("aegisfs: reading data block %d: %w", physical, err)
		}
		copy(out[c.rangeOffset:c.rangeOffset+c.length], block[c.blockOffset:c.blockOffset+c.length])
	}
	return out, nil
}

// WriteFileData writes data at offset into the file named by in,
// allocating blocks (and, where necessary, the indirect block) as
// needed, and updates in.Size/in.Blocks512 to reflect the write. The
// caller is responsible for persisting in via WriteInode.
func (d *DiskFs) WriteFileData(ctx context.Context, in *aegisfs.Inode, offset uint64, data []byte) error {
	for _, c := range splitRange(offset, uint64(len(data))) {
		physical, err := d.blockForWrite(ctx, in, c.logicalIndex)
		if err != nil {
			return err
		}
		block, err := d.Cache.ReadBlock(ctx, physical)
		if err != nil {
			return fmt.Errorf("aegisfs: reading data block %d: %w", physical, err)
		}
		copy(block[c.blockOffset:c.blockOffset+c.length], data[c.rangeOffset:c.rangeOffset+c.length])
		if err := d.Cache.WriteBlock(ctx, physical, block); err != nil {
			return fmt.Errorf("aegisfs: writing data block %d: %w", physical, err)
		}
	}

	if end := offset + uint64(len(data)); end > in.Size {
		in.Size = end
	}
	return nil
}
