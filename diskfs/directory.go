package diskfs

import (
	"context"
	"fmt"

	"github.com/aegisfs/aegisfs"
)

// ReadDirectoryEntries walks every data block reachable from in's
// block pointers and returns the decoded entries in block order
// (spec.md §4.4). The walk covers every block index below in.Size; a
// zero pointer is skipped and the walk goes on to the next index.
func (d *DiskFs) ReadDirectoryEntries(ctx context.Context, in *aegisfs.Inode) ([]aegisfs.Dirent, error) {
	var entries []aegisfs.Dirent

	blockCount := (in.Size + aegisfs.BlockSize - 1) / aegisfs.BlockSize
	for logicalIndex := uint64(0); logicalIndex < blockCount; logicalIndex++ {
		physical, ok, err := d.blockForRead(ctx, in, logicalIndex)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		block, err := d.Cache.ReadBlock(ctx, physical)
		if err != nil {
			return nil, fmt.Errorf("aegisfs: reading directory block %d: %w", physical, err)
		}
		decoded, err := aegisfs.DecodeDirents(block)
		if err != nil {
			return nil, err
		}
		entries = append(entries, decoded...)
	}
	return entries, nil
}

// WriteDirectoryEntries re-encodes the full entry list across as many
// blocks as needed, allocating new blocks via blockForWrite when the
// directory grows. It never crosses a block boundary with a single
// entry (spec.md §3, §8). Existing blocks beyond what's needed are not
// freed here; callers that shrink a directory are expected to manage
// truncation themselves.
func (d *DiskFs) WriteDirectoryEntries(ctx context.Context, in *aegisfs.Inode, entries []aegisfs.Dirent) error {
	logicalIndex := uint64(0)
	block := make([]byte, aegisfs.BlockSize)
	used := 0

	flush := func() error {
		physical, err := d.blockForWrite(ctx, in, logicalIndex)
		if err != nil {
			return err
		}
		if err := d.Cache.WriteBlock(ctx, physical, block); err != nil {
			return fmt.Errorf("aegisfs: writing directory block %d: %w", physical, err)
		}
		logicalIndex++
		block = make([]byte, aegisfs.BlockSize)
		used = 0
		return nil
	}

	for i := range entries {
		e := &entries[i]
		if !aegisfs.FitsInBlock(used, len(e.Name)) {
			if err := flush(); err != nil {
				return err
			}
		}
		encoded, err := aegisfs.EncodeDirent(block[:used], e)
		if err != nil {
			return err
		}
		used = len(encoded)
		copy(block, encoded)
	}
	if err := flush(); err != nil {
		return err
	}

	if end := logicalIndex * aegisfs.BlockSize; end > in.Size {
		in.Size = end
	}
	return nil
}
