package diskfs

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/aegisfs/aegisfs"
)

// ReferenceSnapshotBlocks walks every inode reachable from rootInode
// and records, for each data block it holds (direct, the indirect
// pointer block itself, and every block the indirect block points
// to), that snapshotID depends on its current contents (spec.md §4.8).
// Until this has run for a snapshot, NeedsCoW never sees that
// snapshot's blocks as shared and CopyOnWrite is a no-op for them.
// Requires d.Snapshots to be wired in.
func (d *DiskFs) ReferenceSnapshotBlocks(ctx context.Context, rootInode, snapshotID uint64) error {
	if d.Snapshots == nil {
		return fmt.Errorf("aegisfs: referencing snapshot blocks: %w", aegisfs.ErrInvalidArgument)
	}
	return d.walkSnapshotRefs(ctx, rootInode, snapshotID, make(map[uint64]struct{}))
}

func (d *DiskFs) walkSnapshotRefs(ctx context.Context, ino, snapshotID uint64, visited map[uint64]struct{}) error {
	if _, seen := visited[ino]; seen {
		return nil
	}
	visited[ino] = struct{}{}

	in, err := d.ReadInode(ctx, ino)
	if err != nil {
		return fmt.Errorf("aegisfs: reading inode %d for snapshot: %w", ino, err)
	}

	if err := d.referenceInodeBlocks(ctx, in, snapshotID); err != nil {
		return err
	}

	if !in.IsDir() {
		return nil
	}

	entries, err := d.ReadDirectoryEntries(ctx, in)
	if err != nil {
		return fmt.Errorf("aegisfs: reading directory %d for snapshot: %w", ino, err)
	}
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		if err := d.walkSnapshotRefs(ctx, e.Ino, snapshotID, visited); err != nil {
			return err
		}
	}
	return nil
}

// referenceInodeBlocks references every block one inode directly
// occupies: its direct pointers, the single-indirect pointer block,
// and every block that indirect block points to.
func (d *DiskFs) referenceInodeBlocks(ctx context.Context, in *aegisfs.Inode, snapshotID uint64) error {
	for i := 0; i < aegisfs.DirectPointers; i++ {
		if ptr := in.Pointers[i]; ptr != 0 {
			if err := d.referenceOnce(ptr, snapshotID); err != nil {
				return err
			}
		}
	}

	indirectBlockNum := in.Pointers[aegisfs.SingleIndirectIndex]
	if indirectBlockNum == 0 {
		return nil
	}
	if err := d.referenceOnce(indirectBlockNum, snapshotID); err != nil {
		return err
	}

	indirectBlock, err := d.Cache.ReadBlock(ctx, indirectBlockNum)
	if err != nil {
		return fmt.Errorf("aegisfs: reading indirect block %d for snapshot: %w", indirectBlockNum, err)
	}
	for off := 0; off+8 <= len(indirectBlock); off += 8 {
		ptr := binary.LittleEndian.Uint64(indirectBlock[off : off+8])
		if ptr == 0 {
			continue
		}
		if err := d.referenceOnce(ptr, snapshotID); err != nil {
			return err
		}
	}
	return nil
}

// referenceOnce calls ReferenceBlock, tolerating the case where this
// block is already referenced by snapshotID (e.g. a hard-linked file
// visited through two directory entries).
func (d *DiskFs) referenceOnce(blockNum, snapshotID uint64) error {
	if err := d.Snapshots.ReferenceBlock(blockNum, snapshotID); err != nil {
		if errors.Is(err, aegisfs.ErrBlockAlreadyReferenced) {
			return nil
		}
		return fmt.Errorf("aegisfs: referencing block %d: %w", blockNum, err)
	}
	return nil
}
