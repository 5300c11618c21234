package aegisfs_test

import (
	"testing"

	"github.com/aegisfs/aegisfs"
)

func TestNewLayoutRegionsAreContiguousAndOrdered(t *testing.T) {
	l := aegisfs.NewLayout(65536, 8192)

	if l.SuperblockStart != 0 {
		t.Fatalf("SuperblockStart = %d, want 0", l.SuperblockStart)
	}
	if l.BlockBitmapStart != 1 {
		t.Fatalf("BlockBitmapStart = %d, want 1", l.BlockBitmapStart)
	}
	if l.InodeBitmapStart != l.BlockBitmapStart+l.BlockBitmapLen {
		t.Fatalf("InodeBitmapStart = %d, want %d", l.InodeBitmapStart, l.BlockBitmapStart+l.BlockBitmapLen)
	}
	if l.InodeTableStart != l.InodeBitmapStart+l.InodeBitmapLen {
		t.Fatalf("InodeTableStart = %d, want %d", l.InodeTableStart, l.InodeBitmapStart+l.InodeBitmapLen)
	}
	if l.JournalStart != l.InodeTableStart+l.InodeTableLen {
		t.Fatalf("JournalStart = %d, want %d", l.JournalStart, l.InodeTableStart+l.InodeTableLen)
	}
	if l.DataStart != l.JournalStart+l.JournalLen {
		t.Fatalf("DataStart = %d, want %d", l.DataStart, l.JournalStart+l.JournalLen)
	}
	if l.DataStart+l.DataLen != 65536 {
		t.Fatalf("DataStart+DataLen = %d, want %d", l.DataStart+l.DataLen, uint64(65536))
	}
}

func TestLayoutInodeBlockWithinTable(t *testing.T) {
	l := aegisfs.NewLayout(4096, 1024)

	for _, ino := range []uint64{1, 2, aegisfs.InodesPerBlock, aegisfs.InodesPerBlock + 1, 1023} {
		block, offset := l.InodeBlock(ino)
		if block < l.InodeTableStart || block >= l.InodeTableStart+l.InodeTableLen {
			t.Fatalf("InodeBlock(%d) = %d, outside inode table [%d, %d)", ino, block, l.InodeTableStart, l.InodeTableStart+l.InodeTableLen)
		}
		if offset < 0 || offset+aegisfs.InodeSize > aegisfs.BlockSize {
			t.Fatalf("InodeBlock(%d) offset = %d, out of block bounds", ino, offset)
		}
	}
}

func TestLayoutInodeBlockDistinctForDistinctInodes(t *testing.T) {
	l := aegisfs.NewLayout(4096, 1024)

	b1, o1 := l.InodeBlock(5)
	b2, o2 := l.InodeBlock(6)
	if b1 == b2 && o1 == o2 {
		t.Fatalf("InodeBlock(5) and InodeBlock(6) collide at block %d offset %d", b1, o1)
	}
}

func TestLayoutValidInode(t *testing.T) {
	l := aegisfs.NewLayout(4096, 1024)

	if l.ValidInode(0) {
		t.Fatalf("inode 0 must never be valid")
	}
	if !l.ValidInode(1) {
		t.Fatalf("inode 1 (root) must be valid")
	}
	if l.ValidInode(1024) {
		t.Fatalf("inode == InodeCount must be invalid")
	}
}

func TestLayoutValidDataBlock(t *testing.T) {
	l := aegisfs.NewLayout(4096, 1024)

	if l.ValidDataBlock(0) {
		t.Fatalf("block 0 (superblock) must not be a valid data block")
	}
	if !l.ValidDataBlock(l.DataStart) {
		t.Fatalf("DataStart must be a valid data block")
	}
	if l.ValidDataBlock(l.DataStart + l.DataLen) {
		t.Fatalf("one past the data region must not be valid")
	}
}
