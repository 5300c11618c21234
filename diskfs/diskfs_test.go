package diskfs_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aegisfs/aegisfs"
	"github.com/aegisfs/aegisfs/bitmap"
	"github.com/aegisfs/aegisfs/blockcache"
	"github.com/aegisfs/aegisfs/blockdev"
	"github.com/aegisfs/aegisfs/diskfs"
)

func newTestDiskFs(t *testing.T, blockCount, inodeCount uint64) *diskfs.DiskFs {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := blockdev.CreateFileDevice(path, blockCount)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}
	t.Cleanup(func() { dev.Close(context.Background()) })

	cache := blockcache.New(dev, 64, blockcache.WriteThrough)
	layout := aegisfs.NewLayout(blockCount, inodeCount)

	blockBitmap := bitmap.New(blockCount, layout.SuperblockStart)
	for i := layout.BlockBitmapStart; i < layout.DataStart; i++ {
		blockBitmap.Allocate()
	}
	inodeBitmap := bitmap.New(inodeCount, aegisfs.InvalidInode, aegisfs.RootInode)

	d := diskfs.New(dev, cache, layout, blockBitmap, inodeBitmap)
	d.VerifyDelays = []time.Duration{0, 0} // keep tests fast
	return d
}

func TestWriteReadInodeRoundTrip(t *testing.T) {
	d := newTestDiskFs(t, 256, 64)
	ctx := context.Background()

	in := &aegisfs.Inode{Mode: aegisfs.ModeReg | 0644, UID: 1, GID: 1, LinkCount: 1}
	if err := d.WriteInode(ctx, aegisfs.RootInode, in); err != nil {
		t.Fatalf("WriteInode: %v", err)
	}

	got, err := d.ReadInode(ctx, aegisfs.RootInode)
	if err != nil {
		t.Fatalf("ReadInode: %v", err)
	}
	if !got.Equal(in) {
		t.Fatalf("ReadInode() = %+v, want %+v", got, in)
	}
}

func TestReadInodeRejectsInvalidNumber(t *testing.T) {
	d := newTestDiskFs(t, 256, 64)
	_, err := d.ReadInode(context.Background(), 0)
	if !errors.Is(err, aegisfs.ErrInvalidInode) {
		t.Fatalf("ReadInode(0) error = %v, want ErrInvalidInode", err)
	}
	_, err = d.ReadInode(context.Background(), 64)
	if !errors.Is(err, aegisfs.ErrInvalidInode) {
		t.Fatalf("ReadInode(inodeCount) error = %v, want ErrInvalidInode", err)
	}
}

func TestWriteReadFileDataDirectBlocks(t *testing.T) {
	d := newTestDiskFs(t, 256, 64)
	ctx := context.Background()

	in := &aegisfs.Inode{Mode: aegisfs.ModeReg | 0644}
	data := bytes.Repeat([]byte("hello-aegisfs-"), 100)
	if err := d.WriteFileData(ctx, in, 0, data); err != nil {
		t.Fatalf("WriteFileData: %v", err)
	}
	if in.Size != uint64(len(data)) {
		t.Fatalf("Size = %d, want %d", in.Size, len(data))
	}

	got, err := d.ReadFileData(ctx, in, 0, uint64(len(data)))
	if err != nil {
		t.Fatalf("ReadFileData: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("read back data does not match what was written")
	}
}

func TestWriteFileDataCrossingIndirectBoundary(t *testing.T) {
	d := newTestDiskFs(t, 4096, 64)
	ctx := context.Background()

	in := &aegisfs.Inode{Mode: aegisfs.ModeReg | 0644}
	// Write past the 12 direct blocks, into the single-indirect region.
	offset := uint64(aegisfs.DirectPointers+2) * aegisfs.BlockSize
	data := bytes.Repeat([]byte{0x7A}, 500)
	if err := d.WriteFileData(ctx, in, offset, data); err != nil {
		t.Fatalf("WriteFileData: %v", err)
	}
	if in.Pointers[aegisfs.SingleIndirectIndex] == 0 {
		t.Fatalf("expected single-indirect pointer to be allocated")
	}

	got, err := d.ReadFileData(ctx, in, offset, uint64(len(data)))
	if err != nil {
		t.Fatalf("ReadFileData: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("read back indirect-addressed data does not match what was written")
	}
}

func TestReadFileDataSparseBlockReadsZero(t *testing.T) {
	d := newTestDiskFs(t, 256, 64)
	ctx := context.Background()

	in := &aegisfs.Inode{Mode: aegisfs.ModeReg | 0644}
	// Write only the second block, leaving the first sparse.
	if err := d.WriteFileData(ctx, in, aegisfs.BlockSize, []byte("second-block")); err != nil {
		t.Fatalf("WriteFileData: %v", err)
	}

	got, err := d.ReadFileData(ctx, in, 0, aegisfs.BlockSize)
	if err != nil {
		t.Fatalf("ReadFileData: %v", err)
	}
	for i, b := range got {
		if b != 0 {
			t.Fatalf("sparse block byte %d = %d, want 0", i, b)
		}
	}
}

func TestWriteFileDataBeyondMaxSizeFails(t *testing.T) {
	d := newTestDiskFs(t, 4096, 64)
	ctx := context.Background()

	in := &aegisfs.Inode{Mode: aegisfs.ModeReg | 0644}
	err := d.WriteFileData(ctx, in, aegisfs.MaxFileSize, []byte("x"))
	if !errors.Is(err, aegisfs.ErrFileTooLarge) {
		t.Fatalf("WriteFileData beyond max size error = %v, want ErrFileTooLarge", err)
	}
}

func TestDirectoryEntriesRoundTrip(t *testing.T) {
	d := newTestDiskFs(t, 256, 64)
	ctx := context.Background()

	dirInode := &aegisfs.Inode{Mode: aegisfs.ModeDir | 0755}
	entries := []aegisfs.Dirent{
		{Ino: aegisfs.RootInode, Name: ".", Type: aegisfs.DirentDirectory},
		{Ino: aegisfs.RootInode, Name: "..", Type: aegisfs.DirentDirectory},
		{Ino: 5, Name: "notes.txt", Type: aegisfs.DirentRegular},
	}

	if err := d.WriteDirectoryEntries(ctx, dirInode, entries); err != nil {
		t.Fatalf("WriteDirectoryEntries: %v", err)
	}

	got, err := d.ReadDirectoryEntries(ctx, dirInode)
	if err != nil {
		t.Fatalf("ReadDirectoryEntries: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("ReadDirectoryEntries returned %d entries, want %d", len(got), len(entries))
	}
	for i, e := range entries {
		if got[i].Ino != e.Ino || got[i].Name != e.Name {
			t.Fatalf("entry %d = %+v, want %+v", i, got[i], e)
		}
	}
}

func TestAllocateDataBlockZeroInitializes(t *testing.T) {
	d := newTestDiskFs(t, 256, 64)
	ctx := context.Background()

	block, err := d.AllocateDataBlock(ctx)
	if err != nil {
		t.Fatalf("AllocateDataBlock: %v", err)
	}

	data, err := d.Cache.ReadBlock(ctx, block)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	for i, b := range data {
		if b != 0 {
			t.Fatalf("freshly allocated block byte %d = %d, want 0", i, b)
		}
	}
}
