package vfs_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/aegisfs/aegisfs"
	"github.com/aegisfs/aegisfs/blockdev"
	"github.com/aegisfs/aegisfs/diskfs"
	"github.com/aegisfs/aegisfs/vfs"
)

func newTestEngine(t *testing.T, blockCount, inodeCount uint64) *vfs.Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := blockdev.CreateFileDevice(path, blockCount)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}
	t.Cleanup(func() { dev.Close(context.Background()) })

	formatted, err := diskfs.Format(context.Background(), dev, inodeCount, "testvol")
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	formatted.DiskFs.VerifyDelays = nil

	e := vfs.New(formatted.DiskFs)
	if err := e.Mount(context.Background()); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return e
}

func TestCreateThenLookup(t *testing.T) {
	e := newTestEngine(t, 512, 64)
	ctx := context.Background()

	created, err := e.Create(ctx, aegisfs.RootInode, "hello.txt", aegisfs.ModeReg|0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	found, err := e.Lookup(ctx, aegisfs.RootInode, "hello.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if found.Ino != created.Ino {
		t.Fatalf("Lookup returned inode %d, want %d", found.Ino, created.Ino)
	}
}

func TestCreateDuplicateNameFails(t *testing.T) {
	e := newTestEngine(t, 512, 64)
	ctx := context.Background()

	if _, err := e.Create(ctx, aegisfs.RootInode, "dup.txt", aegisfs.ModeReg|0644); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := e.Create(ctx, aegisfs.RootInode, "dup.txt", aegisfs.ModeReg|0644)
	if !errors.Is(err, aegisfs.ErrExists) {
		t.Fatalf("second Create error = %v, want ErrExists", err)
	}
}

func TestWriteReadSmallFileServedFromCache(t *testing.T) {
	e := newTestEngine(t, 512, 64)
	ctx := context.Background()

	c, err := e.Create(ctx, aegisfs.RootInode, "small.txt", aegisfs.ModeReg|0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	data := []byte("small file contents")
	if _, err := e.Write(ctx, c.Ino, 0, data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := e.Read(ctx, c.Ino, 0, uint64(len(data)))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Read() = %q, want %q", got, data)
	}
}

func TestWriteThenFlushPersistsToDisk(t *testing.T) {
	e := newTestEngine(t, 512, 64)
	ctx := context.Background()

	c, err := e.Create(ctx, aegisfs.RootInode, "persisted.txt", aegisfs.ModeReg|0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	data := bytes.Repeat([]byte("x"), 100)
	if _, err := e.Write(ctx, c.Ino, 0, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := e.Read(ctx, c.Ino, 0, uint64(len(data)))
	if err != nil {
		t.Fatalf("Read after flush: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Read after flush = %q, want %q", got, data)
	}
}

func TestWriteThenFlushLargeFilePersistsPointers(t *testing.T) {
	e := newTestEngine(t, 512, 64)
	ctx := context.Background()

	c, err := e.Create(ctx, aegisfs.RootInode, "large.bin", aegisfs.ModeReg|0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	data := bytes.Repeat([]byte("y"), aegisfs.BlockSize*3+17)
	if _, err := e.Write(ctx, c.Ino, 0, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := e.Read(ctx, c.Ino, 0, uint64(len(data)))
	if err != nil {
		t.Fatalf("Read after flush: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Read after flush returned %d bytes not matching the %d written", len(got), len(data))
	}

	// A second flush with no new writes must not re-allocate blocks for
	// data already on disk: the inode's pointers from the first flush
	// have to survive in cache, not reset to zero.
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	got2, err := e.Read(ctx, c.Ino, 0, uint64(len(data)))
	if err != nil {
		t.Fatalf("Read after second flush: %v", err)
	}
	if !bytes.Equal(got2, data) {
		t.Fatalf("Read after second flush = %d bytes, want the same %d previously written", len(got2), len(data))
	}
}

func TestUnlinkRemovesEntry(t *testing.T) {
	e := newTestEngine(t, 512, 64)
	ctx := context.Background()

	c, err := e.Create(ctx, aegisfs.RootInode, "gone.txt", aegisfs.ModeReg|0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.Unlink(ctx, aegisfs.RootInode, "gone.txt"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := e.Lookup(ctx, aegisfs.RootInode, "gone.txt"); !errors.Is(err, aegisfs.ErrFileNotFound) {
		t.Fatalf("Lookup after unlink error = %v, want ErrFileNotFound", err)
	}
	_ = c
}

func TestMkdirRmdir(t *testing.T) {
	e := newTestEngine(t, 512, 64)
	ctx := context.Background()

	d, err := e.Mkdir(ctx, aegisfs.RootInode, "subdir", 0755)
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if !d.IsDir() {
		t.Fatalf("created node is not a directory")
	}

	if _, err := e.Create(ctx, d.Ino, "nested.txt", aegisfs.ModeReg|0644); err != nil {
		t.Fatalf("Create nested: %v", err)
	}
	if err := e.Rmdir(ctx, aegisfs.RootInode, "subdir"); !errors.Is(err, aegisfs.ErrDirectoryNotEmpty) {
		t.Fatalf("Rmdir non-empty error = %v, want ErrDirectoryNotEmpty", err)
	}

	if err := e.Unlink(ctx, d.Ino, "nested.txt"); err != nil {
		t.Fatalf("Unlink nested: %v", err)
	}
	if err := e.Rmdir(ctx, aegisfs.RootInode, "subdir"); err != nil {
		t.Fatalf("Rmdir: %v", err)
	}
}

func TestRenameMovesEntry(t *testing.T) {
	e := newTestEngine(t, 512, 64)
	ctx := context.Background()

	c, err := e.Create(ctx, aegisfs.RootInode, "old.txt", aegisfs.ModeReg|0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	dir, err := e.Mkdir(ctx, aegisfs.RootInode, "dst", 0755)
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := e.Rename(ctx, aegisfs.RootInode, "old.txt", dir.Ino, "new.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if _, err := e.Lookup(ctx, aegisfs.RootInode, "old.txt"); !errors.Is(err, aegisfs.ErrFileNotFound) {
		t.Fatalf("old name still resolves")
	}
	found, err := e.Lookup(ctx, dir.Ino, "new.txt")
	if err != nil {
		t.Fatalf("Lookup new name: %v", err)
	}
	if found.Ino != c.Ino {
		t.Fatalf("renamed inode = %d, want %d", found.Ino, c.Ino)
	}
}

func TestSetAttrTruncatesCachedData(t *testing.T) {
	e := newTestEngine(t, 512, 64)
	ctx := context.Background()

	c, err := e.Create(ctx, aegisfs.RootInode, "trunc.txt", aegisfs.ModeReg|0644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.Write(ctx, c.Ino, 0, []byte("0123456789")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	newSize := uint64(4)
	_, err = e.SetAttr(ctx, c.Ino, vfs.SetAttrRequest{Size: &newSize})
	if err != nil {
		t.Fatalf("SetAttr: %v", err)
	}

	got, err := e.Read(ctx, c.Ino, 0, 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("Read after truncate returned %d bytes, want 4", len(got))
	}
}

func TestDestroyAfterCreateSucceeds(t *testing.T) {
	e := newTestEngine(t, 512, 64)
	ctx := context.Background()

	if _, err := e.Create(ctx, aegisfs.RootInode, "final.txt", aegisfs.ModeReg|0644); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}
