package diskfs_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/aegisfs/aegisfs"
	"github.com/aegisfs/aegisfs/blockdev"
	"github.com/aegisfs/aegisfs/diskfs"
)

func TestFormatCreatesRootDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := blockdev.CreateFileDevice(path, 2048)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}
	defer dev.Close(context.Background())

	ctx := context.Background()
	formatted, err := diskfs.Format(ctx, dev, 256, "test-vol")
	if err != nil {
		t.Fatalf("Format: %v", err)
	}

	root, err := formatted.DiskFs.ReadInode(ctx, aegisfs.RootInode)
	if err != nil {
		t.Fatalf("ReadInode(root): %v", err)
	}
	if !root.IsDir() {
		t.Fatalf("root inode must be a directory")
	}

	entries, err := formatted.DiskFs.ReadDirectoryEntries(ctx, root)
	if err != nil {
		t.Fatalf("ReadDirectoryEntries: %v", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	if !names["."] || !names[".."] {
		t.Fatalf("root directory entries = %v, want \".\" and \"..\"", entries)
	}
}

func TestFormatThenLoadPreservesSuperblock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := blockdev.CreateFileDevice(path, 2048)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}
	defer dev.Close(context.Background())

	ctx := context.Background()
	formatted, err := diskfs.Format(ctx, dev, 256, "test-vol")
	if err != nil {
		t.Fatalf("Format: %v", err)
	}

	loaded, err := diskfs.Load(ctx, dev)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !loaded.Superblock.Equal(formatted.Superblock) {
		t.Fatalf("loaded superblock = %+v, want %+v", loaded.Superblock, formatted.Superblock)
	}
	if loaded.DiskFs.InodeBitmap.FreeCount() != formatted.DiskFs.InodeBitmap.FreeCount() {
		t.Fatalf("loaded inode bitmap free count = %d, want %d",
			loaded.DiskFs.InodeBitmap.FreeCount(), formatted.DiskFs.InodeBitmap.FreeCount())
	}
}

func TestFormatRejectsUndersizedDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := blockdev.CreateFileDevice(path, 2)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}
	defer dev.Close(context.Background())

	_, err = diskfs.Format(context.Background(), dev, 1<<20, "tiny")
	if err == nil {
		t.Fatalf("expected Format to fail for a device too small for the requested inode count")
	}
}
