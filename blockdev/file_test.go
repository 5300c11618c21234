package blockdev_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/aegisfs/aegisfs"
	"github.com/aegisfs/aegisfs/blockdev"
)

func TestFileDeviceCreateAndRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := blockdev.CreateFileDevice(path, 16)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}
	defer dev.Close(context.Background())

	if got := dev.BlockCount(); got != 16 {
		t.Fatalf("BlockCount() = %d, want 16", got)
	}
	if dev.IsReadOnly() {
		t.Fatalf("new device should not be read-only")
	}

	want := bytes.Repeat([]byte{0xAB}, blockdev.BlockSize)
	ctx := context.Background()
	if err := dev.WriteBlock(ctx, 3, want); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	got := make([]byte, blockdev.BlockSize)
	if err := dev.ReadBlock(ctx, 3, got); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read back data does not match what was written")
	}

	if err := dev.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

func TestFileDeviceOpenDerivesBlockCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := blockdev.CreateFileDevice(path, 8)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}
	dev.Close(context.Background())

	reopened, err := blockdev.OpenFileDevice(path, false)
	if err != nil {
		t.Fatalf("OpenFileDevice: %v", err)
	}
	defer reopened.Close(context.Background())

	if got := reopened.BlockCount(); got != 8 {
		t.Fatalf("BlockCount() = %d, want 8", got)
	}
}

func TestFileDeviceInvalidBlockNumber(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := blockdev.CreateFileDevice(path, 4)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}
	defer dev.Close(context.Background())

	buf := make([]byte, blockdev.BlockSize)
	err = dev.ReadBlock(context.Background(), 4, buf)
	if !errors.Is(err, aegisfs.ErrInvalidBlockNumber) {
		t.Fatalf("ReadBlock(4) error = %v, want ErrInvalidBlockNumber", err)
	}
}

func TestFileDeviceInvalidBlockSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := blockdev.CreateFileDevice(path, 4)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}
	defer dev.Close(context.Background())

	err = dev.WriteBlock(context.Background(), 0, make([]byte, 10))
	if !errors.Is(err, aegisfs.ErrInvalidBlockSize) {
		t.Fatalf("WriteBlock with undersized buffer error = %v, want ErrInvalidBlockSize", err)
	}
}

func TestFileDeviceReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := blockdev.CreateFileDevice(path, 4)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}
	dev.Close(context.Background())

	ro, err := blockdev.OpenFileDevice(path, true)
	if err != nil {
		t.Fatalf("OpenFileDevice(readOnly): %v", err)
	}
	defer ro.Close(context.Background())

	if !ro.IsReadOnly() {
		t.Fatalf("expected read-only device")
	}
	err = ro.WriteBlock(context.Background(), 0, make([]byte, blockdev.BlockSize))
	if !errors.Is(err, aegisfs.ErrReadOnly) {
		t.Fatalf("WriteBlock on read-only device error = %v, want ErrReadOnly", err)
	}
}

func TestFileDeviceClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := blockdev.CreateFileDevice(path, 4)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}
	ctx := context.Background()
	if err := dev.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Closing twice must be a no-op, not an error.
	if err := dev.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	err = dev.ReadBlock(ctx, 0, make([]byte, blockdev.BlockSize))
	if !errors.Is(err, aegisfs.ErrDeviceClosed) {
		t.Fatalf("ReadBlock on closed device error = %v, want ErrDeviceClosed", err)
	}
}
