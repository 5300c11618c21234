package bitmap_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/aegisfs/aegisfs"
	"github.com/aegisfs/aegisfs/bitmap"
	"github.com/aegisfs/aegisfs/blockdev"
)

func TestAllocateSkipsReservedUnits(t *testing.T) {
	b := bitmap.New(16, 0, 1)

	got, err := b.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got == 0 || got == 1 {
		t.Fatalf("Allocate() = %d, want a unit other than the reserved 0 and 1", got)
	}
	if b.IsAllocated(0) != true || b.IsAllocated(1) != true {
		t.Fatalf("reserved units must remain allocated")
	}
}

func TestAllocateThenFreeRoundTrip(t *testing.T) {
	b := bitmap.New(8)

	unit, err := b.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !b.IsAllocated(unit) {
		t.Fatalf("unit %d should be allocated", unit)
	}
	if err := b.Free(unit); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if b.IsAllocated(unit) {
		t.Fatalf("unit %d should be free after Free", unit)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	b := bitmap.New(4, 0, 1, 2, 3)

	_, err := b.Allocate()
	if !errors.Is(err, aegisfs.ErrNoFreeBlocks) {
		t.Fatalf("Allocate on exhausted bitmap error = %v, want ErrNoFreeBlocks", err)
	}
}

func TestAllocateSkipsFullBytes(t *testing.T) {
	b := bitmap.New(24)
	for i := uint64(0); i < 16; i++ {
		if _, err := b.Allocate(); err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
	}
	got, err := b.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got < 16 {
		t.Fatalf("Allocate() = %d, want a unit >= 16 once the first two bytes are full", got)
	}
}

func TestFreeCountTracksAllocations(t *testing.T) {
	b := bitmap.New(10)
	if b.FreeCount() != 10 {
		t.Fatalf("FreeCount() = %d, want 10", b.FreeCount())
	}
	unit, _ := b.Allocate()
	if b.FreeCount() != 9 {
		t.Fatalf("FreeCount() = %d, want 9 after one allocation", b.FreeCount())
	}
	b.Free(unit)
	if b.FreeCount() != 10 {
		t.Fatalf("FreeCount() = %d, want 10 after freeing", b.FreeCount())
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := blockdev.CreateFileDevice(path, 4)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}
	defer dev.Close(context.Background())

	b := bitmap.New(1000, 0, 1)
	for i := 0; i < 10; i++ {
		if _, err := b.Allocate(); err != nil {
			t.Fatalf("Allocate: %v", err)
		}
	}

	ctx := context.Background()
	if err := b.Save(ctx, dev, 0, 1); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := bitmap.Load(ctx, dev, 0, 1, 1000)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.FreeCount() != b.FreeCount() {
		t.Fatalf("loaded FreeCount() = %d, want %d", loaded.FreeCount(), b.FreeCount())
	}
	if !loaded.IsAllocated(0) || !loaded.IsAllocated(1) {
		t.Fatalf("loaded bitmap must preserve reserved units")
	}
}
