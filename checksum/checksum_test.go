package checksum_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/aegisfs/aegisfs"
	"github.com/aegisfs/aegisfs/blockdev"
	"github.com/aegisfs/aegisfs/checksum"
)

func newTestDevice(t *testing.T, blocks uint64) blockdev.Device {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.img")
	dev, err := blockdev.CreateFileDevice(path, blocks)
	if err != nil {
		t.Fatalf("CreateFileDevice: %v", err)
	}
	t.Cleanup(func() { dev.Close(context.Background()) })
	return dev
}

func TestWriteThenReadVerifiesCleanly(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, 64)
	m := checksum.New(dev, checksum.CRC32)

	data := make([]byte, aegisfs.BlockSize)
	copy(data, "hello checksum")
	if err := m.WriteBlockWithChecksum(ctx, 5, data); err != nil {
		t.Fatalf("WriteBlockWithChecksum: %v", err)
	}

	buf := make([]byte, aegisfs.BlockSize)
	if err := m.ReadBlockWithVerification(ctx, 5, buf); err != nil {
		t.Fatalf("ReadBlockWithVerification: %v", err)
	}
}

func TestCorruptionDetectedWithoutRepair(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, 64)
	m := checksum.New(dev, checksum.CRC32)

	data := make([]byte, aegisfs.BlockSize)
	copy(data, "block 42 contents")
	if err := m.WriteBlockWithChecksum(ctx, 42, data); err != nil {
		t.Fatalf("WriteBlockWithChecksum: %v", err)
	}

	// Corrupt the block directly on the underlying device, bypassing
	// the checksum manager.
	corrupted := make([]byte, aegisfs.BlockSize)
	copy(corrupted, data)
	corrupted[0] ^= 0xFF
	if err := dev.WriteBlock(ctx, 42, corrupted); err != nil {
		t.Fatalf("direct WriteBlock: %v", err)
	}

	buf := make([]byte, aegisfs.BlockSize)
	err := m.ReadBlockWithVerification(ctx, 42, buf)
	if !errors.Is(err, aegisfs.ErrChecksumMismatch) {
		t.Fatalf("ReadBlockWithVerification error = %v, want ErrChecksumMismatch", err)
	}

	bad := m.BadBlocks()
	if len(bad) != 1 || bad[0] != 42 {
		t.Fatalf("BadBlocks() = %v, want [42]", bad)
	}
}

func TestScrubAllFindsCorruptBlock(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, 8)
	m := checksum.New(dev, checksum.CRC32)

	for b := uint64(0); b < 8; b++ {
		data := make([]byte, aegisfs.BlockSize)
		data[0] = byte(b)
		if err := m.WriteBlockWithChecksum(ctx, b, data); err != nil {
			t.Fatalf("WriteBlockWithChecksum(%d): %v", b, err)
		}
	}

	corrupted := make([]byte, aegisfs.BlockSize)
	corrupted[0] = 0xFF
	corrupted[1] = 0xAA
	if err := dev.WriteBlock(ctx, 3, corrupted); err != nil {
		t.Fatalf("direct WriteBlock: %v", err)
	}

	stats, err := m.ScrubAll(ctx)
	if err != nil {
		t.Fatalf("ScrubAll: %v", err)
	}
	if stats.BlocksCorrupted != 1 {
		t.Fatalf("BlocksCorrupted = %d, want 1", stats.BlocksCorrupted)
	}
	if stats.BlocksScrubbed != 8 {
		t.Fatalf("BlocksScrubbed = %d, want 8", stats.BlocksScrubbed)
	}
}

func TestRepairIsAttemptedAndAppliedOnMismatch(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, 8)
	m := checksum.New(dev, checksum.CRC32)

	good := make([]byte, aegisfs.BlockSize)
	copy(good, "the correct contents")
	if err := m.WriteBlockWithChecksum(ctx, 1, good); err != nil {
		t.Fatalf("WriteBlockWithChecksum: %v", err)
	}
	m.Repair = func(ctx context.Context, blockNum uint64) ([]byte, error) {
		return good, nil
	}

	bad := make([]byte, aegisfs.BlockSize)
	copy(bad, good)
	bad[0] ^= 0xFF
	if err := dev.WriteBlock(ctx, 1, bad); err != nil {
		t.Fatalf("direct WriteBlock: %v", err)
	}

	buf := make([]byte, aegisfs.BlockSize)
	if err := m.ReadBlockWithVerification(ctx, 1, buf); err != nil {
		t.Fatalf("ReadBlockWithVerification with repair: %v", err)
	}
	if string(buf[:len(good)]) != string(good) {
		t.Fatalf("repaired buffer does not match good data")
	}
	if len(m.BadBlocks()) != 0 {
		t.Fatalf("BadBlocks() should be empty after successful repair")
	}
}

func TestSingleMismatchBelowBadBlockCap(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t, 4)
	m := checksum.New(dev, checksum.CRC32)

	data := make([]byte, aegisfs.BlockSize)
	if err := m.WriteBlockWithChecksum(ctx, 0, data); err != nil {
		t.Fatalf("WriteBlockWithChecksum: %v", err)
	}
	// Exercise a single corruption/detection cycle. Filling the set up
	// to MaxBadBlocks is not attempted here; with the set far below the
	// cap, the read reports ErrChecksumMismatch rather than
	// ErrTooManyBadBlocks.
	corrupted := make([]byte, aegisfs.BlockSize)
	corrupted[0] = 1
	if err := dev.WriteBlock(ctx, 0, corrupted); err != nil {
		t.Fatalf("direct WriteBlock: %v", err)
	}
	buf := make([]byte, aegisfs.BlockSize)
	err := m.ReadBlockWithVerification(ctx, 0, buf)
	if !errors.Is(err, aegisfs.ErrChecksumMismatch) {
		t.Fatalf("ReadBlockWithVerification error = %v, want ErrChecksumMismatch", err)
	}
}

func TestEachAlgorithmVerifiesItsOwnWrite(t *testing.T) {
	ctx := context.Background()
	data := make([]byte, aegisfs.BlockSize)
	copy(data, "algorithm comparison payload")

	for _, alg := range []checksum.Algorithm{checksum.CRC32, checksum.CRC64, checksum.XxHash64} {
		dev := newTestDevice(t, 4)
		m := checksum.New(dev, alg)
		if err := m.WriteBlockWithChecksum(ctx, 0, data); err != nil {
			t.Fatalf("WriteBlockWithChecksum(%s): %v", alg, err)
		}
		buf := make([]byte, aegisfs.BlockSize)
		if err := m.ReadBlockWithVerification(ctx, 0, buf); err != nil {
			t.Fatalf("ReadBlockWithVerification(%s): %v", alg, err)
		}
	}
}
