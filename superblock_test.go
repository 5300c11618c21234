package aegisfs_test

import (
	"errors"
	"testing"

	"github.com/aegisfs/aegisfs"
)

func TestSuperblockRoundTrip(t *testing.T) {
	sb := aegisfs.NewSuperblock(1024, 256, "test-volume")
	sb.LastMountTime = 1700000000
	sb.LastWriteTime = 1700000500

	data, err := sb.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(data) != aegisfs.BlockSize {
		t.Fatalf("MarshalBinary produced %d bytes, want %d", len(data), aegisfs.BlockSize)
	}

	var got aegisfs.Superblock
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if !got.Equal(sb) {
		t.Fatalf("round-tripped superblock = %+v, want %+v", got, sb)
	}
}

func TestSuperblockRejectsBadMagic(t *testing.T) {
	data := make([]byte, aegisfs.BlockSize)
	copy(data, "NOTMAGIC")

	var sb aegisfs.Superblock
	err := sb.UnmarshalBinary(data)
	if !errors.Is(err, aegisfs.ErrInvalidMagic) {
		t.Fatalf("UnmarshalBinary error = %v, want ErrInvalidMagic", err)
	}
}

func TestSuperblockRejectsBadVersion(t *testing.T) {
	sb := aegisfs.NewSuperblock(64, 16, "v")
	sb.Version = aegisfs.SuperblockVersion + 1
	data, err := sb.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	var got aegisfs.Superblock
	err = got.UnmarshalBinary(data)
	if !errors.Is(err, aegisfs.ErrUnsupportedVersion) {
		t.Fatalf("UnmarshalBinary error = %v, want ErrUnsupportedVersion", err)
	}
}

func TestSuperblockRejectsOversizedVolumeName(t *testing.T) {
	sb := aegisfs.NewSuperblock(64, 16, "")
	sb.VolumeName = string(make([]byte, 65))
	_, err := sb.MarshalBinary()
	if !errors.Is(err, aegisfs.ErrInvalidArgument) {
		t.Fatalf("MarshalBinary error = %v, want ErrInvalidArgument", err)
	}
}
