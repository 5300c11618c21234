package aegisfs_test

import (
	"testing"

	"github.com/aegisfs/aegisfs"
)

func TestEncodeDecodeDirentRoundTrip(t *testing.T) {
	block := make([]byte, aegisfs.BlockSize)
	entries := []*aegisfs.Dirent{
		{Ino: aegisfs.RootInode, Name: ".", Type: aegisfs.DirentDirectory},
		{Ino: aegisfs.RootInode, Name: "..", Type: aegisfs.DirentDirectory},
		{Ino: 5, Name: "hello.txt", Type: aegisfs.DirentRegular},
		{Ino: 6, Name: "a-much-longer-file-name.bin", Type: aegisfs.DirentRegular},
	}

	used := 0
	for _, e := range entries {
		encoded, err := aegisfs.EncodeDirent(block[:used], e)
		if err != nil {
			t.Fatalf("EncodeDirent(%q): %v", e.Name, err)
		}
		used = len(encoded)
	}

	got, err := aegisfs.DecodeDirents(block)
	if err != nil {
		t.Fatalf("DecodeDirents: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("DecodeDirents returned %d entries, want %d", len(got), len(entries))
	}
	for i, e := range entries {
		if got[i].Ino != e.Ino || got[i].Name != e.Name || got[i].Type != e.Type {
			t.Fatalf("entry %d = %+v, want %+v", i, got[i], e)
		}
	}
}

func TestDecodeDirentsSkipsTombstones(t *testing.T) {
	block := make([]byte, aegisfs.BlockSize)
	used := 0

	live := &aegisfs.Dirent{Ino: 1, Name: "live", Type: aegisfs.DirentRegular}
	tombstone := &aegisfs.Dirent{Ino: 2, Name: "deleted", Type: aegisfs.DirentRegular}

	encoded, err := aegisfs.EncodeDirent(block[:used], tombstone)
	if err != nil {
		t.Fatalf("EncodeDirent(tombstone): %v", err)
	}
	used = len(encoded)
	// Tombstone a previously written entry by zeroing its inode field.
	for i := 0; i < 8; i++ {
		block[i] = 0
	}

	encoded, err = aegisfs.EncodeDirent(block[:used], live)
	if err != nil {
		t.Fatalf("EncodeDirent(live): %v", err)
	}
	used = len(encoded)

	got, err := aegisfs.DecodeDirents(block[:used])
	if err != nil {
		t.Fatalf("DecodeDirents: %v", err)
	}
	if len(got) != 1 || got[0].Name != "live" {
		t.Fatalf("DecodeDirents = %+v, want only the live entry", got)
	}
}

func TestDirentRecordLengthsAreEightByteAligned(t *testing.T) {
	for nameLen := 1; nameLen <= 255; nameLen++ {
		name := make([]byte, nameLen)
		for i := range name {
			name[i] = 'x'
		}
		d := &aegisfs.Dirent{Ino: 1, Name: string(name), Type: aegisfs.DirentRegular}
		encoded, err := aegisfs.EncodeDirent(nil, d)
		if err != nil {
			t.Fatalf("EncodeDirent(name len %d): %v", nameLen, err)
		}
		if len(encoded)%aegisfs.DirentAlign != 0 {
			t.Fatalf("name len %d: record length %d not %d-aligned", nameLen, len(encoded), aegisfs.DirentAlign)
		}
	}
}

func TestEncodeDirentRejectsOverlongName(t *testing.T) {
	name := make([]byte, 256)
	d := &aegisfs.Dirent{Ino: 1, Name: string(name), Type: aegisfs.DirentRegular}
	_, err := aegisfs.EncodeDirent(nil, d)
	if err == nil {
		t.Fatalf("expected error for name longer than 255 bytes")
	}
}

func TestFitsInBlock(t *testing.T) {
	if !aegisfs.FitsInBlock(0, 8) {
		t.Fatalf("an empty block must fit a short name")
	}
	if aegisfs.FitsInBlock(aegisfs.BlockSize-4, 8) {
		t.Fatalf("a nearly-full block must not fit another entry")
	}
}
