package aegisfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PointerSlots is the size of the logical block-pointer array carried
// by a cached/decoded inode: 12 direct slots, one single-indirect slot,
// and two slots reserved for double/triple indirect (spec.md §3,
// unimplemented per Open Question (i)).
const PointerSlots = 15

// onDiskPointerSlots is how many of the 15 logical pointer slots are
// actually persisted: the 12 direct slots plus the single-indirect
// slot (index 12). Slots 13 and 14 (double/triple indirect) are
// reserved, implied zero, and never read from or written to disk —
// SPEC_FULL.md §13(i)'s Open Question resolution.
const onDiskPointerSlots = DirectPointers + 1

// Inode is the decoded, in-process form of the on-disk inode record
// (spec.md §3, widened to InodeSize bytes — see onDiskPointerSlots).
type Inode struct {
	Mode      uint32
	UID       uint32
	GID       uint32
	Size      uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	LinkCount uint16
	Blocks512 uint64 // allocated 512-byte block count
	Flags     uint32
	OSField   [4]byte
	Pointers  [PointerSlots]uint64
}

// inodeEncodedSize is the number of bytes the fixed fields plus the
// onDiskPointerSlots pointer slots occupy. It must not exceed InodeSize.
const inodeEncodedSize = 4 + 4 + 4 + 8 + 8 + 8 + 8 + 2 + 8 + 4 + 4 + onDiskPointerSlots*8

func init() {
	if inodeEncodedSize > InodeSize {
		panic("aegisfs: inode encoding overflows fixed inode size")
	}
}

// IsDir reports whether the inode names a directory.
func (in *Inode) IsDir() bool { return IsDir(in.Mode) }

// IsRegular reports whether the inode names a regular file.
func (in *Inode) IsRegular() bool { return IsRegular(in.Mode) }

// IsSymlink reports whether the inode names a symbolic link.
func (in *Inode) IsSymlink() bool { return IsSymlink(in.Mode) }

// MarshalBinary serializes the inode into a fixed InodeSize-byte
// buffer, little-endian, zero-padded (spec.md §3, §6).
func (in *Inode) MarshalBinary() ([]byte, error) {
	buf := make([]byte, InodeSize)
	w := bytes.NewBuffer(buf[:0])

	binary.Write(w, binary.LittleEndian, in.Mode)
	binary.Write(w, binary.LittleEndian, in.UID)
	binary.Write(w, binary.LittleEndian, in.GID)
	binary.Write(w, binary.LittleEndian, in.Size)
	binary.Write(w, binary.LittleEndian, in.Atime)
	binary.Write(w, binary.LittleEndian, in.Mtime)
	binary.Write(w, binary.LittleEndian, in.Ctime)
	binary.Write(w, binary.LittleEndian, in.LinkCount)
	binary.Write(w, binary.LittleEndian, in.Blocks512)
	binary.Write(w, binary.LittleEndian, in.Flags)
	w.Write(in.OSField[:])

	for i := 0; i < onDiskPointerSlots; i++ {
		binary.Write(w, binary.LittleEndian, in.Pointers[i])
	}

	return buf[:InodeSize], nil
}

// UnmarshalBinary parses a InodeSize-byte buffer (or the tail of a
// larger block buffer starting at the inode's offset) into the inode.
func (in *Inode) UnmarshalBinary(data []byte) error {
	if len(data) < inodeEncodedSize {
		return fmt.Errorf("aegisfs: inode buffer too short: %w", ErrCorruptInode)
	}

	r := bytes.NewReader(data)
	binary.Read(r, binary.LittleEndian, &in.Mode)
	binary.Read(r, binary.LittleEndian, &in.UID)
	binary.Read(r, binary.LittleEndian, &in.GID)
	binary.Read(r, binary.LittleEndian, &in.Size)
	binary.Read(r, binary.LittleEndian, &in.Atime)
	binary.Read(r, binary.LittleEndian, &in.Mtime)
	binary.Read(r, binary.LittleEndian, &in.Ctime)
	binary.Read(r, binary.LittleEndian, &in.LinkCount)
	binary.Read(r, binary.LittleEndian, &in.Blocks512)
	binary.Read(r, binary.LittleEndian, &in.Flags)
	if _, err := r.Read(in.OSField[:]); err != nil {
		return fmt.Errorf("aegisfs: reading inode os field: %w", err)
	}

	in.Pointers = [PointerSlots]uint64{}
	for i := 0; i < onDiskPointerSlots; i++ {
		binary.Read(r, binary.LittleEndian, &in.Pointers[i])
	}

	return nil
}

// Equal reports whether two inodes carry the same semantic content
// (used by the read_inode/write_inode round-trip invariant, spec.md §8).
func (in *Inode) Equal(o *Inode) bool {
	if in == nil || o == nil {
		return in == o
	}
	if in.Mode != o.Mode || in.UID != o.UID || in.GID != o.GID || in.Size != o.Size ||
		in.Atime != o.Atime || in.Mtime != o.Mtime || in.Ctime != o.Ctime ||
		in.LinkCount != o.LinkCount || in.Blocks512 != o.Blocks512 || in.Flags != o.Flags ||
		in.OSField != o.OSField {
		return false
	}
	for i := 0; i < onDiskPointerSlots; i++ {
		if in.Pointers[i] != o.Pointers[i] {
			return false
		}
	}
	return true
}
