package aegisfs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// BlockSize is the fixed size of every on-disk block and the unit of all
// device I/O (spec.md §3).
const BlockSize = 4096

// SuperblockMagic is the 8-byte signature stored at the start of block 0.
var SuperblockMagic = [8]byte{'A', 'E', 'G', 'I', 'S', 'F', 'S', 0}

// SuperblockVersion is the only on-disk format version this
// implementation understands. Bumped from 1 to 2 when the on-disk
// inode grew from 128 to 256 bytes to persist all 13 direct/single-
// indirect pointer slots instead of silently truncating to 8 (spec.md
// §6 explicitly allows extending inode size via a version bump).
const SuperblockVersion = 2

// RootInode is the reserved inode number of the filesystem root
// directory.
const RootInode = 1

// InvalidInode is the reserved, never-allocated inode number 0.
const InvalidInode = 0

// volumeNameLen is the fixed width, in bytes, of the NUL-padded volume
// name field.
const volumeNameLen = 64

// Superblock is the byte-exact on-disk record stored at block 0
// (spec.md §3). All integer fields are little-endian on disk regardless
// of host byte order.
type Superblock struct {
	Magic            [8]byte
	Version          uint32
	TotalSize        uint64
	BlockSize        uint32
	BlockCount       uint64
	FreeBlockCount   uint64
	InodeCount       uint64
	FreeInodeCount   uint64
	RootInode        uint64
	LastMountTime    uint64
	LastWriteTime    uint64
	UUID             uuid.UUID
	VolumeName       string
}

// superblockEncodedSize is the number of bytes the fixed fields occupy;
// the remainder of the block is zero padding.
const superblockEncodedSize = 8 + 4 + 8 + 4 + 8 + 8 + 8 + 8 + 8 + 8 + 8 + 16 + volumeNameLen

func init() {
	if superblockEncodedSize > BlockSize {
		panic("aegisfs: superblock encoding overflows block size")
	}
}

// NewSuperblock builds a fresh superblock for a volume with the given
// geometry. It does not touch any device; callers persist it with
// WriteTo/MarshalBinary.
func NewSuperblock(blockCount, inodeCount uint64, volumeName string) *Superblock {
	return &Superblock{
		Magic:          SuperblockMagic,
		Version:        SuperblockVersion,
		TotalSize:      blockCount * BlockSize,
		BlockSize:      BlockSize,
		BlockCount:     blockCount,
		FreeBlockCount: blockCount,
		InodeCount:     inodeCount,
		FreeInodeCount: inodeCount,
		RootInode:      RootInode,
		UUID:           uuid.New(),
		VolumeName:     volumeName,
	}
}

// MarshalBinary serializes the superblock to a full BlockSize-byte
// buffer, little-endian, padded with zeroes (spec.md §3, §6).
func (s *Superblock) MarshalBinary() ([]byte, error) {
	if len(s.VolumeName) > volumeNameLen {
		return nil, fmt.Errorf("aegisfs: volume name longer than %d bytes: %w", volumeNameLen, ErrInvalidArgument)
	}

	buf := make([]byte, BlockSize)
	w := bytes.NewBuffer(buf[:0])

	w.Write(s.Magic[:])
	binary.Write(w, binary.LittleEndian, s.Version)
	binary.Write(w, binary.LittleEndian, s.TotalSize)
	binary.Write(w, binary.LittleEndian, s.BlockSize)
	binary.Write(w, binary.LittleEndian, s.BlockCount)
	binary.Write(w, binary.LittleEndian, s.FreeBlockCount)
	binary.Write(w, binary.LittleEndian, s.InodeCount)
	binary.Write(w, binary.LittleEndian, s.FreeInodeCount)
	binary.Write(w, binary.LittleEndian, s.RootInode)
	binary.Write(w, binary.LittleEndian, s.LastMountTime)
	binary.Write(w, binary.LittleEndian, s.LastWriteTime)
	w.Write(s.UUID[:])

	name := make([]byte, volumeNameLen)
	copy(name, s.VolumeName)
	w.Write(name)

	return buf[:BlockSize], nil
}

// UnmarshalBinary parses a BlockSize-byte buffer into the superblock.
// It rejects the buffer outright if the magic or version do not match
// (spec.md §3 invariant: "magic and version gate all further reads").
func (s *Superblock) UnmarshalBinary(data []byte) error {
	if len(data) < superblockEncodedSize {
		return fmt.Errorf("aegisfs: superblock buffer too short: %w", ErrInvalidSize)
	}

	var magic [8]byte
	copy(magic[:], data[:8])
	if magic != SuperblockMagic {
		return ErrInvalidMagic
	}

	r := bytes.NewReader(data[8:])
	s.Magic = magic
	binary.Read(r, binary.LittleEndian, &s.Version)
	if s.Version != SuperblockVersion {
		return fmt.Errorf("aegisfs: version %d: %w", s.Version, ErrUnsupportedVersion)
	}
	binary.Read(r, binary.LittleEndian, &s.TotalSize)
	binary.Read(r, binary.LittleEndian, &s.BlockSize)
	binary.Read(r, binary.LittleEndian, &s.BlockCount)
	binary.Read(r, binary.LittleEndian, &s.FreeBlockCount)
	binary.Read(r, binary.LittleEndian, &s.InodeCount)
	binary.Read(r, binary.LittleEndian, &s.FreeInodeCount)
	binary.Read(r, binary.LittleEndian, &s.RootInode)
	binary.Read(r, binary.LittleEndian, &s.LastMountTime)
	binary.Read(r, binary.LittleEndian, &s.LastWriteTime)

	var rawUUID [16]byte
	if _, err := r.Read(rawUUID[:]); err != nil {
		return fmt.Errorf("aegisfs: reading uuid: %w", err)
	}
	s.UUID = rawUUID

	name := make([]byte, volumeNameLen)
	if _, err := r.Read(name); err != nil {
		return fmt.Errorf("aegisfs: reading volume name: %w", err)
	}
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	s.VolumeName = string(name)

	return nil
}

// Equal reports whether two superblocks carry the same semantic content
// (used by the round-trip invariant test in spec.md §8).
func (s *Superblock) Equal(o *Superblock) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.Magic == o.Magic &&
		s.Version == o.Version &&
		s.TotalSize == o.TotalSize &&
		s.BlockSize == o.BlockSize &&
		s.BlockCount == o.BlockCount &&
		s.FreeBlockCount == o.FreeBlockCount &&
		s.InodeCount == o.InodeCount &&
		s.FreeInodeCount == o.FreeInodeCount &&
		s.RootInode == o.RootInode &&
		s.LastMountTime == o.LastMountTime &&
		s.LastWriteTime == o.LastWriteTime &&
		s.UUID == o.UUID &&
		s.VolumeName == o.VolumeName
}
