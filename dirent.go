package aegisfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// direntHeaderSize is the fixed portion of one directory entry: inode
// number (8), record length (2), name length (1), file type (1).
const direntHeaderSize = 8 + 2 + 1 + 1

// DirentAlign is the alignment every directory-entry record length must
// be a multiple of (spec.md §3, §8).
const DirentAlign = 8

// Dirent is one decoded directory entry. An entry with Ino == 0 is a
// tombstone and is skipped on read (spec.md §3).
type Dirent struct {
	Ino     uint64
	Name    string
	Type    DirentType
	RecLen  uint16 // on-disk record length, including header/name/padding
}

// recLenFor computes the 8-byte-aligned record length for a name of the
// given length: header + name bytes + one NUL terminator, padded up.
func recLenFor(nameLen int) uint16 {
	raw := direntHeaderSize + nameLen + 1
	aligned := (raw + DirentAlign - 1) / DirentAlign * DirentAlign
	return uint16(aligned)
}

// EncodeDirent appends the on-disk encoding of one directory entry to
// buf and returns the result. It never crosses a block boundary on its
// own; callers are responsible for checking fit with FitsInBlock
// before appending (spec.md §3: "Entries may not cross a block
// boundary").
func EncodeDirent(buf []byte, d *Dirent) ([]byte, error) {
	if len(d.Name) > 255 {
		return nil, fmt.Errorf("aegisfs: directory entry name too long: %w", ErrInvalidArgument)
	}
	recLen := recLenFor(len(d.Name))

	w := bytes.NewBuffer(buf)
	binary.Write(w, binary.LittleEndian, d.Ino)
	binary.Write(w, binary.LittleEndian, recLen)
	w.WriteByte(byte(len(d.Name)))
	w.WriteByte(byte(d.Type))
	w.WriteString(d.Name)
	w.WriteByte(0) // NUL terminator

	padded := int(recLen) - (direntHeaderSize + len(d.Name) + 1)
	for i := 0; i < padded; i++ {
		w.WriteByte(0)
	}

	return w.Bytes(), nil
}

// DecodeDirents walks a single directory data block and returns every
// entry found, skipping tombstones (Ino == 0). It stops at the first
// zero byte (an empty, never-written record length) or on a parse
// error, per spec.md §4.4's "read_directory_entries."
func DecodeDirents(block []byte) ([]Dirent, error) {
	var out []Dirent
	off := 0

	for off+direntHeaderSize <= len(block) {
		ino := binary.LittleEndian.Uint64(block[off : off+8])
		recLen := binary.LittleEndian.Uint16(block[off+8 : off+10])
		if recLen == 0 {
			// No more entries in this block (never-written tail).
			break
		}
		if recLen%DirentAlign != 0 {
			return out, fmt.Errorf("aegisfs: directory entry record length %d not 8-aligned: %w", recLen, ErrCorruptFs)
		}
		if off+int(recLen) > len(block) {
			return out, fmt.Errorf("aegisfs: directory entry crosses block boundary: %w", ErrCorruptFs)
		}

		nameLen := int(block[off+10])
		typ := DirentType(block[off+11])
		nameStart := off + direntHeaderSize
		if nameStart+nameLen > len(block) {
			return out, fmt.Errorf("aegisfs: directory entry name overruns block: %w", ErrCorruptFs)
		}
		name := string(block[nameStart : nameStart+nameLen])

		if ino != 0 {
			out = append(out, Dirent{Ino: ino, Name: name, Type: typ, RecLen: recLen})
		}

		off += int(recLen)
	}

	return out, nil
}

// FitsInBlock reports whether a directory entry with the given name
// length can be appended to a block that already holds used bytes
// without crossing the block boundary.
func FitsInBlock(used int, nameLen int) bool {
	return used+int(recLenFor(nameLen)) <= BlockSize
}
