// Package bitmap implements the persistent block and inode allocators
// (spec.md §4.3): a dense bitstring, one bit per unit, with a byte-then-
// bit free scan and an in-memory free count rebuilt from the bitmap on
// load. Grounded on original_source/fs-core/src/lib.rs's InodeBitmap,
// generalized so the same type serves both the block and inode
// allocators (spec.md §4.3: "identical in structure").
package bitmap

import (
	"context"
	"fmt"
	"sync"

	"github.com/aegisfs/aegisfs"
	"github.com/aegisfs/aegisfs/blockdev"
)

// Bitmap is a persistent allocator over a fixed number of units
// (blocks or inodes). It is safe for concurrent use.
type Bitmap struct {
	mu         sync.Mutex
	bits       []byte
	totalUnits uint64
	freeCount  uint64
}

// New creates an in-memory bitmap for totalUnits units, with every unit
// in reserved pre-marked allocated (spec.md §4.3: "block 0, inode 0,
// inode 1 ... are pre-marked allocated"). The bitmap keeps no record of
// which units were reserved: Free clears a reserved unit's bit like any
// other.
func New(totalUnits uint64, reserved ...uint64) *Bitmap {
	b := &Bitmap{
		bits:       make([]byte, (totalUnits+7)/8),
		totalUnits: totalUnits,
		freeCount:  totalUnits,
	}
	for _, u := range reserved {
		b.markAllocated(u)
	}
	return b
}

func (b *Bitmap) markAllocated(unit uint64) {
	if unit >= b.totalUnits {
		return
	}
	byteIdx, bit := unit/8, uint(unit%8)
	if b.bits[byteIdx]&(1<<bit) == 0 {
		b.bits[byteIdx] |= 1 << bit
		b.freeCount--
	}
}

// Allocate finds the first free unit, marks it allocated, and returns
// it. Scans bytes first, skipping 0xFF, then bits within a non-full
// byte (spec.md §4.3).
func (b *Bitmap) Allocate() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freeCount == 0 {
		return 0, aegisfs.ErrNoFreeBlocks
	}

	for byteIdx, byt := range b.bits {
		if byt == 0xFF {
			continue
		}
		for bit := uint(0); bit < 8; bit++ {
			if byt&(1<<bit) != 0 {
				continue
			}
			unit := uint64(byteIdx)*8 + uint64(bit)
			if unit >= b.totalUnits {
				break
			}
			b.bits[byteIdx] |= 1 << bit
			b.freeCount--
			return unit, nil
		}
	}
	return 0, aegisfs.ErrNoFreeBlocks
}

// Free releases a previously allocated unit. It is a no-op (not an
// error) on a unit that is out of range or already free, matching the
// original allocator's defensive behavior.
func (b *Bitmap) Free(unit uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if unit >= b.totalUnits {
		return nil
	}
	byteIdx, bit := unit/8, uint(unit%8)
	if b.bits[byteIdx]&(1<<bit) == 0 {
		return nil
	}
	b.bits[byteIdx] &^= 1 << bit
	b.freeCount++
	return nil
}

// MarkAllocated forces a specific unit to the allocated state,
// decrementing the free count if it was previously free. Used to
// repair a defensively-detected bitmap/inode-cache divergence on
// mount (spec.md design note §9.5: "the bitmap is the single source
// of truth").
func (b *Bitmap) MarkAllocated(unit uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markAllocated(unit)
}

// IsAllocated reports whether unit is currently marked allocated.
func (b *Bitmap) IsAllocated(unit uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if unit >= b.totalUnits {
		return false
	}
	byteIdx, bit := unit/8, uint(unit%8)
	return b.bits[byteIdx]&(1<<bit) != 0
}

// FreeCount returns the number of currently free units.
func (b *Bitmap) FreeCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.freeCount
}

// TotalUnits returns the bitmap's fixed unit count.
func (b *Bitmap) TotalUnits() uint64 {
	return b.totalUnits
}

// Load reads a bitmap's backing bytes from a contiguous run of blocks
// on dev and rebuilds the free count by scanning it (spec.md §4.3:
// "Free count is maintained in memory and rebuilt from the bitmap on
// load"). Load takes no reserved list: the persisted bits alone decide
// which units are allocated.
func Load(ctx context.Context, dev blockdev.Device, start, length, totalUnits uint64) (*Bitmap, error) {
	b := &Bitmap{
		bits:       make([]byte, (totalUnits+7)/8),
		totalUnits: totalUnits,
	}

	block := make([]byte, blockdev.BlockSize)
	off := 0
	for i := uint64(0); i < length && off < len(b.bits); i++ {
		if err := dev.ReadBlock(ctx, start+i, block); err != nil {
			return nil, fmt.Errorf("aegisfs: loading bitmap block %d: %w", start+i, err)
		}
		n := copy(b.bits[off:], block)
		off += n
	}

	var free uint64
	for byteIdx, byt := range b.bits {
		for bit := uint(0); bit < 8; bit++ {
			unit := uint64(byteIdx)*8 + uint64(bit)
			if unit >= totalUnits {
				break
			}
			if byt&(1<<bit) == 0 {
				free++
			}
		}
	}
	b.freeCount = free

	return b, nil
}

// Save persists the bitmap's backing bytes to its contiguous run of
// blocks on dev, zero-padding the final partial block.
func (b *Bitmap) Save(ctx context.Context, dev blockdev.Device, start, length uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	block := make([]byte, blockdev.BlockSize)
	off := 0
	for i := uint64(0); i < length; i++ {
		for j := range block {
			block[j] = 0
		}
		if off < len(b.bits) {
			n := copy(block, b.bits[off:])
			off += n
		}
		if err := dev.WriteBlock(ctx, start+i, block); err != nil {
			return fmt.Errorf("aegisfs: saving bitmap block %d: %w", start+i, err)
		}
	}
	return nil
}
