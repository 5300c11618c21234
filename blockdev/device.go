// Package blockdev implements the block-device capability AegisFS is
// built on: fixed-size, block-aligned read/write/sync/close over either
// a regular file or a raw block device (spec.md §4.1).
package blockdev

import (
	"context"
	"sync"

	"github.com/aegisfs/aegisfs"
)

// BlockSize is the fixed block size every device speaks in.
const BlockSize = aegisfs.BlockSize

// Device is the capability every block-backed component (blockcache,
// journal, checksum) consumes — never a concrete type (spec.md §9.6).
// All I/O is asynchronous from the caller's point of view: every method
// takes a context and may block on real device I/O, so callers holding
// a non-suspending lock (spec.md §5) must never call through this
// interface while holding one.
type Device interface {
	ReadBlock(ctx context.Context, n uint64, buf []byte) error
	WriteBlock(ctx context.Context, n uint64, data []byte) error
	Sync(ctx context.Context) error
	Close(ctx context.Context) error
	BlockCount() uint64
	IsReadOnly() bool
}

// serializer embeds a single mutex to serialize operations per device,
// per spec.md §4.1: "operations serialize per device via an internal
// lock; correctness does not require parallel reads, only safety."
type serializer struct {
	mu sync.Mutex
}

func (s *serializer) lock()   { s.mu.Lock() }
func (s *serializer) unlock() { s.mu.Unlock() }

func checkBlockArgs(dev Device, n uint64, bufLen int) error {
	if n >= dev.BlockCount() {
		return aegisfs.ErrInvalidBlockNumber
	}
	if bufLen != BlockSize {
		return aegisfs.ErrInvalidBlockSize
	}
	return nil
}
