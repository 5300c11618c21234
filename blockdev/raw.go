package blockdev

import (
	"context"
	"fmt"
	"os"

	"github.com/aegisfs/aegisfs"
)

// RawDevice is a Device backed by an existing block-special file (e.g.
// /dev/sdX) or any other path whose size queryDeviceSize can determine.
// Unlike FileDevice it never creates or resizes its backing file —
// block devices are sized by the kernel, not by us (spec.md §4.1).
type RawDevice struct {
	serializer

	f          *os.File
	blockCount uint64
	readOnly   bool
	closed     bool
}

// OpenRawDevice opens path and derives its block count from the
// platform's raw device size query (BLKGETSIZE64 on Linux, stat
// elsewhere).
func OpenRawDevice(path string, readOnly bool) (*RawDevice, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("aegisfs: opening raw device: %w", err)
	}
	size, err := queryDeviceSize(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("aegisfs: querying raw device size: %w", err)
	}
	return &RawDevice{
		f:          f,
		blockCount: size / BlockSize,
		readOnly:   readOnly,
	}, nil
}

func (d *RawDevice) ReadBlock(ctx context.Context, n uint64, buf []byte) error {
	d.lock()
	defer d.unlock()

	if d.closed {
		return aegisfs.ErrDeviceClosed
	}
	if err := checkBlockArgs(d, n, len(buf)); err != nil {
		return err
	}
	if _, err := d.f.ReadAt(buf, int64(n)*BlockSize); err != nil {
		return fmt.Errorf("aegisfs: reading block %d: %w", n, err)
	}
	return nil
}

func (d *RawDevice) WriteBlock(ctx context.Context, n uint64, data []byte) error {
	d.lock()
	defer d.unlock()

	if d.closed {
		return aegisfs.ErrDeviceClosed
	}
	if d.readOnly {
		return aegisfs.ErrReadOnly
	}
	if err := checkBlockArgs(d, n, len(data)); err != nil {
		return err
	}
	if _, err := d.f.WriteAt(data, int64(n)*BlockSize); err != nil {
		return fmt.Errorf("aegisfs: writing block %d: %w", n, err)
	}
	return nil
}

func (d *RawDevice) Sync(ctx context.Context) error {
	d.lock()
	defer d.unlock()

	if d.closed {
		return aegisfs.ErrDeviceClosed
	}
	return d.f.Sync()
}

func (d *RawDevice) Close(ctx context.Context) error {
	d.lock()
	defer d.unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.f.Close()
}

func (d *RawDevice) BlockCount() uint64 { return d.blockCount }
func (d *RawDevice) IsReadOnly() bool   { return d.readOnly }
