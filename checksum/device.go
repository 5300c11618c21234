package checksum

import (
	"context"

	"github.com/aegisfs/aegisfs/blockdev"
)

// Device wraps a blockdev.Device so that every read and write made
// through it passes through a Manager's checksum verification and
// recording (spec.md §2: "Checksum and snapshot managers attach as
// interceptors on the block cache read/write path"). Handing a *Device
// to blockcache.New in place of the raw device makes checksum
// verification a property of the cache's I/O path itself, rather than
// something only the standalone scrub verb exercises.
type Device struct {
	dev blockdev.Device
	mgr *Manager
}

// NewDevice returns a Device that checksums every WriteBlock and
// verifies every ReadBlock made through it using mgr. mgr must have
// been constructed with the same dev.
func NewDevice(dev blockdev.Device, mgr *Manager) *Device {
	return &Device{dev: dev, mgr: mgr}
}

func (d *Device) ReadBlock(ctx context.Context, n uint64, buf []byte) error {
	return d.mgr.ReadBlockWithVerification(ctx, n, buf)
}

func (d *Device) WriteBlock(ctx context.Context, n uint64, data []byte) error {
	return d.mgr.WriteBlockWithChecksum(ctx, n, data)
}

func (d *Device) Sync(ctx context.Context) error { return d.dev.Sync(ctx) }

func (d *Device) Close(ctx context.Context) error { return d.dev.Close(ctx) }

func (d *Device) BlockCount() uint64 { return d.dev.BlockCount() }

func (d *Device) IsReadOnly() bool { return d.dev.IsReadOnly() }

var _ blockdev.Device = (*Device)(nil)
