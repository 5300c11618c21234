//go:build !linux

package blockdev

import "os"

// queryDeviceSize falls back to a plain stat on platforms where the
// BLKGETSIZE64 ioctl isn't available; raw block-special files are a
// Linux-only concern for this driver (spec.md §4.1 targets regular
// files primarily, with Linux raw-device support as an extra).
func queryDeviceSize(f *os.File) (uint64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()), nil
}
