//go:build linux

package blockdev

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// queryDeviceSize returns the size in bytes of a raw block device using
// the BLKGETSIZE64 ioctl, mirroring
// original_source/fs-core/src/blockdev/mod.rs's
// get_block_device_size_unix. Falls back to a regular stat for
// non-device files so tests can point this at a plain file.
func queryDeviceSize(f *os.File) (uint64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if info.Mode()&os.ModeDevice == 0 {
		return uint64(info.Size()), nil
	}

	var size int64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, fmt.Errorf("aegisfs: BLKGETSIZE64: %w", errno)
	}
	return uint64(size), nil
}
