package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/cobra"

	"github.com/aegisfs/aegisfs"
	"github.com/aegisfs/aegisfs/blockdev"
	"github.com/aegisfs/aegisfs/diskfs"
	"github.com/aegisfs/aegisfs/snapshot"
	"github.com/aegisfs/aegisfs/vfs"
)

var (
	mountAllowOther bool
	mountNoExec     bool
	mountReadOnly   bool
	mountDebug      bool
)

// mountCmd implements "aegisfs mount <source> <mountpoint>" (spec.md
// §6). Grounded on original_source/fs-app/cli/src/commands/mount.rs:
// validates the superblock magic before attempting a FUSE mount, and
// installs a signal handler so Ctrl+C unmounts cleanly instead of
// leaving a stale mountpoint behind.
var mountCmd = &cobra.Command{
	Use:   "mount <source> <mountpoint>",
	Short: "Mount an AegisFS volume",
	Args:  cobra.ExactArgs(2),
	RunE:  runMount,
}

func init() {
	mountCmd.Flags().BoolVar(&mountAllowOther, "allow-other", false, "allow other users to access the mount")
	mountCmd.Flags().BoolVar(&mountNoExec, "noexec", false, "reject execution of binaries on this mount")
	mountCmd.Flags().BoolVar(&mountReadOnly, "read-only", false, "mount read-only")
	mountCmd.Flags().BoolVar(&mountDebug, "debug", false, "enable FUSE debug logging")
}

func runMount(cmd *cobra.Command, args []string) error {
	source, mountpoint := args[0], args[1]
	ctx := context.Background()

	if err := checkSuperblockMagic(source); err != nil {
		return err
	}

	info, err := os.Stat(mountpoint)
	if err != nil {
		return fmt.Errorf("mountpoint %s: %w", mountpoint, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mountpoint %s is not a directory", mountpoint)
	}

	var dev blockdev.Device
	if isBlockSpecialFile(source) {
		dev, err = blockdev.OpenRawDevice(source, mountReadOnly)
	} else {
		dev, err = blockdev.OpenFileDevice(source, mountReadOnly)
	}
	if err != nil {
		return fmt.Errorf("opening %s: %w", source, err)
	}

	formatted, err := diskfs.Load(ctx, dev)
	if err != nil {
		dev.Close(ctx)
		return fmt.Errorf("loading %s: %w", source, err)
	}

	// Share one snapshot manager, backed by the same device and
	// allocator the mount itself writes through, with the live engine
	// so every write it serves is subject to CoW redirection (spec.md
	// §2: "snapshot managers attach as interceptors on the block cache
	// read/write path"). Without this, only the standalone "aegisfs
	// snapshot" verb's own disconnected handle ever saw it.
	snapMgr, err := snapshot.Load(dev, formatted.DiskFs, snapshot.DefaultConfig(), source+".snapshots.json")
	if err != nil {
		dev.Close(ctx)
		return fmt.Errorf("loading snapshot metadata for %s: %w", source, err)
	}
	formatted.DiskFs.Snapshots = snapMgr

	engine := vfs.New(formatted.DiskFs)
	engine.NoExec = mountNoExec
	if err := engine.Mount(ctx); err != nil {
		dev.Close(ctx)
		return fmt.Errorf("mounting %s: %w", source, err)
	}

	mountOpts := fuse.MountOptions{
		FsName:     "aegisfs",
		Name:       "aegisfs",
		AllowOther: mountAllowOther,
		Debug:      mountDebug,
	}
	if mountReadOnly {
		mountOpts.Options = append(mountOpts.Options, "ro")
	}

	server, err := fs.Mount(mountpoint, engine.Root(), &fs.Options{MountOptions: mountOpts})
	if err != nil {
		dev.Close(ctx)
		return fmt.Errorf("mounting FUSE server at %s: %w", mountpoint, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		server.Unmount()
	}()

	server.Wait()

	if err := engine.Destroy(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "aegisfs: shutdown: %v\n", err)
	}
	return dev.Close(ctx)
}

// checkSuperblockMagic reads the first block of source and confirms it
// carries the AegisFS superblock magic, so a typo'd path fails fast
// with a clear message instead of an opaque FUSE mount error.
func checkSuperblockMagic(source string) error {
	f, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("opening %s: %w", source, err)
	}
	defer f.Close()

	magic := make([]byte, len(aegisfs.SuperblockMagic))
	if _, err := f.Read(magic); err != nil {
		return fmt.Errorf("reading %s: %w", source, err)
	}
	for i, b := range aegisfs.SuperblockMagic {
		if magic[i] != b {
			return fmt.Errorf("%s does not look like an AegisFS volume; format it first", source)
		}
	}
	return nil
}
