package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aegisfs/aegisfs/blockdev"
	"github.com/aegisfs/aegisfs/diskfs"
)

var (
	formatSizeGB uint64
	formatForce  bool
)

// formatCmd implements "aegisfs format <device>" (spec.md §6), grounded
// on original_source/fs-app/cli/src/commands/format.rs: size defaults
// to 3GB, existing block devices keep their own size, and a
// confirmation prompt guards against formatting over live data unless
// --force is given.
var formatCmd = &cobra.Command{
	Use:   "format <device>",
	Short: "Initialize a new AegisFS volume on a file or block device",
	Args:  cobra.ExactArgs(1),
	RunE:  runFormat,
}

func init() {
	formatCmd.Flags().Uint64Var(&formatSizeGB, "size", 3, "volume size in GB, for regular files only")
	formatCmd.Flags().BoolVar(&formatForce, "force", false, "skip the confirmation prompt")
}

func runFormat(cmd *cobra.Command, args []string) error {
	path := args[0]
	ctx := context.Background()

	blockCount, existing := deviceBlockCount(path)
	isBlockDevice := existing && isBlockSpecialFile(path)

	if !formatForce {
		msg := fmt.Sprintf("This will erase any existing data on %s. Continue? [y/N] ", path)
		if !confirm(msg) {
			fmt.Fprintln(os.Stderr, "aborted")
			return nil
		}
	}

	var dev interface {
		BlockCount() uint64
		Close(context.Context) error
	}

	if isBlockDevice {
		d, err := blockdev.OpenRawDevice(path, false)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		dev = d
		blockCount = d.BlockCount()
		formatted, err := diskfs.Format(ctx, d, defaultInodeCount(blockCount), filepath.Base(path))
		if err != nil {
			d.Close(ctx)
			return fmt.Errorf("formatting %s: %w", path, err)
		}
		_ = formatted
	} else {
		if blockCount == 0 {
			blockCount = formatSizeGB * (1 << 30) / blockdev.BlockSize
		}
		d, err := blockdev.CreateFileDevice(path, blockCount)
		if err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
		dev = d
		formatted, err := diskfs.Format(ctx, d, defaultInodeCount(blockCount), filepath.Base(path))
		if err != nil {
			d.Close(ctx)
			return fmt.Errorf("formatting %s: %w", path, err)
		}
		_ = formatted
	}
	defer dev.Close(ctx)

	fmt.Printf("formatted %s: %d blocks, volume %q\n", path, dev.BlockCount(), filepath.Base(path))
	return nil
}

// defaultInodeCount picks one inode per 4 data blocks, the same ratio
// original_source/fs-core/src/format/mod.rs uses for its default.
func defaultInodeCount(blockCount uint64) uint64 {
	n := blockCount / 4
	if n < 64 {
		n = 64
	}
	return n
}

// deviceBlockCount reports the block count implied by an existing
// path's size, or (0, false) if the path does not yet exist.
func deviceBlockCount(path string) (uint64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	if info.Mode()&os.ModeDevice != 0 {
		d, err := blockdev.OpenRawDevice(path, true)
		if err != nil {
			return 0, true
		}
		defer d.Close(context.Background())
		return d.BlockCount(), true
	}
	return uint64(info.Size()) / blockdev.BlockSize, true
}

func isBlockSpecialFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode()&os.ModeDevice != 0
}

func confirm(prompt string) bool {
	fmt.Fprint(os.Stderr, prompt)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	switch line {
	case "y\n", "Y\n", "yes\n", "Yes\n":
		return true
	default:
		return false
	}
}
