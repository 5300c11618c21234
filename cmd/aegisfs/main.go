// Command aegisfs is the AegisFS CLI: format, mount, scrub, and manage
// snapshots on a device or image file (spec.md §6).
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
