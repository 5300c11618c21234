package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd dispatches to the four verbs of spec.md §6: format, mount,
// scrub, snapshot. Grounded on gcsfuse's cmd/root.go for the
// cobra+viper wiring, adapted from one bucket-mounting verb to four
// independent subcommands.
var rootCmd = &cobra.Command{
	Use:   "aegisfs",
	Short: "Format, mount, and manage AegisFS volumes",
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.aegisfs.yaml)")
	rootCmd.AddCommand(formatCmd, mountCmd, scrubCmd, snapshotCmd)
}

// initConfig loads an optional config file and environment overrides
// (mount options, scrub interval, checksum algorithm, snapshot reserve
// percentage — SPEC_FULL.md §10). Per-invocation flags always win,
// since they are read directly from cobra rather than through viper.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigName(".aegisfs")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("AEGISFS")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("reading config file", "error", err)
		}
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
