// Package main is the entry point for the heartwatch CLI.
//
// heartwatch samples a heart-rate sensor on a fixed tick, stores one reading
// per second in an embedded database and serves the live and last stored
// values over HTTP.
//
// Usage:
//
//	heartwatch serve -c heartwatch.yaml   # Run the sampling loop and API
//	heartwatch history                    # Print stored samples, oldest first
//	heartwatch latest                     # Print the most recent sample
//	heartwatch reset                      # Delete every stored sample
//	heartwatch export -o history.hwa      # Write a compressed archive
//	heartwatch import -i history.hwa      # Load an archive
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
var (
	version = "dev"
	commit  = "none"
)

// configPath is the optional YAML file shared by every subcommand
var configPath string

var rootCmd = &cobra.Command{
	Use:   "heartwatch",
	Short: "Heart-rate sampling and storage daemon",
	Long: `heartwatch subscribes to a heart-rate sensor, samples the latest value
on every tick, keeps one reading per second in an embedded database and
exposes the live and last stored values over HTTP.

Configuration comes from environment variables (STORAGE_PATH, RETENTION_DAYS,
TICK_INTERVAL, LOG_LEVEL, ...) optionally overlaid by a YAML file:

  storage:
    path: ./data
    retention_days: 30
  sampling:
    tick_interval: 1s
    permission_granted: true`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "heartwatch %s (commit %s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error
		os.Exit(1)
	}
}
