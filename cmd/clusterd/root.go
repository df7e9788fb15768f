package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version and Build are overridden at release build time via -ldflags.
var (
	Version = "dev"
	Build   = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "clusterd",
	Short: "clusterd - cluster control plane for daemon-supervised agent fleets",
	Long:  `clusterd tracks, monitors and remotely controls a fleet of daemon processes that supervise agent processes.`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the clusterd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("clusterd version %s (%s)\n", Version, Build)
	},
}
