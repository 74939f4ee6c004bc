package main

import (
	"context"
	"fmt"
	"os"

	"github.com/botsmith/botfleet/internal/controlplane"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "botfleetd",
	Short:   "botfleetd - multi-tenant bot fleet control plane",
	Long:    `botfleetd provisions Telegram bot tenants, supervises their worker processes, and enforces subscription lifecycles.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return controlplane.Run(context.Background(), Version)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("botfleetd %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
