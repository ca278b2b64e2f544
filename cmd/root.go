// Package cmd holds the cobra command tree for the reelpipe binary.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reelpipe",
		Short: "Unattended content pipeline daemon.",
		Long: `reelpipe harvests content items from configured sources, deduplicates
them against a durable ledger, and publishes one item per scheduled slot.
Operators steer it through a chat-command channel and an ops HTTP API.`,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is environment only)")
	cmd.AddCommand(newRunCmd())
	return cmd
}

// Execute is the main entry point for the CLI.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
