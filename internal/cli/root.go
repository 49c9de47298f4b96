// Package cli implements the tapctl command tree.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

type rootFlags struct {
	Verbose bool
}

var rf rootFlags

func Execute() error {
	rootCmd := &cobra.Command{
		Use:   "tapctl",
		Short: "tapline run controller: capture-bracketed protocol test runs",
	}

	rootCmd.PersistentFlags().BoolVarP(&rf.Verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(agentStatusCmd())

	return rootCmd.Execute()
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if rf.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
