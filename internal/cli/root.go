// Package cli implements the curlstep command line.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:          "curlstep",
		Short:        "Run curl commands with {{variable}} markers as test steps",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging on stderr")

	logger := func(c *cobra.Command) *slog.Logger {
		level := slog.LevelWarn
		if debug {
			level = slog.LevelDebug
		}
		return slog.New(slog.NewTextHandler(c.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	}

	cmd.AddCommand(runCmd(logger))
	return cmd
}
