package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree; tests build a fresh one per run.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "isoshm",
		Short: "Cross-core shared memory ISO data path simulator",
		Long: `Runs the controller and host sides of the shared memory ISO data path
in one process and reports what went through it:

- simulate: stream SDUs over looped-back links, retire every queue and
  wait for the garbage collector
- layout: print the shared memory structures both cores agree on`,
		Version: formatVersion(version),
		// main prints clean errors
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("isoshm %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringP("config", "c", "", "YAML configuration file")
	root.Flags().BoolP("version", "v", false, "Show version information")

	root.AddCommand(newSimulateCmd())
	root.AddCommand(newLayoutCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
