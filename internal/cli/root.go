// Package cli wires the maestro commands.
package cli

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for maestro.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maestro",
		Short: "Wave-ordered task execution orchestration engine",
		Long: `Maestro executes declared task sets in dependency waves with bounded
concurrency per resource key. Completion is detected by activity stability
polling, failures retry with accumulated feedback, and exhausted retry
budgets escalate for human resolution.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewValidateCommand())

	return cmd
}
