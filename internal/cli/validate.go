package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/maestro/internal/planfile"
	"github.com/harrison/maestro/internal/scheduler"
)

// NewValidateCommand creates the validate command: parse a plan and print its
// wave schedule without executing anything.
func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan-file>",
		Short: "Validate a plan file and print its wave schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := planfile.Load(args[0])
			if err != nil {
				return err
			}

			waves, err := scheduler.BuildWaves(plan.Tasks)
			if err != nil {
				return err
			}

			groups := scheduler.WaveGroups(plan.Tasks, waves)
			fmt.Fprintf(cmd.OutOrStdout(), "Plan %q: %d tasks in %d waves\n", plan.Name, len(plan.Tasks), len(groups))
			for i, group := range groups {
				fmt.Fprintf(cmd.OutOrStdout(), "  Wave %d:", i+1)
				for _, spec := range group {
					fmt.Fprintf(cmd.OutOrStdout(), " %s", spec.ID)
				}
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
}
