package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harrison/maestro/internal/checkpoint"
	"github.com/harrison/maestro/internal/config"
	"github.com/harrison/maestro/internal/engine"
	"github.com/harrison/maestro/internal/history"
	"github.com/harrison/maestro/internal/logger"
	"github.com/harrison/maestro/internal/planfile"
	"github.com/harrison/maestro/internal/retry"
	"github.com/harrison/maestro/internal/shellexec"
)

// NewRunCommand creates the run command: load a plan, execute it to completion.
func NewRunCommand() *cobra.Command {
	var configPath string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "run <plan-file>",
		Short: "Execute a plan file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}

			plan, err := planfile.Load(args[0])
			if err != nil {
				return err
			}
			if len(plan.Tasks) == 0 {
				return fmt.Errorf("plan %s contains no tasks", args[0])
			}

			log := logger.NewConsole(os.Stdout, cfg.LogLevel)

			var hist *history.Store
			if cfg.HistoryDBPath != "" {
				hist, err = history.NewStore(cfg.HistoryDBPath)
				if err != nil {
					return err
				}
			}

			var ckpt *checkpoint.Store
			if cfg.CheckpointPath != "" {
				ckpt = checkpoint.NewStore(cfg.CheckpointPath)
			}

			runner := shellexec.NewRunner()
			for i := range plan.Tasks {
				plan.Tasks[i].ActivitySource = runner.ActivitySource(plan.Tasks[i].ID)
			}

			pub := engine.NewChannelPublisher(0)
			defer pub.Close()

			eng := engine.New(cfg, runner.Execute, engine.Options{
				Logger:     log,
				Publisher:  pub,
				Checkpoint: ckpt,
				History:    hist,
			})
			defer eng.Close()

			result, runErr := eng.Run(cmd.Context(), plan.Tasks)
			if result != nil {
				log.LogInfo(fmt.Sprintf("run %s: %d tasks, %d completed, %d failed, %d cancelled in %s",
					result.RunID, result.TotalTasks, result.Counts.Completed,
					result.Counts.Failed, result.Counts.Cancelled, result.Duration.Round(1e6)))
				for _, id := range result.Escalated {
					log.LogWarn(fmt.Sprintf("task %s awaits resolution: maestro cannot decide %s/%s/%s automatically",
						id, retry.ResolutionRetry, retry.ResolutionSkip, retry.ResolutionAbort))
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", ".maestro/config.yaml", "Path to config file")
	cmd.Flags().StringVarP(&logLevel, "log-level", "l", "", "Override log level (trace, debug, info, warn, error)")

	return cmd
}
