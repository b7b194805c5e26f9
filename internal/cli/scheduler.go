package cli

import (
	"github.com/smallbiznis/headliner/internal/bootstrap"
	"github.com/smallbiznis/headliner/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the rotation scheduler without the HTTP API",
	Long: `Run the rotation scheduler headless. It rebuilds timers from the store,
fires rotations and polls, and sweeps for due, ended and orphaned experiments.

Examples:
  headliner scheduler
  headliner scheduler --jobs start_due,expire_ended`,
	RunE: runScheduler,
}

var schedulerJobs []string

func init() {
	schedulerCmd.Flags().StringSliceVar(&schedulerJobs, "jobs", nil, "limit sweeps to these jobs (overrides SCHEDULER_JOBS)")
}

func runScheduler(cmd *cobra.Command, args []string) error {
	app := fx.New(
		bootstrap.Core,
		fx.Decorate(func(cfg config.Config) config.Config {
			cfg.Scheduler.Enabled = true
			if len(schedulerJobs) > 0 {
				cfg.Scheduler.Jobs = schedulerJobs
			}
			return cfg
		}),
		bootstrap.Domain,
	)
	app.Run()
	return app.Err()
}
