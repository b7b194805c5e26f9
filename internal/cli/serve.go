package cli

import (
	"strings"

	"github.com/smallbiznis/headliner/internal/bootstrap"
	"github.com/smallbiznis/headliner/internal/config"
	"github.com/smallbiznis/headliner/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API. By default the process also runs the scheduler.

Examples:
  headliner serve                  # API and scheduler on HTTP_ADDR
  headliner serve --addr :9090     # listen on another address
  headliner serve --no-scheduler   # API only; run "headliner scheduler" elsewhere`,
	RunE: runServe,
}

var (
	serveAddr        string
	serveNoScheduler bool
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "do not arm timers or run sweeps in this process")
}

func runServe(cmd *cobra.Command, args []string) error {
	app := fx.New(
		bootstrap.Core,
		fx.Decorate(func(cfg config.Config) config.Config {
			if addr := strings.TrimSpace(serveAddr); addr != "" {
				cfg.HTTPAddr = addr
			}
			if serveNoScheduler {
				cfg.Scheduler.Enabled = false
			}
			return cfg
		}),
		bootstrap.Domain,
		server.Module,
	)
	app.Run()
	return app.Err()
}
