package main

import (
	"github.com/smallbiznis/headliner/internal/bootstrap"
	"github.com/smallbiznis/headliner/internal/config"
	"github.com/smallbiznis/headliner/internal/server"
	"go.uber.org/fx"
)

// API pods share the store with a separate scheduler deployment. They keep
// an empty timer registry and fire only manual rotations.
func main() {
	app := fx.New(
		bootstrap.Core,
		fx.Decorate(func(cfg config.Config) config.Config {
			cfg.Scheduler.Enabled = false
			return cfg
		}),
		bootstrap.Domain,
		server.Module,
	)
	app.Run()
}
