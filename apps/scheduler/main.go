package main

import (
	"github.com/smallbiznis/headliner/internal/bootstrap"
	"github.com/smallbiznis/headliner/internal/config"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		bootstrap.Core,
		fx.Decorate(func(cfg config.Config) config.Config {
			cfg.Scheduler.Enabled = true
			return cfg
		}),
		bootstrap.Domain,

		// No server module!
	)
	app.Run()
}
