package platform

import (
	"github.com/smallbiznis/headliner/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("platform",
	fx.Provide(func(cfg config.Config) Client {
		return NewHTTPClient(cfg.Platform)
	}),
	fx.Provide(NewGateway),
)
