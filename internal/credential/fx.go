package credential

import (
	"github.com/smallbiznis/headliner/internal/config"
	"github.com/smallbiznis/headliner/internal/credential/repository"
	"github.com/smallbiznis/headliner/internal/credential/vault"
	"go.uber.org/fx"
)

var Module = fx.Module("credential",
	fx.Provide(repository.Provide),
	fx.Provide(func(cfg config.Config) vault.Exchanger {
		return vault.NewHTTPExchanger(cfg.Platform)
	}),
	fx.Provide(vault.New),
)
