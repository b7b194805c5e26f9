package experiment

import (
	"github.com/smallbiznis/headliner/internal/experiment/repository"
	"github.com/smallbiznis/headliner/internal/experiment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("experiment.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
