package scheduler

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

// NewScheduler rebuilds the timer set from the store on start and runs the
// sweep loop until stop.
func NewScheduler(lc fx.Lifecycle, cfg Config, sched *Scheduler, log *zap.Logger) {
	if cfg.Disabled {
		log.Info("scheduler disabled on this process")
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			armed, err := sched.Rehydrate(ctx)
			if err != nil {
				log.Error("scheduler rehydrate incomplete", zap.Int("armed", armed), zap.Error(err))
			} else {
				log.Info("scheduler rehydrated", zap.Int("armed", armed))
			}

			runCtx, cancel := context.WithCancel(context.Background())
			go sched.RunForever(runCtx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					sched.Stop()
					return nil
				},
			})
			return nil
		},
	})
}
