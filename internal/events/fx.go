package events

import (
	"context"

	"github.com/smallbiznis/headliner/internal/clock"
	"github.com/smallbiznis/headliner/internal/config"
	"github.com/smallbiznis/headliner/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewPublisher),
	fx.Provide(provideEmitter),
)

// NewPublisher uses Kafka when brokers are configured and the log otherwise.
func NewPublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (Publisher, error) {
	var publisher Publisher
	if len(cfg.Events.KafkaBrokers) > 0 {
		kp, err := NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.Topic)
		if err != nil {
			return nil, err
		}
		publisher = kp
		log.Info("kafka event publisher enabled",
			zap.Strings("brokers", cfg.Events.KafkaBrokers),
			zap.String("topic", cfg.Events.Topic),
		)
	} else {
		publisher = NewLogPublisher(log)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

type emitterParams struct {
	fx.In

	Publisher Publisher
	Clock     clock.Clock
	Metrics   *metrics.Metrics `optional:"true"`
	Log       *zap.Logger
}

func provideEmitter(p emitterParams) *Emitter {
	return NewEmitter(p.Publisher, p.Clock, p.Metrics, p.Log)
}
