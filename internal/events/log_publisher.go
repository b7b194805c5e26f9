package events

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher records events in the service log when no broker is configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogPublisher{log: log.Named("events")}
}

func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	p.log.Info("event published",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("experiment_id", event.ExperimentID.String()),
		zap.String("owner_id", event.OwnerID),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
