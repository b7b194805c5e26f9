package events

import (
	"context"
	"time"

	"github.com/smallbiznis/headliner/internal/clock"
	"github.com/smallbiznis/headliner/internal/observability/metrics"
	"github.com/smallbiznis/headliner/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

const publishTimeout = 3 * time.Second

// Emitter publishes after state is persisted. Delivery is best effort:
// failures are logged and counted, never returned to the caller.
type Emitter struct {
	publisher Publisher
	clock     clock.Clock
	metrics   *metrics.Metrics
	log       *zap.Logger
}

func NewEmitter(publisher Publisher, clk clock.Clock, m *metrics.Metrics, log *zap.Logger) *Emitter {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Emitter{publisher: publisher, clock: clk, metrics: m, log: log.Named("events.emitter")}
}

func (e *Emitter) Emit(ctx context.Context, event Event) {
	if e == nil || e.publisher == nil {
		return
	}
	if event.ID == "" {
		event.ID = correlation.NewID()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.clock.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := e.publisher.Publish(ctx, event); err != nil {
		e.metrics.RecordEvent(ctx, event.Type, "failed")
		e.log.Warn("event publish failed",
			zap.String("event_type", event.Type),
			zap.String("experiment_id", event.ExperimentID.String()),
			zap.Error(err),
		)
		return
	}
	e.metrics.RecordEvent(ctx, event.Type, "published")
}
