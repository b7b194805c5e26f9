// Package analytics records engagement snapshots for the live variant and
// summarises them per variant.
package analytics

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/headliner/internal/clock"
	experimentdomain "github.com/smallbiznis/headliner/internal/experiment/domain"
	obscontext "github.com/smallbiznis/headliner/internal/observability/context"
	obslogger "github.com/smallbiznis/headliner/internal/observability/logger"
	"github.com/smallbiznis/headliner/internal/observability/metrics"
	"github.com/smallbiznis/headliner/internal/platform"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type Outcome string

const (
	OutcomeSkipped  Outcome = "skipped"
	OutcomeRecorded Outcome = "recorded"
	OutcomeFailed   Outcome = "failed"
	// OutcomeDiscarded means the variant rotated while the snapshot was in flight.
	OutcomeDiscarded Outcome = "discarded"
	OutcomeMissing   Outcome = "missing"
)

// SnapshotSource fetches a point-in-time engagement snapshot.
type SnapshotSource interface {
	GetSnapshot(ctx context.Context, ownerID, videoID string) (*platform.Snapshot, error)
}

var _ SnapshotSource = (*platform.Gateway)(nil)

type Poller struct {
	store   experimentdomain.Store
	source  SnapshotSource
	node    *snowflake.Node
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *zap.Logger
}

type Params struct {
	fx.In

	Store   experimentdomain.Store
	Gateway *platform.Gateway
	Node    *snowflake.Node
	Clock   clock.Clock
	Metrics *metrics.Metrics `optional:"true"`
	Log     *zap.Logger
}

func NewPoller(p Params) *Poller {
	return New(p.Store, p.Gateway, p.Node, p.Clock, p.Metrics, p.Log)
}

func New(store experimentdomain.Store, source SnapshotSource, node *snowflake.Node, clk clock.Clock, m *metrics.Metrics, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Poller{
		store:   store,
		source:  source,
		node:    node,
		clock:   clk,
		metrics: m,
		log:     log.Named("analytics.poller"),
	}
}

// Poll snapshots the active variant's metrics. Platform failures are logged
// and dropped; polling never changes experiment status.
func (p *Poller) Poll(ctx context.Context, id snowflake.ID) (Outcome, error) {
	exp, err := p.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, experimentdomain.ErrNotFound) {
			return p.record(ctx, OutcomeMissing), nil
		}
		return OutcomeSkipped, fmt.Errorf("load experiment: %w", err)
	}
	variant := exp.ActiveVariant()
	if variant == nil || exp.ArchivedAt != nil {
		return p.record(ctx, OutcomeSkipped), nil
	}

	ctx = obscontext.WithExperimentID(ctx, exp.ID.String())
	ctx = obscontext.WithOwnerID(ctx, exp.OwnerID)
	log := obslogger.WithContext(ctx, p.log)

	snap, err := p.source.GetSnapshot(ctx, exp.OwnerID, exp.VideoID)
	if err != nil {
		log.Warn("snapshot dropped",
			zap.String("class", string(platform.ClassOf(err))),
			zap.Error(err),
		)
		return p.record(ctx, OutcomeFailed), nil
	}

	current, err := p.store.Load(ctx, id)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("reload experiment: %w", err)
	}
	live := current.ActiveVariant()
	if live == nil || live.ID != variant.ID {
		log.Info("snapshot discarded; active variant changed during poll")
		return p.record(ctx, OutcomeDiscarded), nil
	}

	row := experimentdomain.AnalyticsSnapshot{
		ID:                     p.node.Generate(),
		ExperimentID:           exp.ID,
		VariantID:              variant.ID,
		Position:               variant.Position,
		PolledAt:               p.clock.Now().UTC(),
		Views:                  snap.Views,
		Impressions:            snap.Impressions,
		Clicks:                 snap.Clicks,
		AvgViewDurationSeconds: snap.AvgViewDurationSeconds,
	}
	if len(snap.Raw) > 0 {
		row.Raw = datatypes.JSON(snap.Raw)
	}
	if err := p.store.AppendAnalyticsSnapshot(ctx, row); err != nil {
		return OutcomeSkipped, fmt.Errorf("append snapshot: %w", err)
	}

	log.Debug("snapshot recorded",
		zap.Int("position", variant.Position),
		zap.Int64("views", snap.Views),
		zap.Int64("impressions", snap.Impressions),
	)
	return p.record(ctx, OutcomeRecorded), nil
}

func (p *Poller) record(ctx context.Context, outcome Outcome) Outcome {
	p.metrics.RecordPoll(ctx, string(outcome))
	return outcome
}
