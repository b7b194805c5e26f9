// Package rotation decides, per experiment, whether to start, advance,
// complete, or pause, and persists the outcome.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/headliner/internal/clock"
	"github.com/smallbiznis/headliner/internal/events"
	experimentdomain "github.com/smallbiznis/headliner/internal/experiment/domain"
	obscontext "github.com/smallbiznis/headliner/internal/observability/context"
	obslogger "github.com/smallbiznis/headliner/internal/observability/logger"
	"github.com/smallbiznis/headliner/internal/observability/metrics"
	"github.com/smallbiznis/headliner/internal/platform"
	"github.com/smallbiznis/headliner/internal/rotation/guard"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Outcome is the result of one engine step.
type Outcome string

const (
	// OutcomeSkipped means the experiment is not active.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeSuperseded means another writer changed the experiment first.
	OutcomeSuperseded Outcome = "superseded"

	OutcomeStarted   Outcome = "started"
	OutcomeAdvanced  Outcome = "advanced"
	OutcomeResumed   Outcome = "resumed"
	OutcomeCompleted Outcome = "completed"
	OutcomePaused    Outcome = "paused"
	OutcomeMissing   Outcome = "missing"

	// OutcomeDeferred means a transient or quota failure; the next fire retries.
	OutcomeDeferred Outcome = "deferred"
)

// Retires reports whether timers for the experiment should stop.
func (o Outcome) Retires() bool {
	switch o {
	case OutcomeSkipped, OutcomeCompleted, OutcomePaused, OutcomeMissing:
		return true
	default:
		return false
	}
}

// TitleSetter pushes a title to the video platform.
type TitleSetter interface {
	SetTitle(ctx context.Context, ownerID, videoID, title string) error
}

var _ TitleSetter = (*platform.Gateway)(nil)

type Engine struct {
	store   experimentdomain.Store
	titles  TitleSetter
	emitter *events.Emitter
	node    *snowflake.Node
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *zap.Logger
	locks   *keyedMutex
}

type Params struct {
	fx.In

	Store   experimentdomain.Store
	Gateway *platform.Gateway
	Emitter *events.Emitter  `optional:"true"`
	Node    *snowflake.Node
	Clock   clock.Clock
	Metrics *metrics.Metrics `optional:"true"`
	Log     *zap.Logger
}

func NewEngine(p Params) *Engine {
	return New(p.Store, p.Gateway, p.Emitter, p.Node, p.Clock, p.Metrics, p.Log)
}

func New(store experimentdomain.Store, titles TitleSetter, emitter *events.Emitter, node *snowflake.Node, clk clock.Clock, m *metrics.Metrics, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		store:   store,
		titles:  titles,
		emitter: emitter,
		node:    node,
		clock:   clk,
		metrics: m,
		log:     log.Named("rotation.engine"),
		locks:   newKeyedMutex(),
	}
}

// Start pushes the first variant and activates the experiment. Platform
// failures follow the same policy as Advance: auth, missing video and a
// rejected request pause, anything else leaves the experiment pending for the
// next sweep.
func (e *Engine) Start(ctx context.Context, id snowflake.ID) (Outcome, error) {
	unlock, err := e.locks.Lock(ctx, id)
	if err != nil {
		return OutcomeSkipped, err
	}
	defer unlock()

	exp, err := e.store.Load(ctx, id)
	if err != nil {
		return e.loadFailed(ctx, err)
	}
	if err := guard.EnsureCanStart(exp.Status, len(exp.Variants)); err != nil {
		return OutcomeSkipped, err
	}
	return e.start(ctx, exp)
}

func (e *Engine) start(ctx context.Context, exp *experimentdomain.Experiment) (Outcome, error) {
	ctx, log := e.scope(ctx, exp)
	first := exp.Variants[0]

	if err := e.titles.SetTitle(ctx, exp.OwnerID, exp.VideoID, first.Text); err != nil {
		return e.pushFailed(ctx, log, exp, err)
	}

	now := e.clock.Now().UTC()
	exp.Activate(0, now)
	if exp.StartedAt == nil {
		exp.StartedAt = &now
	}
	if err := e.store.SaveWithRotation(ctx, exp, e.logEntry(exp, 0, now)); err != nil {
		return e.saveFailed(ctx, log, err)
	}

	log.Info("experiment started", zap.String("variant_id", first.ID.String()))
	e.emit(ctx, exp, events.TypeExperimentStarted, map[string]any{"position": 0})
	return e.record(ctx, OutcomeStarted), nil
}

// Advance moves an active experiment to its next variant, or completes it
// when the last variant has had its turn. It is a no-op unless the
// experiment is active.
func (e *Engine) Advance(ctx context.Context, id snowflake.ID) (Outcome, error) {
	unlock, err := e.locks.Lock(ctx, id)
	if err != nil {
		return OutcomeSkipped, err
	}
	defer unlock()

	exp, err := e.store.Load(ctx, id)
	if err != nil {
		return e.loadFailed(ctx, err)
	}
	if exp.Status != experimentdomain.StatusActive || exp.ArchivedAt != nil {
		return e.record(ctx, OutcomeSkipped), nil
	}

	ctx, log := e.scope(ctx, exp)
	now := e.clock.Now().UTC()

	if exp.EndsAt != nil && !now.Before(*exp.EndsAt) {
		return e.complete(ctx, log, exp, now, "ended")
	}

	next := exp.ActiveIndex + 1
	if next >= len(exp.Variants) {
		return e.complete(ctx, log, exp, now, "exhausted")
	}

	variant := exp.Variants[next]
	if err := e.titles.SetTitle(ctx, exp.OwnerID, exp.VideoID, variant.Text); err != nil {
		return e.pushFailed(ctx, log, exp, err)
	}

	now = e.clock.Now().UTC()
	previous := exp.ActiveIndex
	exp.Activate(next, now)
	if err := e.store.SaveWithRotation(ctx, exp, e.logEntry(exp, next, now)); err != nil {
		return e.saveFailed(ctx, log, err)
	}

	log.Info("experiment rotated",
		zap.Int("from_position", previous),
		zap.Int("to_position", next),
	)
	e.emit(ctx, exp, events.TypeExperimentRotated, map[string]any{
		"from_position": previous,
		"position":      next,
		"variant_id":    variant.ID.String(),
	})
	return e.record(ctx, OutcomeAdvanced), nil
}

// Pause stops rotation with the given reason. Progress is kept so a later
// Resume continues from the same position.
func (e *Engine) Pause(ctx context.Context, id snowflake.ID, reason experimentdomain.PauseReason, detail string) error {
	unlock, err := e.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	exp, err := e.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if err := guard.EnsureCanPause(exp.Status); err != nil {
		return err
	}
	ctx, log := e.scope(ctx, exp)
	if err := e.pause(ctx, log, exp, reason, detail); err != nil {
		return err
	}
	e.record(ctx, OutcomePaused)
	return nil
}

// Resume reactivates a paused experiment at its current position without
// pushing a title. An experiment paused before its first push goes back
// through Start.
func (e *Engine) Resume(ctx context.Context, id snowflake.ID) (Outcome, error) {
	unlock, err := e.locks.Lock(ctx, id)
	if err != nil {
		return OutcomeSkipped, err
	}
	defer unlock()

	exp, err := e.store.Load(ctx, id)
	if err != nil {
		return OutcomeSkipped, err
	}
	if err := guard.EnsureCanResume(exp.Status); err != nil {
		return OutcomeSkipped, err
	}

	ctx, log := e.scope(ctx, exp)
	now := e.clock.Now().UTC()

	if exp.ActiveIndex < 0 || exp.ActiveIndex >= len(exp.Variants) {
		exp.Status = experimentdomain.StatusPending
		exp.PauseReason = experimentdomain.PauseReasonNone
		exp.PauseDetail = ""
		exp.PausedAt = nil
		if err := e.store.Save(ctx, exp); err != nil {
			return OutcomeSkipped, err
		}
		if exp.StartsAt != nil && now.Before(*exp.StartsAt) {
			log.Info("experiment resumed before its start bound")
			return e.record(ctx, OutcomeResumed), nil
		}
		return e.start(ctx, exp)
	}

	exp.Activate(exp.ActiveIndex, now)
	if err := e.store.Save(ctx, exp); err != nil {
		return OutcomeSkipped, err
	}
	log.Info("experiment resumed", zap.Int("position", exp.ActiveIndex))
	e.emit(ctx, exp, events.TypeExperimentResumed, map[string]any{"position": exp.ActiveIndex})
	return e.record(ctx, OutcomeResumed), nil
}

func (e *Engine) Cancel(ctx context.Context, id snowflake.ID) error {
	unlock, err := e.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	exp, err := e.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if err := guard.EnsureCanCancel(exp.Status); err != nil {
		return err
	}

	ctx, log := e.scope(ctx, exp)
	now := e.clock.Now().UTC()
	exp.Status = experimentdomain.StatusCancelled
	exp.CancelledAt = &now
	exp.ClearActive()
	if err := e.store.Save(ctx, exp); err != nil {
		return err
	}
	log.Info("experiment cancelled")
	e.emit(ctx, exp, events.TypeExperimentCancelled, nil)
	e.record(ctx, "cancelled")
	return nil
}

// Expire completes a non-terminal experiment whose end bound has passed.
func (e *Engine) Expire(ctx context.Context, id snowflake.ID) (Outcome, error) {
	unlock, err := e.locks.Lock(ctx, id)
	if err != nil {
		return OutcomeSkipped, err
	}
	defer unlock()

	exp, err := e.store.Load(ctx, id)
	if err != nil {
		return e.loadFailed(ctx, err)
	}
	now := e.clock.Now().UTC()
	if err := guard.EnsureEnded(exp.Status, exp.EndsAt, now); err != nil {
		return e.record(ctx, OutcomeSkipped), nil
	}
	ctx, log := e.scope(ctx, exp)
	return e.complete(ctx, log, exp, now, "ended")
}

func (e *Engine) complete(ctx context.Context, log *zap.Logger, exp *experimentdomain.Experiment, now time.Time, cause string) (Outcome, error) {
	last := exp.ActiveIndex
	exp.Status = experimentdomain.StatusCompleted
	exp.CompletedAt = &now
	exp.ClearActive()
	if err := e.store.Save(ctx, exp); err != nil {
		return e.saveFailed(ctx, log, err)
	}
	log.Info("experiment completed", zap.String("cause", cause), zap.Int("last_position", last))
	e.emit(ctx, exp, events.TypeExperimentCompleted, map[string]any{"cause": cause})
	return e.record(ctx, OutcomeCompleted), nil
}

func (e *Engine) pause(ctx context.Context, log *zap.Logger, exp *experimentdomain.Experiment, reason experimentdomain.PauseReason, detail string) error {
	now := e.clock.Now().UTC()
	exp.Status = experimentdomain.StatusPaused
	exp.PauseReason = reason
	exp.PauseDetail = detail
	exp.PausedAt = &now
	exp.ClearActive()
	if err := e.store.Save(ctx, exp); err != nil {
		return err
	}
	log.Warn("experiment paused",
		zap.String("reason", string(reason)),
		zap.Int("position", exp.ActiveIndex),
		zap.String("detail", detail),
	)
	e.emit(ctx, exp, events.TypeExperimentPaused, map[string]any{
		"reason":   string(reason),
		"position": exp.ActiveIndex,
	})
	return nil
}

// pushFailed applies the failure policy for a rejected title push.
func (e *Engine) pushFailed(ctx context.Context, log *zap.Logger, exp *experimentdomain.Experiment, err error) (Outcome, error) {
	var reason experimentdomain.PauseReason
	switch platform.ClassOf(err) {
	case platform.ClassAuth:
		reason = experimentdomain.PauseReasonReconnectAccount
	case platform.ClassNotFound:
		reason = experimentdomain.PauseReasonVideoMissing
	case platform.ClassTransient:
		if !platform.Rejected(err) {
			log.Warn("title push deferred", zap.String("class", string(platform.ClassTransient)), zap.Error(err))
			e.record(ctx, OutcomeDeferred)
			return OutcomeDeferred, err
		}
		reason = experimentdomain.PauseReasonPlatformFailure
	default:
		log.Warn("title push deferred", zap.String("class", string(platform.ClassOf(err))), zap.Error(err))
		e.record(ctx, OutcomeDeferred)
		return OutcomeDeferred, err
	}

	if perr := e.pause(ctx, log, exp, reason, err.Error()); perr != nil {
		return e.saveFailed(ctx, log, perr)
	}
	return e.record(ctx, OutcomePaused), nil
}

func (e *Engine) saveFailed(ctx context.Context, log *zap.Logger, err error) (Outcome, error) {
	if errors.Is(err, experimentdomain.ErrVersionConflict) {
		log.Info("experiment changed concurrently; result discarded")
		return e.record(ctx, OutcomeSuperseded), nil
	}
	if errors.Is(err, experimentdomain.ErrNotFound) {
		return e.record(ctx, OutcomeMissing), nil
	}
	return OutcomeSkipped, fmt.Errorf("persist experiment: %w", err)
}

func (e *Engine) loadFailed(ctx context.Context, err error) (Outcome, error) {
	if errors.Is(err, experimentdomain.ErrNotFound) {
		return e.record(ctx, OutcomeMissing), nil
	}
	return OutcomeSkipped, fmt.Errorf("load experiment: %w", err)
}

func (e *Engine) logEntry(exp *experimentdomain.Experiment, position int, at time.Time) experimentdomain.RotationLogEntry {
	variant := exp.Variants[position]
	return experimentdomain.RotationLogEntry{
		ID:           e.node.Generate(),
		ExperimentID: exp.ID,
		VariantID:    variant.ID,
		Position:     position,
		Sequence:     int64(position),
		Text:         variant.Text,
		ActivatedAt:  at,
	}
}

func (e *Engine) scope(ctx context.Context, exp *experimentdomain.Experiment) (context.Context, *zap.Logger) {
	ctx = obscontext.WithExperimentID(ctx, exp.ID.String())
	ctx = obscontext.WithOwnerID(ctx, exp.OwnerID)
	return ctx, obslogger.WithContext(ctx, e.log)
}

func (e *Engine) emit(ctx context.Context, exp *experimentdomain.Experiment, eventType string, data map[string]any) {
	e.emitter.Emit(ctx, events.Event{
		Type:         eventType,
		ExperimentID: exp.ID,
		OwnerID:      exp.OwnerID,
		VideoID:      exp.VideoID,
		Data:         data,
	})
}

func (e *Engine) record(ctx context.Context, outcome Outcome) Outcome {
	e.metrics.RecordRotation(ctx, string(outcome))
	return outcome
}
