// Package scheduler owns the per-experiment rotation and poll timers and the
// periodic sweep that keeps them in line with the store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/headliner/internal/analytics"
	"github.com/smallbiznis/headliner/internal/clock"
	experimentdomain "github.com/smallbiznis/headliner/internal/experiment/domain"
	"github.com/smallbiznis/headliner/internal/lock"
	obsmetrics "github.com/smallbiznis/headliner/internal/observability/metrics"
	"github.com/smallbiznis/headliner/internal/rotation"
	"github.com/smallbiznis/headliner/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrInvalidConfig   = errors.New("invalid_scheduler_config")
	ErrInvalidInterval = errors.New("invalid_rotation_interval")
	ErrStopped         = errors.New("scheduler_stopped")
)

const (
	kindRotation = "rotation"
	kindPoll     = "poll"
)

// Rotator is the part of the rotation engine the scheduler drives.
type Rotator interface {
	Start(ctx context.Context, id snowflake.ID) (rotation.Outcome, error)
	Advance(ctx context.Context, id snowflake.ID) (rotation.Outcome, error)
	Expire(ctx context.Context, id snowflake.ID) (rotation.Outcome, error)
}

type Poller interface {
	Poll(ctx context.Context, id snowflake.ID) (analytics.Outcome, error)
}

var (
	_ Rotator = (*rotation.Engine)(nil)
	_ Poller  = (*analytics.Poller)(nil)
)

type Params struct {
	fx.In

	Store  experimentdomain.Store
	Engine *rotation.Engine
	Poller *analytics.Poller
	Locker lock.Locker `optional:"true"`
	Clock  clock.Clock
	Config Config `optional:"true"`
	Log    *zap.Logger
}

type Scheduler struct {
	store   experimentdomain.Store
	rotator Rotator
	poller  Poller
	locker  lock.Locker
	clock   clock.Clock
	cfg     Config
	log     *zap.Logger
	metrics *obsmetrics.SchedulerMetrics

	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time

	mu         sync.Mutex
	entries    map[snowflake.ID]*entry
	generation uint64
	stopped    bool
}

// entry is one experiment's armed timers. generation identifies the arming
// so fires from a replaced or cancelled arming can be told apart.
type entry struct {
	interval   time.Duration
	generation uint64
	armedAt    time.Time
	rotation   clock.Timer
	poll       clock.Timer
}

func (e *entry) stop() {
	e.rotation.Stop()
	e.poll.Stop()
}

// Health is the scheduler's introspection snapshot.
type Health struct {
	Enabled         bool      `json:"enabled"`
	LiveExperiments int       `json:"live_experiments"`
	LiveTimers      int       `json:"live_timers"`
	ExperimentIDs   []string  `json:"experiment_ids"`
	StartedAt       time.Time `json:"started_at"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
}

func New(p Params) (*Scheduler, error) {
	if p.Store == nil || p.Engine == nil || p.Poller == nil || p.Clock == nil || p.Log == nil {
		return nil, ErrInvalidConfig
	}
	return newScheduler(p.Store, p.Engine, p.Poller, p.Locker, p.Clock, p.Config, p.Log), nil
}

func newScheduler(store experimentdomain.Store, rotator Rotator, poller Poller, locker lock.Locker, clk clock.Clock, cfg Config, log *zap.Logger) *Scheduler {
	if locker == nil {
		locker = lock.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     store,
		rotator:   rotator,
		poller:    poller,
		locker:    locker,
		clock:     clk,
		cfg:       cfg.withDefaults(),
		log:       log.Named("scheduler").With(zap.String("component", "scheduler")),
		metrics:   obsmetrics.Scheduler(),
		ctx:       ctx,
		cancel:    cancel,
		startedAt: clk.Now().UTC(),
		entries:   make(map[snowflake.ID]*entry),
	}
}

// Schedule arms the rotation timer at interval and the poll timer at the
// configured poll cadence, replacing any timers already armed for id.
func (s *Scheduler) Schedule(id snowflake.ID, interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}
	if s.cfg.Disabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	s.armLocked(id, interval)
	return nil
}

// scheduleIfAbsent arms id unless it already has timers.
func (s *Scheduler) scheduleIfAbsent(id snowflake.ID, interval time.Duration) (bool, error) {
	if interval <= 0 {
		return false, ErrInvalidInterval
	}
	if s.cfg.Disabled {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false, ErrStopped
	}
	if _, ok := s.entries[id]; ok {
		return false, nil
	}
	s.armLocked(id, interval)
	return true, nil
}

func (s *Scheduler) armLocked(id snowflake.ID, interval time.Duration) {
	if prev, ok := s.entries[id]; ok {
		prev.stop()
	}
	s.generation++
	generation := s.generation

	e := &entry{
		interval:   interval,
		generation: generation,
		armedAt:    s.clock.Now().UTC(),
	}
	e.rotation = s.clock.Every(interval, func() { s.fire(kindRotation, id, generation) })
	e.poll = s.clock.Every(s.cfg.PollInterval, func() { s.fire(kindPoll, id, generation) })
	s.entries[id] = e
	s.metrics.SetLiveExperiments(len(s.entries))

	s.log.Debug("scheduler.timers.armed",
		zap.String("experiment_id", id.String()),
		zap.Duration("interval", interval),
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Uint64("generation", generation),
	)
}

// Cancel stops both timers for id. No fire starts after Cancel returns; a
// fire already running finishes and its result is ignored by the timers.
func (s *Scheduler) Cancel(id snowflake.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return
	}
	e.stop()
	delete(s.entries, id)
	s.metrics.SetLiveExperiments(len(s.entries))
	s.log.Debug("scheduler.timers.cancelled", zap.String("experiment_id", id.String()))
}

// retire cancels id only if it is still on the given arming.
func (s *Scheduler) retire(id snowflake.ID, generation uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.generation != generation {
		return false
	}
	e.stop()
	delete(s.entries, id)
	s.metrics.SetLiveExperiments(len(s.entries))
	return true
}

// TriggerNow runs a rotation immediately, outside the timer cadence. The
// timer phase is left alone unless the outcome ends rotation.
func (s *Scheduler) TriggerNow(ctx context.Context, id snowflake.ID) (rotation.Outcome, error) {
	ctx = s.withLogContext(ctx, id)
	ctx, _ = correlation.EnsureCorrelationID(ctx)

	outcome, err := s.rotator.Advance(ctx, id)
	if outcome.Retires() {
		s.Cancel(id)
	}
	s.logger(ctx).Info("scheduler.trigger",
		zap.String("outcome", string(outcome)),
		zap.Error(err),
	)
	return outcome, err
}

func (s *Scheduler) Status() Health {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id.String())
	}
	s.mu.Unlock()
	sort.Strings(ids)

	return Health{
		Enabled:         !s.cfg.Disabled,
		LiveExperiments: len(ids),
		LiveTimers:      2 * len(ids),
		ExperimentIDs:   ids,
		StartedAt:       s.startedAt,
		UptimeSeconds:   int64(s.clock.Now().Sub(s.startedAt) / time.Second),
	}
}

// Rehydrate arms timers for every active experiment in the store. The
// registry is only a cache of that list.
func (s *Scheduler) Rehydrate(ctx context.Context) (int, error) {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active experiments: %w", err)
	}
	armed := 0
	var errs error
	for _, exp := range active {
		ok, err := s.scheduleIfAbsent(exp.ID, exp.Interval())
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("arm %s: %w", exp.ID, err))
			continue
		}
		if ok {
			armed++
		}
	}
	return armed, errs
}

// Stop cancels every timer and in-flight fire context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for id, e := range s.entries {
		e.stop()
		delete(s.entries, id)
	}
	s.metrics.SetLiveExperiments(0)
	s.cancel()
}

// current reports the timer period for kind when generation is still the
// live arming for id.
func (s *Scheduler) current(id snowflake.ID, generation uint64, kind string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.generation != generation || s.stopped {
		return 0, false
	}
	if kind == kindPoll {
		return s.cfg.PollInterval, true
	}
	return e.interval, true
}

// fire runs one timer callback. Nothing escapes it: panics are recovered,
// errors are logged, and the timer keeps its cadence.
func (s *Scheduler) fire(kind string, id snowflake.ID, generation uint64) {
	period, ok := s.current(id, generation, kind)
	if !ok {
		s.metrics.IncFireSkipped(kind, "stale")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.FireTimeout)
	defer cancel()
	ctx = s.withLogContext(ctx, id)
	ctx = correlation.ContextWithCorrelationID(ctx, correlation.NewID())
	log := s.logger(ctx).With(zap.String("kind", kind))

	start := time.Now()
	outcome := "panic"
	defer func() {
		if r := recover(); r != nil {
			s.metrics.IncFirePanic(kind)
			log.Error("scheduler.fire.panic", zap.Any("panic", r), zap.Stack("stack"))
		}
		s.metrics.ObserveFire(kind, outcome, time.Since(start))
	}()

	if !s.claim(ctx, log, kind, id, period) {
		outcome = "claimed_elsewhere"
		s.metrics.IncFireSkipped(kind, "locked")
		return
	}

	var (
		err    error
		retire bool
	)
	switch kind {
	case kindRotation:
		var o rotation.Outcome
		o, err = s.rotator.Advance(ctx, id)
		outcome, retire = string(o), o.Retires()
	case kindPoll:
		var o analytics.Outcome
		o, err = s.poller.Poll(ctx, id)
		outcome, retire = string(o), o == analytics.OutcomeMissing
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.metrics.IncFireTimeout(kind)
		}
		s.logSchedulerError(ctx, nil, "scheduler.fire.failed", kind, id, err,
			zap.String("outcome", outcome),
		)
	} else {
		log.Debug("scheduler.fire.done", zap.String("outcome", outcome))
	}

	if retire && s.retire(id, generation) {
		log.Info("scheduler.timers.retired", zap.String("outcome", outcome))
	}
}

// claim takes the fire lock for most of one period so replicas with
// offset timers do not repeat the same step. A locker error runs the fire
// anyway; the store's version guard still prevents double application.
func (s *Scheduler) claim(ctx context.Context, log *zap.Logger, kind string, id snowflake.ID, period time.Duration) bool {
	ttl := time.Duration(float64(period) * s.cfg.LockFraction)
	if ttl <= 0 {
		ttl = period
	}
	_, ok, err := s.locker.TryLock(ctx, fireLockKey(kind, id), ttl)
	if err != nil {
		log.Warn("scheduler.fire.lock_failed", zap.Error(err))
		return true
	}
	return ok
}

func fireLockKey(kind string, id snowflake.ID) string {
	return fmt.Sprintf("headliner:fire:%s:%s", kind, id)
}
