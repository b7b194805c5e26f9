package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/headliner/internal/analytics"
	"github.com/smallbiznis/headliner/internal/clock"
	experimentdomain "github.com/smallbiznis/headliner/internal/experiment/domain"
	obscontext "github.com/smallbiznis/headliner/internal/observability/context"
	"github.com/smallbiznis/headliner/internal/rotation"
	"github.com/smallbiznis/headliner/internal/scheduler"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Engine applies owner commands to an experiment.
type Engine interface {
	Start(ctx context.Context, id snowflake.ID) (rotation.Outcome, error)
	Pause(ctx context.Context, id snowflake.ID, reason experimentdomain.PauseReason, detail string) error
	Resume(ctx context.Context, id snowflake.ID) (rotation.Outcome, error)
	Cancel(ctx context.Context, id snowflake.ID) error
}

// Timers arms and disarms the per-experiment rotation and poll timers.
type Timers interface {
	Schedule(id snowflake.ID, interval time.Duration) error
	Cancel(id snowflake.ID)
	TriggerNow(ctx context.Context, id snowflake.ID) (rotation.Outcome, error)
}

var (
	_ Engine = (*rotation.Engine)(nil)
	_ Timers = (*scheduler.Scheduler)(nil)
)

type Service struct {
	log *zap.Logger

	genID  *snowflake.Node
	clock  clock.Clock
	store  experimentdomain.Store
	engine Engine
	timers Timers
}

type ServiceParam struct {
	fx.In

	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Store     experimentdomain.Store
	Engine    *rotation.Engine
	Scheduler *scheduler.Scheduler
}

func NewService(p ServiceParam) experimentdomain.Service {
	return newService(p.Store, p.Engine, p.Scheduler, p.GenID, p.Clock, p.Log)
}

func newService(store experimentdomain.Store, engine Engine, timers Timers, genID *snowflake.Node, clk clock.Clock, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		log:    log.Named("experiment.service"),
		genID:  genID,
		clock:  clk,
		store:  store,
		engine: engine,
		timers: timers,
	}
}

// Create implements domain.Service. An experiment without a future start
// time is started right away; if the platform is unavailable it stays
// pending and the start-due sweep picks it up.
func (s *Service) Create(ctx context.Context, req experimentdomain.CreateRequest) (experimentdomain.Response, error) {
	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		return experimentdomain.Response{}, experimentdomain.ErrInvalidOwner
	}
	videoID := strings.TrimSpace(req.VideoID)
	if videoID == "" {
		return experimentdomain.Response{}, experimentdomain.ErrInvalidVideo
	}

	titles, err := normalizeVariants(req.Variants)
	if err != nil {
		return experimentdomain.Response{}, err
	}

	// Bounded in minutes first so the conversion cannot overflow.
	if req.IntervalMinutes > experimentdomain.MaxRotationSeconds/60 {
		return experimentdomain.Response{}, experimentdomain.ErrInvalidInterval
	}
	intervalSeconds := req.IntervalMinutes * 60
	if intervalSeconds < experimentdomain.MinRotationSeconds {
		return experimentdomain.Response{}, experimentdomain.ErrInvalidInterval
	}

	now := s.clock.Now().UTC()
	startsAt := utcPtr(req.StartsAt)
	endsAt := utcPtr(req.EndsAt)
	if endsAt != nil {
		if !endsAt.After(now) {
			return experimentdomain.Response{}, experimentdomain.ErrInvalidWindow
		}
		if startsAt != nil && !endsAt.After(*startsAt) {
			return experimentdomain.Response{}, experimentdomain.ErrInvalidWindow
		}
	}

	exp := &experimentdomain.Experiment{
		ID:              s.genID.Generate(),
		OwnerID:         ownerID,
		VideoID:         videoID,
		IntervalSeconds: intervalSeconds,
		Status:          experimentdomain.StatusPending,
		ActiveIndex:     experimentdomain.NoActiveIndex,
		StartsAt:        startsAt,
		EndsAt:          endsAt,
	}
	if len(req.Metadata) > 0 {
		exp.Metadata = datatypes.JSONMap(req.Metadata)
	}
	for i, title := range titles {
		exp.Variants = append(exp.Variants, experimentdomain.Variant{
			ID:           s.genID.Generate(),
			ExperimentID: exp.ID,
			Position:     i,
			Text:         title,
		})
	}

	ctx = obscontext.WithExperimentID(ctx, exp.ID.String())
	ctx = obscontext.WithOwnerID(ctx, ownerID)
	if err := s.store.Create(ctx, exp); err != nil {
		return experimentdomain.Response{}, err
	}

	if startsAt == nil || !startsAt.After(now) {
		outcome, err := s.engine.Start(ctx, exp.ID)
		switch {
		case err != nil && outcome == rotation.OutcomeDeferred:
			s.log.Warn("initial start deferred",
				zap.String("experiment_id", exp.ID.String()),
				zap.Error(err),
			)
		case err != nil:
			return experimentdomain.Response{}, err
		}
		if err := s.arm(ctx, exp.ID, outcome); err != nil {
			return experimentdomain.Response{}, err
		}
	}

	return s.respond(ctx, exp.ID)
}

// Get implements domain.Service.
func (s *Service) Get(ctx context.Context, id string) (experimentdomain.Response, error) {
	experimentID, err := s.parseID(id, experimentdomain.ErrInvalidID)
	if err != nil {
		return experimentdomain.Response{}, err
	}
	return s.respond(ctx, experimentID)
}

// Start implements domain.Service. It ignores a future start time.
func (s *Service) Start(ctx context.Context, id string) (experimentdomain.Response, error) {
	experimentID, err := s.parseID(id, experimentdomain.ErrInvalidID)
	if err != nil {
		return experimentdomain.Response{}, err
	}
	if _, err := s.loadVisible(ctx, experimentID); err != nil {
		return experimentdomain.Response{}, err
	}

	outcome, err := s.engine.Start(ctx, experimentID)
	if err != nil {
		return experimentdomain.Response{}, err
	}
	if err := s.arm(ctx, experimentID, outcome); err != nil {
		return experimentdomain.Response{}, err
	}
	return s.respond(ctx, experimentID)
}

// Pause implements domain.Service.
func (s *Service) Pause(ctx context.Context, id string) (experimentdomain.Response, error) {
	experimentID, err := s.parseID(id, experimentdomain.ErrInvalidID)
	if err != nil {
		return experimentdomain.Response{}, err
	}
	if _, err := s.loadVisible(ctx, experimentID); err != nil {
		return experimentdomain.Response{}, err
	}

	if err := s.engine.Pause(ctx, experimentID, experimentdomain.PauseReasonOwnerPaused, ""); err != nil {
		return experimentdomain.Response{}, err
	}
	s.timers.Cancel(experimentID)
	return s.respond(ctx, experimentID)
}

// Resume implements domain.Service. Timers are armed only once the
// experiment is active again.
func (s *Service) Resume(ctx context.Context, id string) (experimentdomain.Response, error) {
	experimentID, err := s.parseID(id, experimentdomain.ErrInvalidID)
	if err != nil {
		return experimentdomain.Response{}, err
	}
	if _, err := s.loadVisible(ctx, experimentID); err != nil {
		return experimentdomain.Response{}, err
	}

	outcome, err := s.engine.Resume(ctx, experimentID)
	switch {
	case err != nil && outcome == rotation.OutcomeDeferred:
		s.log.Warn("resume start deferred",
			zap.String("experiment_id", experimentID.String()),
			zap.Error(err),
		)
	case err != nil:
		return experimentdomain.Response{}, err
	}
	if err := s.arm(ctx, experimentID, outcome); err != nil {
		return experimentdomain.Response{}, err
	}
	return s.respond(ctx, experimentID)
}

// Cancel implements domain.Service.
func (s *Service) Cancel(ctx context.Context, id string) (experimentdomain.Response, error) {
	experimentID, err := s.parseID(id, experimentdomain.ErrInvalidID)
	if err != nil {
		return experimentdomain.Response{}, err
	}
	if _, err := s.loadVisible(ctx, experimentID); err != nil {
		return experimentdomain.Response{}, err
	}

	if err := s.engine.Cancel(ctx, experimentID); err != nil {
		return experimentdomain.Response{}, err
	}
	s.timers.Cancel(experimentID)
	return s.respond(ctx, experimentID)
}

// TriggerNow implements domain.Service. A platform failure is reported in
// the response detail rather than as an error.
func (s *Service) TriggerNow(ctx context.Context, id string) (experimentdomain.TriggerResponse, error) {
	experimentID, err := s.parseID(id, experimentdomain.ErrInvalidID)
	if err != nil {
		return experimentdomain.TriggerResponse{}, err
	}
	if _, err := s.loadVisible(ctx, experimentID); err != nil {
		return experimentdomain.TriggerResponse{}, err
	}

	outcome, err := s.timers.TriggerNow(ctx, experimentID)
	resp := experimentdomain.TriggerResponse{Outcome: string(outcome)}
	if err != nil {
		if outcome != rotation.OutcomeDeferred {
			return experimentdomain.TriggerResponse{}, err
		}
		resp.Detail = err.Error()
	}

	exp, err := s.respond(ctx, experimentID)
	if err != nil {
		return experimentdomain.TriggerResponse{}, err
	}
	resp.Experiment = exp
	return resp, nil
}

// Archive implements domain.Service. Only terminal experiments can be archived.
func (s *Service) Archive(ctx context.Context, id string) error {
	experimentID, err := s.parseID(id, experimentdomain.ErrInvalidID)
	if err != nil {
		return err
	}
	if err := s.store.Archive(ctx, experimentID, s.clock.Now().UTC()); err != nil {
		return err
	}
	s.timers.Cancel(experimentID)
	return nil
}

// RotationHistory implements domain.Service.
func (s *Service) RotationHistory(ctx context.Context, id string) ([]experimentdomain.RotationLogEntry, error) {
	experimentID, err := s.parseID(id, experimentdomain.ErrInvalidID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Load(ctx, experimentID); err != nil {
		return nil, err
	}
	return s.store.ListRotationLog(ctx, experimentID)
}

// Snapshots implements domain.Service.
func (s *Service) Snapshots(ctx context.Context, id string) ([]experimentdomain.AnalyticsSnapshot, error) {
	experimentID, err := s.parseID(id, experimentdomain.ErrInvalidID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Load(ctx, experimentID); err != nil {
		return nil, err
	}
	return s.store.ListSnapshots(ctx, experimentID)
}

// Results implements domain.Service.
func (s *Service) Results(ctx context.Context, id string) (experimentdomain.Results, error) {
	experimentID, err := s.parseID(id, experimentdomain.ErrInvalidID)
	if err != nil {
		return experimentdomain.Results{}, err
	}
	exp, err := s.store.Load(ctx, experimentID)
	if err != nil {
		return experimentdomain.Results{}, err
	}
	snapshots, err := s.store.ListSnapshots(ctx, experimentID)
	if err != nil {
		return experimentdomain.Results{}, err
	}
	return analytics.Summarize(exp, snapshots), nil
}

// arm schedules timers when the experiment ended up active.
func (s *Service) arm(ctx context.Context, id snowflake.ID, outcome rotation.Outcome) error {
	switch outcome {
	case rotation.OutcomeStarted, rotation.OutcomeResumed:
	default:
		return nil
	}
	exp, err := s.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if exp.Status != experimentdomain.StatusActive {
		return nil
	}
	return s.timers.Schedule(id, exp.Interval())
}

func (s *Service) loadVisible(ctx context.Context, id snowflake.ID) (*experimentdomain.Experiment, error) {
	exp, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.ArchivedAt != nil {
		return nil, experimentdomain.ErrArchived
	}
	return exp, nil
}

func (s *Service) respond(ctx context.Context, id snowflake.ID) (experimentdomain.Response, error) {
	exp, err := s.store.Load(ctx, id)
	if err != nil {
		return experimentdomain.Response{}, err
	}
	return experimentdomain.NewResponse(exp), nil
}

func (s *Service) parseID(value string, invalidErr error) (snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, invalidErr
	}
	id, err := snowflake.ParseString(trimmed)
	if err != nil || id <= 0 {
		return 0, invalidErr
	}
	return id, nil
}

func normalizeVariants(values []string) ([]string, error) {
	if len(values) < experimentdomain.MinVariants || len(values) > experimentdomain.MaxVariants {
		return nil, experimentdomain.ErrInvalidVariants
	}
	seen := make(map[string]struct{}, len(values))
	titles := make([]string, 0, len(values))
	for _, value := range values {
		title := strings.TrimSpace(value)
		if title == "" {
			return nil, experimentdomain.ErrBlankVariant
		}
		if utf8.RuneCountInString(title) > experimentdomain.MaxVariantLength {
			return nil, experimentdomain.ErrVariantTooLong
		}
		key := strings.ToLower(title)
		if _, ok := seen[key]; ok {
			return nil, experimentdomain.ErrDuplicateVariant
		}
		seen[key] = struct{}{}
		titles = append(titles, title)
	}
	return titles, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
