package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	experimentdomain "github.com/smallbiznis/headliner/internal/experiment/domain"
	obsmetrics "github.com/smallbiznis/headliner/internal/observability/metrics"
	"github.com/smallbiznis/headliner/internal/rotation"
	"go.uber.org/zap"
)

const (
	jobStartDue        = "start_due"
	jobExpireEnded     = "expire_ended"
	jobReconcileTimers = "reconcile_timers"
)

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	schedMetrics.AddJobProcessed(name, run.processedCount)
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	schedMetrics.IncJobError(name, err)
	// deadline is a soft timeout; the next sweep picks up the rest
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled sweep job once.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{jobStartDue, s.StartDueJob},
		{jobExpireEnded, s.ExpireEndedJob},
		{jobReconcileTimers, s.ReconcileTimersJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.SweepInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.SweepInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if s.cfg.Disabled {
		return false
	}
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// StartDueJob starts pending experiments whose start bound has passed and
// arms their timers. A deferred start is retried on the next sweep.
func (s *Scheduler) StartDueJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, jobStartDue)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	due, err := s.store.ListDuePending(ctx, s.clock.Now().UTC())
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.job.list_failed", jobStartDue, 0, err)
		return err
	}

	var jobErr error
	for _, exp := range due {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		outcome, err := s.rotator.Start(ctx, exp.ID)
		switch {
		case outcome == rotation.OutcomeStarted:
			if err := s.Schedule(exp.ID, exp.Interval()); err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(ctx, run, "scheduler.start.arm_failed", jobStartDue, exp.ID, err)
				continue
			}
			run.AddProcessed(1)
		case errors.Is(err, experimentdomain.ErrInvalidTransition):
			// started or paused by someone else since the listing
		case outcome == rotation.OutcomeDeferred:
			s.logSchedulerError(ctx, run, "scheduler.start.deferred", jobStartDue, exp.ID, err)
		case err != nil:
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.start.failed", jobStartDue, exp.ID, err)
		}
	}
	return jobErr
}

// ExpireEndedJob completes experiments whose end bound has passed.
func (s *Scheduler) ExpireEndedJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, jobExpireEnded)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	ended, err := s.store.ListEnded(ctx, s.clock.Now().UTC())
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.job.list_failed", jobExpireEnded, 0, err)
		return err
	}

	var jobErr error
	for _, exp := range ended {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		outcome, err := s.rotator.Expire(ctx, exp.ID)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.expire.failed", jobExpireEnded, exp.ID, err)
			continue
		}
		if outcome.Retires() {
			s.Cancel(exp.ID)
		}
		if outcome == rotation.OutcomeCompleted {
			run.AddProcessed(1)
		}
	}
	return jobErr
}

// ReconcileTimersJob arms timers for active experiments that lack them and
// drops timers for experiments that are no longer active. Timers armed
// after the listing was taken are left alone.
func (s *Scheduler) ReconcileTimersJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, jobReconcileTimers)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	s.mu.Lock()
	listedAt := s.generation
	s.mu.Unlock()

	active, err := s.store.ListActive(ctx)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.job.list_failed", jobReconcileTimers, 0, err)
		return err
	}

	live := make(map[snowflake.ID]struct{}, len(active))
	var jobErr error
	for _, exp := range active {
		live[exp.ID] = struct{}{}
		armed, err := s.scheduleIfAbsent(exp.ID, exp.Interval())
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.reconcile.arm_failed", jobReconcileTimers, exp.ID, err)
			continue
		}
		if armed {
			run.AddProcessed(1)
			s.logger(ctx).Info("scheduler.reconcile.armed", zap.String("experiment_id", exp.ID.String()))
		}
	}

	type stale struct {
		id         snowflake.ID
		generation uint64
	}
	var drop []stale
	s.mu.Lock()
	for id, e := range s.entries {
		if _, ok := live[id]; ok || e.generation > listedAt {
			continue
		}
		drop = append(drop, stale{id: id, generation: e.generation})
	}
	s.mu.Unlock()

	for _, d := range drop {
		if s.retire(d.id, d.generation) {
			run.AddProcessed(1)
			s.logger(ctx).Info("scheduler.reconcile.dropped", zap.String("experiment_id", d.id.String()))
		}
	}
	return jobErr
}
