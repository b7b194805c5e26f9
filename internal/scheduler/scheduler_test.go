package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/headliner/internal/analytics"
	"github.com/smallbiznis/headliner/internal/clock"
	experimentdomain "github.com/smallbiznis/headliner/internal/experiment/domain"
	"github.com/smallbiznis/headliner/internal/experiment/repository"
	"github.com/smallbiznis/headliner/internal/lock"
	"github.com/smallbiznis/headliner/internal/migration"
	"github.com/smallbiznis/headliner/internal/rotation"
	"github.com/smallbiznis/headliner/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeRotator struct {
	mu       sync.Mutex
	advances map[snowflake.ID]int
	starts   []snowflake.ID
	expires  []snowflake.ID
	advance  func(id snowflake.ID) (rotation.Outcome, error)
	start    func(id snowflake.ID) (rotation.Outcome, error)
	expire   func(id snowflake.ID) (rotation.Outcome, error)
}

func newFakeRotator() *fakeRotator {
	return &fakeRotator{advances: make(map[snowflake.ID]int)}
}

func (f *fakeRotator) Start(ctx context.Context, id snowflake.ID) (rotation.Outcome, error) {
	f.mu.Lock()
	f.starts = append(f.starts, id)
	fn := f.start
	f.mu.Unlock()
	if fn != nil {
		return fn(id)
	}
	return rotation.OutcomeStarted, nil
}

func (f *fakeRotator) Advance(ctx context.Context, id snowflake.ID) (rotation.Outcome, error) {
	f.mu.Lock()
	f.advances[id]++
	fn := f.advance
	f.mu.Unlock()
	if fn != nil {
		return fn(id)
	}
	return rotation.OutcomeAdvanced, nil
}

func (f *fakeRotator) Expire(ctx context.Context, id snowflake.ID) (rotation.Outcome, error) {
	f.mu.Lock()
	f.expires = append(f.expires, id)
	fn := f.expire
	f.mu.Unlock()
	if fn != nil {
		return fn(id)
	}
	return rotation.OutcomeCompleted, nil
}

func (f *fakeRotator) Advances(id snowflake.ID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advances[id]
}

type fakePoller struct {
	mu      sync.Mutex
	polls   map[snowflake.ID]int
	outcome analytics.Outcome
}

func (f *fakePoller) Poll(ctx context.Context, id snowflake.ID) (analytics.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.polls == nil {
		f.polls = make(map[snowflake.ID]int)
	}
	f.polls[id]++
	if f.outcome == "" {
		return analytics.OutcomeRecorded, nil
	}
	return f.outcome, nil
}

func (f *fakePoller) Polls(id snowflake.ID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls[id]
}

func newStore(t *testing.T, clk clock.Clock) experimentdomain.Store {
	t.Helper()
	conn, err := db.OpenInMemory(t.Name())
	require.NoError(t, err)
	require.NoError(t, migration.AutoMigrate(conn))
	return repository.Provide(conn, clk)
}

func seed(t *testing.T, store experimentdomain.Store, node *snowflake.Node, status experimentdomain.Status, mutate func(*experimentdomain.Experiment)) *experimentdomain.Experiment {
	t.Helper()
	ctx := context.Background()
	exp := &experimentdomain.Experiment{
		ID:              node.Generate(),
		OwnerID:         "owner-1",
		VideoID:         "video-1",
		IntervalSeconds: 1800,
		Status:          experimentdomain.StatusPending,
		ActiveIndex:     experimentdomain.NoActiveIndex,
	}
	for i, text := range []string{"A", "B", "C"} {
		exp.Variants = append(exp.Variants, experimentdomain.Variant{ID: node.Generate(), Position: i, Text: text})
	}
	if mutate != nil {
		mutate(exp)
	}
	require.NoError(t, store.Create(ctx, exp))
	switch status {
	case experimentdomain.StatusActive:
		exp.Activate(0, t0)
		require.NoError(t, store.Save(ctx, exp))
	case experimentdomain.StatusPaused, experimentdomain.StatusCompleted, experimentdomain.StatusCancelled:
		exp.Status = status
		require.NoError(t, store.Save(ctx, exp))
	}
	return exp
}

func testNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	return node
}

func TestScheduleReplacesPriorTimers(t *testing.T) {
	clk := clock.NewFakeClock(t0)
	rot := newFakeRotator()
	s := newScheduler(newStore(t, clk), rot, &fakePoller{}, nil, clk, Config{}, nil)

	require.NoError(t, s.Schedule(1, 30*time.Minute))
	clk.Advance(20 * time.Minute)
	require.NoError(t, s.Schedule(1, 30*time.Minute))
	assert.Equal(t, 2, clk.ActiveTimers())

	// the first arming would have fired at 30m
	clk.Advance(20 * time.Minute)
	assert.Equal(t, 0, rot.Advances(1))
	clk.Advance(10 * time.Minute)
	assert.Equal(t, 1, rot.Advances(1))

	health := s.Status()
	assert.Equal(t, 1, health.LiveExperiments)
	assert.Equal(t, 2, health.LiveTimers)
	assert.Equal(t, []string{"1"}, health.ExperimentIDs)
	assert.Equal(t, int64(50*60), health.UptimeSeconds)

	assert.ErrorIs(t, s.Schedule(2, 0), ErrInvalidInterval)
}

func TestCancelStopsFutureFires(t *testing.T) {
	clk := clock.NewFakeClock(t0)
	rot := newFakeRotator()
	poller := &fakePoller{}
	s := newScheduler(newStore(t, clk), rot, poller, nil, clk, Config{}, nil)

	require.NoError(t, s.Schedule(1, 30*time.Minute))
	require.NoError(t, s.Schedule(2, 30*time.Minute))
	s.Cancel(1)
	s.Cancel(99)

	clk.Advance(time.Hour)
	assert.Zero(t, rot.Advances(1))
	assert.Zero(t, poller.Polls(1))
	assert.Equal(t, 2, rot.Advances(2))
	assert.Equal(t, 12, poller.Polls(2))
	assert.Equal(t, 1, s.Status().LiveExperiments)
}

func TestTriggerNowKeepsTimerPhase(t *testing.T) {
	clk := clock.NewFakeClock(t0)
	rot := newFakeRotator()
	s := newScheduler(newStore(t, clk), rot, &fakePoller{}, nil, clk, Config{}, nil)
	require.NoError(t, s.Schedule(1, 30*time.Minute))

	clk.Advance(10 * time.Minute)
	outcome, err := s.TriggerNow(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, rotation.OutcomeAdvanced, outcome)
	assert.Equal(t, 1, rot.Advances(1))

	clk.Advance(20 * time.Minute)
	assert.Equal(t, 2, rot.Advances(1))

	rot.advance = func(snowflake.ID) (rotation.Outcome, error) { return rotation.OutcomeCompleted, nil }
	outcome, err = s.TriggerNow(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, rotation.OutcomeCompleted, outcome)
	assert.Zero(t, s.Status().LiveExperiments)
}

func TestFireFailuresAreContained(t *testing.T) {
	clk := clock.NewFakeClock(t0)
	rot := newFakeRotator()
	rot.advance = func(id snowflake.ID) (rotation.Outcome, error) {
		switch id {
		case 1:
			panic("boom")
		case 2:
			return rotation.OutcomeDeferred, errors.New("platform unavailable")
		}
		return rotation.OutcomeAdvanced, nil
	}
	s := newScheduler(newStore(t, clk), rot, &fakePoller{}, nil, clk, Config{}, nil)
	for _, id := range []snowflake.ID{1, 2, 3} {
		require.NoError(t, s.Schedule(id, 30*time.Minute))
	}

	require.NotPanics(t, func() { clk.Advance(time.Hour) })
	for _, id := range []snowflake.ID{1, 2, 3} {
		assert.Equal(t, 2, rot.Advances(id), "experiment %d", id)
	}
	assert.Equal(t, 3, s.Status().LiveExperiments)
}

func TestRetiringOutcomesStopTimers(t *testing.T) {
	clk := clock.NewFakeClock(t0)
	rot := newFakeRotator()
	rot.advance = func(id snowflake.ID) (rotation.Outcome, error) {
		if id == 1 {
			return rotation.OutcomePaused, nil
		}
		return rotation.OutcomeSuperseded, nil
	}
	poller := &fakePoller{}
	s := newScheduler(newStore(t, clk), rot, poller, nil, clk, Config{}, nil)
	require.NoError(t, s.Schedule(1, 30*time.Minute))
	require.NoError(t, s.Schedule(2, 30*time.Minute))

	clk.Advance(time.Hour)
	assert.Equal(t, 1, rot.Advances(1))
	assert.Equal(t, 2, rot.Advances(2))
	assert.Equal(t, []string{"2"}, s.Status().ExperimentIDs)

	poller.outcome = analytics.OutcomeMissing
	clk.Advance(5 * time.Minute)
	assert.Empty(t, s.Status().ExperimentIDs)
	assert.Zero(t, clk.ActiveTimers())
}

func TestRehydrateArmsActiveExperiments(t *testing.T) {
	clk := clock.NewFakeClock(t0)
	node := testNode(t)
	store := newStore(t, clk)
	a := seed(t, store, node, experimentdomain.StatusActive, nil)
	b := seed(t, store, node, experimentdomain.StatusActive, func(e *experimentdomain.Experiment) { e.IntervalSeconds = 600 })
	seed(t, store, node, experimentdomain.StatusPaused, nil)
	seed(t, store, node, experimentdomain.StatusPending, nil)

	rot := newFakeRotator()
	s := newScheduler(store, rot, &fakePoller{}, nil, clk, Config{}, nil)
	armed, err := s.Rehydrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, armed)
	assert.ElementsMatch(t, []string{a.ID.String(), b.ID.String()}, s.Status().ExperimentIDs)

	armed, err = s.Rehydrate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, armed)

	clk.Advance(30 * time.Minute)
	assert.Equal(t, 1, rot.Advances(a.ID))
	assert.Equal(t, 3, rot.Advances(b.ID))
}

func TestReconcileArmsMissingAndDropsStale(t *testing.T) {
	clk := clock.NewFakeClock(t0)
	node := testNode(t)
	store := newStore(t, clk)
	active := seed(t, store, node, experimentdomain.StatusActive, nil)
	paused := seed(t, store, node, experimentdomain.StatusPaused, nil)

	s := newScheduler(store, newFakeRotator(), &fakePoller{}, nil, clk, Config{}, nil)
	require.NoError(t, s.Schedule(paused.ID, 30*time.Minute))

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, []string{active.ID.String()}, s.Status().ExperimentIDs)
}

func TestStartDueJobStartsAndArms(t *testing.T) {
	clk := clock.NewFakeClock(t0)
	node := testNode(t)
	store := newStore(t, clk)
	future := t0.Add(time.Hour)
	now := seed(t, store, node, experimentdomain.StatusPending, nil)
	later := seed(t, store, node, experimentdomain.StatusPending, func(e *experimentdomain.Experiment) { e.StartsAt = &future })
	deferred := seed(t, store, node, experimentdomain.StatusPending, nil)

	rot := newFakeRotator()
	rot.start = func(id snowflake.ID) (rotation.Outcome, error) {
		if id == deferred.ID {
			return rotation.OutcomeDeferred, errors.New("quota")
		}
		return rotation.OutcomeStarted, nil
	}
	s := newScheduler(store, rot, &fakePoller{}, nil, clk, Config{EnabledJobs: []string{jobStartDue}}, nil)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.ElementsMatch(t, []snowflake.ID{now.ID, deferred.ID}, rot.starts)
	assert.Equal(t, []string{now.ID.String()}, s.Status().ExperimentIDs)
	assert.NotContains(t, rot.starts, later.ID)
}

func TestExpireEndedJobCompletesAndCancels(t *testing.T) {
	clk := clock.NewFakeClock(t0)
	node := testNode(t)
	store := newStore(t, clk)
	ends := t0.Add(time.Hour)
	exp := seed(t, store, node, experimentdomain.StatusActive, func(e *experimentdomain.Experiment) { e.EndsAt = &ends })

	rot := newFakeRotator()
	s := newScheduler(store, rot, &fakePoller{}, nil, clk, Config{EnabledJobs: []string{jobExpireEnded}}, nil)
	require.NoError(t, s.Schedule(exp.ID, 2*time.Hour))

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Empty(t, rot.expires)

	clk.Set(ends)
	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, []snowflake.ID{exp.ID}, rot.expires)
	assert.Zero(t, s.Status().LiveExperiments)
}

func TestDisabledSchedulerArmsNothing(t *testing.T) {
	clk := clock.NewFakeClock(t0)
	rot := newFakeRotator()
	s := newScheduler(newStore(t, clk), rot, &fakePoller{}, nil, clk, Config{Disabled: true}, nil)

	require.NoError(t, s.Schedule(1, time.Minute))
	assert.Zero(t, clk.ActiveTimers())
	assert.False(t, s.Status().Enabled)
	require.NoError(t, s.RunOnce(context.Background()))
	assert.Empty(t, rot.starts)
}

func TestStopCancelsEverything(t *testing.T) {
	clk := clock.NewFakeClock(t0)
	s := newScheduler(newStore(t, clk), newFakeRotator(), &fakePoller{}, nil, clk, Config{}, nil)
	require.NoError(t, s.Schedule(1, time.Minute))

	s.Stop()
	assert.Zero(t, clk.ActiveTimers())
	assert.ErrorIs(t, s.Schedule(2, time.Minute), ErrStopped)
	assert.Error(t, s.ctx.Err())
}

func TestFireLockRunsEachFireOnOneReplica(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := lock.NewRedisLocker(client)

	clk := clock.NewFakeClock(t0)
	store := newStore(t, clk)
	rot := newFakeRotator()
	first := newScheduler(store, rot, &fakePoller{}, locker, clk, Config{}, nil)
	second := newScheduler(store, rot, &fakePoller{}, locker, clk, Config{}, nil)

	require.NoError(t, first.Schedule(1, 30*time.Minute))
	clk.Advance(5 * time.Minute)
	require.NoError(t, second.Schedule(1, 30*time.Minute))

	for i := 1; i <= 3; i++ {
		clk.Advance(30 * time.Minute)
		mr.FastForward(30 * time.Minute)
		assert.Equal(t, i, rot.Advances(1))
	}
}
