package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/headliner/internal/clock"
	experimentdomain "github.com/smallbiznis/headliner/internal/experiment/domain"
	"github.com/smallbiznis/headliner/internal/experiment/repository"
	"github.com/smallbiznis/headliner/internal/migration"
	"github.com/smallbiznis/headliner/internal/platform"
	"github.com/smallbiznis/headliner/internal/rotation"
	"github.com/smallbiznis/headliner/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeTitles struct {
	mu      sync.Mutex
	pushed  []string
	results []error
}

func (f *fakeTitles) SetTitle(ctx context.Context, ownerID, videoID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, title)
	if len(f.results) == 0 {
		return nil
	}
	err := f.results[0]
	f.results = f.results[1:]
	return err
}

type fakeTimers struct {
	engine    *rotation.Engine
	scheduled map[snowflake.ID]time.Duration
	cancelled []snowflake.ID
}

func (f *fakeTimers) Schedule(id snowflake.ID, interval time.Duration) error {
	f.scheduled[id] = interval
	return nil
}

func (f *fakeTimers) Cancel(id snowflake.ID) {
	delete(f.scheduled, id)
	f.cancelled = append(f.cancelled, id)
}

func (f *fakeTimers) TriggerNow(ctx context.Context, id snowflake.ID) (rotation.Outcome, error) {
	outcome, err := f.engine.Advance(ctx, id)
	if outcome.Retires() {
		f.Cancel(id)
	}
	return outcome, err
}

type fixture struct {
	svc    *Service
	store  experimentdomain.Store
	clock  *clock.FakeClock
	titles *fakeTitles
	timers *fakeTimers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.OpenInMemory(t.Name())
	require.NoError(t, err)
	require.NoError(t, migration.AutoMigrate(conn))

	clk := clock.NewFakeClock(t0)
	node, err := snowflake.NewNode(7)
	require.NoError(t, err)
	store := repository.Provide(conn, clk)
	titles := &fakeTitles{}
	engine := rotation.New(store, titles, nil, node, clk, nil, nil)
	timers := &fakeTimers{engine: engine, scheduled: map[snowflake.ID]time.Duration{}}
	return &fixture{
		svc:    newService(store, engine, timers, node, clk, nil),
		store:  store,
		clock:  clk,
		titles: titles,
		timers: timers,
	}
}

func validRequest() experimentdomain.CreateRequest {
	return experimentdomain.CreateRequest{
		OwnerID:         "owner-1",
		VideoID:         "video-1",
		Variants:        []string{" First title ", "Second title", "Third title"},
		IntervalMinutes: 30,
	}
}

func mustID(t *testing.T, value string) snowflake.ID {
	t.Helper()
	id, err := snowflake.ParseString(value)
	require.NoError(t, err)
	return id
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := t0.Add(-time.Hour)
	later := t0.Add(2 * time.Hour)
	sooner := t0.Add(time.Hour)

	cases := []struct {
		name   string
		mutate func(*experimentdomain.CreateRequest)
		want   error
	}{
		{"missing owner", func(r *experimentdomain.CreateRequest) { r.OwnerID = "  " }, experimentdomain.ErrInvalidOwner},
		{"missing video", func(r *experimentdomain.CreateRequest) { r.VideoID = "" }, experimentdomain.ErrInvalidVideo},
		{"one variant", func(r *experimentdomain.CreateRequest) { r.Variants = []string{"only"} }, experimentdomain.ErrInvalidVariants},
		{"six variants", func(r *experimentdomain.CreateRequest) { r.Variants = []string{"a", "b", "c", "d", "e", "f"} }, experimentdomain.ErrInvalidVariants},
		{"blank variant", func(r *experimentdomain.CreateRequest) { r.Variants = []string{"a", "   "} }, experimentdomain.ErrBlankVariant},
		{"duplicate ignoring case", func(r *experimentdomain.CreateRequest) { r.Variants = []string{"Same", " same"} }, experimentdomain.ErrDuplicateVariant},
		{"too long", func(r *experimentdomain.CreateRequest) { r.Variants = []string{"a", strings.Repeat("x", 101)} }, experimentdomain.ErrVariantTooLong},
		{"zero interval", func(r *experimentdomain.CreateRequest) { r.IntervalMinutes = 0 }, experimentdomain.ErrInvalidInterval},
		{"interval over thirty days", func(r *experimentdomain.CreateRequest) { r.IntervalMinutes = 30*24*60 + 1 }, experimentdomain.ErrInvalidInterval},
		{"interval overflowing duration", func(r *experimentdomain.CreateRequest) { r.IntervalMinutes = 200_000_000 }, experimentdomain.ErrInvalidInterval},
		{"ends in past", func(r *experimentdomain.CreateRequest) { r.EndsAt = &past }, experimentdomain.ErrInvalidWindow},
		{"ends before start", func(r *experimentdomain.CreateRequest) { r.StartsAt = &later; r.EndsAt = &sooner }, experimentdomain.ErrInvalidWindow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			_, err := f.svc.Create(ctx, req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Empty(t, f.titles.pushed)
}

func TestCreateStartsImmediately(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.Metadata = map[string]any{"campaign": "launch"}

	resp, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, experimentdomain.StatusActive, resp.Status)
	assert.Equal(t, 0, resp.ActiveIndex)
	require.Len(t, resp.Variants, 3)
	assert.Equal(t, "First title", resp.Variants[0].Text)
	assert.True(t, resp.Variants[0].Active)
	assert.Equal(t, int64(30), resp.IntervalMinutes)
	assert.Equal(t, "launch", resp.Metadata["campaign"])
	assert.Equal(t, []string{"First title"}, f.titles.pushed)

	id := mustID(t, resp.ID)
	assert.Equal(t, 30*time.Minute, f.timers.scheduled[id])
}

func TestCreateAcceptsThirtyDayInterval(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.IntervalMinutes = experimentdomain.MaxRotationSeconds / 60

	resp, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, experimentdomain.StatusActive, resp.Status)
	assert.Equal(t, 30*24*time.Hour, f.timers.scheduled[mustID(t, resp.ID)])
}

func TestCreateWithFutureStartStaysPending(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	start := t0.Add(time.Hour)
	req.StartsAt = &start

	resp, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, experimentdomain.StatusPending, resp.Status)
	assert.Equal(t, experimentdomain.NoActiveIndex, resp.ActiveIndex)
	assert.Empty(t, f.titles.pushed)
	assert.Empty(t, f.timers.scheduled)
}

func TestCreateKeepsPendingWhenPlatformUnavailable(t *testing.T) {
	f := newFixture(t)
	f.titles.results = []error{&platform.Error{Class: platform.ClassTransient, Op: platform.OpSetTitle, StatusCode: 503}}

	resp, err := f.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, experimentdomain.StatusPending, resp.Status)
	assert.Empty(t, f.timers.scheduled)
}

func TestCreatePausesWhenAccountDisconnected(t *testing.T) {
	f := newFixture(t)
	f.titles.results = []error{&platform.Error{Class: platform.ClassAuth, Op: platform.OpSetTitle, StatusCode: 401}}

	resp, err := f.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, experimentdomain.StatusPaused, resp.Status)
	assert.Equal(t, experimentdomain.PauseReasonReconnectAccount, resp.PauseReason)
	assert.Empty(t, f.timers.scheduled)
}

func TestStartOverridesFutureStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := validRequest()
	start := t0.Add(time.Hour)
	req.StartsAt = &start
	created, err := f.svc.Create(ctx, req)
	require.NoError(t, err)

	resp, err := f.svc.Start(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, experimentdomain.StatusActive, resp.Status)
	assert.Contains(t, f.timers.scheduled, mustID(t, created.ID))

	_, err = f.svc.Start(ctx, created.ID)
	assert.ErrorIs(t, err, experimentdomain.ErrInvalidTransition)
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.Create(ctx, validRequest())
	require.NoError(t, err)
	id := mustID(t, created.ID)

	paused, err := f.svc.Pause(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, experimentdomain.StatusPaused, paused.Status)
	assert.Equal(t, experimentdomain.PauseReasonOwnerPaused, paused.PauseReason)
	assert.Equal(t, 0, paused.ActiveIndex)
	assert.NotContains(t, f.timers.scheduled, id)
	assert.Contains(t, f.timers.cancelled, id)

	f.clock.Advance(10 * time.Minute)
	resumed, err := f.svc.Resume(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, experimentdomain.StatusActive, resumed.Status)
	assert.Equal(t, 0, resumed.ActiveIndex)
	assert.Empty(t, resumed.PauseReason)
	assert.Contains(t, f.timers.scheduled, id)
	assert.Equal(t, []string{"First title"}, f.titles.pushed)

	_, err = f.svc.Resume(ctx, created.ID)
	assert.ErrorIs(t, err, experimentdomain.ErrInvalidTransition)
}

func TestCancelIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.Create(ctx, validRequest())
	require.NoError(t, err)

	resp, err := f.svc.Cancel(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, experimentdomain.StatusCancelled, resp.Status)
	assert.NotNil(t, resp.CancelledAt)
	for _, v := range resp.Variants {
		assert.False(t, v.Active)
	}
	assert.Empty(t, f.timers.scheduled)

	_, err = f.svc.Resume(ctx, created.ID)
	assert.ErrorIs(t, err, experimentdomain.ErrInvalidTransition)
	_, err = f.svc.Cancel(ctx, created.ID)
	assert.ErrorIs(t, err, experimentdomain.ErrInvalidTransition)
}

func TestTriggerNowAdvancesAndReportsDeferral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.Create(ctx, validRequest())
	require.NoError(t, err)

	resp, err := f.svc.TriggerNow(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, string(rotation.OutcomeAdvanced), resp.Outcome)
	assert.Equal(t, 1, resp.Experiment.ActiveIndex)

	f.titles.results = []error{&platform.Error{Class: platform.ClassQuota, Op: platform.OpSetTitle}}
	resp, err = f.svc.TriggerNow(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, string(rotation.OutcomeDeferred), resp.Outcome)
	assert.NotEmpty(t, resp.Detail)
	assert.Equal(t, 1, resp.Experiment.ActiveIndex)

	resp, err = f.svc.TriggerNow(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Experiment.ActiveIndex)

	resp, err = f.svc.TriggerNow(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, string(rotation.OutcomeCompleted), resp.Outcome)
	assert.Equal(t, experimentdomain.StatusCompleted, resp.Experiment.Status)
	assert.Empty(t, f.timers.scheduled)
}

func TestArchiveRequiresTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.Create(ctx, validRequest())
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Archive(ctx, created.ID), experimentdomain.ErrNotTerminal)

	_, err = f.svc.Cancel(ctx, created.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Archive(ctx, created.ID))
	assert.ErrorIs(t, f.svc.Archive(ctx, created.ID), experimentdomain.ErrArchived)

	_, err = f.svc.TriggerNow(ctx, created.ID)
	assert.ErrorIs(t, err, experimentdomain.ErrArchived)

	got, err := f.svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, experimentdomain.StatusCancelled, got.Status)
}

func TestLookupsRejectBadIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Get(ctx, "not-a-number")
	assert.ErrorIs(t, err, experimentdomain.ErrInvalidID)
	_, err = f.svc.Get(ctx, "")
	assert.ErrorIs(t, err, experimentdomain.ErrInvalidID)
	_, err = f.svc.Get(ctx, "12345")
	assert.ErrorIs(t, err, experimentdomain.ErrNotFound)
	_, err = f.svc.RotationHistory(ctx, "12345")
	assert.ErrorIs(t, err, experimentdomain.ErrNotFound)
	_, err = f.svc.Results(ctx, "12345")
	assert.ErrorIs(t, err, experimentdomain.ErrNotFound)
}

func TestHistorySnapshotsAndResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.Create(ctx, validRequest())
	require.NoError(t, err)
	id := mustID(t, created.ID)

	exp, err := f.store.Load(ctx, id)
	require.NoError(t, err)

	appendSnapshot := func(snapshotID snowflake.ID, position int, at time.Time, views, impressions, clicks int64) {
		require.NoError(t, f.store.AppendAnalyticsSnapshot(ctx, experimentdomain.AnalyticsSnapshot{
			ID:           snapshotID,
			ExperimentID: id,
			VariantID:    exp.Variants[position].ID,
			Position:     position,
			PolledAt:     at,
			Views:        views,
			Impressions:  impressions,
			Clicks:       clicks,
			Raw:          datatypes.JSON(`{}`),
		}))
	}
	appendSnapshot(900001, 0, t0.Add(5*time.Minute), 100, 1000, 10)
	appendSnapshot(900002, 0, t0.Add(10*time.Minute), 150, 2000, 20)

	_, err = f.svc.TriggerNow(ctx, created.ID)
	require.NoError(t, err)
	appendSnapshot(900003, 1, t0.Add(35*time.Minute), 200, 2500, 60)
	appendSnapshot(900004, 1, t0.Add(40*time.Minute), 260, 3500, 100)

	history, err := f.svc.RotationHistory(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "First title", history[0].Text)
	assert.Equal(t, "Second title", history[1].Text)

	snapshots, err := f.svc.Snapshots(ctx, created.ID)
	require.NoError(t, err)
	assert.Len(t, snapshots, 4)

	results, err := f.svc.Results(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, results.ExperimentID)
	require.Len(t, results.Variants, 3)
	assert.Equal(t, int64(50), results.Variants[0].Views)
	assert.Equal(t, int64(60), results.Variants[1].Views)
	assert.Equal(t, 1, results.LeaderPosition)
}
