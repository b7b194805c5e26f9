package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/headliner/internal/clock"
	experimentdomain "github.com/smallbiznis/headliner/internal/experiment/domain"
	"github.com/smallbiznis/headliner/internal/migration"
	"github.com/smallbiznis/headliner/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (experimentdomain.Store, *clock.FakeClock) {
	t.Helper()
	conn, err := db.OpenInMemory(t.Name())
	require.NoError(t, err)
	require.NoError(t, migration.AutoMigrate(conn))
	clk := clock.NewFakeClock(base)
	return Provide(conn, clk), clk
}

func seed(t *testing.T, s experimentdomain.Store, id snowflake.ID, titles ...string) *experimentdomain.Experiment {
	t.Helper()
	exp := &experimentdomain.Experiment{
		ID:              id,
		OwnerID:         "owner-1",
		VideoID:         "video-1",
		IntervalSeconds: 1800,
		Status:          experimentdomain.StatusPending,
		ActiveIndex:     experimentdomain.NoActiveIndex,
		Metadata:        datatypes.JSONMap{"source": "test"},
	}
	for i, title := range titles {
		exp.Variants = append(exp.Variants, experimentdomain.Variant{
			ID:       id*10 + snowflake.ID(i),
			Position: i,
			Text:     title,
		})
	}
	require.NoError(t, s.Create(context.Background(), exp))
	return exp
}

func TestCreateAndLoad(t *testing.T) {
	s, _ := newStore(t)
	seed(t, s, 1, "A", "B", "C")

	got, err := s.Load(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, experimentdomain.NoActiveIndex, got.ActiveIndex)
	require.Len(t, got.Variants, 3)
	assert.Equal(t, "C", got.Variants[2].Text)
	assert.Equal(t, "test", got.Metadata["source"])

	_, err = s.Load(context.Background(), 99)
	assert.ErrorIs(t, err, experimentdomain.ErrNotFound)
}

func TestSaveIsVersionGuarded(t *testing.T) {
	s, _ := newStore(t)
	seed(t, s, 1, "A", "B")
	ctx := context.Background()

	first, err := s.Load(ctx, 1)
	require.NoError(t, err)
	stale, err := s.Load(ctx, 1)
	require.NoError(t, err)

	first.Activate(0, base)
	require.NoError(t, s.Save(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	stale.Activate(1, base)
	assert.ErrorIs(t, s.Save(ctx, stale), experimentdomain.ErrVersionConflict)

	got, err := s.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ActiveIndex)
	assert.True(t, got.Variants[0].Active)
	assert.False(t, got.Variants[1].Active)
	require.NoError(t, got.CheckInvariant())

	missing := &experimentdomain.Experiment{ID: 404, Version: 1}
	assert.ErrorIs(t, s.Save(ctx, missing), experimentdomain.ErrNotFound)
}

func TestSaveWithRotationIsAtomic(t *testing.T) {
	s, _ := newStore(t)
	exp := seed(t, s, 1, "A", "B")
	ctx := context.Background()

	exp.Activate(0, base)
	entry := experimentdomain.RotationLogEntry{ID: 500, ExperimentID: 1, VariantID: exp.Variants[0].ID, Position: 0, Sequence: 0, Text: "A", ActivatedAt: base}
	require.NoError(t, s.SaveWithRotation(ctx, exp, entry))

	// A duplicate sequence rolls back the state change too.
	exp.Activate(1, base.Add(time.Hour))
	dup := entry
	dup.ID = 501
	err := s.SaveWithRotation(ctx, exp, dup)
	assert.ErrorIs(t, err, experimentdomain.ErrVersionConflict)

	got, err := s.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ActiveIndex)
	assert.Equal(t, int64(2), got.Version)

	log, err := s.ListRotationLog(ctx, 1)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "A", log[0].Text)
}

func TestListQueries(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	active := seed(t, s, 1, "A", "B")
	active.Activate(0, base)
	require.NoError(t, s.Save(ctx, active))

	future := base.Add(time.Hour)
	pendingLater := &experimentdomain.Experiment{ID: 2, OwnerID: "o", VideoID: "v", IntervalSeconds: 60, Status: experimentdomain.StatusPending, ActiveIndex: -1, StartsAt: &future}
	require.NoError(t, s.Create(ctx, pendingLater))
	seed(t, s, 3, "X", "Y")

	ended := base.Add(-time.Minute)
	paused := seed(t, s, 4, "P", "Q")
	paused.Status = experimentdomain.StatusPaused
	paused.EndsAt = &ended
	require.NoError(t, s.Save(ctx, paused))

	list, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, snowflake.ID(1), list[0].ID)
	assert.Len(t, list[0].Variants, 2)

	due, err := s.ListDuePending(ctx, base)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, snowflake.ID(3), due[0].ID)

	due, err = s.ListDuePending(ctx, future)
	require.NoError(t, err)
	assert.Len(t, due, 2)

	expired, err := s.ListEnded(ctx, base)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, snowflake.ID(4), expired[0].ID)
}

func TestSnapshotsAreAppendOnlyAndOrdered(t *testing.T) {
	s, _ := newStore(t)
	seed(t, s, 1, "A", "B")
	ctx := context.Background()

	later := experimentdomain.AnalyticsSnapshot{ID: 2, ExperimentID: 1, VariantID: 10, PolledAt: base.Add(5 * time.Minute), Views: 20, Raw: datatypes.JSON(`{"views":20}`)}
	earlier := experimentdomain.AnalyticsSnapshot{ID: 1, ExperimentID: 1, VariantID: 10, PolledAt: base, Views: 10}
	require.NoError(t, s.AppendAnalyticsSnapshot(ctx, later))
	require.NoError(t, s.AppendAnalyticsSnapshot(ctx, earlier))

	got, err := s.ListSnapshots(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(10), got[0].Views)
	assert.Equal(t, int64(20), got[1].Views)
}

func TestArchiveOnlyTerminal(t *testing.T) {
	s, clk := newStore(t)
	exp := seed(t, s, 1, "A", "B")
	ctx := context.Background()

	assert.ErrorIs(t, s.Archive(ctx, 1, clk.Now()), experimentdomain.ErrNotTerminal)

	exp.Status = experimentdomain.StatusCancelled
	require.NoError(t, s.Save(ctx, exp))
	require.NoError(t, s.Archive(ctx, 1, clk.Now()))
	assert.ErrorIs(t, s.Archive(ctx, 1, clk.Now()), experimentdomain.ErrArchived)
	assert.ErrorIs(t, s.Archive(ctx, 9, clk.Now()), experimentdomain.ErrNotFound)
}
