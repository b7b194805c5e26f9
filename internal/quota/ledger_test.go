package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/headliner/internal/clock"
	"github.com/smallbiznis/headliner/internal/config"
	"github.com/smallbiznis/headliner/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2026-03-01 23:30 in Los Angeles.
var lateEvening = time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC)

func tuningWithLimit(limit int64) *config.TuningHolder {
	cfg := config.DefaultTuning()
	cfg.DailyQuotaUnits = limit
	return config.NewStaticTuning(cfg)
}

type ledgerFactory func(t *testing.T, limit int64, clk clock.Clock) Ledger

func ledgers() map[string]ledgerFactory {
	return map[string]ledgerFactory{
		"db": func(t *testing.T, limit int64, clk clock.Clock) Ledger {
			conn, err := db.OpenInMemory(t.Name())
			require.NoError(t, err)
			require.NoError(t, conn.AutoMigrate(&Counter{}))
			l, err := NewDBLedger(conn, tuningWithLimit(limit), config.QuotaConfig{}, clk, nil)
			require.NoError(t, err)
			return l
		},
		"redis": func(t *testing.T, limit int64, clk clock.Clock) Ledger {
			s := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: s.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			l, err := NewRedisLedger(client, tuningWithLimit(limit), config.QuotaConfig{}, clk, nil)
			require.NoError(t, err)
			return l
		},
	}
}

func TestCheckAndReserveNeverExceedsLimit(t *testing.T) {
	for name, factory := range ledgers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := factory(t, 100, clock.NewFakeClock(lateEvening))

			res, err := l.CheckAndReserve(ctx, "owner-1", 50)
			require.NoError(t, err)
			assert.True(t, res.Admitted)
			assert.Equal(t, int64(50), res.Consumed)

			res, err = l.CheckAndReserve(ctx, "owner-1", 50)
			require.NoError(t, err)
			assert.True(t, res.Admitted)
			assert.Equal(t, int64(100), res.Consumed)

			res, err = l.CheckAndReserve(ctx, "owner-1", 1)
			require.NoError(t, err)
			assert.False(t, res.Admitted)
			assert.Equal(t, int64(100), res.Consumed)

			status, err := l.Status(ctx, "owner-1")
			require.NoError(t, err)
			assert.Equal(t, int64(100), status.Consumed)
			assert.Equal(t, int64(0), status.Remaining)
			assert.Equal(t, "2026-03-01", status.DateKey)

			other, err := l.Status(ctx, "owner-2")
			require.NoError(t, err)
			assert.Equal(t, int64(0), other.Consumed)
			assert.Equal(t, int64(100), other.Remaining)
		})
	}
}

func TestDeniedReservationDoesNotMutate(t *testing.T) {
	for name, factory := range ledgers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := factory(t, 60, clock.NewFakeClock(lateEvening))

			_, err := l.CheckAndReserve(ctx, "owner-1", 50)
			require.NoError(t, err)
			res, err := l.CheckAndReserve(ctx, "owner-1", 50)
			require.NoError(t, err)
			assert.False(t, res.Admitted)

			res, err = l.CheckAndReserve(ctx, "owner-1", 500)
			require.NoError(t, err)
			assert.False(t, res.Admitted)

			status, err := l.Status(ctx, "owner-1")
			require.NoError(t, err)
			assert.Equal(t, int64(50), status.Consumed)

			res, err = l.CheckAndReserve(ctx, "owner-1", 10)
			require.NoError(t, err)
			assert.True(t, res.Admitted)
		})
	}
}

func TestRolloverStartsNewDay(t *testing.T) {
	for name, factory := range ledgers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := clock.NewFakeClock(lateEvening)
			l := factory(t, 50, clk)

			res, err := l.CheckAndReserve(ctx, "owner-1", 50)
			require.NoError(t, err)
			require.True(t, res.Admitted)

			status, err := l.Status(ctx, "owner-1")
			require.NoError(t, err)
			assert.Equal(t, time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), status.ResetsAt)

			clk.Advance(45 * time.Minute)
			res, err = l.CheckAndReserve(ctx, "owner-1", 50)
			require.NoError(t, err)
			assert.True(t, res.Admitted)
			assert.Equal(t, int64(50), res.Consumed)

			status, err = l.Status(ctx, "owner-1")
			require.NoError(t, err)
			assert.Equal(t, "2026-03-02", status.DateKey)
		})
	}
}

func TestConcurrentReservationsRespectLimit(t *testing.T) {
	for name, factory := range ledgers() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := factory(t, 500, clock.NewFakeClock(lateEvening))

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				admitted int
			)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := l.CheckAndReserve(ctx, "owner-1", 50)
					if err != nil || !res.Admitted {
						return
					}
					mu.Lock()
					admitted++
					mu.Unlock()
				}()
			}
			wg.Wait()

			assert.Equal(t, 10, admitted)
			status, err := l.Status(ctx, "owner-1")
			require.NoError(t, err)
			assert.Equal(t, int64(500), status.Consumed)
		})
	}
}

func TestInvalidInput(t *testing.T) {
	for name, factory := range ledgers() {
		t.Run(name, func(t *testing.T) {
			l := factory(t, 100, clock.NewFakeClock(lateEvening))
			_, err := l.CheckAndReserve(context.Background(), "owner-1", 0)
			assert.ErrorIs(t, err, ErrInvalidCost)
			_, err = l.CheckAndReserve(context.Background(), " ", 1)
			assert.ErrorIs(t, err, ErrInvalidOwner)
		})
	}
}

func TestNewLedgerSelectsBackend(t *testing.T) {
	conn, err := db.OpenInMemory(t.Name())
	require.NoError(t, err)

	p := Params{Tuning: tuningWithLimit(10), DB: conn, Clock: clock.NewFakeClock(lateEvening)}
	l, err := NewLedger(p)
	require.NoError(t, err)
	assert.IsType(t, &DBLedger{}, l)

	p.Config.Quota.Backend = "redis"
	_, err = NewLedger(p)
	assert.Error(t, err)

	p.Config.Quota.Backend = "memcache"
	_, err = NewLedger(p)
	assert.Error(t, err)
}
