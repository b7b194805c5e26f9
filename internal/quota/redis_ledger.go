package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/headliner/internal/clock"
	"github.com/smallbiznis/headliner/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const counterTTL = 48 * time.Hour

const reserveScript = `
local cost = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local consumed = tonumber(redis.call("GET", KEYS[1]) or "0")
if consumed + cost > limit then
  return {0, consumed}
end

consumed = redis.call("INCRBY", KEYS[1], cost)
redis.call("EXPIRE", KEYS[1], ttl)

-- Return: admitted, consumed
return {1, consumed}
`

// RedisLedger shares counters across replicas. Each key holds one owner's
// units for one quota day and expires after the day has passed.
type RedisLedger struct {
	client *redis.Client
	script *redis.Script
	tuning *config.TuningHolder
	window window
	log    *zap.Logger
}

func NewRedisLedger(client *redis.Client, tuning *config.TuningHolder, cfg config.QuotaConfig, clk clock.Clock, log *zap.Logger) (*RedisLedger, error) {
	if client == nil {
		return nil, errors.New("quota redis client not configured")
	}
	w, err := newWindow(cfg, clk)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisLedger{
		client: client,
		script: redis.NewScript(reserveScript),
		tuning: tuning,
		window: w,
		log:    log.Named("quota.redis"),
	}, nil
}

func counterKey(ownerID, dateKey string) string {
	return fmt.Sprintf("headliner:quota:%s:%s", ownerID, dateKey)
}

func (l *RedisLedger) CheckAndReserve(ctx context.Context, ownerID string, cost int64) (Reservation, error) {
	if err := validate(ownerID, cost); err != nil {
		return Reservation{}, err
	}
	ownerID = strings.TrimSpace(ownerID)
	limit := l.tuning.Get().DailyQuotaUnits
	key, _ := l.window.current()

	res, err := l.script.Run(
		ctx,
		l.client,
		[]string{counterKey(ownerID, key)},
		cost,
		limit,
		int64(counterTTL/time.Second),
	).Slice()
	if err != nil {
		return Reservation{}, err
	}
	if len(res) < 2 {
		return Reservation{}, errors.New("invalid quota script response")
	}

	out := Reservation{
		Admitted: castToInt(res[0]) == 1,
		Consumed: castToInt(res[1]),
		Limit:    limit,
	}
	if !out.Admitted {
		l.log.Debug("quota reservation denied",
			zap.String("owner_id", ownerID),
			zap.Int64("cost", cost),
			zap.Int64("consumed", out.Consumed),
			zap.Int64("limit", limit),
		)
	}
	return out, nil
}

func (l *RedisLedger) Status(ctx context.Context, ownerID string) (Status, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Status{}, ErrInvalidOwner
	}
	key, resetsAt := l.window.current()

	consumed, err := l.client.Get(ctx, counterKey(ownerID, key)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Status{}, err
	}
	return buildStatus(ownerID, key, resetsAt, consumed, l.tuning.Get().DailyQuotaUnits), nil
}

func castToInt(v interface{}) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	default:
		return 0
	}
}
