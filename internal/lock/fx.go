package lock

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/headliner/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("lock",
	fx.Provide(NewLocker),
)

type Params struct {
	fx.In

	Config config.Config
	Redis  *redis.Client `optional:"true"`
	Log    *zap.Logger
}

// NewLocker returns a redis locker when fire locking is enabled and redis is
// configured; otherwise every lock is granted locally.
func NewLocker(p Params) Locker {
	if p.Config.Scheduler.FireLock && p.Redis != nil {
		p.Log.Info("scheduler fire lock enabled")
		return NewRedisLocker(p.Redis)
	}
	if p.Config.Scheduler.FireLock {
		p.Log.Warn("scheduler fire lock requested without redis, using local locks")
	}
	return Nop{}
}
