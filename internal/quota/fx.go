package quota

import (
	"fmt"

	"github.com/smallbiznis/headliner/internal/clock"
	"github.com/smallbiznis/headliner/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("quota",
	fx.Provide(NewLedger),
)

type Params struct {
	fx.In

	Config config.Config
	Tuning *config.TuningHolder
	DB     *gorm.DB
	Redis  *redis.Client `optional:"true"`
	Clock  clock.Clock
	Log    *zap.Logger
}

// NewLedger selects the backend named by QUOTA_BACKEND.
func NewLedger(p Params) (Ledger, error) {
	switch p.Config.Quota.Backend {
	case "", "db":
		return NewDBLedger(p.DB, p.Tuning, p.Config.Quota, p.Clock, p.Log)
	case "redis":
		if p.Redis == nil {
			return nil, fmt.Errorf("quota backend redis requires REDIS_ADDR")
		}
		return NewRedisLedger(p.Redis, p.Tuning, p.Config.Quota, p.Clock, p.Log)
	default:
		return nil, fmt.Errorf("unsupported quota backend %q", p.Config.Quota.Backend)
	}
}
