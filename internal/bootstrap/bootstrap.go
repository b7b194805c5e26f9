// Package bootstrap assembles the fx graph shared by every headliner process.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/headliner/internal/analytics"
	"github.com/smallbiznis/headliner/internal/clock"
	"github.com/smallbiznis/headliner/internal/config"
	"github.com/smallbiznis/headliner/internal/credential"
	"github.com/smallbiznis/headliner/internal/events"
	"github.com/smallbiznis/headliner/internal/experiment"
	"github.com/smallbiznis/headliner/internal/lock"
	"github.com/smallbiznis/headliner/internal/migration"
	"github.com/smallbiznis/headliner/internal/observability"
	"github.com/smallbiznis/headliner/internal/platform"
	"github.com/smallbiznis/headliner/internal/quota"
	"github.com/smallbiznis/headliner/internal/rotation"
	"github.com/smallbiznis/headliner/internal/scheduler"
	"github.com/smallbiznis/headliner/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Core is the infrastructure every process needs.
var Core = fx.Options(
	config.Module,
	observability.Module,
	fx.Provide(RegisterSnowflake),
	fx.Provide(RegisterRedis),
	db.Module,
	clock.Module,
	migration.Module,
)

// Domain wires rotation and polling onto the scheduler.
var Domain = fx.Options(
	experiment.Module,
	credential.Module,
	quota.Module,
	platform.Module,
	events.Module,
	rotation.Module,
	analytics.Module,
	lock.Module,
	scheduler.Module,
)

// RegisterSnowflake builds the id generator for this node. Every process
// sharing a database needs a distinct NODE_ID.
func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.Scheduler.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.Scheduler.NodeID, err)
	}
	return node, nil
}

// RegisterRedis returns nil when REDIS_ADDR is unset; consumers take the
// client as optional.
func RegisterRedis(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*redis.Client, error) {
	if !cfg.Redis.Enabled() {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
			}
			log.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}
