package redisconn

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitled/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// New builds the shared redis client. Returns nil when no address is
// configured; consumers treat a nil client as an always-miss backend.
func New(cfg config.Config, log *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		log.Warn("redis not configured, idempotency guard and cache run degraded")
		return nil
	}

	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func registerHooks(lc fx.Lifecycle, client *redis.Client) {
	if client == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			_ = ctx
			return client.Close()
		},
	})
}

// Module wires the redis client.
var Module = fx.Module("redis",
	fx.Provide(New),
	fx.Invoke(registerHooks),
)
