package webhook

import (
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitled/internal/config"
	"github.com/smallbiznis/entitled/internal/webhook/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("webhook",
	fx.Provide(
		repository.Provide,
		func(client *redis.Client, log *zap.Logger, cfg config.Config) *Guard {
			return NewGuard(client, log, cfg.EventGuardTTL)
		},
		NewHandlers,
		NewPipeline,
	),
)
