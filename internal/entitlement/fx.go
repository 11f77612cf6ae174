package entitlement

import (
	"github.com/smallbiznis/entitled/internal/entitlement/cache"
	"github.com/smallbiznis/entitled/internal/entitlement/repository"
	"github.com/smallbiznis/entitled/internal/entitlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(repository.Provide),
	fx.Provide(cache.New),
	fx.Provide(service.NewService),
)
