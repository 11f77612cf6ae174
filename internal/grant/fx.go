package grant

import (
	"github.com/smallbiznis/entitled/internal/grant/repository"
	"github.com/smallbiznis/entitled/internal/grant/service"
	"go.uber.org/fx"
)

var Module = fx.Module("grant",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
