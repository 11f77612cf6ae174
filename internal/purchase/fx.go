package purchase

import (
	"github.com/smallbiznis/entitled/internal/purchase/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("purchase",
	fx.Provide(repository.Provide),
)
