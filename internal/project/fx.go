package project

import (
	"github.com/smallbiznis/entitled/internal/project/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("project",
	fx.Provide(repository.Provide),
)
