package migration

import (
	"github.com/smallbiznis/entitled/internal/config"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Module applies embedded migrations on startup. Postgres only; the
// sqlite dialector is a test convenience and creates its schema itself.
var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}

		return RunMigrations(sqlDB)
	}),
)
