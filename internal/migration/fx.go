package migration

import (
	"github.com/smallbiznis/railpay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module migrates the schema at startup when database.auto_migrate is set.
var Module = fx.Module("migration",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !cfg.Database.AutoMigrate {
			return nil
		}
		if err := RunMigrations(conn); err != nil {
			return err
		}
		log.Info("database schema migrated")
		return nil
	}),
)
