package main

import (
	"context"
	"fmt"

	"github.com/smallbiznis/railpay/internal/config"
	"github.com/smallbiznis/railpay/internal/migration"
	"github.com/smallbiznis/railpay/internal/observability/logger"
	"github.com/smallbiznis/railpay/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the payment tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			app := fx.New(
				config.Module(cfg),
				logger.Module,
				db.Module,
				fx.Invoke(func(conn *gorm.DB, log *zap.Logger) error {
					if err := migration.RunMigrations(conn); err != nil {
						return fmt.Errorf("migrate: %w", err)
					}
					log.Info("database schema migrated", zap.Int("tables", len(migration.Models())))
					return nil
				}),
				fx.NopLogger,
			)
			if err := app.Err(); err != nil {
				return err
			}
			if err := app.Start(cmd.Context()); err != nil {
				return err
			}
			return app.Stop(context.Background())
		},
	}
}
