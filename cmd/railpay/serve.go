package main

import (
	"strings"

	"github.com/smallbiznis/railpay/internal/events"
	"github.com/smallbiznis/railpay/internal/migration"
	"github.com/smallbiznis/railpay/internal/scheduler"
	"github.com/smallbiznis/railpay/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the payment API and gateway notification endpoints",
		Long: `Serve the HTTP API.

Without redis.addr the retry scheduler runs in-process, so the task worker
and the outbox relay start alongside the server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			opts := []fx.Option{
				coreModules(cfg),
				migration.Module,
				server.Module,
			}
			if strings.TrimSpace(cfg.Redis.Addr) == "" {
				opts = append(opts, scheduler.WorkerModule, events.RelayModule)
			}

			app := fx.New(opts...)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}
