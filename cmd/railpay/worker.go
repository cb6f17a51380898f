package main

import (
	"github.com/smallbiznis/railpay/internal/events"
	"github.com/smallbiznis/railpay/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run scheduled gateway tasks, the expiry sweeper and the outbox relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			app := fx.New(
				coreModules(cfg),
				scheduler.WorkerModule,
				events.RelayModule,
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}
