package main

import (
	"fmt"
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railpay/internal/clock"
	"github.com/smallbiznis/railpay/internal/config"
	"github.com/smallbiznis/railpay/internal/events"
	"github.com/smallbiznis/railpay/internal/observability"
	"github.com/smallbiznis/railpay/internal/observability/tracing"
	"github.com/smallbiznis/railpay/internal/payment"
	"github.com/smallbiznis/railpay/internal/scheduler"
	"github.com/smallbiznis/railpay/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "railpay",
		Short:        "railpay - payment lifecycle and reconciliation engine",
		Version:      tracing.Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(syncCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

// coreModules wires everything the payment state machines need.
func coreModules(cfg config.Config) fx.Option {
	return fx.Options(
		config.Module(cfg),
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		events.Module,
		scheduler.Module,
		payment.Module,
	)
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
