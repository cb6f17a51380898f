package scheduler

import (
	"context"
	"strings"

	"github.com/smallbiznis/railpay/internal/clock"
	"github.com/smallbiznis/railpay/internal/config"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the task backend. It only enqueues; WorkerModule consumes.
var Module = fx.Module("scheduler",
	fx.Provide(ConfigFrom),
	fx.Provide(NewBackend),
	fx.Provide(func(b Backend) domain.Scheduler { return b }),
	fx.Provide(NewRunner),
)

// WorkerModule starts task consumption and the expiry sweeper.
var WorkerModule = fx.Module("scheduler.worker",
	fx.Provide(SweeperConfigFrom),
	fx.Provide(NewSweeper),
	fx.Invoke(runWorker),
)

// NewBackend uses asynq when Redis is configured and the in-process backend
// otherwise.
func NewBackend(lc fx.Lifecycle, cfg config.Config, clk clock.Clock, log *zap.Logger) Backend {
	var backend Backend
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		backend = NewAsynqBackend(cfg, log)
	} else {
		backend = NewLocalBackend(clk, log)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			backend.Stop()
			return nil
		},
	})
	return backend
}

func runWorker(lc fx.Lifecycle, backend Backend, runner *Runner, sweeper *Sweeper, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := backend.Start(runner); err != nil {
				cancel()
				return err
			}
			go sweeper.RunForever(ctx)
			log.Info("scheduler worker started")
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
