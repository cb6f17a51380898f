package payment

import (
	"github.com/smallbiznis/railpay/internal/config"
	"github.com/smallbiznis/railpay/internal/observability/metrics"
	"github.com/smallbiznis/railpay/internal/payment/adapters"
	"github.com/smallbiznis/railpay/internal/payment/adapters/alipay"
	"github.com/smallbiznis/railpay/internal/payment/adapters/unionpay"
	"github.com/smallbiznis/railpay/internal/payment/adapters/wechat"
	"github.com/smallbiznis/railpay/internal/payment/charge"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"github.com/smallbiznis/railpay/internal/payment/reconcile"
	"github.com/smallbiznis/railpay/internal/payment/refund"
	"github.com/smallbiznis/railpay/internal/payment/repository"
	"github.com/smallbiznis/railpay/internal/payment/transfer"
	"github.com/smallbiznis/railpay/internal/scheduler"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewRegistry),
	fx.Provide(refund.NewService),
	fx.Provide(charge.NewService),
	fx.Provide(transfer.NewService),
	fx.Provide(reconcile.NewService),
	fx.Invoke(RegisterTasks),
)

// NewRegistry builds adapters for every enabled channel. A channel whose
// keys do not load fails startup.
func NewRegistry(cfg config.Config, m *metrics.PaymentMetrics, log *zap.Logger) (*adapters.Registry, error) {
	var channels []domain.Channel
	if cfg.Channels.Alipay.Enabled {
		adapter, err := alipay.New(cfg.Channels.Alipay, m, log)
		if err != nil {
			return nil, err
		}
		channels = append(channels, adapter)
	}
	if cfg.Channels.Wechat.Enabled {
		adapter, err := wechat.New(cfg.Channels.Wechat, m, log)
		if err != nil {
			return nil, err
		}
		channels = append(channels, adapter)
	}
	if cfg.Channels.UnionPay.Enabled {
		adapter, err := unionpay.New(cfg.Channels.UnionPay, m, log)
		if err != nil {
			return nil, err
		}
		channels = append(channels, adapter)
	}
	registry := adapters.NewRegistry(channels...)
	log.Info("payment channels enabled", zap.Strings("channels", registry.Names()))
	return registry, nil
}

// RegisterTasks binds the scheduled task kinds to their state machines.
func RegisterTasks(runner *scheduler.Runner, charges domain.ChargeService, refunds domain.RefundService, transfers domain.TransferService) {
	runner.Handle(domain.TaskChargeExpiry, charges.HandleExpiry)
	runner.Handle(domain.TaskRefundGateway, refunds.HandleTask)
	runner.Handle(domain.TaskTransferGateway, transfers.HandleTask)
}
