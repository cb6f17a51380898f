package scheduler

import (
	"context"
	"time"

	"github.com/smallbiznis/railpay/internal/clock"
	"github.com/smallbiznis/railpay/internal/config"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SweeperConfig controls the recovery sweep loop.
type SweeperConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxAttempts matches the runner's bound; exhausted targets are not
	// re-enqueued.
	MaxAttempts int
	// GatewayDelay is how long a PENDING refund or transfer may wait for its
	// first gateway call before it counts as lost.
	GatewayDelay time.Duration
}

func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		BatchSize:    100,
		PollInterval: 5 * time.Minute,
		MaxAttempts:  DefaultConfig().MaxAttempts,
		GatewayDelay: time.Minute,
	}
}

func SweeperConfigFrom(cfg config.Config) SweeperConfig {
	return SweeperConfig{
		MaxAttempts:  cfg.Scheduler.MaxAttempts,
		GatewayDelay: cfg.Scheduler.GatewayDelay,
	}.withDefaults()
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	defaults := DefaultSweeperConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.GatewayDelay <= 0 {
		c.GatewayDelay = defaults.GatewayDelay
	}
	return c
}

type SweeperParams struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Charges   domain.ChargeRepository
	Refunds   domain.RefundRepository
	Transfers domain.TransferRepository
	Attempts  domain.TaskAttemptRepository
	Scheduler domain.Scheduler
	Config    SweeperConfig `optional:"true"`
}

// Sweeper re-enqueues tasks that an in-process backend lost or that were
// never scheduled: expiry checks for NOTPAY charges past expired_at and
// gateway calls for refunds and transfers still PENDING. Targets are
// enqueued at their next ledger attempt, and exhausted or recently run
// targets are skipped.
type Sweeper struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	charges   domain.ChargeRepository
	refunds   domain.RefundRepository
	transfers domain.TransferRepository
	attempts  domain.TaskAttemptRepository
	scheduler domain.Scheduler
	cfg       SweeperConfig
}

func NewSweeper(p SweeperParams) *Sweeper {
	return &Sweeper{
		db:        p.DB,
		log:       p.Log.Named("scheduler.sweeper"),
		clock:     p.Clock,
		charges:   p.Charges,
		refunds:   p.Refunds,
		transfers: p.Transfers,
		attempts:  p.Attempts,
		scheduler: p.Scheduler,
		cfg:       p.Config.withDefaults(),
	}
}

func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("recovery sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce schedules one batch of each kind and returns how many tasks were
// enqueued.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	now := s.clock.Now()
	filter := domain.SweepFilter{
		Before:      now,
		IdleSince:   now.Add(-s.cfg.PollInterval),
		MaxAttempts: s.cfg.MaxAttempts,
		Limit:       s.cfg.BatchSize,
	}

	var targets []domain.Task
	charges, err := s.charges.ListExpiredNotPay(ctx, s.db, filter)
	if err != nil {
		return 0, err
	}
	for _, charge := range charges {
		targets = append(targets, domain.Task{Kind: domain.TaskChargeExpiry, TargetID: charge.ID})
	}

	filter.Before = now.Add(-s.cfg.GatewayDelay)
	refunds, err := s.refunds.ListStalePending(ctx, s.db, filter)
	if err != nil {
		return 0, err
	}
	for _, refund := range refunds {
		targets = append(targets, domain.Task{Kind: domain.TaskRefundGateway, TargetID: refund.ID})
	}
	transfers, err := s.transfers.ListStalePending(ctx, s.db, filter)
	if err != nil {
		return 0, err
	}
	for _, transfer := range transfers {
		targets = append(targets, domain.Task{Kind: domain.TaskTransferGateway, TargetID: transfer.ID})
	}

	scheduled := 0
	for _, task := range targets {
		attempt, err := s.attempts.Find(ctx, s.db, task.Kind, task.TargetID)
		if err != nil {
			return scheduled, err
		}
		task.Attempt = 1
		if attempt != nil {
			task.Attempt = attempt.Attempts + 1
		}
		if err := s.scheduler.Schedule(ctx, task, now); err != nil {
			return scheduled, err
		}
		scheduled++
	}
	if scheduled > 0 {
		s.log.Info("lost tasks re-enqueued",
			zap.Int("charges", len(charges)),
			zap.Int("refunds", len(refunds)),
			zap.Int("transfers", len(transfers)),
		)
	}
	return scheduled, nil
}
