package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/railpay/internal/clock"
	"github.com/smallbiznis/railpay/internal/config"
	"github.com/smallbiznis/railpay/internal/observability/metrics"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Config bounds task retries.
type Config struct {
	MaxAttempts        int
	ExpiryPollInterval time.Duration
	RetryBackoff       time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:        5,
		ExpiryPollInterval: 2 * time.Minute,
		RetryBackoff:       30 * time.Second,
	}
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		MaxAttempts:        cfg.Scheduler.MaxAttempts,
		ExpiryPollInterval: cfg.Scheduler.ExpiryPollInterval,
		RetryBackoff:       cfg.Scheduler.RetryBackoff,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.ExpiryPollInterval <= 0 {
		c.ExpiryPollInterval = defaults.ExpiryPollInterval
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaults.RetryBackoff
	}
	return c
}

// Backoff is the delay before attempt+1 of task.
func (c Config) Backoff(task domain.Task) time.Duration {
	if task.Kind == domain.TaskChargeExpiry {
		return c.ExpiryPollInterval
	}
	attempt := task.Attempt
	if attempt < 1 {
		attempt = 1
	}
	return c.RetryBackoff * time.Duration(attempt)
}

type RunnerParams struct {
	fx.In

	Log       *zap.Logger
	Clock     clock.Clock
	Scheduler domain.Scheduler
	DB        *gorm.DB                     `optional:"true"`
	Attempts  domain.TaskAttemptRepository `optional:"true"`
	Metrics   *metrics.PaymentMetrics      `optional:"true"`
	Config    Config                       `optional:"true"`
}

// Runner executes tasks against registered handlers and owns the retry
// policy. The state machines own the guards.
type Runner struct {
	log       *zap.Logger
	clock     clock.Clock
	scheduler domain.Scheduler
	db        *gorm.DB
	attempts  domain.TaskAttemptRepository
	metrics   *metrics.PaymentMetrics
	cfg       Config

	mu       sync.RWMutex
	handlers map[domain.TaskKind]domain.TaskHandler
}

func NewRunner(p RunnerParams) *Runner {
	return &Runner{
		log:       p.Log.Named("scheduler.runner"),
		clock:     p.Clock,
		scheduler: p.Scheduler,
		db:        p.DB,
		attempts:  p.Attempts,
		metrics:   p.Metrics,
		cfg:       p.Config.withDefaults(),
		handlers:  map[domain.TaskKind]domain.TaskHandler{},
	}
}

func (r *Runner) Handle(kind domain.TaskKind, handler domain.TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
}

func (r *Runner) Kinds() []domain.TaskKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]domain.TaskKind, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Run executes task once. A handler asking for a retry is re-enqueued with
// the next attempt number until MaxAttempts is reached, after which the task
// is reported as exhausted. With a ledger configured the attempt number is
// the persisted run count, and targets past MaxAttempts are dropped without
// running. Run only returns an error when the ledger or re-enqueueing fails.
func (r *Runner) Run(ctx context.Context, task domain.Task) error {
	if task.Attempt < 1 {
		task.Attempt = 1
	}
	r.mu.RLock()
	handler, ok := r.handlers[task.Kind]
	r.mu.RUnlock()
	if !ok {
		r.log.Error("no handler for task", zap.String("kind", string(task.Kind)))
		return nil
	}

	if r.attempts != nil && r.db != nil {
		attempt, err := r.attempts.Claim(ctx, r.db, task.Kind, task.TargetID, r.clock.Now())
		if err != nil {
			return fmt.Errorf("claim %s %s: %w", task.Kind, task.TargetID, err)
		}
		if attempt > r.cfg.MaxAttempts {
			r.log.Debug("task already exhausted, dropping",
				zap.String("kind", string(task.Kind)),
				zap.String("target_id", task.TargetID.String()),
				zap.Int("attempt", attempt),
			)
			return nil
		}
		task.Attempt = attempt
	}

	log := r.log.With(
		zap.String("kind", string(task.Kind)),
		zap.String("target_id", task.TargetID.String()),
		zap.Int("attempt", task.Attempt),
	)

	err := handler(ctx, task)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotFound):
		log.Warn("task target not found, dropping")
		return nil
	case !errors.Is(err, domain.ErrRetryLater):
		log.Warn("task failed", zap.Error(err))
	}

	if task.Attempt >= r.cfg.MaxAttempts {
		log.Error("task exhausted retries",
			zap.Int("max_attempts", r.cfg.MaxAttempts),
			zap.Error(err),
		)
		r.metrics.IncSchedulerExhausted(string(task.Kind))
		return nil
	}

	next := task.Next()
	runAt := r.clock.Now().Add(r.cfg.Backoff(task))
	if err := r.scheduler.Schedule(ctx, next, runAt); err != nil {
		return fmt.Errorf("reschedule %s %s: %w", task.Kind, task.TargetID, err)
	}
	r.metrics.IncSchedulerRetry(string(task.Kind))
	log.Debug("task rescheduled", zap.Time("run_at", runAt))
	return nil
}
