package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/smallbiznis/railpay/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Subscriber receives delivered events. Returning an error leaves the event
// unpublished for the next relay pass.
type Subscriber func(ctx context.Context, delivery Delivery) error

// RelayConfig controls the outbox relay loop.
type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:    50,
		PollInterval: 2 * time.Second,
		MaxAttempts:  20,
	}
}

func (c RelayConfig) withDefaults() RelayConfig {
	defaults := DefaultRelayConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	return c
}

type RelayParams struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Config RelayConfig `optional:"true"`
}

// Relay delivers unpublished outbox rows to in-process subscribers.
type Relay struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	cfg   RelayConfig

	mu          sync.RWMutex
	subscribers map[string][]Subscriber
}

func NewRelay(p RelayParams) *Relay {
	return &Relay{
		db:          p.DB,
		log:         p.Log.Named("events.relay"),
		clock:       p.Clock,
		cfg:         p.Config.withDefaults(),
		subscribers: map[string][]Subscriber{},
	}
}

// Subscribe registers fn for eventType; "*" receives every type.
func (r *Relay) Subscribe(eventType string, fn Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[eventType] = append(r.subscribers[eventType], fn)
}

func (r *Relay) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Warn("outbox relay run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce delivers one batch and returns how many rows were published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	var rows []OutboxEvent
	err := r.db.WithContext(ctx).
		Where("published = ? AND attempts < ?", false, r.cfg.MaxAttempts).
		Order("id ASC").
		Limit(r.cfg.BatchSize).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}

	published := 0
	for _, row := range rows {
		deliverErr := r.deliver(ctx, row)
		if deliverErr != nil {
			r.log.Warn("outbox delivery failed",
				zap.String("event_id", row.ID.String()),
				zap.String("event_type", row.EventType),
				zap.Int("attempt", row.Attempts+1),
				zap.Error(deliverErr),
			)
			if err := r.db.WithContext(ctx).Model(&OutboxEvent{}).
				Where("id = ?", row.ID).
				Updates(map[string]any{"attempts": gorm.Expr("attempts + 1"), "last_error": deliverErr.Error()}).Error; err != nil {
				return published, err
			}
			continue
		}

		now := r.clock.Now()
		if err := r.db.WithContext(ctx).Model(&OutboxEvent{}).
			Where("id = ? AND published = ?", row.ID, false).
			Updates(map[string]any{"published": true, "published_at": now, "attempts": gorm.Expr("attempts + 1")}).Error; err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

func (r *Relay) deliver(ctx context.Context, row OutboxEvent) error {
	delivery, err := decodeDelivery(row)
	if err != nil {
		return err
	}

	r.mu.RLock()
	subs := append([]Subscriber{}, r.subscribers[row.EventType]...)
	subs = append(subs, r.subscribers["*"]...)
	r.mu.RUnlock()

	for _, fn := range subs {
		if err := fn(ctx, delivery); err != nil {
			return err
		}
	}
	return nil
}

// LogSubscriber writes every delivered event to the log. It is the default
// consumer until an external sink is wired in.
func LogSubscriber(log *zap.Logger) Subscriber {
	return func(_ context.Context, delivery Delivery) error {
		log.Info("payment event",
			zap.String("event_id", delivery.ID),
			zap.String("event_type", delivery.Type),
			zap.String("record_id", delivery.RecordID),
			zap.Time("occurred_at", delivery.OccurredAt),
		)
		return nil
	}
}
