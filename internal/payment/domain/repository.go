package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository methods take the *gorm.DB to run against so callers can group
// them in one transaction. Find methods return (nil, nil) when nothing
// matches. Transition methods are compare-and-set on the current state and
// report whether a row changed.
type ChargeRepository interface {
	Insert(ctx context.Context, db *gorm.DB, charge *Charge) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Charge, error)
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from []string, updates map[string]any) (bool, error)
	// UpdateIfState applies updates without a state change.
	UpdateIfState(ctx context.Context, db *gorm.DB, id snowflake.ID, states []string, updates map[string]any) (bool, error)
	// ReserveRefund atomically adds amount to refunded_amount when the
	// charge is paid and the result stays within total_amount.
	ReserveRefund(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (bool, error)
	// ReleaseRefund subtracts amount from refunded_amount, floored at zero.
	ReleaseRefund(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) error
	// ListExpiredNotPay returns NOTPAY charges with expired_at before
	// f.Before whose expiry task is neither exhausted nor recently run.
	ListExpiredNotPay(ctx context.Context, db *gorm.DB, f SweepFilter) ([]Charge, error)
}

type RefundRepository interface {
	Insert(ctx context.Context, db *gorm.DB, refund *Refund) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Refund, error)
	ListByCharge(ctx context.Context, db *gorm.DB, chargeID snowflake.ID) ([]Refund, error)
	// ListStalePending returns PENDING refunds created before f.Before whose
	// gateway task is neither exhausted nor recently run.
	ListStalePending(ctx context.Context, db *gorm.DB, f SweepFilter) ([]Refund, error)
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from []string, updates map[string]any) (bool, error)
}

type TransferRepository interface {
	Insert(ctx context.Context, db *gorm.DB, transfer *Transfer) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Transfer, error)
	ListStalePending(ctx context.Context, db *gorm.DB, f SweepFilter) ([]Transfer, error)
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from []string, updates map[string]any) (bool, error)
}

// EventRepository is the notification idempotency ledger.
type EventRepository interface {
	FindEvent(ctx context.Context, db *gorm.DB, channel string, providerEventID string) (*EventRecord, error)
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
}

// TaskAttemptRepository is the retry ledger behind the task runner.
type TaskAttemptRepository interface {
	// Claim counts one more run of kind for targetID and returns the new
	// total.
	Claim(ctx context.Context, db *gorm.DB, kind TaskKind, targetID snowflake.ID, now time.Time) (int, error)
	Find(ctx context.Context, db *gorm.DB, kind TaskKind, targetID snowflake.ID) (*TaskAttempt, error)
}
