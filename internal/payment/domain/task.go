package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type TaskKind string

const (
	TaskChargeExpiry    TaskKind = "charge:expiry"
	TaskRefundGateway   TaskKind = "refund:gateway"
	TaskTransferGateway TaskKind = "transfer:gateway"
)

// Task is one scheduled re-invocation. Attempt starts at 1.
type Task struct {
	Kind     TaskKind     `json:"kind"`
	TargetID snowflake.ID `json:"target_id"`
	Attempt  int          `json:"attempt"`
}

// Next returns the task for the following attempt.
func (t Task) Next() Task {
	t.Attempt++
	return t
}

type TaskHandler func(ctx context.Context, task Task) error

// Scheduler enqueues tasks for later execution. Handlers return
// ErrRetryLater to be re-enqueued with the next attempt number.
type Scheduler interface {
	Schedule(ctx context.Context, task Task, runAt time.Time) error
}

// TaskAttempt is the persisted run count of one task target. The runner
// increments it before every run, so the retry bound survives restarts and
// re-enqueues by the sweeper.
type TaskAttempt struct {
	Kind      TaskKind     `gorm:"type:text;primaryKey"`
	TargetID  snowflake.ID `gorm:"primaryKey"`
	Attempts  int          `gorm:"not null;default:0"`
	LastRunAt time.Time
}

func (TaskAttempt) TableName() string { return "pay_task_attempts" }

// SweepFilter selects rows whose scheduled task may have been lost.
type SweepFilter struct {
	// Before bounds expired_at for charges and created_at for refunds and
	// transfers.
	Before time.Time
	// IdleSince skips targets whose task ran after it.
	IdleSince time.Time
	// MaxAttempts skips targets that already used up their retries.
	MaxAttempts int
	Limit       int
}
