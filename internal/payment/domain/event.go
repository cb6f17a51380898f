package domain

import (
	"context"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type EventType string

const (
	EventChargeSucceeded   EventType = "charge.succeeded"
	EventChargeFailed      EventType = "charge.failed"
	EventChargeClosed      EventType = "charge.closed"
	EventRefundSucceeded   EventType = "refund.succeeded"
	EventRefundFailed      EventType = "refund.failed"
	EventRefundClosed      EventType = "refund.closed"
	EventTransferSucceeded EventType = "transfer.succeeded"
	EventTransferFailed    EventType = "transfer.failed"
)

// Event is returned by every applied mark transition and carries a snapshot
// of the updated record (*Charge, *Refund or *Transfer).
type Event struct {
	Type       EventType
	RecordID   snowflake.ID
	Record     any
	OccurredAt time.Time
}

// DedupeKey identifies one applied transition. Republishing the same event
// value is a no-op in the outbox.
func (e Event) DedupeKey() string {
	return string(e.Type) + ":" + e.RecordID.String() + ":" + strconv.FormatInt(e.OccurredAt.UnixNano(), 10)
}

// EventPublisher persists events inside the caller's transaction.
type EventPublisher interface {
	Publish(ctx context.Context, db *gorm.DB, events ...Event) error
}
