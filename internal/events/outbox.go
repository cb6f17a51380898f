package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railpay/internal/clock"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxEvent is a lifecycle event waiting for delivery.
type OutboxEvent struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	EventType   string         `gorm:"type:text;not null;index"`
	RecordID    snowflake.ID   `gorm:"not null;index"`
	Payload     datatypes.JSON `gorm:"not null"`
	DedupeKey   string         `gorm:"type:text;not null;uniqueIndex"`
	Published   bool           `gorm:"not null;default:false;index"`
	Attempts    int            `gorm:"not null;default:0"`
	LastError   string         `gorm:"type:text"`
	PublishedAt *time.Time
	CreatedAt   time.Time `gorm:"not null"`
}

func (OutboxEvent) TableName() string { return "pay_events" }

// Outbox inserts lifecycle events into the pay_events table inside the
// caller's transaction.
type Outbox struct {
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutbox(genID *snowflake.Node, clk clock.Clock) *Outbox {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Outbox{genID: genID, clock: clk}
}

var _ domain.EventPublisher = (*Outbox)(nil)

// Publish stores events using db, normally an open transaction.
func (o *Outbox) Publish(ctx context.Context, db *gorm.DB, events ...domain.Event) error {
	if o == nil || db == nil || o.genID == nil {
		return errors.New("outbox_unavailable")
	}
	for _, event := range events {
		if err := o.publish(ctx, db, event); err != nil {
			return err
		}
	}
	return nil
}

func (o *Outbox) publish(ctx context.Context, db *gorm.DB, event domain.Event) error {
	name := strings.TrimSpace(string(event.Type))
	if name == "" {
		return errors.New("missing_event_type")
	}
	if event.RecordID == 0 {
		return errors.New("invalid_record_id")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = o.clock.Now()
	}

	payload, err := json.Marshal(Envelope{
		Type:       name,
		RecordID:   event.RecordID.String(),
		OccurredAt: event.OccurredAt.UTC(),
		Record:     event.Record,
	})
	if err != nil {
		return err
	}

	row := OutboxEvent{
		ID:        o.genID.Generate(),
		EventType: name,
		RecordID:  event.RecordID,
		Payload:   datatypes.JSON(payload),
		DedupeKey: event.DedupeKey(),
		CreatedAt: o.clock.Now(),
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedupe_key"}}, DoNothing: true}).
		Create(&row).Error
}
