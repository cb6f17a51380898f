package events

import (
	"encoding/json"
	"time"
)

// Envelope is the JSON stored in pay_events.payload and handed to
// subscribers.
type Envelope struct {
	Type       string    `json:"type"`
	RecordID   string    `json:"record_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     any       `json:"record"`
}

// Delivery is an outbox row decoded for a subscriber. Record stays raw so
// subscribers decode into the type they expect.
type Delivery struct {
	ID         string
	Type       string
	RecordID   string
	OccurredAt time.Time
	Record     json.RawMessage
}

func decodeDelivery(row OutboxEvent) (Delivery, error) {
	var env struct {
		Type       string          `json:"type"`
		RecordID   string          `json:"record_id"`
		OccurredAt time.Time       `json:"occurred_at"`
		Record     json.RawMessage `json:"record"`
	}
	if err := json.Unmarshal(row.Payload, &env); err != nil {
		return Delivery{}, err
	}
	return Delivery{
		ID:         row.ID.String(),
		Type:       env.Type,
		RecordID:   env.RecordID,
		OccurredAt: env.OccurredAt,
		Record:     env.Record,
	}, nil
}
