package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
)

type CreateChargeRequest struct {
	TradeChannel string
	TradeType    string
	OrderType    string
	OrderID      string
	Subject      string
	Description  string
	TotalAmount  int64
	Currency     string
	ClientIP     string
	Metadata     map[string]any
	ExpiredAt    *time.Time
}

type CreateTransferRequest struct {
	TradeChannel string
	OrderType    string
	OrderID      string
	Amount       int64
	Currency     string
	Description  string
	Recipient    Recipient
}

type ChargeService interface {
	Create(ctx context.Context, req CreateChargeRequest) (*Charge, error)
	Get(ctx context.Context, id snowflake.ID) (*Charge, error)
	IssueCredential(ctx context.Context, id snowflake.ID, channel, tradeType string, metadata map[string]any) (*Charge, error)
	MarkSucceeded(ctx context.Context, id snowflake.ID, transactionNo string, raw []byte) (*Charge, *Event, error)
	MarkFailed(ctx context.Context, id snowflake.ID, failure Failure, raw []byte) (*Charge, *Event, error)
	// RecordState stores a gateway-reported pass-through state.
	RecordState(ctx context.Context, id snowflake.ID, state string, raw []byte) (*Charge, error)
	Close(ctx context.Context, id snowflake.ID) (bool, *Event, error)
	// MarkClosed records a close the gateway already confirmed.
	MarkClosed(ctx context.Context, id snowflake.ID, raw []byte) (*Charge, *Event, error)
	// Refund reserves amount against the charge; zero means everything
	// still refundable.
	Refund(ctx context.Context, id snowflake.ID, amount int64, reason string) (*Refund, error)
	ListRefunds(ctx context.Context, id snowflake.ID) ([]Refund, error)
	HandleExpiry(ctx context.Context, task Task) error
}

type RefundService interface {
	Create(ctx context.Context, chargeID snowflake.ID, amount int64, reason string) (*Refund, error)
	Get(ctx context.Context, id snowflake.ID) (*Refund, error)
	GatewayHandle(ctx context.Context, id snowflake.ID, attempt int) (*Refund, error)
	MarkSucceeded(ctx context.Context, id snowflake.ID, transactionNo string, raw []byte) (*Refund, *Event, error)
	MarkProcessing(ctx context.Context, id snowflake.ID, raw []byte) (*Refund, error)
	MarkFailed(ctx context.Context, id snowflake.ID, failure Failure, raw []byte) (*Refund, *Event, error)
	MarkClosed(ctx context.Context, id snowflake.ID, failure Failure, raw []byte) (*Refund, *Event, error)
	HandleTask(ctx context.Context, task Task) error
}

type TransferService interface {
	Create(ctx context.Context, req CreateTransferRequest) (*Transfer, error)
	Get(ctx context.Context, id snowflake.ID) (*Transfer, error)
	GatewayHandle(ctx context.Context, id snowflake.ID, attempt int) (*Transfer, error)
	MarkSucceeded(ctx context.Context, id snowflake.ID, transactionNo string, raw []byte) (*Transfer, *Event, error)
	MarkFailed(ctx context.Context, id snowflake.ID, failure Failure, raw []byte) (*Transfer, *Event, error)
	HandleTask(ctx context.Context, task Task) error
}

// ReconcileService routes verified gateway outcomes to the state machines.
type ReconcileService interface {
	// IngestNotification returns the body to acknowledge with. Duplicates
	// and anomalies are acknowledged; only unverifiable payloads and
	// storage failures return an error.
	IngestNotification(ctx context.Context, channel string, payload []byte, headers http.Header) (NotifyAck, error)
	Apply(ctx context.Context, outcome Outcome) (*Event, error)
	SyncCharge(ctx context.Context, id snowflake.ID) (*Charge, error)
}
