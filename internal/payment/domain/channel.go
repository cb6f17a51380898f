package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/smallbiznis/railpay/internal/money"
)

// Channel is one payment gateway. Adapters translate these calls into the
// channel's wire protocol and classify failures as *GatewayError.
type Channel interface {
	Name() string
	TradeTypes() []string
	Prepay(ctx context.Context, req PrepayRequest) (Credential, error)
	Query(ctx context.Context, outTradeNo string) (*OrderStatus, error)
	Close(ctx context.Context, outTradeNo string) (*CloseResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundOutcome, error)
	Transfer(ctx context.Context, req TransferRequest) (*TransferOutcome, error)
	ParseNotification(ctx context.Context, payload []byte, headers http.Header) (*Notification, error)
	// Ack is the body the channel expects back once a notification was
	// accepted.
	Ack() NotifyAck
}

// Credential is the payload the payer's client uses to complete payment:
// redirect URL, QR payload, SDK parameters or {"html": ...}.
type Credential map[string]any

type PrepayRequest struct {
	OutTradeNo  string
	TradeType   string
	Amount      money.Amount
	Subject     string
	Description string
	ExpireAt    *time.Time
	ClientIP    string
	NotifyURL   string
	ReturnURL   string
	QuitURL     string
	AppName     string
	AppURL      string
	// Metadata carries scene data such as openid or buyer_id.
	Metadata map[string]any
}

// OrderStatus is a poll result. TradeState is already mapped onto the
// ChargeState* constants.
type OrderStatus struct {
	OutTradeNo    string
	TransactionNo string
	TradeState    string
	Amount        *money.Amount
	Raw           []byte
}

type CloseResult struct {
	Closed  bool
	Code    string
	Message string
	Raw     []byte
}

type RefundRequest struct {
	OutTradeNo    string
	OutRefundNo   string
	TransactionNo string
	Amount        money.Amount
	Total         money.Amount
	Reason        string
	NotifyURL     string
}

type RefundOutcomeStatus string

const (
	RefundOutcomeSuccess    RefundOutcomeStatus = "SUCCESS"
	RefundOutcomeProcessing RefundOutcomeStatus = "PROCESSING"
	RefundOutcomeFailed     RefundOutcomeStatus = "FAILED"
)

type RefundOutcome struct {
	Status        RefundOutcomeStatus
	TransactionNo string
	Code          string
	Message       string
	Raw           []byte
}

type TransferRequest struct {
	OutBizNo    string
	Amount      money.Amount
	Recipient   Recipient
	Description string
}

type TransferOutcomeStatus string

const (
	TransferOutcomeSuccess  TransferOutcomeStatus = "SUCCESS"
	TransferOutcomeInFlight TransferOutcomeStatus = "IN_FLIGHT"
	TransferOutcomeFailed   TransferOutcomeStatus = "FAILED"
)

type TransferOutcome struct {
	Status  TransferOutcomeStatus
	OrderID string
	Code    string
	Message string
	Raw     []byte
}

type NotifyAck struct {
	ContentType string
	Body        []byte
}
