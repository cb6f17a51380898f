package domain

import (
	"github.com/smallbiznis/railpay/internal/money"
)

// OutcomeKind names the transition a gateway outcome asks for.
type OutcomeKind string

const (
	OutcomeChargeSucceeded  OutcomeKind = "charge.succeeded"
	OutcomeChargeFailed     OutcomeKind = "charge.failed"
	OutcomeChargeClosed     OutcomeKind = "charge.closed"
	OutcomeChargeState      OutcomeKind = "charge.state"
	OutcomeRefundSucceeded  OutcomeKind = "refund.succeeded"
	OutcomeRefundProcessing OutcomeKind = "refund.processing"
	OutcomeRefundAbnormal   OutcomeKind = "refund.abnormal"
	OutcomeRefundClosed     OutcomeKind = "refund.closed"
)

type OutcomeSource string

const (
	SourceNotify   OutcomeSource = "notify"
	SourcePoll     OutcomeSource = "poll"
	SourceCallback OutcomeSource = "callback"
)

// Outcome is a verified gateway result addressed to one record by its
// merchant-side id (out_trade_no or out_refund_no).
type Outcome struct {
	Kind          OutcomeKind
	Source        OutcomeSource
	Channel       string
	RecordID      string
	TransactionNo string
	// State is set for OutcomeChargeState pass-through reports.
	State   string
	Amount  *money.Amount
	Failure Failure
	Raw     []byte
}

func (o Outcome) IsRefund() bool {
	switch o.Kind {
	case OutcomeRefundSucceeded, OutcomeRefundProcessing, OutcomeRefundAbnormal, OutcomeRefundClosed:
		return true
	}
	return false
}

// Notification is a parsed, signature-checked webhook.
type Notification struct {
	// EventID is the channel's unique id for this delivery, the key of the
	// idempotency ledger.
	EventID string
	Outcome Outcome
	// NeedsConfirmation asks the dispatcher to re-query the order before
	// applying the outcome.
	NeedsConfirmation bool
}
