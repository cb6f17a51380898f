package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railpay/internal/money"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Charge is one attempt to collect a payment through a gateway channel.
type Charge struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	TradeChannel   string            `gorm:"type:text;index" json:"trade_channel"`
	TradeType      string            `gorm:"type:text" json:"trade_type"`
	TransactionNo  *string           `gorm:"type:text;index" json:"transaction_no"`
	OrderType      string            `gorm:"type:text;index:idx_pay_charges_order" json:"order_type,omitempty"`
	OrderID        string            `gorm:"type:text;index:idx_pay_charges_order" json:"order_id,omitempty"`
	Subject        string            `gorm:"type:text" json:"subject"`
	Description    string            `gorm:"type:text" json:"description"`
	TotalAmount    int64             `gorm:"not null" json:"total_amount"`
	RefundedAmount int64             `gorm:"not null;default:0" json:"refunded_amount"`
	Currency       string            `gorm:"type:text;not null" json:"currency"`
	State          string            `gorm:"type:text;not null;index" json:"state"`
	ClientIP       string            `gorm:"type:text" json:"client_ip"`
	Metadata       datatypes.JSONMap `json:"metadata"`
	Credential     datatypes.JSON    `json:"credential"`
	Extra          datatypes.JSON    `json:"extra"`
	Failure        Failure           `json:"failure"`
	ExpiredAt      *time.Time        `json:"expired_at"`
	SucceedAt      *time.Time        `json:"succeed_at"`
	DeletedAt      gorm.DeletedAt    `gorm:"index" json:"-"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func (Charge) TableName() string { return "pay_charges" }

// OutTradeNo is the merchant order id presented to gateways.
func (c *Charge) OutTradeNo() string { return c.ID.String() }

func (c *Charge) Total() money.Amount { return money.New(c.TotalAmount, c.Currency) }

func (c *Charge) Refunded() money.Amount { return money.New(c.RefundedAmount, c.Currency) }

// Refundable is total minus refunded, floored at zero.
func (c *Charge) Refundable() money.Amount {
	left, err := c.Total().SubFloor(c.Refunded())
	if err != nil {
		return money.New(0, c.Currency)
	}
	return left
}

// Paid reports SUCCESS or REFUND.
func (c *Charge) Paid() bool { return IsPaidState(c.State) }

// HasRefund reports whether a refund was ever reserved against the charge.
func (c *Charge) HasRefund() bool { return c.State == ChargeStateRefund }

func (c *Charge) Reversed() bool { return c.State == ChargeStateRevoked }

func (c *Charge) Closed() bool { return c.State == ChargeStateClosed }

func (c *Charge) StateLabel() string { return ChargeStateLabel(c.State) }

func (c *Charge) StateDot() string { return ChargeStateDot(c.State) }

// Refund is one refund attempt against exactly one Charge.
type Refund struct {
	ID            snowflake.ID   `gorm:"primaryKey" json:"id"`
	ChargeID      snowflake.ID   `gorm:"not null;index" json:"charge_id"`
	TransactionNo *string        `gorm:"type:text;index" json:"transaction_no"`
	Amount        int64          `gorm:"not null" json:"amount"`
	Reason        string         `gorm:"type:text" json:"reason"`
	Status        string         `gorm:"type:text;not null;index" json:"status"`
	Failure       Failure        `json:"failure"`
	Extra         datatypes.JSON `json:"extra"`
	SucceedAt     *time.Time     `json:"succeed_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`

	Charge *Charge `gorm:"foreignKey:ChargeID" json:"charge,omitempty"`
}

func (Refund) TableName() string { return "pay_refunds" }

// OutRefundNo is the idempotency key presented to gateways.
func (r *Refund) OutRefundNo() string { return r.ID.String() }

func (r *Refund) Succeeded() bool { return r.Status == RefundStatusSuccess }

func (r *Refund) StatusLabel() string { return RefundStatusLabel(r.Status) }

func (r *Refund) StatusDot() string { return RefundStatusDot(r.Status) }

// Recipient identifies the payee of a transfer.
type Recipient struct {
	Account     string `json:"account"`
	AccountType string `json:"account_type"`
	Name        string `json:"name,omitempty"`
}

// Transfer is one outbound payment, independent of any Charge.
type Transfer struct {
	ID            snowflake.ID                  `gorm:"primaryKey" json:"id"`
	TradeChannel  string                        `gorm:"type:text;not null" json:"trade_channel"`
	Status        string                        `gorm:"type:text;not null;index" json:"status"`
	TransactionNo *string                       `gorm:"type:text;index" json:"transaction_no"`
	OrderType     string                        `gorm:"type:text;index:idx_pay_transfers_order" json:"order_type,omitempty"`
	OrderID       string                        `gorm:"type:text;index:idx_pay_transfers_order" json:"order_id,omitempty"`
	Amount        int64                         `gorm:"not null" json:"amount"`
	Currency      string                        `gorm:"type:text;not null" json:"currency"`
	Description   string                        `gorm:"type:text" json:"description"`
	Failure       Failure                       `json:"failure"`
	Recipient     datatypes.JSONType[Recipient] `json:"recipient"`
	Extra         datatypes.JSON                `json:"extra"`
	SucceedAt     *time.Time                    `json:"succeed_at"`
	DeletedAt     gorm.DeletedAt                `gorm:"index" json:"-"`
	CreatedAt     time.Time                     `json:"created_at"`
	UpdatedAt     time.Time                     `json:"updated_at"`
}

func (Transfer) TableName() string { return "pay_transfers" }

func (t *Transfer) OutBizNo() string { return t.ID.String() }

func (t *Transfer) Succeeded() bool { return t.Status == TransferStatusSuccess }

func (t *Transfer) StatusLabel() string { return TransferStatusLabel(t.Status) }

func (t *Transfer) StatusDot() string { return TransferStatusDot(t.Status) }

func (t *Transfer) Money() money.Amount { return money.New(t.Amount, t.Currency) }

// EventRecord is one row of the notification idempotency ledger.
type EventRecord struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	Channel         string         `gorm:"type:text;not null;uniqueIndex:ux_pay_gateway_events_channel_event"`
	ProviderEventID string         `gorm:"type:text;not null;uniqueIndex:ux_pay_gateway_events_channel_event"`
	EventType       string         `gorm:"type:text;not null"`
	RecordID        string         `gorm:"type:text;index"`
	Payload         datatypes.JSON `gorm:"not null"`
	ReceivedAt      time.Time      `gorm:"not null"`
	ProcessedAt     *time.Time
}

func (EventRecord) TableName() string { return "pay_gateway_events" }
