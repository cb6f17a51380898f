package domain

const (
	ChargeStateNotPay     = "NOTPAY"
	ChargeStateSuccess    = "SUCCESS"
	ChargeStateRefund     = "REFUND"
	ChargeStateClosed     = "CLOSED"
	ChargeStatePayError   = "PAYERROR"
	ChargeStateRevoked    = "REVOKED"
	ChargeStateUserPaying = "USERPAYING"
	ChargeStateAccept     = "ACCEPT"
)

const (
	RefundStatusPending    = "PENDING"
	RefundStatusProcessing = "PROCESSING"
	RefundStatusSuccess    = "SUCCESS"
	RefundStatusAbnormal   = "ABNORMAL"
	RefundStatusClosed     = "CLOSED"
)

const (
	TransferStatusPending  = "PENDING"
	TransferStatusSuccess  = "SUCCESS"
	TransferStatusAbnormal = "ABNORMAL"
)

const (
	ChannelAlipay   = "alipay"
	ChannelWechat   = "wechat"
	ChannelUnionPay = "unionpay"
)

const (
	TradeTypeWeb  = "web"
	TradeTypeWap  = "wap"
	TradeTypeApp  = "app"
	TradeTypePos  = "pos"
	TradeTypeScan = "scan"
	TradeTypeMini = "mini"
)

// ChannelNames maps channel tags to display names.
var ChannelNames = map[string]string{
	ChannelAlipay:   "Alipay",
	ChannelWechat:   "WeChat Pay",
	ChannelUnionPay: "UnionPay",
}

var TradeTypeNames = map[string]string{
	TradeTypeWeb:  "Web checkout",
	TradeTypeWap:  "Mobile web checkout",
	TradeTypeApp:  "In-app payment",
	TradeTypePos:  "Barcode (POS) payment",
	TradeTypeScan: "QR code payment",
	TradeTypeMini: "Mini program payment",
}

var chargeStateLabels = map[string]string{
	ChargeStateSuccess:    "Paid",
	ChargeStateRefund:     "Refund requested",
	ChargeStateNotPay:     "Not paid",
	ChargeStateClosed:     "Closed",
	ChargeStateRevoked:    "Revoked",
	ChargeStateUserPaying: "Payer confirming",
	ChargeStatePayError:   "Payment failed",
	ChargeStateAccept:     "Accepted, awaiting debit",
}

var chargeStateDots = map[string]string{
	ChargeStateSuccess:    "success",
	ChargeStateRefund:     "warning",
	ChargeStateNotPay:     "info",
	ChargeStateClosed:     "info",
	ChargeStateRevoked:    "info",
	ChargeStateUserPaying: "info",
	ChargeStatePayError:   "error",
	ChargeStateAccept:     "warning",
}

var refundStatusLabels = map[string]string{
	RefundStatusPending:    "Pending",
	RefundStatusSuccess:    "Refunded",
	RefundStatusClosed:     "Closed",
	RefundStatusProcessing: "Processing",
	RefundStatusAbnormal:   "Abnormal",
}

var refundStatusDots = map[string]string{
	RefundStatusPending:    "info",
	RefundStatusSuccess:    "success",
	RefundStatusClosed:     "info",
	RefundStatusProcessing: "warning",
	RefundStatusAbnormal:   "error",
}

var transferStatusLabels = map[string]string{
	TransferStatusPending:  "Pending",
	TransferStatusSuccess:  "Paid out",
	TransferStatusAbnormal: "Abnormal",
}

var transferStatusDots = map[string]string{
	TransferStatusPending:  "info",
	TransferStatusSuccess:  "success",
	TransferStatusAbnormal: "error",
}

const unknownLabel = "Unknown"

func ChargeStateLabel(state string) string { return labelOf(chargeStateLabels, state) }

func ChargeStateDot(state string) string { return dotOf(chargeStateDots, state) }

func RefundStatusLabel(status string) string { return labelOf(refundStatusLabels, status) }

func RefundStatusDot(status string) string { return dotOf(refundStatusDots, status) }

func TransferStatusLabel(status string) string { return labelOf(transferStatusLabels, status) }

func TransferStatusDot(status string) string { return dotOf(transferStatusDots, status) }

// IsPaidState reports SUCCESS or REFUND.
func IsPaidState(state string) bool {
	return state == ChargeStateSuccess || state == ChargeStateRefund
}

// IsPassThroughState reports the gateway-reported states this engine records
// but never drives.
func IsPassThroughState(state string) bool {
	switch state {
	case ChargeStateRevoked, ChargeStateUserPaying, ChargeStateAccept:
		return true
	}
	return false
}

// IsOpenState reports an unpaid charge that can still be paid or closed.
func IsOpenState(state string) bool {
	switch state {
	case ChargeStateNotPay, ChargeStateUserPaying, ChargeStateAccept:
		return true
	}
	return false
}

func IsValidChargeState(state string) bool {
	_, ok := chargeStateLabels[state]
	return ok
}

func IsValidTradeType(tradeType string) bool {
	_, ok := TradeTypeNames[tradeType]
	return ok
}

func labelOf(labels map[string]string, key string) string {
	if label, ok := labels[key]; ok {
		return label
	}
	return unknownLabel
}

func dotOf(dots map[string]string, key string) string {
	if dot, ok := dots[key]; ok {
		return dot
	}
	return "info"
}
