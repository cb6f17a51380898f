package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrUnsupportedChannel   = errors.New("unsupported_channel")
	ErrUnsupportedTradeType = errors.New("unsupported_trade_type")
	ErrInvalidState         = errors.New("invalid_state")
	ErrNoRefundableAmount   = errors.New("no_refundable_amount")
	ErrRefundAmountExceeded = errors.New("refund_amount_exceeded")
	ErrInvalidRecipient     = errors.New("invalid_recipient")
	ErrNotFound             = errors.New("not_found")
	ErrInvalidID            = errors.New("invalid_id")
	ErrInvalidExpiry        = errors.New("invalid_expiry")

	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")

	// Reconciliation anomalies. Logged and counted, never returned to a
	// gateway as a failed acknowledgement.
	ErrUnknownRecord  = errors.New("unknown_record")
	ErrAmountMismatch = errors.New("amount_mismatch")

	// ErrRetryLater asks the scheduler to run the task again after a backoff.
	ErrRetryLater = errors.New("retry_later")
)

// GatewayErrorKind classifies a failed gateway call.
type GatewayErrorKind string

const (
	// GatewayErrorClient covers malformed parameters and misconfigured
	// services. The request never reached the gateway's business logic.
	GatewayErrorClient GatewayErrorKind = "client"
	// GatewayErrorBusiness is an explicit rejection code from the channel.
	GatewayErrorBusiness GatewayErrorKind = "business"
	// GatewayErrorTransport covers network failures, timeouts and
	// unparseable responses.
	GatewayErrorTransport GatewayErrorKind = "transport"
)

// GatewayError carries the channel's code and message verbatim.
type GatewayError struct {
	Kind    GatewayErrorKind
	Channel string
	Code    string
	Message string
	Raw     []byte
	Err     error
}

func (e *GatewayError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s gateway %s error", e.Channel, e.Kind)
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil && e.Message == "" {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Failure converts the error into the failure recorded on a transition.
func (e *GatewayError) Failure() Failure {
	code := e.Code
	if code == "" {
		code = "FAIL"
	}
	desc := e.Message
	if desc == "" && e.Err != nil {
		desc = e.Err.Error()
	}
	return NewFailure(code, desc)
}

func NewClientError(channel, code, message string) *GatewayError {
	return &GatewayError{Kind: GatewayErrorClient, Channel: channel, Code: code, Message: message}
}

func NewBusinessError(channel, code, message string, raw []byte) *GatewayError {
	return &GatewayError{Kind: GatewayErrorBusiness, Channel: channel, Code: code, Message: message, Raw: raw}
}

func NewTransportError(channel string, err error) *GatewayError {
	return &GatewayError{Kind: GatewayErrorTransport, Channel: channel, Code: "TRANSPORT", Err: err}
}

// AsGatewayError unwraps err into a *GatewayError.
func AsGatewayError(err error) (*GatewayError, bool) {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

// IsTransient reports whether err is a transport failure worth retrying.
func IsTransient(err error) bool {
	gwErr, ok := AsGatewayError(err)
	return ok && gwErr.Kind == GatewayErrorTransport
}

// IsClientError reports a gateway client-side request error.
func IsClientError(err error) bool {
	gwErr, ok := AsGatewayError(err)
	return ok && gwErr.Kind == GatewayErrorClient
}
