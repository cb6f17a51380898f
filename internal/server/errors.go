package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/railpay/internal/observability/logger"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"go.uber.org/zap"
)

var (
	ErrNotFound       = errors.New("not_found")
	ErrRateLimited    = errors.New("rate_limited")
	errInvalidRequest = errors.New("invalid_request")
)

type errorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

type validationError struct {
	field   string
	code    string
	message string
}

func (e *validationError) Error() string { return e.message }

func newValidationError(field, code, message string) error {
	return &validationError{field: field, code: code, message: message}
}

func invalidRequestError() error { return errInvalidRequest }

// AbortWithError writes the JSON error envelope for err and stops the chain.
func AbortWithError(c *gin.Context, err error) {
	status, body := describeError(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(c.Request.Context()).Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": body})
}

func describeError(err error) (int, errorBody) {
	var vErr *validationError
	if errors.As(err, &vErr) {
		return http.StatusBadRequest, errorBody{Type: "invalid_request_error", Code: vErr.code, Field: vErr.field, Message: vErr.message}
	}
	if gwErr, ok := domain.AsGatewayError(err); ok {
		status := http.StatusBadGateway
		if gwErr.Kind == domain.GatewayErrorTransport {
			status = http.StatusServiceUnavailable
		}
		return status, errorBody{Type: "gateway_error", Code: gwErr.Failure().Code, Message: gwErr.Error()}
	}

	switch {
	case errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest, errorBody{Type: "invalid_request_error", Code: "invalid_request", Message: "invalid request body"}
	case errors.Is(err, ErrNotFound), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, errorBody{Type: "invalid_request_error", Code: "not_found", Message: "resource not found"}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorBody{Type: "rate_limit_error", Code: "rate_limited", Message: "too many requests"}
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrNoRefundableAmount),
		errors.Is(err, domain.ErrRefundAmountExceeded):
		return http.StatusConflict, errorBody{Type: "invalid_request_error", Code: err.Error(), Message: "operation not allowed in the current state"}
	case isPaymentValidationError(err):
		return http.StatusBadRequest, errorBody{Type: "invalid_request_error", Code: err.Error(), Message: err.Error()}
	case errors.Is(err, domain.ErrInvalidSignature),
		errors.Is(err, domain.ErrInvalidPayload),
		errors.Is(err, domain.ErrInvalidEvent):
		return http.StatusBadRequest, errorBody{Type: "notification_error", Code: err.Error(), Message: "notification rejected"}
	}
	return http.StatusInternalServerError, errorBody{Type: "api_error", Code: "internal_error", Message: "internal server error"}
}

func isPaymentValidationError(err error) bool {
	for _, target := range []error{
		domain.ErrInvalidAmount,
		domain.ErrInvalidCurrency,
		domain.ErrUnsupportedChannel,
		domain.ErrUnsupportedTradeType,
		domain.ErrInvalidRecipient,
		domain.ErrInvalidID,
		domain.ErrInvalidExpiry,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
