package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/smallbiznis/railpay/internal/config"
	"github.com/smallbiznis/railpay/internal/observability/metrics"
	"github.com/smallbiznis/railpay/internal/observability/tracing"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 1 << 20

// Response is a fully read gateway reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport is the outbound HTTP path shared by the channel adapters. Every
// call is rate limited, traced and timed; network failures come back as
// transport-kind *domain.GatewayError.
type Transport struct {
	channel string
	client  *http.Client
	limiter *rate.Limiter
	metrics *metrics.PaymentMetrics
}

func NewTransport(channel string, cfg config.ChannelConfig, m *metrics.PaymentMetrics) *Transport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Transport{
		channel: channel,
		client:  tracing.WrapHTTPClient(&http.Client{Timeout: timeout}),
		limiter: rate.NewLimiter(limit, burst),
		metrics: m,
	}
}

// Do sends req and reads the reply. Non-2xx statuses are returned to the
// caller untouched so each adapter can decode its own error envelope.
func (t *Transport) Do(ctx context.Context, operation string, req *http.Request) (*Response, error) {
	ctx, finish := tracing.StartGatewaySpan(ctx, t.channel, operation,
		attribute.String("http.method", req.Method),
	)
	start := time.Now()
	resp, err := t.do(ctx, req)
	t.metrics.ObserveGateway(t.channel, operation, resultLabel(resp, err), time.Since(start))
	finish(err)
	return resp, err
}

func (t *Transport) do(ctx context.Context, req *http.Request) (*Response, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, domain.NewTransportError(t.channel, fmt.Errorf("rate limit: %w", err))
	}
	httpResp, err := t.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, domain.NewTransportError(t.channel, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, domain.NewTransportError(t.channel, fmt.Errorf("read response: %w", err))
	}
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}, nil
}

func resultLabel(resp *Response, err error) string {
	switch {
	case err != nil:
		if errors.Is(err, context.DeadlineExceeded) {
			return "timeout"
		}
		return "transport"
	case resp.StatusCode >= http.StatusInternalServerError:
		return "server_error"
	case resp.StatusCode >= http.StatusBadRequest:
		return "rejected"
	}
	return "ok"
}

// Unparseable wraps a decode failure of a gateway reply as a transport error.
func Unparseable(channel string, resp *Response, err error) *domain.GatewayError {
	gwErr := domain.NewTransportError(channel, fmt.Errorf("decode response: %w", err))
	if resp != nil {
		gwErr.Raw = resp.Body
	}
	return gwErr
}
