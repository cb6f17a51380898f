package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/railpay/internal/clock"
	"github.com/smallbiznis/railpay/internal/config"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubCharges struct {
	domain.ChargeService
	get    func(ctx context.Context, id snowflake.ID) (*domain.Charge, error)
	refund func(ctx context.Context, id snowflake.ID, amount int64, reason string) (*domain.Refund, error)
}

func (s *stubCharges) Get(ctx context.Context, id snowflake.ID) (*domain.Charge, error) {
	return s.get(ctx, id)
}

func (s *stubCharges) Refund(ctx context.Context, id snowflake.ID, amount int64, reason string) (*domain.Refund, error) {
	return s.refund(ctx, id, amount, reason)
}

type stubReconcile struct {
	domain.ReconcileService
	ingest    func(ctx context.Context, channel string, payload []byte, headers http.Header) (domain.NotifyAck, error)
	sync      func(ctx context.Context, id snowflake.ID) (*domain.Charge, error)
	syncCalls int
}

func (s *stubReconcile) IngestNotification(ctx context.Context, channel string, payload []byte, headers http.Header) (domain.NotifyAck, error) {
	return s.ingest(ctx, channel, payload, headers)
}

func (s *stubReconcile) SyncCharge(ctx context.Context, id snowflake.ID) (*domain.Charge, error) {
	s.syncCalls++
	return s.sync(ctx, id)
}

type testServer struct {
	server    *Server
	clock     *clock.FixedClock
	charges   *stubCharges
	reconcile *stubReconcile
}

func newTestServer(t *testing.T, notifyLimit int) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{HTTP: config.HTTPConfig{NotifyRateLimit: notifyLimit}}
	clk := clock.NewFixedClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	charges := &stubCharges{}
	reconcile := &stubReconcile{}

	s := NewServer(Params{
		Cfg:       cfg,
		Log:       zaptest.NewLogger(t),
		Clock:     clk,
		Engine:    NewEngine(cfg, nil),
		Charges:   charges,
		Reconcile: reconcile,
	})
	s.RegisterRoutes()
	return &testServer{server: s, clock: clk, charges: charges, reconcile: reconcile}
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" && strings.HasPrefix(body, "{") {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var payload struct {
		Error errorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	return payload.Error
}

func TestNotifyAnswersWithChannelAck(t *testing.T) {
	ts := newTestServer(t, 10)
	var gotChannel, gotPayload string
	ts.reconcile.ingest = func(ctx context.Context, channel string, payload []byte, headers http.Header) (domain.NotifyAck, error) {
		gotChannel, gotPayload = channel, string(payload)
		return domain.NotifyAck{ContentType: "text/plain; charset=utf-8", Body: []byte("success")}, nil
	}

	w := ts.do(http.MethodPost, "/pay/notify/Alipay", "trade_status=TRADE_SUCCESS&out_trade_no=1")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", w.Body.String())
	assert.Equal(t, "alipay", gotChannel)
	assert.Equal(t, "trade_status=TRADE_SUCCESS&out_trade_no=1", gotPayload)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestNotifyGetUsesQueryString(t *testing.T) {
	ts := newTestServer(t, 10)
	var gotPayload string
	ts.reconcile.ingest = func(ctx context.Context, channel string, payload []byte, headers http.Header) (domain.NotifyAck, error) {
		gotPayload = string(payload)
		return domain.NotifyAck{Body: []byte("ok")}, nil
	}

	w := ts.do(http.MethodGet, "/pay/notify/unionpay?respCode=00&orderId=7", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "respCode=00&orderId=7", gotPayload)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
}

func TestNotifyRejectsUnverifiedPayload(t *testing.T) {
	ts := newTestServer(t, 10)
	ts.reconcile.ingest = func(ctx context.Context, channel string, payload []byte, headers http.Header) (domain.NotifyAck, error) {
		return domain.NotifyAck{}, domain.ErrInvalidSignature
	}

	w := ts.do(http.MethodPost, "/pay/notify/wechat", `{"id":"evt"}`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_signature", decodeError(t, w).Code)

	empty := ts.do(http.MethodPost, "/pay/notify/wechat", "")
	require.Equal(t, http.StatusBadRequest, empty.Code)
	assert.Equal(t, "invalid_payload", decodeError(t, empty).Code)
}

func TestNotifyIsRateLimitedPerClient(t *testing.T) {
	ts := newTestServer(t, 2)
	calls := 0
	ts.reconcile.ingest = func(ctx context.Context, channel string, payload []byte, headers http.Header) (domain.NotifyAck, error) {
		calls++
		return domain.NotifyAck{Body: []byte("success")}, nil
	}

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/pay/notify/alipay", "a=b").Code)
	}
	w := ts.do(http.MethodPost, "/pay/notify/alipay", "a=b")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, 2, calls)

	ts.clock.Advance(61 * time.Second)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/pay/notify/alipay", "a=b").Code)
}

func TestCallbackThrottlesGatewayPolling(t *testing.T) {
	ts := newTestServer(t, 10)
	ts.reconcile.sync = func(ctx context.Context, id snowflake.ID) (*domain.Charge, error) {
		return &domain.Charge{ID: id, State: domain.ChargeStateSuccess, Currency: "CNY"}, nil
	}

	for i := 0; i < 3; i++ {
		w := ts.do(http.MethodGet, "/pay/callback/42", "")
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, 1, ts.reconcile.syncCalls)

	ts.clock.Advance(callbackSyncTTL)
	w := ts.do(http.MethodGet, "/pay/callback/42", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, ts.reconcile.syncCalls)

	var payload struct {
		Data struct {
			State string `json:"state"`
			Paid  bool   `json:"paid"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, domain.ChargeStateSuccess, payload.Data.State)
	assert.True(t, payload.Data.Paid)
}

func TestCallbackServesStoredStateOnTransportError(t *testing.T) {
	ts := newTestServer(t, 10)
	ts.reconcile.sync = func(ctx context.Context, id snowflake.ID) (*domain.Charge, error) {
		return nil, domain.NewTransportError(domain.ChannelWechat, context.DeadlineExceeded)
	}
	ts.charges.get = func(ctx context.Context, id snowflake.ID) (*domain.Charge, error) {
		return &domain.Charge{ID: id, State: domain.ChargeStateNotPay, Currency: "CNY"}, nil
	}

	w := ts.do(http.MethodGet, "/pay/callback/42", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"NOTPAY"`)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t, 10)
	ts.charges.get = func(ctx context.Context, id snowflake.ID) (*domain.Charge, error) {
		return nil, domain.ErrNotFound
	}
	ts.charges.refund = func(ctx context.Context, id snowflake.ID, amount int64, reason string) (*domain.Refund, error) {
		if amount > 100 {
			return nil, domain.ErrRefundAmountExceeded
		}
		return nil, domain.ErrInvalidState
	}

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"missing charge", http.MethodGet, "/api/v1/charges/9", "", http.StatusNotFound, "not_found"},
		{"bad id", http.MethodGet, "/api/v1/charges/abc", "", http.StatusBadRequest, "invalid_id"},
		{"overdraw", http.MethodPost, "/api/v1/charges/9/refunds", `{"amount":500}`, http.StatusConflict, "refund_amount_exceeded"},
		{"unpaid", http.MethodPost, "/api/v1/charges/9/refunds", `{"amount":5}`, http.StatusConflict, "invalid_state"},
		{"negative", http.MethodPost, "/api/v1/charges/9/refunds", `{"amount":-5}`, http.StatusBadRequest, "invalid_amount"},
		{"malformed body", http.MethodPost, "/api/v1/charges/9/refunds", `{"amount":`, http.StatusBadRequest, "invalid_request"},
		{"missing subject", http.MethodPost, "/api/v1/charges", `{"total_amount":100}`, http.StatusBadRequest, "required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := ts.do(tc.method, tc.path, tc.body)
			require.Equal(t, tc.status, w.Code, w.Body.String())
			assert.Equal(t, tc.code, decodeError(t, w).Code)
		})
	}
}

func TestDescribeGatewayErrors(t *testing.T) {
	status, body := describeError(domain.NewBusinessError(domain.ChannelAlipay, "ACQ.TRADE_HAS_SUCCESS", "paid", nil))
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "ACQ.TRADE_HAS_SUCCESS", body.Code)

	status, _ = describeError(domain.NewTransportError(domain.ChannelAlipay, context.Canceled))
	assert.Equal(t, http.StatusServiceUnavailable, status)

	status, body = describeError(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal_error", body.Code)
}
