package reconcile

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railpay/internal/clock"
	"github.com/smallbiznis/railpay/internal/config"
	"github.com/smallbiznis/railpay/internal/events"
	"github.com/smallbiznis/railpay/internal/money"
	"github.com/smallbiznis/railpay/internal/payment/adapters"
	"github.com/smallbiznis/railpay/internal/payment/charge"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"github.com/smallbiznis/railpay/internal/payment/paytest"
	"github.com/smallbiznis/railpay/internal/payment/refund"
	"github.com/smallbiznis/railpay/internal/payment/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type harness struct {
	db      *gorm.DB
	clock   *clock.FixedClock
	channel *paytest.FakeChannel
	logs    *observer.ObservedLogs
	charges domain.ChargeService
	refunds domain.RefundService
	svc     domain.ReconcileService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := paytest.NewDB(t)
	node := paytest.NewNode(t)
	clk := paytest.NewClock()
	channel := paytest.NewFakeChannel("alipay")
	registry := adapters.NewRegistry(channel)
	sched := &paytest.RecordingScheduler{}
	outbox := events.NewOutbox(node, clk)
	core, logs := observer.New(zap.InfoLevel)
	log := zap.New(core)
	cfg := config.Config{
		Payment:   config.PaymentConfig{NotifyBaseURL: "https://pay.example", DefaultCurrency: "CNY", DefaultExpiry: time.Hour},
		Scheduler: config.SchedulerConfig{MaxAttempts: 3, GatewayDelay: time.Second},
	}

	refundSvc := refund.NewService(refund.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Cfg: cfg,
		Charges:   repository.NewChargeRepository(),
		Refunds:   repository.NewRefundRepository(),
		Channels:  registry,
		Scheduler: sched,
		Publisher: outbox,
	})
	chargeSvc := charge.NewService(charge.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Cfg: cfg,
		Charges:   repository.NewChargeRepository(),
		Refunds:   repository.NewRefundRepository(),
		RefundSvc: refundSvc,
		Channels:  registry,
		Scheduler: sched,
		Publisher: outbox,
	})
	svc := NewService(Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		Events:    repository.NewEventRepository(),
		Charges:   repository.NewChargeRepository(),
		Refunds:   repository.NewRefundRepository(),
		ChargeSvc: chargeSvc,
		RefundSvc: refundSvc,
		Channels:  registry,
	})
	return &harness{db: db, clock: clk, channel: channel, logs: logs, charges: chargeSvc, refunds: refundSvc, svc: svc}
}

func (h *harness) newCharge(t *testing.T, amount int64) *domain.Charge {
	t.Helper()
	created, err := h.charges.Create(context.Background(), domain.CreateChargeRequest{
		TradeChannel: "alipay",
		TradeType:    domain.TradeTypeScan,
		TotalAmount:  amount,
	})
	require.NoError(t, err)
	return created
}

// notify scripts the fake channel to parse every payload into n.
func (h *harness) notify(n domain.Notification) {
	h.channel.ParseFunc = func(ctx context.Context, payload []byte, headers http.Header) (*domain.Notification, error) {
		out := n
		return &out, nil
	}
}

func (h *harness) countEvents(t *testing.T, eventType domain.EventType) int64 {
	t.Helper()
	var count int64
	require.NoError(t, h.db.Model(&events.OutboxEvent{}).Where("event_type = ?", string(eventType)).Count(&count).Error)
	return count
}

func (h *harness) anomalies(reason string) int {
	return h.logs.FilterMessage("reconciliation anomaly").FilterField(zap.String("reason", reason)).Len()
}

func TestIngestNotificationAppliesOnce(t *testing.T) {
	h := newHarness(t)
	created := h.newCharge(t, 1000)
	amount := money.New(1000, "CNY")
	h.notify(domain.Notification{
		EventID: "evt-1",
		Outcome: domain.Outcome{
			Kind:          domain.OutcomeChargeSucceeded,
			RecordID:      created.OutTradeNo(),
			TransactionNo: "2024T1",
			Amount:        &amount,
		},
	})
	ctx := context.Background()

	ack, err := h.svc.IngestNotification(ctx, "ALIPAY", []byte("trade_status=TRADE_SUCCESS"), nil)
	require.NoError(t, err)
	assert.Equal(t, "success", string(ack.Body))

	current, err := h.charges.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChargeStateSuccess, current.State)
	require.NotNil(t, current.TransactionNo)
	assert.Equal(t, "2024T1", *current.TransactionNo)

	var stored domain.EventRecord
	require.NoError(t, h.db.First(&stored, "provider_event_id = ?", "evt-1").Error)
	assert.NotNil(t, stored.ProcessedAt)
	assert.JSONEq(t, `{"raw":"trade_status=TRADE_SUCCESS"}`, string(stored.Payload))

	ack, err = h.svc.IngestNotification(ctx, "alipay", []byte("trade_status=TRADE_SUCCESS"), nil)
	require.NoError(t, err)
	assert.Equal(t, "success", string(ack.Body))
	assert.Equal(t, int64(1), h.countEvents(t, domain.EventChargeSucceeded))
}

func TestIngestNotificationRejectsBadSignature(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.IngestNotification(context.Background(), "alipay", []byte("forged"), nil)
	assert.True(t, errors.Is(err, domain.ErrInvalidSignature))

	var count int64
	require.NoError(t, h.db.Model(&domain.EventRecord{}).Count(&count).Error)
	assert.Zero(t, count)

	_, err = h.svc.IngestNotification(context.Background(), "paypal", []byte("{}"), nil)
	assert.True(t, errors.Is(err, domain.ErrUnsupportedChannel))
}

func TestIngestNotificationAcksIgnoredEvents(t *testing.T) {
	h := newHarness(t)
	h.channel.ParseFunc = func(ctx context.Context, payload []byte, headers http.Header) (*domain.Notification, error) {
		return nil, domain.ErrEventIgnored
	}

	ack, err := h.svc.IngestNotification(context.Background(), "alipay", []byte("trade_status=WAIT_BUYER_PAY"), nil)
	require.NoError(t, err)
	assert.Equal(t, "success", string(ack.Body))
}

func TestUnknownRecordIsAcknowledgedAnomaly(t *testing.T) {
	h := newHarness(t)
	h.notify(domain.Notification{
		EventID: "evt-unknown",
		Outcome: domain.Outcome{Kind: domain.OutcomeChargeSucceeded, RecordID: snowflake.ID(99).String()},
	})

	ack, err := h.svc.IngestNotification(context.Background(), "alipay", []byte(`{"id":"evt-unknown"}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "success", string(ack.Body))
	assert.Equal(t, 1, h.anomalies(domain.ErrUnknownRecord.Error()))

	var stored domain.EventRecord
	require.NoError(t, h.db.First(&stored, "provider_event_id = ?", "evt-unknown").Error)
	assert.NotNil(t, stored.ProcessedAt)
}

func TestAmountMismatchStillApplies(t *testing.T) {
	h := newHarness(t)
	created := h.newCharge(t, 1000)
	reported := money.New(1, "CNY")

	event, err := h.svc.Apply(context.Background(), domain.Outcome{
		Kind:     domain.OutcomeChargeSucceeded,
		Source:   domain.SourceNotify,
		Channel:  "alipay",
		RecordID: created.OutTradeNo(),
		Amount:   &reported,
	})
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, domain.EventChargeSucceeded, event.Type)
	assert.Equal(t, 1, h.anomalies(domain.ErrAmountMismatch.Error()))
}

func TestLateFailureOnPaidChargeIsAnomaly(t *testing.T) {
	h := newHarness(t)
	created := h.newCharge(t, 1000)
	ctx := context.Background()
	_, _, err := h.charges.MarkSucceeded(ctx, created.ID, "T1", nil)
	require.NoError(t, err)

	_, err = h.svc.Apply(ctx, domain.Outcome{
		Kind:     domain.OutcomeChargeFailed,
		Channel:  "alipay",
		RecordID: created.OutTradeNo(),
		Failure:  domain.NewFailure("PAYERROR", "card declined"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidState))
	assert.Equal(t, 1, h.anomalies(domain.ErrInvalidState.Error()))

	current, _ := h.charges.Get(ctx, created.ID)
	assert.Equal(t, domain.ChargeStateSuccess, current.State)
}

func TestConfirmationRequeriesOrder(t *testing.T) {
	h := newHarness(t)
	created := h.newCharge(t, 1000)
	h.notify(domain.Notification{
		EventID:           "evt-confirm",
		NeedsConfirmation: true,
		Outcome:           domain.Outcome{Kind: domain.OutcomeChargeSucceeded, RecordID: created.OutTradeNo()},
	})
	ctx := context.Background()

	// Not yet backed by the gateway: acknowledged without a transition.
	_, err := h.svc.IngestNotification(ctx, "alipay", []byte("a=1"), nil)
	require.NoError(t, err)
	current, _ := h.charges.Get(ctx, created.ID)
	assert.Equal(t, domain.ChargeStateNotPay, current.State)
	assert.Equal(t, 1, h.anomalies(errUnconfirmed.Error()))

	h.notify(domain.Notification{
		EventID:           "evt-confirm-2",
		NeedsConfirmation: true,
		Outcome:           domain.Outcome{Kind: domain.OutcomeChargeSucceeded, RecordID: created.OutTradeNo()},
	})
	h.channel.QueryFunc = func(ctx context.Context, outTradeNo string) (*domain.OrderStatus, error) {
		return &domain.OrderStatus{OutTradeNo: outTradeNo, TransactionNo: "2024T7", TradeState: domain.ChargeStateSuccess}, nil
	}
	_, err = h.svc.IngestNotification(ctx, "alipay", []byte("a=2"), nil)
	require.NoError(t, err)
	current, _ = h.charges.Get(ctx, created.ID)
	assert.Equal(t, domain.ChargeStateSuccess, current.State)
	assert.Equal(t, "2024T7", *current.TransactionNo)
}

func TestConfirmationTransportErrorLeavesEventUnprocessed(t *testing.T) {
	h := newHarness(t)
	created := h.newCharge(t, 1000)
	h.notify(domain.Notification{
		EventID:           "evt-retry",
		NeedsConfirmation: true,
		Outcome:           domain.Outcome{Kind: domain.OutcomeChargeSucceeded, RecordID: created.OutTradeNo()},
	})
	h.channel.QueryFunc = func(ctx context.Context, outTradeNo string) (*domain.OrderStatus, error) {
		return nil, domain.NewTransportError("alipay", context.DeadlineExceeded)
	}
	ctx := context.Background()

	_, err := h.svc.IngestNotification(ctx, "alipay", []byte("a=1"), nil)
	assert.True(t, domain.IsTransient(err))

	h.channel.QueryFunc = func(ctx context.Context, outTradeNo string) (*domain.OrderStatus, error) {
		return &domain.OrderStatus{OutTradeNo: outTradeNo, TradeState: domain.ChargeStateSuccess}, nil
	}
	_, err = h.svc.IngestNotification(ctx, "alipay", []byte("a=1"), nil)
	require.NoError(t, err)
	current, _ := h.charges.Get(ctx, created.ID)
	assert.Equal(t, domain.ChargeStateSuccess, current.State)
}

func TestRefundNotificationReleasesReservation(t *testing.T) {
	h := newHarness(t)
	created := h.newCharge(t, 1000)
	ctx := context.Background()
	_, _, err := h.charges.MarkSucceeded(ctx, created.ID, "T1", nil)
	require.NoError(t, err)
	pending, err := h.charges.Refund(ctx, created.ID, 400, "")
	require.NoError(t, err)

	h.notify(domain.Notification{
		EventID: "evt-refund",
		Outcome: domain.Outcome{
			Kind:     domain.OutcomeRefundAbnormal,
			RecordID: pending.OutRefundNo(),
			Failure:  domain.NewFailure("ABNORMAL", "card frozen"),
		},
	})
	_, err = h.svc.IngestNotification(ctx, "alipay", []byte(`{"refund_status":"ABNORMAL"}`), nil)
	require.NoError(t, err)

	failed, err := h.refunds.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusAbnormal, failed.Status)
	current, _ := h.charges.Get(ctx, created.ID)
	assert.Equal(t, int64(0), current.RefundedAmount)
	assert.Equal(t, domain.ChargeStateRefund, current.State)
	assert.Equal(t, int64(1), h.countEvents(t, domain.EventRefundFailed))
}

func TestSyncChargeAppliesPolledState(t *testing.T) {
	h := newHarness(t)
	created := h.newCharge(t, 1000)
	ctx := context.Background()

	h.channel.QueryFunc = func(ctx context.Context, outTradeNo string) (*domain.OrderStatus, error) {
		return &domain.OrderStatus{OutTradeNo: outTradeNo, TradeState: domain.ChargeStateUserPaying}, nil
	}
	synced, err := h.svc.SyncCharge(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChargeStateUserPaying, synced.State)

	amount := money.New(1000, "CNY")
	h.channel.QueryFunc = func(ctx context.Context, outTradeNo string) (*domain.OrderStatus, error) {
		return &domain.OrderStatus{OutTradeNo: outTradeNo, TransactionNo: "2024T9", TradeState: domain.ChargeStateSuccess, Amount: &amount}, nil
	}
	synced, err = h.svc.SyncCharge(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChargeStateSuccess, synced.State)

	// Paid charges are not polled again.
	calls := h.channel.Calls("query")
	_, err = h.svc.SyncCharge(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, calls, h.channel.Calls("query"))

	_, err = h.svc.SyncCharge(ctx, snowflake.ID(12345))
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestOutcomeFromStatus(t *testing.T) {
	cases := map[string]domain.OutcomeKind{
		domain.ChargeStateSuccess:    domain.OutcomeChargeSucceeded,
		domain.ChargeStateRefund:     domain.OutcomeChargeSucceeded,
		domain.ChargeStateClosed:     domain.OutcomeChargeClosed,
		domain.ChargeStatePayError:   domain.OutcomeChargeFailed,
		domain.ChargeStateUserPaying: domain.OutcomeChargeState,
		domain.ChargeStateRevoked:    domain.OutcomeChargeState,
	}
	for state, want := range cases {
		outcome := outcomeFromStatus("1", "alipay", &domain.OrderStatus{TradeState: state}, domain.SourcePoll)
		require.NotNil(t, outcome, state)
		assert.Equal(t, want, outcome.Kind, state)
	}
	assert.Nil(t, outcomeFromStatus("1", "alipay", &domain.OrderStatus{TradeState: domain.ChargeStateNotPay}, domain.SourcePoll))
}
