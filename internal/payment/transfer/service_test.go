package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/railpay/internal/config"
	"github.com/smallbiznis/railpay/internal/events"
	"github.com/smallbiznis/railpay/internal/payment/adapters"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"github.com/smallbiznis/railpay/internal/payment/paytest"
	"github.com/smallbiznis/railpay/internal/payment/repository"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type harness struct {
	alipay    *paytest.FakeChannel
	wechat    *paytest.FakeChannel
	scheduler *paytest.RecordingScheduler
	logs      *observer.ObservedLogs
	svc       domain.TransferService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := paytest.NewDB(t)
	node := paytest.NewNode(t)
	clk := paytest.NewClock()
	alipay := paytest.NewFakeChannel("alipay")
	wechat := paytest.NewFakeChannel("wechat")
	sched := &paytest.RecordingScheduler{}
	core, logs := observer.New(zap.InfoLevel)

	svc := NewService(Params{
		DB:    db,
		Log:   zap.New(core),
		GenID: node,
		Clock: clk,
		Cfg: config.Config{
			Payment:   config.PaymentConfig{TransferChannels: []string{"alipay"}},
			Scheduler: config.SchedulerConfig{MaxAttempts: 2, GatewayDelay: time.Second},
		},
		Transfers: repository.NewTransferRepository(),
		Channels:  adapters.NewRegistry(alipay, wechat),
		Scheduler: sched,
		Publisher: events.NewOutbox(node, clk),
	})
	return &harness{alipay: alipay, wechat: wechat, scheduler: sched, logs: logs, svc: svc}
}

func (h *harness) create(t *testing.T, channel string) *domain.Transfer {
	t.Helper()
	transfer, err := h.svc.Create(context.Background(), domain.CreateTransferRequest{
		TradeChannel: channel,
		Amount:       1000,
		Description:  "payout",
		Recipient:    domain.Recipient{Account: "payee@example.com", Name: "Payee"},
	})
	if err != nil {
		t.Fatalf("create transfer: %v", err)
	}
	return transfer
}

func TestCreateValidatesAndSchedules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.Create(ctx, domain.CreateTransferRequest{TradeChannel: "alipay", Amount: 10}); !errors.Is(err, domain.ErrInvalidRecipient) {
		t.Fatalf("expected invalid recipient, got %v", err)
	}
	if _, err := h.svc.Create(ctx, domain.CreateTransferRequest{TradeChannel: "paypal", Amount: 10, Recipient: domain.Recipient{Account: "x"}}); !errors.Is(err, domain.ErrUnsupportedChannel) {
		t.Fatalf("expected unsupported channel, got %v", err)
	}
	if _, err := h.svc.Create(ctx, domain.CreateTransferRequest{TradeChannel: "alipay", Recipient: domain.Recipient{Account: "x"}}); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}

	transfer := h.create(t, "alipay")
	if transfer.Status != domain.TransferStatusPending || transfer.Currency != "CNY" {
		t.Fatalf("unexpected transfer %+v", transfer)
	}
	tasks := h.scheduler.OfKind(domain.TaskTransferGateway)
	if len(tasks) != 1 || tasks[0].Task.TargetID != transfer.ID {
		t.Fatalf("expected one gateway task for the transfer, got %+v", tasks)
	}

	entries := h.logs.FilterMessage("transfer created").All()
	if len(entries) != 1 {
		t.Fatalf("expected creation log")
	}
	recipient, ok := entries[0].ContextMap()["recipient"].(map[string]any)
	if !ok || recipient["account"] == "payee@example.com" {
		t.Fatalf("expected recipient account to be masked, got %v", entries[0].ContextMap()["recipient"])
	}
}

func TestGatewayHandleInFlightCountsAsSuccess(t *testing.T) {
	h := newHarness(t)
	var got domain.TransferRequest
	h.alipay.TransferFunc = func(ctx context.Context, req domain.TransferRequest) (*domain.TransferOutcome, error) {
		got = req
		return &domain.TransferOutcome{Status: domain.TransferOutcomeInFlight, OrderID: "T001"}, nil
	}
	transfer := h.create(t, "alipay")

	done, err := h.svc.GatewayHandle(context.Background(), transfer.ID, 1)
	if err != nil {
		t.Fatalf("gateway handle: %v", err)
	}
	if done.Status != domain.TransferStatusSuccess || done.TransactionNo == nil || *done.TransactionNo != "T001" {
		t.Fatalf("expected SUCCESS with order id, got %+v", done)
	}
	if got.OutBizNo != transfer.ID.String() || got.Recipient.Account != "payee@example.com" || got.Amount.Value != 1000 {
		t.Fatalf("unexpected gateway request %+v", got)
	}

	if _, err := h.svc.GatewayHandle(context.Background(), transfer.ID, 2); err != nil {
		t.Fatalf("repeat gateway handle: %v", err)
	}
	if h.alipay.Calls("transfer") != 1 {
		t.Fatalf("expected a single gateway call, got %d", h.alipay.Calls("transfer"))
	}
}

func TestGatewayHandleRejectsChannelsOutsideAllowList(t *testing.T) {
	h := newHarness(t)
	transfer := h.create(t, "wechat")

	failed, err := h.svc.GatewayHandle(context.Background(), transfer.ID, 1)
	if err != nil {
		t.Fatalf("gateway handle: %v", err)
	}
	if failed.Status != domain.TransferStatusAbnormal || failed.Failure.Code != "UNSUPPORTED_CHANNEL" {
		t.Fatalf("expected ABNORMAL, got %s %+v", failed.Status, failed.Failure)
	}
	if h.wechat.Calls("transfer") != 0 {
		t.Fatalf("expected no gateway call")
	}
}

func TestGatewayHandleFailures(t *testing.T) {
	h := newHarness(t)
	h.alipay.TransferFunc = func(ctx context.Context, req domain.TransferRequest) (*domain.TransferOutcome, error) {
		return nil, domain.NewTransportError("alipay", context.DeadlineExceeded)
	}
	transfer := h.create(t, "alipay")

	if _, err := h.svc.GatewayHandle(context.Background(), transfer.ID, 1); !errors.Is(err, domain.ErrRetryLater) {
		t.Fatalf("expected retry, got %v", err)
	}
	failed, err := h.svc.GatewayHandle(context.Background(), transfer.ID, 2)
	if err != nil {
		t.Fatalf("last attempt: %v", err)
	}
	if failed.Status != domain.TransferStatusAbnormal {
		t.Fatalf("expected ABNORMAL, got %s", failed.Status)
	}

	again, event, err := h.svc.MarkFailed(context.Background(), transfer.ID, domain.NewFailure("PAYEE_NOT_EXIST", "no such user"), nil)
	if err != nil || event != nil {
		t.Fatalf("expected refreshed failure without event, event=%v err=%v", event, err)
	}
	if again.Failure.Code != "PAYEE_NOT_EXIST" {
		t.Fatalf("expected failure detail overwritten, got %+v", again.Failure)
	}
}

func TestMarkFailedRefusedAfterSuccess(t *testing.T) {
	h := newHarness(t)
	transfer := h.create(t, "alipay")
	ctx := context.Background()

	if _, _, err := h.svc.MarkSucceeded(ctx, transfer.ID, "T002", nil); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if _, event, err := h.svc.MarkSucceeded(ctx, transfer.ID, "T002", nil); err != nil || event != nil {
		t.Fatalf("expected no-op on repeat, event=%v err=%v", event, err)
	}
	if _, _, err := h.svc.MarkFailed(ctx, transfer.ID, domain.NewFailure("FAIL", ""), nil); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}
