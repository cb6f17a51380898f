package refund

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railpay/internal/config"
	"github.com/smallbiznis/railpay/internal/events"
	"github.com/smallbiznis/railpay/internal/payment/adapters"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"github.com/smallbiznis/railpay/internal/payment/paytest"
	"github.com/smallbiznis/railpay/internal/payment/repository"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type harness struct {
	db        *gorm.DB
	node      *snowflake.Node
	channel   *paytest.FakeChannel
	scheduler *paytest.RecordingScheduler
	logs      *observer.ObservedLogs
	svc       domain.RefundService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, repository.NewRefundRepository())
}

func newHarnessWith(t *testing.T, refunds domain.RefundRepository) *harness {
	t.Helper()
	db := paytest.NewDB(t)
	node := paytest.NewNode(t)
	clk := paytest.NewClock()
	channel := paytest.NewFakeChannel("wechat")
	sched := &paytest.RecordingScheduler{}
	core, logs := observer.New(zap.InfoLevel)

	svc := NewService(Params{
		DB:    db,
		Log:   zap.New(core),
		GenID: node,
		Clock: clk,
		Cfg: config.Config{
			Payment:   config.PaymentConfig{NotifyBaseURL: "https://pay.example"},
			Scheduler: config.SchedulerConfig{MaxAttempts: 3, GatewayDelay: time.Second},
		},
		Charges:   repository.NewChargeRepository(),
		Refunds:   refunds,
		Channels:  adapters.NewRegistry(channel),
		Scheduler: sched,
		Publisher: events.NewOutbox(node, clk),
	})
	return &harness{db: db, node: node, channel: channel, scheduler: sched, logs: logs, svc: svc}
}

func (h *harness) paidCharge(t *testing.T, total int64) *domain.Charge {
	t.Helper()
	txNo := "T-paid"
	charge := &domain.Charge{
		ID:            h.node.Generate(),
		TradeChannel:  "wechat",
		TradeType:     domain.TradeTypeScan,
		TransactionNo: &txNo,
		TotalAmount:   total,
		Currency:      "CNY",
		State:         domain.ChargeStateSuccess,
		CreatedAt:     paytest.Epoch,
		UpdatedAt:     paytest.Epoch,
	}
	if err := h.db.Create(charge).Error; err != nil {
		t.Fatalf("insert charge: %v", err)
	}
	return charge
}

func (h *harness) reload(t *testing.T, charge *domain.Charge) *domain.Charge {
	t.Helper()
	var current domain.Charge
	if err := h.db.First(&current, "id = ?", charge.ID).Error; err != nil {
		t.Fatalf("reload charge: %v", err)
	}
	return &current
}

func TestCreateReservesAndSchedules(t *testing.T) {
	h := newHarness(t)
	charge := h.paidCharge(t, 100)

	refund, err := h.svc.Create(context.Background(), charge.ID, 40, " wrong size ")
	if err != nil {
		t.Fatalf("create refund: %v", err)
	}
	if refund.Status != domain.RefundStatusPending || refund.Reason != "wrong size" {
		t.Fatalf("unexpected refund %+v", refund)
	}
	current := h.reload(t, charge)
	if current.State != domain.ChargeStateRefund || current.RefundedAmount != 40 {
		t.Fatalf("expected REFUND with 40 reserved, got %s/%d", current.State, current.RefundedAmount)
	}

	tasks := h.scheduler.OfKind(domain.TaskRefundGateway)
	if len(tasks) != 1 {
		t.Fatalf("expected one gateway task, got %d", len(tasks))
	}
	if tasks[0].Task.TargetID != refund.ID || !tasks[0].RunAt.Equal(paytest.Epoch.Add(time.Second)) {
		t.Fatalf("unexpected task %+v", tasks[0])
	}
}

func TestCreateRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t)
	charge := h.paidCharge(t, 100)
	ctx := context.Background()

	if _, err := h.svc.Create(ctx, charge.ID, 0, ""); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if _, err := h.svc.Create(ctx, charge.ID, 101, ""); !errors.Is(err, domain.ErrRefundAmountExceeded) {
		t.Fatalf("expected amount exceeded, got %v", err)
	}
	if _, err := h.svc.Create(ctx, charge.ID, 100, ""); err != nil {
		t.Fatalf("full refund: %v", err)
	}
	if _, err := h.svc.Create(ctx, charge.ID, 1, ""); !errors.Is(err, domain.ErrNoRefundableAmount) {
		t.Fatalf("expected nothing refundable, got %v", err)
	}
	if _, err := h.svc.Create(ctx, snowflake.ID(1), 1, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentReservationsNeverOverdraw(t *testing.T) {
	h := newHarness(t)
	charge := h.paidCharge(t, 100)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.Create(context.Background(), charge.ID, 30, ""); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 3 {
		t.Fatalf("expected exactly 3 reservations, got %d", succeeded)
	}
	if current := h.reload(t, charge); current.RefundedAmount != 90 {
		t.Fatalf("expected 90 reserved, got %d", current.RefundedAmount)
	}
}

func TestGatewayHandleSuccess(t *testing.T) {
	h := newHarness(t)
	charge := h.paidCharge(t, 100)
	var got domain.RefundRequest
	h.channel.RefundFunc = func(ctx context.Context, req domain.RefundRequest) (*domain.RefundOutcome, error) {
		got = req
		return &domain.RefundOutcome{Status: domain.RefundOutcomeSuccess, TransactionNo: "RF1"}, nil
	}
	refund, _ := h.svc.Create(context.Background(), charge.ID, 60, "")

	done, err := h.svc.GatewayHandle(context.Background(), refund.ID, 1)
	if err != nil {
		t.Fatalf("gateway handle: %v", err)
	}
	if done.Status != domain.RefundStatusSuccess || done.SucceedAt == nil {
		t.Fatalf("expected SUCCESS, got %s", done.Status)
	}
	if got.OutRefundNo != refund.ID.String() || got.TransactionNo != "T-paid" {
		t.Fatalf("unexpected gateway request %+v", got)
	}
	if got.Amount.Value != 60 || got.Total.Value != 100 {
		t.Fatalf("expected 60 of 100, got %d of %d", got.Amount.Value, got.Total.Value)
	}
	if got.NotifyURL != "https://pay.example/notify/wechat" {
		t.Fatalf("unexpected notify url %s", got.NotifyURL)
	}

	// Only PENDING refunds reach the gateway.
	if _, err := h.svc.GatewayHandle(context.Background(), refund.ID, 2); err != nil {
		t.Fatalf("repeat gateway handle: %v", err)
	}
	if h.channel.Calls("refund") != 1 {
		t.Fatalf("expected one gateway call, got %d", h.channel.Calls("refund"))
	}
}

func TestGatewayHandleProcessingThenNotification(t *testing.T) {
	h := newHarness(t)
	charge := h.paidCharge(t, 100)
	h.channel.RefundFunc = func(ctx context.Context, req domain.RefundRequest) (*domain.RefundOutcome, error) {
		return &domain.RefundOutcome{Status: domain.RefundOutcomeProcessing, TransactionNo: "RF2"}, nil
	}
	refund, _ := h.svc.Create(context.Background(), charge.ID, 100, "")

	processing, err := h.svc.GatewayHandle(context.Background(), refund.ID, 1)
	if err != nil {
		t.Fatalf("gateway handle: %v", err)
	}
	if processing.Status != domain.RefundStatusProcessing {
		t.Fatalf("expected PROCESSING, got %s", processing.Status)
	}
	if processing.TransactionNo == nil || *processing.TransactionNo != "RF2" {
		t.Fatalf("expected gateway refund id to be stored")
	}

	done, event, err := h.svc.MarkSucceeded(context.Background(), refund.ID, "RF2", []byte("refund_status=SUCCESS"))
	if err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if event == nil || done.Status != domain.RefundStatusSuccess {
		t.Fatalf("expected SUCCESS with event, got %s", done.Status)
	}
	if string(done.Extra) != `{"raw":"refund_status=SUCCESS"}` {
		t.Fatalf("expected wrapped payload, got %s", done.Extra)
	}

	_, event, err = h.svc.MarkSucceeded(context.Background(), refund.ID, "RF2", nil)
	if err != nil || event != nil {
		t.Fatalf("expected repeat success to be a no-op, event=%v err=%v", event, err)
	}

	again, event, err := h.svc.MarkSucceeded(context.Background(), refund.ID, "RF3", []byte("late copy"))
	if err != nil || event != nil {
		t.Fatalf("expected success under another reference to be a no-op, event=%v err=%v", event, err)
	}
	if again.TransactionNo == nil || *again.TransactionNo != "RF2" {
		t.Fatalf("expected transaction_no to stay RF2, got %v", again.TransactionNo)
	}
	if string(again.Extra) != `{"raw":"refund_status=SUCCESS"}` {
		t.Fatalf("expected stored payload to be kept, got %s", again.Extra)
	}
}

// racingRefunds lets a concurrent delivery win the compare-and-set right
// before the service's own success transition.
type racingRefunds struct {
	domain.RefundRepository
	raced bool
}

func (r *racingRefunds) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from []string, updates map[string]any) (bool, error) {
	if !r.raced && updates["status"] == domain.RefundStatusSuccess {
		r.raced = true
		err := db.Model(&domain.Refund{}).Where("id = ?", id).Update("status", domain.RefundStatusSuccess).Error
		if err != nil {
			return false, err
		}
	}
	return r.RefundRepository.Transition(ctx, db, id, from, updates)
}

func TestMarkSucceededLosingRaceIsIdempotent(t *testing.T) {
	refunds := &racingRefunds{RefundRepository: repository.NewRefundRepository()}
	h := newHarnessWith(t, refunds)
	charge := h.paidCharge(t, 100)
	refund, err := h.svc.Create(context.Background(), charge.ID, 40, "")
	if err != nil {
		t.Fatalf("create refund: %v", err)
	}

	done, event, err := h.svc.MarkSucceeded(context.Background(), refund.ID, "RF9", nil)
	if err != nil {
		t.Fatalf("expected the losing delivery to succeed, got %v", err)
	}
	if !refunds.raced {
		t.Fatalf("expected the race to be staged")
	}
	if event != nil {
		t.Fatalf("expected no event from the losing delivery, got %+v", event)
	}
	if done.Status != domain.RefundStatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", done.Status)
	}
	if current := h.reload(t, charge); current.RefundedAmount != 40 {
		t.Fatalf("expected reservation untouched, got %d", current.RefundedAmount)
	}
}

func TestLateSuccessLosingRaceReturnsReservation(t *testing.T) {
	refunds := &racingRefunds{RefundRepository: repository.NewRefundRepository()}
	h := newHarnessWith(t, refunds)
	charge := h.paidCharge(t, 100)
	refund, _ := h.svc.Create(context.Background(), charge.ID, 40, "")
	if _, _, err := h.svc.MarkFailed(context.Background(), refund.ID, domain.NewFailure("FAIL", "rejected"), nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	_, event, err := h.svc.MarkSucceeded(context.Background(), refund.ID, "RF9", nil)
	if err != nil || event != nil {
		t.Fatalf("expected a silent success, event=%v err=%v", event, err)
	}
	if current := h.reload(t, charge); current.RefundedAmount != 0 {
		t.Fatalf("expected the losing reservation to be returned, got %d", current.RefundedAmount)
	}
}

func TestGatewayRejectionReleasesReservation(t *testing.T) {
	h := newHarness(t)
	charge := h.paidCharge(t, 100)
	h.channel.RefundFunc = func(ctx context.Context, req domain.RefundRequest) (*domain.RefundOutcome, error) {
		return &domain.RefundOutcome{Status: domain.RefundOutcomeFailed, Code: "NOT_ENOUGH", Message: "balance"}, nil
	}
	refund, _ := h.svc.Create(context.Background(), charge.ID, 70, "")

	failed, err := h.svc.GatewayHandle(context.Background(), refund.ID, 1)
	if err != nil {
		t.Fatalf("gateway handle: %v", err)
	}
	if failed.Status != domain.RefundStatusAbnormal || failed.Failure.Code != "NOT_ENOUGH" {
		t.Fatalf("expected ABNORMAL with failure, got %s %+v", failed.Status, failed.Failure)
	}
	current := h.reload(t, charge)
	if current.RefundedAmount != 0 {
		t.Fatalf("expected reservation to be released, got %d", current.RefundedAmount)
	}
	if current.State != domain.ChargeStateRefund {
		t.Fatalf("expected charge to stay REFUND, got %s", current.State)
	}

	// A second failure report only refreshes the detail.
	again, event, err := h.svc.MarkFailed(context.Background(), refund.ID, domain.NewFailure("CLOSED", "retry window over"), nil)
	if err != nil || event != nil {
		t.Fatalf("expected repeat failure without event, event=%v err=%v", event, err)
	}
	if again.Failure.Code != "CLOSED" {
		t.Fatalf("expected failure detail to be refreshed, got %+v", again.Failure)
	}
	if current := h.reload(t, charge); current.RefundedAmount != 0 {
		t.Fatalf("expected no double release, got %d", current.RefundedAmount)
	}
}

func TestGatewayTransportErrorsAreBounded(t *testing.T) {
	h := newHarness(t)
	charge := h.paidCharge(t, 100)
	h.channel.RefundFunc = func(ctx context.Context, req domain.RefundRequest) (*domain.RefundOutcome, error) {
		return nil, domain.NewTransportError("wechat", context.DeadlineExceeded)
	}
	refund, _ := h.svc.Create(context.Background(), charge.ID, 50, "")

	if _, err := h.svc.GatewayHandle(context.Background(), refund.ID, 1); !errors.Is(err, domain.ErrRetryLater) {
		t.Fatalf("expected retry on first attempt, got %v", err)
	}
	failed, err := h.svc.GatewayHandle(context.Background(), refund.ID, 3)
	if err != nil {
		t.Fatalf("final attempt: %v", err)
	}
	if failed.Status != domain.RefundStatusAbnormal || failed.Failure.Code != "TRANSPORT" {
		t.Fatalf("expected ABNORMAL after last attempt, got %s %+v", failed.Status, failed.Failure)
	}
}

func TestLateSuccessReReserves(t *testing.T) {
	h := newHarness(t)
	charge := h.paidCharge(t, 100)
	refund, _ := h.svc.Create(context.Background(), charge.ID, 40, "")

	if _, _, err := h.svc.MarkFailed(context.Background(), refund.ID, domain.NewFailure("ABNORMAL", "bank card frozen"), nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	done, event, err := h.svc.MarkSucceeded(context.Background(), refund.ID, "RF3", nil)
	if err != nil {
		t.Fatalf("late success: %v", err)
	}
	if event == nil || done.Status != domain.RefundStatusSuccess {
		t.Fatalf("expected late success to apply, got %s", done.Status)
	}
	if current := h.reload(t, charge); current.RefundedAmount != 40 {
		t.Fatalf("expected 40 reserved again, got %d", current.RefundedAmount)
	}
}

func TestLateSuccessOverdrawIsAnomaly(t *testing.T) {
	h := newHarness(t)
	charge := h.paidCharge(t, 100)
	first, _ := h.svc.Create(context.Background(), charge.ID, 100, "")
	if _, _, err := h.svc.MarkClosed(context.Background(), first.ID, domain.NewFailure("CLOSED", ""), nil); err != nil {
		t.Fatalf("mark closed: %v", err)
	}
	if _, err := h.svc.Create(context.Background(), charge.ID, 100, ""); err != nil {
		t.Fatalf("second refund: %v", err)
	}

	stale, event, err := h.svc.MarkSucceeded(context.Background(), first.ID, "RF4", nil)
	if err != nil {
		t.Fatalf("expected anomaly to be absorbed, got %v", err)
	}
	if event != nil || stale.Status != domain.RefundStatusClosed {
		t.Fatalf("expected first refund to stay CLOSED, got %s", stale.Status)
	}
	if h.logs.FilterMessage("late refund success exceeds refundable amount").Len() != 1 {
		t.Fatalf("expected anomaly to be logged")
	}
	if current := h.reload(t, charge); current.RefundedAmount != 100 {
		t.Fatalf("expected refunded amount to stay within total, got %d", current.RefundedAmount)
	}
}

func TestHandleTaskMissingRefund(t *testing.T) {
	h := newHarness(t)
	err := h.svc.HandleTask(context.Background(), domain.Task{Kind: domain.TaskRefundGateway, TargetID: snowflake.ID(7), Attempt: 1})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
