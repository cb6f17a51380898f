// Package paytest holds shared fixtures for payment package tests.
package paytest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railpay/internal/clock"
	"github.com/smallbiznis/railpay/internal/migration"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Epoch is the fixed start time of test clocks.
var Epoch = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

// NewDB opens a migrated in-memory sqlite database private to t.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := migration.RunMigrations(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func NewNode(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	return node
}

func NewClock() *clock.FixedClock {
	return clock.NewFixedClock(Epoch)
}

type ScheduledTask struct {
	Task  domain.Task
	RunAt time.Time
}

// RecordingScheduler captures scheduled tasks instead of running them.
type RecordingScheduler struct {
	mu    sync.Mutex
	tasks []ScheduledTask
}

func (s *RecordingScheduler) Schedule(_ context.Context, task domain.Task, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, ScheduledTask{Task: task, RunAt: runAt})
	return nil
}

func (s *RecordingScheduler) Tasks() []ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScheduledTask(nil), s.tasks...)
}

// OfKind returns the scheduled tasks of one kind in order.
func (s *RecordingScheduler) OfKind(kind domain.TaskKind) []ScheduledTask {
	var out []ScheduledTask
	for _, scheduled := range s.Tasks() {
		if scheduled.Task.Kind == kind {
			out = append(out, scheduled)
		}
	}
	return out
}

// FakeChannel is a scriptable domain.Channel. Unset funcs fall back to
// benign defaults.
type FakeChannel struct {
	ChannelName string
	Types       []string
	AckBody     string

	PrepayFunc   func(ctx context.Context, req domain.PrepayRequest) (domain.Credential, error)
	QueryFunc    func(ctx context.Context, outTradeNo string) (*domain.OrderStatus, error)
	CloseFunc    func(ctx context.Context, outTradeNo string) (*domain.CloseResult, error)
	RefundFunc   func(ctx context.Context, req domain.RefundRequest) (*domain.RefundOutcome, error)
	TransferFunc func(ctx context.Context, req domain.TransferRequest) (*domain.TransferOutcome, error)
	ParseFunc    func(ctx context.Context, payload []byte, headers http.Header) (*domain.Notification, error)

	mu    sync.Mutex
	calls map[string]int
}

func NewFakeChannel(name string) *FakeChannel {
	return &FakeChannel{
		ChannelName: name,
		Types: []string{
			domain.TradeTypeWeb,
			domain.TradeTypeWap,
			domain.TradeTypeApp,
			domain.TradeTypePos,
			domain.TradeTypeScan,
			domain.TradeTypeMini,
		},
		AckBody: "success",
	}
}

func (f *FakeChannel) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[op]++
}

// Calls reports how many times op ran.
func (f *FakeChannel) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FakeChannel) Name() string         { return f.ChannelName }
func (f *FakeChannel) TradeTypes() []string { return f.Types }

func (f *FakeChannel) Ack() domain.NotifyAck {
	return domain.NotifyAck{ContentType: "text/plain", Body: []byte(f.AckBody)}
}

func (f *FakeChannel) Prepay(ctx context.Context, req domain.PrepayRequest) (domain.Credential, error) {
	f.record("prepay")
	if f.PrepayFunc != nil {
		return f.PrepayFunc(ctx, req)
	}
	return domain.Credential{"qr_code": "fake://" + req.OutTradeNo}, nil
}

func (f *FakeChannel) Query(ctx context.Context, outTradeNo string) (*domain.OrderStatus, error) {
	f.record("query")
	if f.QueryFunc != nil {
		return f.QueryFunc(ctx, outTradeNo)
	}
	return &domain.OrderStatus{OutTradeNo: outTradeNo, TradeState: domain.ChargeStateNotPay}, nil
}

func (f *FakeChannel) Close(ctx context.Context, outTradeNo string) (*domain.CloseResult, error) {
	f.record("close")
	if f.CloseFunc != nil {
		return f.CloseFunc(ctx, outTradeNo)
	}
	return &domain.CloseResult{Closed: true, Code: "SUCCESS", Raw: []byte(`{"closed":true}`)}, nil
}

func (f *FakeChannel) Refund(ctx context.Context, req domain.RefundRequest) (*domain.RefundOutcome, error) {
	f.record("refund")
	if f.RefundFunc != nil {
		return f.RefundFunc(ctx, req)
	}
	return &domain.RefundOutcome{
		Status:        domain.RefundOutcomeSuccess,
		TransactionNo: "RF" + req.OutRefundNo,
		Raw:           []byte(`{"status":"SUCCESS"}`),
	}, nil
}

func (f *FakeChannel) Transfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferOutcome, error) {
	f.record("transfer")
	if f.TransferFunc != nil {
		return f.TransferFunc(ctx, req)
	}
	return &domain.TransferOutcome{
		Status:  domain.TransferOutcomeSuccess,
		OrderID: "TR" + req.OutBizNo,
		Raw:     []byte(`{"status":"SUCCESS"}`),
	}, nil
}

func (f *FakeChannel) ParseNotification(ctx context.Context, payload []byte, headers http.Header) (*domain.Notification, error) {
	f.record("parse")
	if f.ParseFunc != nil {
		return f.ParseFunc(ctx, payload, headers)
	}
	return nil, domain.ErrInvalidSignature
}
