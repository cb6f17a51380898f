package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/railpay/internal/clock"
	"github.com/smallbiznis/railpay/internal/config"
	"github.com/smallbiznis/railpay/internal/observability/metrics"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type scheduled struct {
	task  domain.Task
	runAt time.Time
}

type recordingScheduler struct {
	mu    sync.Mutex
	tasks []scheduled
}

func (s *recordingScheduler) Schedule(_ context.Context, task domain.Task, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, scheduled{task: task, runAt: runAt})
	return nil
}

func newTestRunner(t *testing.T, sched domain.Scheduler, log *zap.Logger) (*Runner, *clock.FixedClock) {
	t.Helper()
	clk := clock.NewFixedClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	runner := NewRunner(RunnerParams{
		Log:       log,
		Clock:     clk,
		Scheduler: sched,
		Config:    Config{MaxAttempts: 3, ExpiryPollInterval: 2 * time.Minute, RetryBackoff: 10 * time.Second},
	})
	return runner, clk
}

func TestRunnerReschedulesWithNextAttempt(t *testing.T) {
	sched := &recordingScheduler{}
	runner, clk := newTestRunner(t, sched, zap.NewNop())
	runner.Handle(domain.TaskRefundGateway, func(context.Context, domain.Task) error {
		return domain.ErrRetryLater
	})

	task := domain.Task{Kind: domain.TaskRefundGateway, TargetID: 99, Attempt: 2}
	if err := runner.Run(context.Background(), task); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sched.tasks) != 1 {
		t.Fatalf("expected 1 rescheduled task, got %d", len(sched.tasks))
	}
	got := sched.tasks[0]
	if got.task.Attempt != 3 || got.task.TargetID != 99 {
		t.Fatalf("unexpected rescheduled task %+v", got.task)
	}
	if want := clk.Now().Add(20 * time.Second); !got.runAt.Equal(want) {
		t.Fatalf("expected run at %s, got %s", want, got.runAt)
	}
}

func TestRunnerExpiryUsesPollInterval(t *testing.T) {
	sched := &recordingScheduler{}
	runner, clk := newTestRunner(t, sched, zap.NewNop())
	runner.Handle(domain.TaskChargeExpiry, func(context.Context, domain.Task) error {
		return domain.ErrRetryLater
	})

	if err := runner.Run(context.Background(), domain.Task{Kind: domain.TaskChargeExpiry, TargetID: 5}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sched.tasks) != 1 || !sched.tasks[0].runAt.Equal(clk.Now().Add(2*time.Minute)) {
		t.Fatalf("expected expiry retry after poll interval, got %+v", sched.tasks)
	}
}

func TestRunnerExhaustionAlerts(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sched := &recordingScheduler{}
	runner, _ := newTestRunner(t, sched, zap.New(core))
	reg := prometheus.NewRegistry()
	runner.metrics = metrics.NewPaymentMetrics(reg, config.Config{})
	runner.Handle(domain.TaskTransferGateway, func(context.Context, domain.Task) error {
		return domain.ErrRetryLater
	})

	if err := runner.Run(context.Background(), domain.Task{Kind: domain.TaskTransferGateway, TargetID: 7, Attempt: 3}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sched.tasks) != 0 {
		t.Fatalf("expected no reschedule after max attempts, got %d", len(sched.tasks))
	}
	if logs.FilterMessage("task exhausted retries").Len() != 1 {
		t.Fatalf("expected exhaustion to be logged")
	}
	if got := exhaustedCount(t, reg); got != 1 {
		t.Fatalf("expected exhausted counter 1, got %v", got)
	}
}

func exhaustedCount(t *testing.T, reg *prometheus.Registry) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() == "railpay_scheduler_exhausted_total" {
			return family.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("exhausted metric not found")
	return 0
}

func TestRunnerDropsMissingTargets(t *testing.T) {
	sched := &recordingScheduler{}
	runner, _ := newTestRunner(t, sched, zap.NewNop())
	runner.Handle(domain.TaskRefundGateway, func(context.Context, domain.Task) error {
		return domain.ErrNotFound
	})

	if err := runner.Run(context.Background(), domain.Task{Kind: domain.TaskRefundGateway, TargetID: 1}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sched.tasks) != 0 {
		t.Fatalf("expected missing target to be dropped")
	}
}

func TestRunnerRetriesUnexpectedErrors(t *testing.T) {
	sched := &recordingScheduler{}
	runner, _ := newTestRunner(t, sched, zap.NewNop())
	runner.Handle(domain.TaskRefundGateway, func(context.Context, domain.Task) error {
		return errors.New("database is locked")
	})

	if err := runner.Run(context.Background(), domain.Task{Kind: domain.TaskRefundGateway, TargetID: 1, Attempt: 1}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sched.tasks) != 1 || sched.tasks[0].task.Attempt != 2 {
		t.Fatalf("expected unexpected error to be retried, got %+v", sched.tasks)
	}
}

func TestLocalBackendRunsQueuedTasksAfterStart(t *testing.T) {
	clk := clock.SystemClock{}
	backend := NewLocalBackend(clk, zap.NewNop())
	defer backend.Stop()

	runner := NewRunner(RunnerParams{Log: zap.NewNop(), Clock: clk, Scheduler: backend})
	done := make(chan domain.Task, 1)
	runner.Handle(domain.TaskChargeExpiry, func(_ context.Context, task domain.Task) error {
		done <- task
		return nil
	})

	task := domain.Task{Kind: domain.TaskChargeExpiry, TargetID: 11, Attempt: 1}
	if err := backend.Schedule(context.Background(), task, clk.Now()); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	// Duplicate scheduling of the same attempt collapses.
	if err := backend.Schedule(context.Background(), task, clk.Now()); err != nil {
		t.Fatalf("schedule duplicate: %v", err)
	}
	if err := backend.Start(runner); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case got := <-done:
		if got.TargetID != 11 {
			t.Fatalf("unexpected task %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not run")
	}
}
