package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/smallbiznis/railpay/internal/clock"
	"github.com/smallbiznis/railpay/internal/config"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"go.uber.org/zap"
)

// Backend stores scheduled tasks and feeds due ones to a Runner.
type Backend interface {
	domain.Scheduler
	Start(runner *Runner) error
	Stop()
}

const queueName = "railpay"

// AsynqBackend keeps tasks in Redis through asynq. Retries are driven by the
// Runner, so asynq's own retry is disabled.
type AsynqBackend struct {
	client      *asynq.Client
	redis       asynq.RedisClientOpt
	concurrency int
	log         *zap.Logger
	server      *asynq.Server
}

func NewAsynqBackend(cfg config.Config, log *zap.Logger) *AsynqBackend {
	redis := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	concurrency := cfg.Scheduler.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	return &AsynqBackend{
		client:      asynq.NewClient(redis),
		redis:       redis,
		concurrency: concurrency,
		log:         log.Named("scheduler.asynq"),
	}
}

// TaskID is unique per kind, target and attempt so duplicate scheduling of
// the same attempt collapses into one task.
func TaskID(task domain.Task) string {
	return string(task.Kind) + ":" + task.TargetID.String() + ":" + strconv.Itoa(task.Attempt)
}

func (b *AsynqBackend) Schedule(ctx context.Context, task domain.Task, runAt time.Time) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = b.client.EnqueueContext(ctx,
		asynq.NewTask(string(task.Kind), payload),
		asynq.Queue(queueName),
		asynq.ProcessAt(runAt),
		asynq.MaxRetry(0),
		asynq.TaskID(TaskID(task)),
		asynq.Retention(24*time.Hour),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

func (b *AsynqBackend) Start(runner *Runner) error {
	b.server = asynq.NewServer(b.redis, asynq.Config{
		Concurrency: b.concurrency,
		Queues:      map[string]int{queueName: 1},
	})

	mux := asynq.NewServeMux()
	for _, kind := range runner.Kinds() {
		mux.HandleFunc(string(kind), func(ctx context.Context, t *asynq.Task) error {
			var task domain.Task
			if err := json.Unmarshal(t.Payload(), &task); err != nil {
				b.log.Error("invalid task payload", zap.String("type", t.Type()), zap.Error(err))
				return fmt.Errorf("decode task: %w", asynq.SkipRetry)
			}
			return runner.Run(ctx, task)
		})
	}
	return b.server.Start(mux)
}

func (b *AsynqBackend) Stop() {
	if b.server != nil {
		b.server.Shutdown()
	}
	if err := b.client.Close(); err != nil {
		b.log.Warn("close asynq client", zap.Error(err))
	}
}

// LocalBackend runs tasks in-process with timers. Tasks do not survive a
// restart; the sweeper re-enqueues whatever was lost.
type LocalBackend struct {
	clock clock.Clock
	log   *zap.Logger

	mu      sync.Mutex
	runner  *Runner
	pending []pendingTask
	timers  map[string]*time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type pendingTask struct {
	task  domain.Task
	runAt time.Time
}

func NewLocalBackend(clk clock.Clock, log *zap.Logger) *LocalBackend {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalBackend{
		clock:  clk,
		log:    log.Named("scheduler.local"),
		timers: map[string]*time.Timer{},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *LocalBackend) Schedule(_ context.Context, task domain.Task, runAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runner == nil {
		b.pending = append(b.pending, pendingTask{task: task, runAt: runAt})
		return nil
	}
	b.arm(task, runAt)
	return nil
}

func (b *LocalBackend) Start(runner *Runner) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runner = runner
	for _, p := range b.pending {
		b.arm(p.task, p.runAt)
	}
	b.pending = nil
	return nil
}

// arm must be called with b.mu held.
func (b *LocalBackend) arm(task domain.Task, runAt time.Time) {
	id := TaskID(task)
	if _, ok := b.timers[id]; ok {
		return
	}
	delay := runAt.Sub(b.clock.Now())
	if delay < 0 {
		delay = 0
	}
	b.wg.Add(1)
	b.timers[id] = time.AfterFunc(delay, func() {
		defer b.wg.Done()
		b.mu.Lock()
		delete(b.timers, id)
		runner := b.runner
		b.mu.Unlock()
		if b.ctx.Err() != nil {
			return
		}
		if err := runner.Run(b.ctx, task); err != nil {
			b.log.Error("local task failed", zap.String("task_id", id), zap.Error(err))
		}
	})
}

func (b *LocalBackend) Stop() {
	b.cancel()
	b.mu.Lock()
	for id, timer := range b.timers {
		if timer.Stop() {
			b.wg.Done()
		}
		delete(b.timers, id)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
