package refund

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railpay/internal/clock"
	"github.com/smallbiznis/railpay/internal/config"
	"github.com/smallbiznis/railpay/internal/money"
	"github.com/smallbiznis/railpay/internal/observability/metrics"
	"github.com/smallbiznis/railpay/internal/observability/tracing"
	"github.com/smallbiznis/railpay/internal/payment/adapters"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Cfg       config.Config
	Charges   domain.ChargeRepository
	Refunds   domain.RefundRepository
	Channels  *adapters.Registry
	Scheduler domain.Scheduler
	Publisher domain.EventPublisher
	Metrics   *metrics.PaymentMetrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	notifyBase  string
	delay       time.Duration
	maxAttempts int
	charges     domain.ChargeRepository
	refunds     domain.RefundRepository
	channels    *adapters.Registry
	scheduler   domain.Scheduler
	publisher   domain.EventPublisher
	metrics     *metrics.PaymentMetrics
}

func NewService(p Params) domain.RefundService {
	maxAttempts := p.Cfg.Scheduler.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.refund"),
		genID:       p.GenID,
		clock:       p.Clock,
		notifyBase:  strings.TrimRight(p.Cfg.Payment.NotifyBaseURL, "/"),
		delay:       p.Cfg.Scheduler.GatewayDelay,
		maxAttempts: maxAttempts,
		charges:     p.Charges,
		refunds:     p.Refunds,
		channels:    p.Channels,
		scheduler:   p.Scheduler,
		publisher:   p.Publisher,
		metrics:     p.Metrics,
	}
}

var inFlight = []string{domain.RefundStatusPending, domain.RefundStatusProcessing}

// Create reserves amount against the charge and records a PENDING refund in
// the same transaction. The reservation is a conditional increment, so
// concurrent refunds can never push refunded_amount past total_amount.
func (s *Service) Create(ctx context.Context, chargeID snowflake.ID, amount int64, reason string) (*domain.Refund, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	now := s.clock.Now()
	refund := &domain.Refund{
		ID:        s.genID.Generate(),
		ChargeID:  chargeID,
		Amount:    amount,
		Reason:    strings.TrimSpace(reason),
		Status:    domain.RefundStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		charge, err := s.charges.FindByID(ctx, tx, chargeID)
		if err != nil {
			return err
		}
		if charge == nil {
			return domain.ErrNotFound
		}
		if !charge.Paid() {
			return domain.ErrInvalidState
		}
		reserved, err := s.charges.ReserveRefund(ctx, tx, chargeID, amount, now)
		if err != nil {
			return err
		}
		if !reserved {
			current, err := s.charges.FindByID(ctx, tx, chargeID)
			if err != nil {
				return err
			}
			if current == nil || !current.Refundable().IsPositive() {
				return domain.ErrNoRefundableAmount
			}
			return domain.ErrRefundAmountExceeded
		}
		return s.refunds.Insert(ctx, tx, refund)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncTransition("charge", domain.ChargeStateRefund)
	s.metrics.IncTransition("refund", domain.RefundStatusPending)

	task := domain.Task{Kind: domain.TaskRefundGateway, TargetID: refund.ID, Attempt: 1}
	if err := s.scheduler.Schedule(ctx, task, now.Add(s.delay)); err != nil {
		s.log.Error("refund gateway task not scheduled",
			zap.String("refund_id", refund.ID.String()),
			zap.Error(err),
		)
	}
	s.log.Info("refund created",
		zap.String("refund_id", refund.ID.String()),
		zap.String("charge_id", chargeID.String()),
		zap.Int64("amount", amount),
	)
	return refund, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Refund, error) {
	refund, err := s.refunds.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if refund == nil {
		return nil, domain.ErrNotFound
	}
	return refund, nil
}

// GatewayHandle submits a PENDING refund to its channel. The refund id is
// the gateway idempotency key, so a retried submission is safe.
func (s *Service) GatewayHandle(ctx context.Context, id snowflake.ID, attempt int) (_ *domain.Refund, err error) {
	ctx, span := tracing.StartSpan(ctx, "refund.gateway",
		attribute.String("refund_id", id.String()),
		attribute.Int("attempt", attempt),
	)
	defer func() { tracing.EndSpan(span, err) }()

	refund, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if refund.Status != domain.RefundStatusPending {
		return refund, nil
	}
	charge, err := s.charges.FindByID(ctx, s.db, refund.ChargeID)
	if err != nil {
		return nil, err
	}
	if charge == nil {
		return nil, domain.ErrNotFound
	}
	channel, err := s.channels.Get(charge.TradeChannel)
	if err != nil {
		failed, _, markErr := s.MarkFailed(ctx, id, domain.NewFailure("UNSUPPORTED_CHANNEL", charge.TradeChannel), nil)
		return failed, markErr
	}

	req := domain.RefundRequest{
		OutTradeNo:  charge.OutTradeNo(),
		OutRefundNo: refund.OutRefundNo(),
		Amount:      money.New(refund.Amount, charge.Currency),
		Total:       charge.Total(),
		Reason:      refund.Reason,
		NotifyURL:   s.notifyBase + "/notify/" + channel.Name(),
	}
	if charge.TransactionNo != nil {
		req.TransactionNo = *charge.TransactionNo
	}

	outcome, err := channel.Refund(ctx, req)
	if err != nil {
		gwErr, ok := domain.AsGatewayError(err)
		if !ok {
			return nil, err
		}
		if gwErr.Kind == domain.GatewayErrorTransport && attempt < s.maxAttempts {
			s.log.Warn("refund gateway transport error, retrying",
				zap.String("refund_id", id.String()),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return refund, domain.ErrRetryLater
		}
		failed, _, markErr := s.MarkFailed(ctx, id, gwErr.Failure(), gwErr.Raw)
		return failed, markErr
	}

	switch outcome.Status {
	case domain.RefundOutcomeSuccess:
		updated, _, err := s.MarkSucceeded(ctx, id, outcome.TransactionNo, outcome.Raw)
		return updated, err
	case domain.RefundOutcomeProcessing:
		if outcome.TransactionNo != "" {
			if _, err := s.refunds.Transition(ctx, s.db, id, inFlight, map[string]any{"transaction_no": outcome.TransactionNo}); err != nil {
				return nil, err
			}
		}
		return s.MarkProcessing(ctx, id, outcome.Raw)
	}
	failed, _, err := s.MarkFailed(ctx, id, domain.NewFailure(outcome.Code, outcome.Message), outcome.Raw)
	return failed, err
}

func (s *Service) HandleTask(ctx context.Context, task domain.Task) error {
	_, err := s.GatewayHandle(ctx, task.TargetID, task.Attempt)
	return err
}

// MarkSucceeded settles the refund. A success reported after the refund was
// already rolled back re-reserves the amount; when the charge no longer has
// room for it the report is logged as an anomaly and left unapplied.
func (s *Service) MarkSucceeded(ctx context.Context, id snowflake.ID, transactionNo string, raw []byte) (*domain.Refund, *domain.Event, error) {
	var (
		refund *domain.Refund
		event  *domain.Event
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.refunds.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrNotFound
		}
		refund = current
		if current.Succeeded() {
			return nil
		}

		now := s.clock.Now()
		from := inFlight
		late := current.Status == domain.RefundStatusAbnormal || current.Status == domain.RefundStatusClosed
		if late {
			reserved, err := s.charges.ReserveRefund(ctx, tx, current.ChargeID, current.Amount, now)
			if err != nil {
				return err
			}
			if !reserved {
				s.metrics.IncAnomaly("", "refund_overdraw")
				s.log.Error("late refund success exceeds refundable amount",
					zap.String("refund_id", id.String()),
					zap.String("charge_id", current.ChargeID.String()),
					zap.String("status", current.Status),
					zap.Int64("amount", current.Amount),
				)
				return nil
			}
			from = []string{current.Status}
		}

		updates := map[string]any{
			"status":     domain.RefundStatusSuccess,
			"succeed_at": now,
			"updated_at": now,
		}
		if transactionNo != "" {
			updates["transaction_no"] = transactionNo
		}
		if extra := domain.RawPayload(raw); extra != nil {
			updates["extra"] = extra
		}
		ok, err := s.refunds.Transition(ctx, tx, id, from, updates)
		if err != nil {
			return err
		}
		refund, err = s.refunds.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok {
			// A concurrent delivery won the race.
			if refund == nil || !refund.Succeeded() {
				return domain.ErrInvalidState
			}
			if late {
				return s.charges.ReleaseRefund(ctx, tx, current.ChargeID, current.Amount, now)
			}
			return nil
		}
		event = &domain.Event{Type: domain.EventRefundSucceeded, RecordID: id, Record: refund, OccurredAt: now}
		return s.publisher.Publish(ctx, tx, *event)
	})
	if err != nil {
		return nil, nil, err
	}
	if event != nil {
		s.metrics.IncTransition("refund", domain.RefundStatusSuccess)
		s.log.Info("refund succeeded", zap.String("refund_id", id.String()), zap.String("transaction_no", transactionNo))
	}
	return refund, event, nil
}

func (s *Service) MarkProcessing(ctx context.Context, id snowflake.ID, raw []byte) (*domain.Refund, error) {
	updates := map[string]any{"status": domain.RefundStatusProcessing}
	if extra := domain.RawPayload(raw); extra != nil {
		updates["extra"] = extra
	}
	ok, err := s.refunds.Transition(ctx, s.db, id, []string{domain.RefundStatusPending}, updates)
	if err != nil {
		return nil, err
	}
	refund, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		s.metrics.IncTransition("refund", domain.RefundStatusProcessing)
		s.log.Info("refund processing", zap.String("refund_id", id.String()))
	}
	return refund, nil
}

// MarkFailed moves the refund to ABNORMAL and returns the reserved amount to
// the charge. Repeated failures only overwrite the failure detail.
func (s *Service) MarkFailed(ctx context.Context, id snowflake.ID, failure domain.Failure, raw []byte) (*domain.Refund, *domain.Event, error) {
	return s.rollback(ctx, id, domain.RefundStatusAbnormal, domain.EventRefundFailed, failure, raw)
}

// MarkClosed moves the refund to CLOSED and returns the reserved amount to
// the charge.
func (s *Service) MarkClosed(ctx context.Context, id snowflake.ID, failure domain.Failure, raw []byte) (*domain.Refund, *domain.Event, error) {
	return s.rollback(ctx, id, domain.RefundStatusClosed, domain.EventRefundClosed, failure, raw)
}

func (s *Service) rollback(ctx context.Context, id snowflake.ID, to string, eventType domain.EventType, failure domain.Failure, raw []byte) (*domain.Refund, *domain.Event, error) {
	var (
		refund *domain.Refund
		event  *domain.Event
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.refunds.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrNotFound
		}

		now := s.clock.Now()
		updates := map[string]any{
			"status":     to,
			"failure":    failure,
			"updated_at": now,
		}
		if extra := domain.RawPayload(raw); extra != nil {
			updates["extra"] = extra
		}

		switch {
		case current.Status == domain.RefundStatusPending || current.Status == domain.RefundStatusProcessing:
			ok, err := s.refunds.Transition(ctx, tx, id, inFlight, updates)
			if err != nil {
				return err
			}
			if !ok {
				return domain.ErrInvalidState
			}
			if err := s.charges.ReleaseRefund(ctx, tx, current.ChargeID, current.Amount, now); err != nil {
				return err
			}
		case current.Status == to:
			// Already rolled back; keep the latest failure detail.
			if _, err := s.refunds.Transition(ctx, tx, id, []string{to}, updates); err != nil {
				return err
			}
			refund, err = s.refunds.FindByID(ctx, tx, id)
			return err
		case current.Status == domain.RefundStatusAbnormal && to == domain.RefundStatusClosed:
			// The amount was released when the refund turned ABNORMAL.
			ok, err := s.refunds.Transition(ctx, tx, id, []string{domain.RefundStatusAbnormal}, updates)
			if err != nil {
				return err
			}
			if !ok {
				return domain.ErrInvalidState
			}
		default:
			return domain.ErrInvalidState
		}

		refund, err = s.refunds.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		event = &domain.Event{Type: eventType, RecordID: id, Record: refund, OccurredAt: now}
		return s.publisher.Publish(ctx, tx, *event)
	})
	if err != nil {
		return nil, nil, err
	}
	if event != nil {
		s.metrics.IncTransition("refund", to)
		s.log.Warn("refund rolled back",
			zap.String("refund_id", id.String()),
			zap.String("status", to),
			zap.String("code", failure.Code),
			zap.String("desc", failure.Desc),
		)
	}
	return refund, event, nil
}
