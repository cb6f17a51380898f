package transfer

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railpay/internal/clock"
	"github.com/smallbiznis/railpay/internal/config"
	"github.com/smallbiznis/railpay/internal/money"
	"github.com/smallbiznis/railpay/internal/observability/logger"
	"github.com/smallbiznis/railpay/internal/observability/metrics"
	"github.com/smallbiznis/railpay/internal/observability/tracing"
	"github.com/smallbiznis/railpay/internal/payment/adapters"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Cfg       config.Config
	Transfers domain.TransferRepository
	Channels  *adapters.Registry
	Scheduler domain.Scheduler
	Publisher domain.EventPublisher
	Metrics   *metrics.PaymentMetrics `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	defaultCurrency string
	allowed         map[string]struct{}
	delay           time.Duration
	maxAttempts     int
	transfers       domain.TransferRepository
	channels        *adapters.Registry
	scheduler       domain.Scheduler
	publisher       domain.EventPublisher
	metrics         *metrics.PaymentMetrics
}

func NewService(p Params) domain.TransferService {
	allowed := make(map[string]struct{}, len(p.Cfg.Payment.TransferChannels))
	for _, name := range p.Cfg.Payment.TransferChannels {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			allowed[name] = struct{}{}
		}
	}
	maxAttempts := p.Cfg.Scheduler.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	currency := p.Cfg.Payment.DefaultCurrency
	if currency == "" {
		currency = "CNY"
	}
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("payment.transfer"),
		genID:           p.GenID,
		clock:           p.Clock,
		defaultCurrency: currency,
		allowed:         allowed,
		delay:           p.Cfg.Scheduler.GatewayDelay,
		maxAttempts:     maxAttempts,
		transfers:       p.Transfers,
		channels:        p.Channels,
		scheduler:       p.Scheduler,
		publisher:       p.Publisher,
		metrics:         p.Metrics,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateTransferRequest) (*domain.Transfer, error) {
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	currency := strings.TrimSpace(req.Currency)
	if currency == "" {
		currency = s.defaultCurrency
	}
	currency = money.NormalizeCurrency(currency)
	if len(currency) != 3 {
		return nil, domain.ErrInvalidCurrency
	}
	channel := strings.ToLower(strings.TrimSpace(req.TradeChannel))
	if !s.channels.ChannelExists(channel) {
		return nil, domain.ErrUnsupportedChannel
	}
	recipient := domain.Recipient{
		Account:     strings.TrimSpace(req.Recipient.Account),
		AccountType: strings.TrimSpace(req.Recipient.AccountType),
		Name:        strings.TrimSpace(req.Recipient.Name),
	}
	if recipient.Account == "" {
		return nil, domain.ErrInvalidRecipient
	}

	now := s.clock.Now()
	transfer := &domain.Transfer{
		ID:           s.genID.Generate(),
		TradeChannel: channel,
		Status:       domain.TransferStatusPending,
		OrderType:    strings.TrimSpace(req.OrderType),
		OrderID:      strings.TrimSpace(req.OrderID),
		Amount:       req.Amount,
		Currency:     currency,
		Description:  strings.TrimSpace(req.Description),
		Recipient:    datatypes.NewJSONType(recipient),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.transfers.Insert(ctx, s.db, transfer); err != nil {
		return nil, err
	}
	s.metrics.IncTransition("transfer", domain.TransferStatusPending)

	task := domain.Task{Kind: domain.TaskTransferGateway, TargetID: transfer.ID, Attempt: 1}
	if err := s.scheduler.Schedule(ctx, task, now.Add(s.delay)); err != nil {
		s.log.Error("transfer gateway task not scheduled",
			zap.String("transfer_id", transfer.ID.String()),
			zap.Error(err),
		)
	}
	s.log.Info("transfer created",
		zap.String("transfer_id", transfer.ID.String()),
		zap.String("channel", channel),
		zap.Int64("amount", transfer.Amount),
		zap.Any("recipient", logger.MaskJSON(map[string]any{
			"account":      recipient.Account,
			"account_type": recipient.AccountType,
			"name":         recipient.Name,
		})),
	)
	return transfer, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Transfer, error) {
	transfer, err := s.transfers.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if transfer == nil {
		return nil, domain.ErrNotFound
	}
	return transfer, nil
}

// GatewayHandle submits a PENDING transfer. Only allow-listed channels may
// move money out; an IN_FLIGHT answer is treated as accepted.
func (s *Service) GatewayHandle(ctx context.Context, id snowflake.ID, attempt int) (_ *domain.Transfer, err error) {
	ctx, span := tracing.StartSpan(ctx, "transfer.gateway",
		attribute.String("transfer_id", id.String()),
		attribute.Int("attempt", attempt),
	)
	defer func() { tracing.EndSpan(span, err) }()

	transfer, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if transfer.Status != domain.TransferStatusPending {
		return transfer, nil
	}
	if _, ok := s.allowed[transfer.TradeChannel]; !ok {
		failed, _, markErr := s.MarkFailed(ctx, id, domain.NewFailure("UNSUPPORTED_CHANNEL", transfer.TradeChannel+" does not support transfers"), nil)
		return failed, markErr
	}
	channel, err := s.channels.Get(transfer.TradeChannel)
	if err != nil {
		failed, _, markErr := s.MarkFailed(ctx, id, domain.NewFailure("UNSUPPORTED_CHANNEL", transfer.TradeChannel), nil)
		return failed, markErr
	}

	outcome, err := channel.Transfer(ctx, domain.TransferRequest{
		OutBizNo:    transfer.OutBizNo(),
		Amount:      transfer.Money(),
		Recipient:   transfer.Recipient.Data(),
		Description: transfer.Description,
	})
	if err != nil {
		gwErr, ok := domain.AsGatewayError(err)
		if !ok {
			return nil, err
		}
		if gwErr.Kind == domain.GatewayErrorTransport && attempt < s.maxAttempts {
			s.log.Warn("transfer gateway transport error, retrying",
				zap.String("transfer_id", id.String()),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return transfer, domain.ErrRetryLater
		}
		failed, _, markErr := s.MarkFailed(ctx, id, gwErr.Failure(), gwErr.Raw)
		return failed, markErr
	}

	switch outcome.Status {
	case domain.TransferOutcomeSuccess, domain.TransferOutcomeInFlight:
		updated, _, err := s.MarkSucceeded(ctx, id, outcome.OrderID, outcome.Raw)
		return updated, err
	}
	failed, _, err := s.MarkFailed(ctx, id, domain.NewFailure(outcome.Code, outcome.Message), outcome.Raw)
	return failed, err
}

func (s *Service) HandleTask(ctx context.Context, task domain.Task) error {
	_, err := s.GatewayHandle(ctx, task.TargetID, task.Attempt)
	return err
}

func (s *Service) MarkSucceeded(ctx context.Context, id snowflake.ID, transactionNo string, raw []byte) (*domain.Transfer, *domain.Event, error) {
	var (
		transfer *domain.Transfer
		event    *domain.Event
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.transfers.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrNotFound
		}
		if current.Succeeded() {
			transfer = current
			return nil
		}

		now := s.clock.Now()
		updates := map[string]any{
			"status":     domain.TransferStatusSuccess,
			"succeed_at": now,
			"updated_at": now,
		}
		if transactionNo != "" {
			updates["transaction_no"] = transactionNo
		}
		if extra := domain.RawPayload(raw); extra != nil {
			updates["extra"] = extra
		}
		ok, err := s.transfers.Transition(ctx, tx, id, []string{domain.TransferStatusPending}, updates)
		if err != nil {
			return err
		}
		transfer, err = s.transfers.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok {
			if transfer != nil && transfer.Succeeded() {
				return nil
			}
			return domain.ErrInvalidState
		}
		event = &domain.Event{Type: domain.EventTransferSucceeded, RecordID: id, Record: transfer, OccurredAt: now}
		return s.publisher.Publish(ctx, tx, *event)
	})
	if err != nil {
		return nil, nil, err
	}
	if event != nil {
		s.metrics.IncTransition("transfer", domain.TransferStatusSuccess)
		s.log.Info("transfer succeeded", zap.String("transfer_id", id.String()), zap.String("transaction_no", transactionNo))
	}
	return transfer, event, nil
}

// MarkFailed records the failure. Once ABNORMAL, later failures only refresh
// the detail and publish nothing.
func (s *Service) MarkFailed(ctx context.Context, id snowflake.ID, failure domain.Failure, raw []byte) (*domain.Transfer, *domain.Event, error) {
	var (
		transfer *domain.Transfer
		event    *domain.Event
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.transfers.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrNotFound
		}
		if current.Succeeded() {
			return domain.ErrInvalidState
		}

		now := s.clock.Now()
		updates := map[string]any{
			"status":     domain.TransferStatusAbnormal,
			"failure":    failure,
			"updated_at": now,
		}
		if extra := domain.RawPayload(raw); extra != nil {
			updates["extra"] = extra
		}
		ok, err := s.transfers.Transition(ctx, tx, id, []string{domain.TransferStatusPending, domain.TransferStatusAbnormal}, updates)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrInvalidState
		}
		transfer, err = s.transfers.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Status == domain.TransferStatusAbnormal {
			return nil
		}
		event = &domain.Event{Type: domain.EventTransferFailed, RecordID: id, Record: transfer, OccurredAt: now}
		return s.publisher.Publish(ctx, tx, *event)
	})
	if err != nil {
		return nil, nil, err
	}
	if event != nil {
		s.metrics.IncTransition("transfer", domain.TransferStatusAbnormal)
	}
	s.log.Warn("transfer failed",
		zap.String("transfer_id", id.String()),
		zap.String("code", failure.Code),
		zap.String("desc", failure.Desc),
	)
	return transfer, event, nil
}
