package charge

import (
	"context"
	"encoding/json"
	"errors"
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
	Charges   domain.ChargeRepository
	Refunds   domain.RefundRepository
	RefundSvc domain.RefundService
	Channels  *adapters.Registry
	Scheduler domain.Scheduler
	Publisher domain.EventPublisher
	Metrics   *metrics.PaymentMetrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	cfg       config.PaymentConfig
	charges   domain.ChargeRepository
	refunds   domain.RefundRepository
	refundSvc domain.RefundService
	channels  *adapters.Registry
	scheduler domain.Scheduler
	publisher domain.EventPublisher
	metrics   *metrics.PaymentMetrics
}

func NewService(p Params) domain.ChargeService {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("payment.charge"),
		genID:     p.GenID,
		clock:     p.Clock,
		cfg:       p.Cfg.Payment,
		charges:   p.Charges,
		refunds:   p.Refunds,
		refundSvc: p.RefundSvc,
		channels:  p.Channels,
		scheduler: p.Scheduler,
		publisher: p.Publisher,
		metrics:   p.Metrics,
	}
}

// States a charge may be paid from. CLOSED and PAYERROR are included because
// a late success notification still means money moved.
var payableStates = []string{
	domain.ChargeStateNotPay,
	domain.ChargeStateClosed,
	domain.ChargeStatePayError,
	domain.ChargeStateRevoked,
	domain.ChargeStateUserPaying,
	domain.ChargeStateAccept,
}

var failableStates = []string{
	domain.ChargeStateNotPay,
	domain.ChargeStatePayError,
	domain.ChargeStateRevoked,
	domain.ChargeStateUserPaying,
	domain.ChargeStateAccept,
}

var openStates = []string{
	domain.ChargeStateNotPay,
	domain.ChargeStateUserPaying,
	domain.ChargeStateAccept,
}

var passThroughFrom = []string{
	domain.ChargeStateNotPay,
	domain.ChargeStateRevoked,
	domain.ChargeStateUserPaying,
	domain.ChargeStateAccept,
}

func (s *Service) Create(ctx context.Context, req domain.CreateChargeRequest) (*domain.Charge, error) {
	if req.TotalAmount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	currency := strings.TrimSpace(req.Currency)
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}
	currency = money.NormalizeCurrency(currency)
	if len(currency) != 3 {
		return nil, domain.ErrInvalidCurrency
	}
	channel := strings.ToLower(strings.TrimSpace(req.TradeChannel))
	if channel != "" && !s.channels.ChannelExists(channel) {
		return nil, domain.ErrUnsupportedChannel
	}
	tradeType := strings.ToLower(strings.TrimSpace(req.TradeType))
	if tradeType != "" && !domain.IsValidTradeType(tradeType) {
		return nil, domain.ErrUnsupportedTradeType
	}

	now := s.clock.Now()
	expiredAt := now.Add(s.defaultExpiry())
	if req.ExpiredAt != nil {
		if !req.ExpiredAt.After(now) {
			return nil, domain.ErrInvalidExpiry
		}
		expiredAt = req.ExpiredAt.UTC()
	}

	charge := &domain.Charge{
		ID:           s.genID.Generate(),
		TradeChannel: channel,
		TradeType:    tradeType,
		OrderType:    strings.TrimSpace(req.OrderType),
		OrderID:      strings.TrimSpace(req.OrderID),
		Subject:      strings.TrimSpace(req.Subject),
		Description:  strings.TrimSpace(req.Description),
		TotalAmount:  req.TotalAmount,
		Currency:     currency,
		State:        domain.ChargeStateNotPay,
		ClientIP:     strings.TrimSpace(req.ClientIP),
		Metadata:     datatypes.JSONMap(req.Metadata),
		ExpiredAt:    &expiredAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.charges.Insert(ctx, s.db, charge); err != nil {
		return nil, err
	}

	task := domain.Task{Kind: domain.TaskChargeExpiry, TargetID: charge.ID, Attempt: 1}
	if err := s.scheduler.Schedule(ctx, task, expiredAt); err != nil {
		// The expiry sweeper picks the charge up once it is overdue.
		s.log.Warn("failed to schedule charge expiry", zap.String("charge_id", charge.ID.String()), zap.Error(err))
	}
	s.log.Info("charge created",
		zap.String("charge_id", charge.ID.String()),
		zap.Int64("total_amount", charge.TotalAmount),
		zap.String("currency", charge.Currency),
	)

	if channel != "" && tradeType != "" {
		return s.IssueCredential(ctx, charge.ID, channel, tradeType, req.Metadata)
	}
	return charge, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Charge, error) {
	charge, err := s.charges.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if charge == nil {
		return nil, domain.ErrNotFound
	}
	return charge, nil
}

// IssueCredential asks the channel for a payment credential. The gateway is
// called outside any transaction; the credential is only stored while the
// charge is still open.
func (s *Service) IssueCredential(ctx context.Context, id snowflake.ID, channelName, tradeType string, metadata map[string]any) (_ *domain.Charge, err error) {
	ctx, span := tracing.StartSpan(ctx, "charge.issue_credential",
		attribute.String("charge_id", id.String()),
		attribute.String("payment.channel", channelName),
	)
	defer func() { tracing.EndSpan(span, err) }()

	channelName = strings.ToLower(strings.TrimSpace(channelName))
	tradeType = strings.ToLower(strings.TrimSpace(tradeType))
	channel, err := s.channels.Get(channelName)
	if err != nil {
		return nil, err
	}
	if !adapters.SupportsTradeType(channel, tradeType) {
		return nil, domain.ErrUnsupportedTradeType
	}

	charge, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if charge.State != domain.ChargeStateNotPay {
		return nil, domain.ErrInvalidState
	}
	if metadata == nil {
		metadata = charge.Metadata
	}

	updated, err := s.charges.UpdateIfState(ctx, s.db, id, []string{domain.ChargeStateNotPay}, map[string]any{
		"trade_channel": channelName,
		"trade_type":    tradeType,
		"metadata":      datatypes.JSONMap(metadata),
	})
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domain.ErrInvalidState
	}

	req := domain.PrepayRequest{
		OutTradeNo:  charge.OutTradeNo(),
		TradeType:   tradeType,
		Amount:      charge.Total(),
		Subject:     charge.Subject,
		Description: charge.Description,
		ExpireAt:    charge.ExpiredAt,
		ClientIP:    charge.ClientIP,
		NotifyURL:   s.notifyURL(channelName),
		ReturnURL:   s.callbackURL(id),
		AppName:     s.cfg.AppName,
		AppURL:      s.cfg.AppURL,
		Metadata:    metadata,
	}
	if override := adapters.MetadataString(metadata, "_return_url"); override != "" {
		req.ReturnURL = override
	}
	req.QuitURL = adapters.MetadataString(metadata, "quit_url")

	credential, err := channel.Prepay(ctx, req)
	if err != nil {
		if gwErr, ok := domain.AsGatewayError(err); ok && gwErr.Kind == domain.GatewayErrorClient {
			s.log.Warn("prepay rejected as client error",
				zap.String("charge_id", id.String()),
				zap.String("channel", channelName),
				zap.String("code", gwErr.Code),
				zap.String("message", gwErr.Message),
			)
			failed, _, markErr := s.MarkFailed(ctx, id, gwErr.Failure(), gwErr.Raw)
			if markErr != nil {
				return nil, markErr
			}
			return failed, nil
		}
		return nil, err
	}

	encoded, err := json.Marshal(credential)
	if err != nil {
		return nil, err
	}
	if _, err := s.charges.UpdateIfState(ctx, s.db, id, []string{domain.ChargeStateNotPay}, map[string]any{
		"credential": datatypes.JSON(encoded),
	}); err != nil {
		return nil, err
	}
	s.log.Info("credential issued",
		zap.String("charge_id", id.String()),
		zap.String("channel", channelName),
		zap.String("trade_type", tradeType),
	)
	return s.Get(ctx, id)
}

func (s *Service) MarkSucceeded(ctx context.Context, id snowflake.ID, transactionNo string, raw []byte) (*domain.Charge, *domain.Event, error) {
	var (
		charge *domain.Charge
		event  *domain.Event
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.charges.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrNotFound
		}
		if current.Paid() {
			charge = current
			return nil
		}
		if current.State == domain.ChargeStateClosed || current.State == domain.ChargeStatePayError {
			s.log.Warn("payment succeeded after charge left NOTPAY",
				zap.String("charge_id", id.String()),
				zap.String("state", current.State),
			)
		}

		now := s.clock.Now()
		updates := map[string]any{
			"state":      domain.ChargeStateSuccess,
			"expired_at": nil,
			"credential": nil,
			"succeed_at": now,
			"updated_at": now,
		}
		if transactionNo != "" {
			updates["transaction_no"] = transactionNo
		}
		if extra := domain.RawPayload(raw); extra != nil {
			updates["extra"] = extra
		}
		ok, err := s.charges.Transition(ctx, tx, id, payableStates, updates)
		if err != nil {
			return err
		}
		charge, err = s.charges.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok {
			if charge != nil && charge.Paid() {
				return nil
			}
			return domain.ErrInvalidState
		}
		event = &domain.Event{Type: domain.EventChargeSucceeded, RecordID: id, Record: charge, OccurredAt: now}
		return s.publisher.Publish(ctx, tx, *event)
	})
	if err != nil {
		return nil, nil, err
	}
	if event != nil {
		s.metrics.IncTransition("charge", domain.ChargeStateSuccess)
		s.log.Info("charge succeeded", zap.String("charge_id", id.String()), zap.String("transaction_no", transactionNo))
	}
	return charge, event, nil
}

func (s *Service) MarkFailed(ctx context.Context, id snowflake.ID, failure domain.Failure, raw []byte) (*domain.Charge, *domain.Event, error) {
	var (
		charge *domain.Charge
		event  *domain.Event
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.charges.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrNotFound
		}
		if current.Paid() {
			return domain.ErrInvalidState
		}

		now := s.clock.Now()
		updates := map[string]any{
			"state":      domain.ChargeStatePayError,
			"failure":    failure,
			"credential": nil,
			"updated_at": now,
		}
		if extra := domain.RawPayload(raw); extra != nil {
			updates["extra"] = extra
		}
		ok, err := s.charges.Transition(ctx, tx, id, failableStates, updates)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrInvalidState
		}
		charge, err = s.charges.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		event = &domain.Event{Type: domain.EventChargeFailed, RecordID: id, Record: charge, OccurredAt: now}
		return s.publisher.Publish(ctx, tx, *event)
	})
	if err != nil {
		return nil, nil, err
	}
	s.metrics.IncTransition("charge", domain.ChargeStatePayError)
	s.log.Info("charge failed",
		zap.String("charge_id", id.String()),
		zap.String("code", failure.Code),
		zap.String("desc", failure.Desc),
	)
	return charge, event, nil
}

func (s *Service) RecordState(ctx context.Context, id snowflake.ID, state string, raw []byte) (*domain.Charge, error) {
	if !domain.IsPassThroughState(state) {
		return nil, domain.ErrInvalidState
	}
	updates := map[string]any{"state": state}
	if extra := domain.RawPayload(raw); extra != nil {
		updates["extra"] = extra
	}
	ok, err := s.charges.Transition(ctx, s.db, id, passThroughFrom, updates)
	if err != nil {
		return nil, err
	}
	charge, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		s.metrics.IncTransition("charge", state)
		s.log.Debug("charge state recorded", zap.String("charge_id", id.String()), zap.String("state", state))
	}
	return charge, nil
}

// Close cancels an unpaid charge. A gateway rejection leaves the state
// untouched, stores the rejection in extra and reports closed=false.
func (s *Service) Close(ctx context.Context, id snowflake.ID) (closed bool, event *domain.Event, err error) {
	ctx, span := tracing.StartSpan(ctx, "charge.close", attribute.String("charge_id", id.String()))
	defer func() { tracing.EndSpan(span, err) }()

	charge, err := s.Get(ctx, id)
	if err != nil {
		return false, nil, err
	}
	if !domain.IsOpenState(charge.State) {
		return false, nil, domain.ErrInvalidState
	}

	var raw []byte
	if charge.TradeChannel != "" {
		channel, err := s.channels.Get(charge.TradeChannel)
		if err != nil {
			return false, nil, err
		}
		result, err := channel.Close(ctx, charge.OutTradeNo())
		if err != nil {
			return false, nil, err
		}
		if !result.Closed {
			s.log.Info("gateway refused to close charge",
				zap.String("charge_id", id.String()),
				zap.String("code", result.Code),
				zap.String("message", result.Message),
			)
			if extra := domain.RawPayload(result.Raw); extra != nil {
				if _, err := s.charges.UpdateIfState(ctx, s.db, id, openStates, map[string]any{"extra": extra}); err != nil {
					return false, nil, err
				}
			}
			return false, nil, nil
		}
		raw = result.Raw
	}

	_, event, err = s.MarkClosed(ctx, id, raw)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			// Lost the race against a payment or another close.
			return false, nil, nil
		}
		return false, nil, err
	}
	return event != nil, event, nil
}

// MarkClosed moves an open charge to CLOSED. Closing an already closed
// charge is a no-op.
func (s *Service) MarkClosed(ctx context.Context, id snowflake.ID, raw []byte) (*domain.Charge, *domain.Event, error) {
	var (
		charge *domain.Charge
		event  *domain.Event
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		updates := map[string]any{
			"state":      domain.ChargeStateClosed,
			"credential": nil,
			"updated_at": now,
		}
		if extra := domain.RawPayload(raw); extra != nil {
			updates["extra"] = extra
		}
		ok, err := s.charges.Transition(ctx, tx, id, openStates, updates)
		if err != nil {
			return err
		}
		charge, err = s.charges.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if charge == nil {
			return domain.ErrNotFound
		}
		if !ok {
			if charge.Closed() {
				return nil
			}
			return domain.ErrInvalidState
		}
		event = &domain.Event{Type: domain.EventChargeClosed, RecordID: id, Record: charge, OccurredAt: now}
		return s.publisher.Publish(ctx, tx, *event)
	})
	if err != nil {
		return nil, nil, err
	}
	if event != nil {
		s.metrics.IncTransition("charge", domain.ChargeStateClosed)
		s.log.Info("charge closed", zap.String("charge_id", id.String()))
	}
	return charge, event, nil
}

func (s *Service) Refund(ctx context.Context, id snowflake.ID, amount int64, reason string) (*domain.Refund, error) {
	charge, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !charge.Paid() {
		return nil, domain.ErrInvalidState
	}
	refundable := charge.Refundable()
	if !refundable.IsPositive() {
		return nil, domain.ErrNoRefundableAmount
	}
	switch {
	case amount < 0:
		return nil, domain.ErrInvalidAmount
	case amount == 0:
		amount = refundable.Value
	case amount > refundable.Value:
		return nil, domain.ErrRefundAmountExceeded
	}
	return s.refundSvc.Create(ctx, id, amount, reason)
}

func (s *Service) ListRefunds(ctx context.Context, id snowflake.ID) ([]domain.Refund, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.refunds.ListByCharge(ctx, s.db, id)
}

// HandleExpiry runs the charge:expiry task. Open charges past their expiry
// are closed; anything not yet closable is polled again later.
func (s *Service) HandleExpiry(ctx context.Context, task domain.Task) error {
	charge, err := s.charges.FindByID(ctx, s.db, task.TargetID)
	if err != nil {
		return err
	}
	if charge == nil {
		return domain.ErrNotFound
	}
	if !domain.IsOpenState(charge.State) || charge.ExpiredAt == nil {
		return nil
	}
	if s.clock.Now().Before(*charge.ExpiredAt) {
		return domain.ErrRetryLater
	}

	closed, _, err := s.Close(ctx, charge.ID)
	switch {
	case errors.Is(err, domain.ErrInvalidState):
		return nil
	case domain.IsTransient(err):
		return domain.ErrRetryLater
	case err != nil:
		return err
	case closed:
		return nil
	}
	return s.settleIfPaid(ctx, charge)
}

// settleIfPaid handles a refused close: the usual cause is that the payer
// completed payment, so the order is polled once before retrying.
func (s *Service) settleIfPaid(ctx context.Context, charge *domain.Charge) error {
	channel, err := s.channels.Get(charge.TradeChannel)
	if err != nil {
		return domain.ErrRetryLater
	}
	status, err := channel.Query(ctx, charge.OutTradeNo())
	if err != nil {
		s.log.Warn("expiry poll failed", zap.String("charge_id", charge.ID.String()), zap.Error(err))
		return domain.ErrRetryLater
	}
	if !domain.IsPaidState(status.TradeState) {
		return domain.ErrRetryLater
	}
	if status.Amount != nil && !status.Amount.Equal(charge.Total()) {
		s.metrics.IncAnomaly(charge.TradeChannel, "amount_mismatch")
		s.log.Warn("reconciliation anomaly",
			zap.String("charge_id", charge.ID.String()),
			zap.String("reason", domain.ErrAmountMismatch.Error()),
			zap.String("expected", charge.Total().String()),
			zap.String("reported", status.Amount.String()),
		)
	}
	_, _, err = s.MarkSucceeded(ctx, charge.ID, status.TransactionNo, status.Raw)
	return err
}

func (s *Service) defaultExpiry() time.Duration {
	if s.cfg.DefaultExpiry > 0 {
		return s.cfg.DefaultExpiry
	}
	return 24 * time.Hour
}

func (s *Service) notifyURL(channel string) string {
	return strings.TrimRight(s.cfg.NotifyBaseURL, "/") + "/notify/" + channel
}

func (s *Service) callbackURL(id snowflake.ID) string {
	return strings.TrimRight(s.cfg.NotifyBaseURL, "/") + "/callback/" + id.String()
}
