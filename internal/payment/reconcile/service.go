package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railpay/internal/clock"
	"github.com/smallbiznis/railpay/internal/money"
	"github.com/smallbiznis/railpay/internal/observability/logger"
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
	Events    domain.EventRepository
	Charges   domain.ChargeRepository
	Refunds   domain.RefundRepository
	ChargeSvc domain.ChargeService
	RefundSvc domain.RefundService
	Channels  *adapters.Registry
	Metrics   *metrics.PaymentMetrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	events    domain.EventRepository
	charges   domain.ChargeRepository
	refunds   domain.RefundRepository
	chargeSvc domain.ChargeService
	refundSvc domain.RefundService
	channels  *adapters.Registry
	metrics   *metrics.PaymentMetrics
}

func NewService(p Params) domain.ReconcileService {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("payment.reconcile"),
		genID:     p.GenID,
		clock:     p.Clock,
		events:    p.Events,
		charges:   p.Charges,
		refunds:   p.Refunds,
		chargeSvc: p.ChargeSvc,
		refundSvc: p.RefundSvc,
		channels:  p.Channels,
		metrics:   p.Metrics,
	}
}

var errUnconfirmed = errors.New("unconfirmed_notification")

// anomaly wraps a reconciliation problem that is logged and counted but
// still acknowledged to the gateway.
type anomaly struct {
	reason error
	detail string
}

func (a *anomaly) Error() string { return a.reason.Error() + ": " + a.detail }

func (a *anomaly) Unwrap() error { return a.reason }

func newAnomaly(reason error, format string, args ...any) error {
	return &anomaly{reason: reason, detail: fmt.Sprintf(format, args...)}
}

func isAnomaly(err error) bool {
	var a *anomaly
	return errors.As(err, &a)
}

func (s *Service) IngestNotification(ctx context.Context, channelName string, payload []byte, headers http.Header) (domain.NotifyAck, error) {
	channelName = strings.ToLower(strings.TrimSpace(channelName))
	channel, err := s.channels.Get(channelName)
	if err != nil {
		return domain.NotifyAck{}, err
	}
	log := s.log.With(zap.String("channel", channelName))

	notification, err := channel.ParseNotification(ctx, payload, headers)
	if err != nil {
		if errors.Is(err, domain.ErrEventIgnored) {
			s.metrics.IncNotification(channelName, "ignored")
			return channel.Ack(), nil
		}
		s.metrics.IncNotification(channelName, "rejected")
		log.Warn("gateway notification rejected",
			zap.Error(err),
			zap.Any("headers", logger.MaskHeaders(headers)),
		)
		return domain.NotifyAck{}, err
	}
	if notification == nil || strings.TrimSpace(notification.EventID) == "" {
		s.metrics.IncNotification(channelName, "rejected")
		return domain.NotifyAck{}, domain.ErrInvalidEvent
	}

	now := s.clock.Now()
	received := domain.EventRecord{
		ID:              s.genID.Generate(),
		Channel:         channelName,
		ProviderEventID: notification.EventID,
		EventType:       string(notification.Outcome.Kind),
		RecordID:        notification.Outcome.RecordID,
		Payload:         domain.RawPayload(payload),
		ReceivedAt:      now,
	}
	inserted, err := s.events.InsertEvent(ctx, s.db, &received)
	if err != nil {
		return domain.NotifyAck{}, err
	}
	stored := &received
	if !inserted {
		stored, err = s.events.FindEvent(ctx, s.db, channelName, notification.EventID)
		if err != nil {
			return domain.NotifyAck{}, err
		}
		if stored == nil {
			return domain.NotifyAck{}, domain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			s.metrics.IncNotification(channelName, "duplicate")
			log.Debug("gateway notification already processed", zap.String("event_id", notification.EventID))
			return channel.Ack(), nil
		}
	}

	outcome := notification.Outcome
	outcome.Source = domain.SourceNotify
	outcome.Channel = channelName
	if len(outcome.Raw) == 0 {
		outcome.Raw = payload
	}

	if notification.NeedsConfirmation && !outcome.IsRefund() {
		confirmed, err := s.confirm(ctx, channel, outcome)
		if err != nil {
			// Left unprocessed so the gateway's redelivery retries it.
			return domain.NotifyAck{}, err
		}
		if confirmed == nil {
			s.recordAnomaly(log, outcome, newAnomaly(errUnconfirmed, "order %s not confirmed by query", outcome.RecordID))
			return s.finish(ctx, channel, stored, "unconfirmed")
		}
		outcome = *confirmed
	}

	if _, err := s.Apply(ctx, outcome); err != nil {
		if !isAnomaly(err) {
			return domain.NotifyAck{}, err
		}
		return s.finish(ctx, channel, stored, "anomaly")
	}
	return s.finish(ctx, channel, stored, "applied")
}

func (s *Service) finish(ctx context.Context, channel domain.Channel, stored *domain.EventRecord, result string) (domain.NotifyAck, error) {
	if err := s.events.MarkProcessed(ctx, s.db, stored.ID, s.clock.Now()); err != nil {
		return domain.NotifyAck{}, err
	}
	s.metrics.IncNotification(channel.Name(), result)
	return channel.Ack(), nil
}

// confirm re-queries the order behind a charge notification. A nil outcome
// means the gateway does not back the notification yet.
func (s *Service) confirm(ctx context.Context, channel domain.Channel, outcome domain.Outcome) (*domain.Outcome, error) {
	status, err := channel.Query(ctx, outcome.RecordID)
	if err != nil {
		return nil, err
	}
	confirmed := outcomeFromStatus(outcome.RecordID, channel.Name(), status, domain.SourceNotify)
	if confirmed == nil {
		return nil, nil
	}
	if confirmed.Kind != outcome.Kind {
		s.log.Info("notification superseded by query",
			zap.String("record_id", outcome.RecordID),
			zap.String("notified", string(outcome.Kind)),
			zap.String("queried", string(confirmed.Kind)),
		)
	}
	if confirmed.Amount == nil {
		confirmed.Amount = outcome.Amount
	}
	if confirmed.TransactionNo == "" {
		confirmed.TransactionNo = outcome.TransactionNo
	}
	return confirmed, nil
}

// Apply routes a verified outcome to the matching state machine. The mark
// methods publish their event in the transaction that applies it. Unknown
// records and state conflicts come back as anomalies; amount mismatches are
// counted but still applied.
func (s *Service) Apply(ctx context.Context, outcome domain.Outcome) (_ *domain.Event, err error) {
	ctx, span := tracing.StartSpan(ctx, "reconcile.apply",
		attribute.String("payment.channel", outcome.Channel),
		attribute.String("outcome", string(outcome.Kind)),
		attribute.String("source", string(outcome.Source)),
	)
	defer func() { tracing.EndSpan(span, err) }()

	var event *domain.Event
	if outcome.IsRefund() {
		event, err = s.applyRefund(ctx, outcome)
	} else {
		event, err = s.applyCharge(ctx, outcome)
	}
	if err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			err = newAnomaly(domain.ErrInvalidState, "%s rejected for %s", outcome.Kind, outcome.RecordID)
		}
		if isAnomaly(err) {
			s.recordAnomaly(s.log, outcome, err)
		}
		return nil, err
	}
	return event, nil
}

func (s *Service) applyCharge(ctx context.Context, outcome domain.Outcome) (*domain.Event, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(outcome.RecordID))
	if err != nil {
		return nil, newAnomaly(domain.ErrUnknownRecord, "charge %q", outcome.RecordID)
	}
	charge, err := s.charges.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if charge == nil {
		return nil, newAnomaly(domain.ErrUnknownRecord, "charge %s", outcome.RecordID)
	}
	if outcome.Channel != "" && charge.TradeChannel != "" && outcome.Channel != charge.TradeChannel {
		return nil, newAnomaly(domain.ErrUnknownRecord, "charge %s belongs to %s", outcome.RecordID, charge.TradeChannel)
	}
	s.checkAmount(outcome, charge.Total())

	var event *domain.Event
	switch outcome.Kind {
	case domain.OutcomeChargeSucceeded:
		_, event, err = s.chargeSvc.MarkSucceeded(ctx, id, outcome.TransactionNo, outcome.Raw)
	case domain.OutcomeChargeFailed:
		_, event, err = s.chargeSvc.MarkFailed(ctx, id, outcome.Failure, outcome.Raw)
	case domain.OutcomeChargeClosed:
		_, event, err = s.chargeSvc.MarkClosed(ctx, id, outcome.Raw)
	case domain.OutcomeChargeState:
		_, err = s.chargeSvc.RecordState(ctx, id, outcome.State, outcome.Raw)
	default:
		return nil, domain.ErrInvalidEvent
	}
	return event, err
}

func (s *Service) applyRefund(ctx context.Context, outcome domain.Outcome) (*domain.Event, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(outcome.RecordID))
	if err != nil {
		return nil, newAnomaly(domain.ErrUnknownRecord, "refund %q", outcome.RecordID)
	}
	refund, err := s.refunds.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if refund == nil {
		return nil, newAnomaly(domain.ErrUnknownRecord, "refund %s", outcome.RecordID)
	}
	if outcome.Amount != nil {
		charge, err := s.charges.FindByID(ctx, s.db, refund.ChargeID)
		if err != nil {
			return nil, err
		}
		if charge != nil {
			s.checkAmount(outcome, money.New(refund.Amount, charge.Currency))
		}
	}

	var event *domain.Event
	switch outcome.Kind {
	case domain.OutcomeRefundSucceeded:
		_, event, err = s.refundSvc.MarkSucceeded(ctx, id, outcome.TransactionNo, outcome.Raw)
	case domain.OutcomeRefundProcessing:
		_, err = s.refundSvc.MarkProcessing(ctx, id, outcome.Raw)
	case domain.OutcomeRefundAbnormal:
		_, event, err = s.refundSvc.MarkFailed(ctx, id, outcome.Failure, outcome.Raw)
	case domain.OutcomeRefundClosed:
		_, event, err = s.refundSvc.MarkClosed(ctx, id, outcome.Failure, outcome.Raw)
	default:
		return nil, domain.ErrInvalidEvent
	}
	return event, err
}

func (s *Service) checkAmount(outcome domain.Outcome, expected money.Amount) {
	if outcome.Amount == nil || outcome.Amount.Equal(expected) {
		return
	}
	s.recordAnomaly(s.log, outcome, newAnomaly(domain.ErrAmountMismatch,
		"%s reported %s, expected %s", outcome.RecordID, outcome.Amount.String(), expected.String()))
}

func (s *Service) recordAnomaly(log *zap.Logger, outcome domain.Outcome, err error) {
	reason := err.Error()
	var a *anomaly
	if errors.As(err, &a) {
		reason = a.reason.Error()
	}
	s.metrics.IncAnomaly(outcome.Channel, reason)
	log.Warn("reconciliation anomaly",
		zap.String("reason", reason),
		zap.String("record_id", outcome.RecordID),
		zap.String("outcome", string(outcome.Kind)),
		zap.String("source", string(outcome.Source)),
		zap.Error(err),
	)
}

// SyncCharge polls the channel for the charge's current trade state and
// applies it.
func (s *Service) SyncCharge(ctx context.Context, id snowflake.ID) (*domain.Charge, error) {
	charge, err := s.chargeSvc.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if charge.TradeChannel == "" || charge.Paid() {
		return charge, nil
	}
	channel, err := s.channels.Get(charge.TradeChannel)
	if err != nil {
		return nil, err
	}
	status, err := channel.Query(ctx, charge.OutTradeNo())
	if err != nil {
		return nil, err
	}
	outcome := outcomeFromStatus(charge.OutTradeNo(), channel.Name(), status, domain.SourcePoll)
	if outcome == nil || outcome.Kind == domain.OutcomeChargeState && outcome.State == charge.State {
		return charge, nil
	}
	if _, err := s.Apply(ctx, *outcome); err != nil && !isAnomaly(err) {
		return nil, err
	}
	return s.chargeSvc.Get(ctx, id)
}

// outcomeFromStatus maps a poll result onto an outcome. NOTPAY maps to nil.
func outcomeFromStatus(recordID, channel string, status *domain.OrderStatus, source domain.OutcomeSource) *domain.Outcome {
	if status == nil {
		return nil
	}
	outcome := &domain.Outcome{
		Source:        source,
		Channel:       channel,
		RecordID:      recordID,
		TransactionNo: status.TransactionNo,
		Amount:        status.Amount,
		Raw:           status.Raw,
	}
	switch {
	case domain.IsPaidState(status.TradeState):
		outcome.Kind = domain.OutcomeChargeSucceeded
	case status.TradeState == domain.ChargeStateClosed:
		outcome.Kind = domain.OutcomeChargeClosed
	case status.TradeState == domain.ChargeStatePayError:
		outcome.Kind = domain.OutcomeChargeFailed
		outcome.Failure = domain.NewFailure(domain.ChargeStatePayError, "reported by gateway query")
	case domain.IsPassThroughState(status.TradeState):
		outcome.Kind = domain.OutcomeChargeState
		outcome.State = status.TradeState
	default:
		return nil
	}
	return outcome
}
