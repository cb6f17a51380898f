package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrStateInUpdates rejects an UpdateIfState call that tries to move the
// state column.
var ErrStateInUpdates = errors.New("repository: state changes must use Transition")

func Provide() (domain.ChargeRepository, domain.RefundRepository, domain.TransferRepository, domain.EventRepository, domain.TaskAttemptRepository) {
	return NewChargeRepository(), NewRefundRepository(), NewTransferRepository(), NewEventRepository(), NewTaskAttemptRepository()
}

type chargeRepository struct{}

func NewChargeRepository() domain.ChargeRepository { return chargeRepository{} }

func (chargeRepository) Insert(ctx context.Context, db *gorm.DB, charge *domain.Charge) error {
	return db.WithContext(ctx).Create(charge).Error
}

func (chargeRepository) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Charge, error) {
	var charge domain.Charge
	res := db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&charge)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &charge, nil
}

func (chargeRepository) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from []string, updates map[string]any) (bool, error) {
	return transition(ctx, db, &domain.Charge{}, "state", id, from, updates)
}

// UpdateIfState writes non-state columns while the charge is in one of
// states. State changes must go through Transition.
func (chargeRepository) UpdateIfState(ctx context.Context, db *gorm.DB, id snowflake.ID, states []string, updates map[string]any) (bool, error) {
	if _, ok := updates["state"]; ok {
		return false, ErrStateInUpdates
	}
	return transition(ctx, db, &domain.Charge{}, "state", id, states, updates)
}

func (chargeRepository) ReserveRefund(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE pay_charges
		 SET refunded_amount = refunded_amount + ?, state = ?, updated_at = ?
		 WHERE id = ?
		   AND state IN (?, ?)
		   AND refunded_amount + ? <= total_amount
		   AND deleted_at IS NULL`,
		amount,
		domain.ChargeStateRefund,
		now,
		id,
		domain.ChargeStateSuccess,
		domain.ChargeStateRefund,
		amount,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (chargeRepository) ReleaseRefund(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE pay_charges
		 SET refunded_amount = CASE WHEN refunded_amount > ? THEN refunded_amount - ? ELSE 0 END,
		     updated_at = ?
		 WHERE id = ?`,
		amount,
		amount,
		now,
		id,
	).Error
}

func (chargeRepository) ListExpiredNotPay(ctx context.Context, db *gorm.DB, f domain.SweepFilter) ([]domain.Charge, error) {
	var charges []domain.Charge
	query := db.WithContext(ctx).
		Where("state = ? AND expired_at IS NOT NULL AND expired_at <= ?", domain.ChargeStateNotPay, f.Before)
	err := notSwept(query, "pay_charges", domain.TaskChargeExpiry, f).
		Order("expired_at ASC").
		Limit(sweepLimit(f)).
		Find(&charges).Error
	if err != nil {
		return nil, err
	}
	return charges, nil
}

type refundRepository struct{}

func NewRefundRepository() domain.RefundRepository { return refundRepository{} }

func (refundRepository) Insert(ctx context.Context, db *gorm.DB, refund *domain.Refund) error {
	return db.WithContext(ctx).Omit(clause.Associations).Create(refund).Error
}

func (refundRepository) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Refund, error) {
	var refund domain.Refund
	res := db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&refund)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &refund, nil
}

func (refundRepository) ListByCharge(ctx context.Context, db *gorm.DB, chargeID snowflake.ID) ([]domain.Refund, error) {
	var refunds []domain.Refund
	err := db.WithContext(ctx).
		Where("charge_id = ?", chargeID).
		Order("id ASC").
		Find(&refunds).Error
	if err != nil {
		return nil, err
	}
	return refunds, nil
}

func (refundRepository) ListStalePending(ctx context.Context, db *gorm.DB, f domain.SweepFilter) ([]domain.Refund, error) {
	var refunds []domain.Refund
	query := db.WithContext(ctx).
		Where("status = ? AND created_at <= ?", domain.RefundStatusPending, f.Before)
	err := notSwept(query, "pay_refunds", domain.TaskRefundGateway, f).
		Order("id ASC").
		Limit(sweepLimit(f)).
		Find(&refunds).Error
	if err != nil {
		return nil, err
	}
	return refunds, nil
}

func (refundRepository) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from []string, updates map[string]any) (bool, error) {
	return transition(ctx, db, &domain.Refund{}, "status", id, from, updates)
}

type transferRepository struct{}

func NewTransferRepository() domain.TransferRepository { return transferRepository{} }

func (transferRepository) Insert(ctx context.Context, db *gorm.DB, transfer *domain.Transfer) error {
	return db.WithContext(ctx).Create(transfer).Error
}

func (transferRepository) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Transfer, error) {
	var transfer domain.Transfer
	res := db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&transfer)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &transfer, nil
}

func (transferRepository) ListStalePending(ctx context.Context, db *gorm.DB, f domain.SweepFilter) ([]domain.Transfer, error) {
	var transfers []domain.Transfer
	query := db.WithContext(ctx).
		Where("status = ? AND created_at <= ?", domain.TransferStatusPending, f.Before)
	err := notSwept(query, "pay_transfers", domain.TaskTransferGateway, f).
		Order("id ASC").
		Limit(sweepLimit(f)).
		Find(&transfers).Error
	if err != nil {
		return nil, err
	}
	return transfers, nil
}

func (transferRepository) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from []string, updates map[string]any) (bool, error) {
	return transition(ctx, db, &domain.Transfer{}, "status", id, from, updates)
}

// transition is the compare-and-set every mark* method goes through: the
// row only changes while its state column is still one of from.
func transition(ctx context.Context, db *gorm.DB, model any, column string, id snowflake.ID, from []string, updates map[string]any) (bool, error) {
	if len(updates) == 0 {
		return false, nil
	}
	query := db.WithContext(ctx).Model(model).Where("id = ?", id)
	if len(from) > 0 {
		query = query.Where(column+" IN ?", from)
	}
	res := query.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// notSwept drops rows whose task ledger entry is exhausted or ran after
// f.IdleSince.
func notSwept(query *gorm.DB, table string, kind domain.TaskKind, f domain.SweepFilter) *gorm.DB {
	cond := "a.attempts >= ?"
	args := []any{kind, f.MaxAttempts}
	if f.MaxAttempts <= 0 {
		cond = "1 = 0"
		args = args[:1]
	}
	if !f.IdleSince.IsZero() {
		cond += " OR a.last_run_at > ?"
		args = append(args, f.IdleSince)
	}
	return query.Where(
		"NOT EXISTS (SELECT 1 FROM pay_task_attempts a WHERE a.kind = ? AND a.target_id = "+table+".id AND ("+cond+"))",
		args...,
	)
}

func sweepLimit(f domain.SweepFilter) int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

type taskAttemptRepository struct{}

func NewTaskAttemptRepository() domain.TaskAttemptRepository { return taskAttemptRepository{} }

func (taskAttemptRepository) Claim(ctx context.Context, db *gorm.DB, kind domain.TaskKind, targetID snowflake.ID, now time.Time) (int, error) {
	row := domain.TaskAttempt{Kind: kind, TargetID: targetID, Attempts: 1, LastRunAt: now}
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "kind"}, {Name: "target_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"attempts":    gorm.Expr("pay_task_attempts.attempts + 1"),
				"last_run_at": now,
			}),
		}).
		Create(&row).Error
	if err != nil {
		return 0, err
	}
	var attempts int
	err = db.WithContext(ctx).
		Model(&domain.TaskAttempt{}).
		Select("attempts").
		Where("kind = ? AND target_id = ?", kind, targetID).
		Scan(&attempts).Error
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

func (taskAttemptRepository) Find(ctx context.Context, db *gorm.DB, kind domain.TaskKind, targetID snowflake.ID) (*domain.TaskAttempt, error) {
	var attempt domain.TaskAttempt
	res := db.WithContext(ctx).Where("kind = ? AND target_id = ?", kind, targetID).Limit(1).Find(&attempt)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &attempt, nil
}

type eventRepository struct{}

func NewEventRepository() domain.EventRepository { return eventRepository{} }

func (eventRepository) FindEvent(ctx context.Context, db *gorm.DB, channel string, providerEventID string) (*domain.EventRecord, error) {
	var record domain.EventRecord
	res := db.WithContext(ctx).
		Where("channel = ? AND provider_event_id = ?", channel, providerEventID).
		Limit(1).
		Find(&record)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &record, nil
}

func (eventRepository) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel"}, {Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (eventRepository) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE pay_gateway_events SET processed_at = ? WHERE id = ? AND processed_at IS NULL`,
		processedAt,
		id,
	).Error
}
