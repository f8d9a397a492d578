package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-reservation/internal/database"
	"ms-reservation/internal/domain"
	"ms-reservation/internal/models"
)

type DB struct {
	Bun *bun.DB
}

// InsertPayment stores a new payment. A second live payment for the same hold violates
// uq_payments_hold_live and yields domain.ErrPaymentInProgress.
func (d *DB) InsertPayment(ctx context.Context, p *models.Payment) error {
	_, err := d.Bun.NewInsert().Model(p).Exec(ctx)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("%w: hold %s already has a live payment", domain.ErrPaymentInProgress, p.HoldID)
	}
	return err
}

// GetPayment → fetch one payment by its ID
func (d *DB) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	err := d.Bun.NewSelect().Model(&p).Where("pay.id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment %s: %w", id, err)
	}
	return &p, nil
}

// GetByTransaction finds a payment by the provider's transaction id.
func (d *DB) GetByTransaction(ctx context.Context, provider, txID string) (*models.Payment, error) {
	var p models.Payment
	err := d.Bun.NewSelect().Model(&p).
		Where("pay.provider = ?", provider).
		Where("pay.provider_tx_id = ?", txID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment by transaction %s: %w", txID, err)
	}
	return &p, nil
}

// LivePayment returns the hold's processing or succeeded payment, or nil.
func (d *DB) LivePayment(ctx context.Context, holdID string) (*models.Payment, error) {
	var p models.Payment
	err := d.Bun.NewSelect().Model(&p).
		Where("pay.hold_id = ?", holdID).
		Where("pay.status IN (?)", bun.In([]models.PaymentStatus{models.PaymentProcessing, models.PaymentSucceeded})).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get live payment for hold %s: %w", holdID, err)
	}
	return &p, nil
}

// ListByHold returns every payment attempt for a hold, oldest first.
func (d *DB) ListByHold(ctx context.Context, holdID string) ([]models.Payment, error) {
	var out []models.Payment
	err := d.Bun.NewSelect().Model(&out).
		Where("pay.hold_id = ?", holdID).
		OrderExpr("pay.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list payments for hold %s: %w", holdID, err)
	}
	return out, nil
}

// SetProviderTx records the provider transaction id of a processing payment.
func (d *DB) SetProviderTx(ctx context.Context, id, txID string, now time.Time) error {
	_, err := d.Bun.NewUpdate().Model((*models.Payment)(nil)).
		Set("provider_tx_id = ?", txID).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", models.PaymentProcessing).
		Exec(ctx)
	return err
}

// MarkSucceeded moves processing → succeeded. It reports whether this call won.
func (d *DB) MarkSucceeded(ctx context.Context, id, txID string, now time.Time) (bool, error) {
	q := d.Bun.NewUpdate().Model((*models.Payment)(nil)).
		Set("status = ?", models.PaymentSucceeded).
		Set("succeeded_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", models.PaymentProcessing)
	if txID != "" {
		q = q.Set("provider_tx_id = ?", txID)
	}
	return exec(ctx, q)
}

// MarkFailed moves processing → failed, releasing the hold for another attempt.
func (d *DB) MarkFailed(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	q := d.Bun.NewUpdate().Model((*models.Payment)(nil)).
		Set("status = ?", models.PaymentFailed).
		Set("failure_reason = ?", reason).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", models.PaymentProcessing)
	return exec(ctx, q)
}

// MarkRefunded moves succeeded → refunded.
func (d *DB) MarkRefunded(ctx context.Context, id, refundID, reason string, now time.Time) (bool, error) {
	q := d.Bun.NewUpdate().Model((*models.Payment)(nil)).
		Set("status = ?", models.PaymentRefunded).
		Set("refund_id = ?", refundID).
		Set("refund_reason = ?", reason).
		Set("refunded_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", models.PaymentSucceeded)
	return exec(ctx, q)
}

// OrphanedCharges lists succeeded payments whose hold ended without a seat.
func (d *DB) OrphanedCharges(ctx context.Context, limit int) ([]models.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.Payment
	err := d.Bun.NewSelect().Model(&out).
		Join("JOIN holds AS h ON h.id = pay.hold_id").
		Where("pay.status = ?", models.PaymentSucceeded).
		Where("h.state IN (?)", bun.In([]models.HoldState{models.HoldExpired, models.HoldCancelled})).
		OrderExpr("pay.updated_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list orphaned charges: %w", err)
	}
	return out, nil
}

// StaleProcessing lists processing payments not updated since before.
func (d *DB) StaleProcessing(ctx context.Context, before time.Time, limit int) ([]models.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.Payment
	err := d.Bun.NewSelect().Model(&out).
		Where("pay.status = ?", models.PaymentProcessing).
		Where("pay.provider_tx_id IS NOT NULL").
		Where("pay.updated_at < ?", before).
		OrderExpr("pay.updated_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stale payments: %w", err)
	}
	return out, nil
}

func exec(ctx context.Context, q *bun.UpdateQuery) (bool, error) {
	res, err := q.Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
