package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"ms-reservation/internal/database"
	"ms-reservation/internal/domain"
	"ms-reservation/internal/models"
)

type DB struct {
	Bun *bun.DB
}

func (d *DB) isPostgres() bool {
	return d.Bun.Dialect().Name() == dialect.PG
}

// RunInTx runs fn in a transaction. fn must use tx for every query.
func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return d.Bun.RunInTx(ctx, nil, fn)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ---------------- SESSIONS ----------------

func (d *DB) CreateSession(ctx context.Context, session *models.Session) error {
	_, err := d.Bun.NewInsert().Model(session).Exec(ctx)
	return err
}

// GetSession → fetch one session by its ID
func (d *DB) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return d.getSession(ctx, d.Bun, id, false)
}

// LockSession fetches the session inside tx, taking its row lock on Postgres.
func (d *DB) LockSession(ctx context.Context, tx bun.IDB, id string) (*models.Session, error) {
	return d.getSession(ctx, tx, id, d.isPostgres())
}

func (d *DB) getSession(ctx context.Context, idb bun.IDB, id string, forUpdate bool) (*models.Session, error) {
	var session models.Session
	q := idb.NewSelect().Model(&session).Where("s.id = ?", id).Limit(1)
	if forUpdate {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &session, nil
}

// ---------------- PLAYERS ----------------

func (d *DB) CreatePlayer(ctx context.Context, player *models.Player) error {
	_, err := d.Bun.NewInsert().Model(player).Exec(ctx)
	return err
}

func (d *DB) GetPlayer(ctx context.Context, id string) (*models.Player, error) {
	var player models.Player
	err := d.Bun.NewSelect().Model(&player).Where("p.id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPlayerNotFound
		}
		return nil, fmt.Errorf("get player %s: %w", id, err)
	}
	return &player, nil
}

// ---------------- HOLDS ----------------

// GetHold → fetch one hold by its ID. Pass d.Bun outside a transaction.
func (d *DB) GetHold(ctx context.Context, idb bun.IDB, id string) (*models.Hold, error) {
	var hold models.Hold
	err := idb.NewSelect().Model(&hold).Where("h.id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrHoldNotFound
		}
		return nil, fmt.Errorf("get hold %s: %w", id, err)
	}
	return &hold, nil
}

func (d *DB) InsertHold(ctx context.Context, tx bun.IDB, hold *models.Hold) error {
	_, err := tx.NewInsert().Model(hold).Exec(ctx)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("insert hold: %w", domain.ErrAlreadyHeld)
	}
	return err
}

// FindActiveHold returns the player's live pending or confirmed hold on the session, or nil.
func (d *DB) FindActiveHold(ctx context.Context, idb bun.IDB, playerID, sessionID string, now time.Time) (*models.Hold, error) {
	var holds []models.Hold
	err := idb.NewSelect().
		Model(&holds).
		Where("h.player_id = ?", playerID).
		Where("h.session_id = ?", sessionID).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("h.state = ?", models.HoldConfirmed).
				WhereOr("h.state = ? AND h.expires_at >= ?", models.HoldPending, now)
		}).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	if len(holds) == 0 {
		return nil, nil
	}
	return &holds[0], nil
}

// ListActiveHolds returns the player's confirmed and live pending holds, newest first.
func (d *DB) ListActiveHolds(ctx context.Context, playerID string, now time.Time) ([]models.Hold, error) {
	holds := make([]models.Hold, 0)
	err := d.Bun.NewSelect().
		Model(&holds).
		Where("h.player_id = ?", playerID).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("h.state = ?", models.HoldConfirmed).
				WhereOr("h.state = ? AND h.expires_at >= ?", models.HoldPending, now)
		}).
		Order("h.created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active holds for %s: %w", playerID, err)
	}
	return holds, nil
}

// CountOccupied returns confirmed holds and live pending holds of a session. Overdue pending
// holds are not counted whether or not they have been expired yet.
func (d *DB) CountOccupied(ctx context.Context, idb bun.IDB, sessionID string, now time.Time) (confirmed, held int, err error) {
	confirmed, err = idb.NewSelect().
		Model((*models.Hold)(nil)).
		Where("h.session_id = ?", sessionID).
		Where("h.state = ?", models.HoldConfirmed).
		Count(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("count confirmed holds: %w", err)
	}
	held, err = idb.NewSelect().
		Model((*models.Hold)(nil)).
		Where("h.session_id = ?", sessionID).
		Where("h.state = ?", models.HoldPending).
		Where("h.expires_at >= ?", now).
		Count(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("count pending holds: %w", err)
	}
	return confirmed, held, nil
}

// OverdueHoldIDs lists pending holds whose expiry is before now, oldest first. An empty
// sessionID matches every session.
func (d *DB) OverdueHoldIDs(ctx context.Context, idb bun.IDB, sessionID string, now time.Time, limit int) ([]string, error) {
	ids := make([]string, 0)
	q := idb.NewSelect().
		Model((*models.Hold)(nil)).
		Column("h.id").
		Where("h.state = ?", models.HoldPending).
		Where("h.expires_at < ?", now).
		Order("h.expires_at ASC")
	if sessionID != "" {
		q = q.Where("h.session_id = ?", sessionID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx, &ids); err != nil {
		return nil, fmt.Errorf("list overdue holds: %w", err)
	}
	return ids, nil
}

func (d *DB) overdueHoldIDsByCode(ctx context.Context, idb bun.IDB, code string, now time.Time) ([]string, error) {
	ids := make([]string, 0)
	err := idb.NewSelect().
		Model((*models.Hold)(nil)).
		Column("h.id").
		Where("h.discount_code = ?", code).
		Where("h.state = ?", models.HoldPending).
		Where("h.expires_at < ?", now).
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("list overdue holds for code: %w", err)
	}
	return ids, nil
}

// ConfirmHold moves a live pending hold to confirmed and commits its code use. It returns false
// when another transition won or the hold is overdue.
func (d *DB) ConfirmHold(ctx context.Context, tx bun.IDB, id, paymentID string, now time.Time) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*models.Hold)(nil)).
		Set("state = ?", models.HoldConfirmed).
		Set("confirmed_at = ?", now).
		Set("payment_id = ?", paymentID).
		Where("id = ?", id).
		Where("state = ?", models.HoldPending).
		Where("expires_at >= ?", now).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("confirm hold %s: %w", id, err)
	}
	won, err := affected(res)
	if err != nil || !won {
		return false, err
	}
	return true, d.settleCodeUse(ctx, tx, id, models.CodeUseCommitted, now)
}

// CancelHold moves a pending hold to cancelled and releases its code use.
func (d *DB) CancelHold(ctx context.Context, tx bun.IDB, id, by string, now time.Time) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*models.Hold)(nil)).
		Set("state = ?", models.HoldCancelled).
		Set("cancelled_at = ?", now).
		Set("cancelled_by = ?", by).
		Where("id = ?", id).
		Where("state = ?", models.HoldPending).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("cancel hold %s: %w", id, err)
	}
	won, err := affected(res)
	if err != nil || !won {
		return false, err
	}
	return true, d.settleCodeUse(ctx, tx, id, models.CodeUseReleased, now)
}

// ExpireHold moves an overdue pending hold to expired and releases its code use. Holds that are
// not yet overdue are left alone.
func (d *DB) ExpireHold(ctx context.Context, tx bun.IDB, id string, now time.Time) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*models.Hold)(nil)).
		Set("state = ?", models.HoldExpired).
		Set("expired_at = ?", now).
		Where("id = ?", id).
		Where("state = ?", models.HoldPending).
		Where("expires_at < ?", now).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("expire hold %s: %w", id, err)
	}
	won, err := affected(res)
	if err != nil || !won {
		return false, err
	}
	return true, d.settleCodeUse(ctx, tx, id, models.CodeUseReleased, now)
}

// ExtendHold pushes a live pending hold's expiry, guarded by its current extension count.
func (d *DB) ExtendHold(ctx context.Context, tx bun.IDB, id string, extensions int, newExpiry, now time.Time) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*models.Hold)(nil)).
		Set("expires_at = ?", newExpiry).
		Set("extensions = ?", extensions+1).
		Where("id = ?", id).
		Where("state = ?", models.HoldPending).
		Where("extensions = ?", extensions).
		Where("expires_at >= ?", now).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("extend hold %s: %w", id, err)
	}
	return affected(res)
}

// expireOverdue expires the given holds, returning the ones this call won.
func (d *DB) expireOverdue(ctx context.Context, tx bun.IDB, ids []string, now time.Time) ([]string, error) {
	won := make([]string, 0, len(ids))
	for _, id := range ids {
		ok, err := d.ExpireHold(ctx, tx, id, now)
		if err != nil {
			return won, err
		}
		if ok {
			won = append(won, id)
		}
	}
	return won, nil
}

// ExpireOverdueByCode expires overdue holds carrying code so their usages return to the code.
func (d *DB) ExpireOverdueByCode(ctx context.Context, tx bun.IDB, code string, now time.Time) ([]string, error) {
	ids, err := d.overdueHoldIDsByCode(ctx, tx, strings.ToUpper(strings.TrimSpace(code)), now)
	if err != nil {
		return nil, err
	}
	return d.expireOverdue(ctx, tx, ids, now)
}

// ---------------- DISCOUNT CODES ----------------

func (d *DB) CreateDiscountCode(ctx context.Context, code *models.DiscountCode) error {
	code.Code = strings.ToUpper(strings.TrimSpace(code.Code))
	_, err := d.Bun.NewInsert().Model(code).Exec(ctx)
	return err
}

// GetDiscountCode looks a code up case-insensitively. It returns nil, nil for unknown codes.
func (d *DB) GetDiscountCode(ctx context.Context, code string) (*models.DiscountCode, error) {
	var dc models.DiscountCode
	err := d.Bun.NewSelect().
		Model(&dc).
		Where("dc.code = ?", strings.ToUpper(strings.TrimSpace(code))).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get discount code: %w", err)
	}
	return &dc, nil
}

func (d *DB) GetCodeUse(ctx context.Context, idb bun.IDB, holdID string) (*models.CodeUse, error) {
	var use models.CodeUse
	err := idb.NewSelect().Model(&use).Where("cu.hold_id = ?", holdID).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get code use: %w", err)
	}
	return &use, nil
}

// ReserveCodeUse soft-reserves one usage of code for holdID. It returns false when the code is
// inactive or every usage is committed or pending.
func (d *DB) ReserveCodeUse(ctx context.Context, tx bun.IDB, code, holdID string, now time.Time) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*models.DiscountCode)(nil)).
		Set("pending_uses = pending_uses + 1").
		Where("code = ?", code).
		Where("active = ?", true).
		Where("(max_uses = 0 OR current_uses + pending_uses < max_uses)").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("reserve code use: %w", err)
	}
	ok, err := affected(res)
	if err != nil || !ok {
		return false, err
	}

	use := &models.CodeUse{
		HoldID:    holdID,
		Code:      code,
		State:     models.CodeUsePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := tx.NewInsert().Model(use).Exec(ctx); err != nil {
		return false, fmt.Errorf("insert code use: %w", err)
	}
	return true, nil
}

// settleCodeUse moves the hold's pending code use to committed or released and adjusts the
// code's counters. Holds without a code use are a no-op.
func (d *DB) settleCodeUse(ctx context.Context, tx bun.IDB, holdID string, to models.CodeUseState, now time.Time) error {
	use, err := d.GetCodeUse(ctx, tx, holdID)
	if err != nil || use == nil {
		return err
	}

	res, err := tx.NewUpdate().
		Model((*models.CodeUse)(nil)).
		Set("state = ?", to).
		Set("updated_at = ?", now).
		Where("hold_id = ?", holdID).
		Where("state = ?", models.CodeUsePending).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("settle code use: %w", err)
	}
	if ok, err := affected(res); err != nil || !ok {
		return err
	}

	q := tx.NewUpdate().
		Model((*models.DiscountCode)(nil)).
		Set("pending_uses = pending_uses - 1").
		Where("code = ?", use.Code).
		Where("pending_uses > 0")
	if to == models.CodeUseCommitted {
		q = q.Set("current_uses = current_uses + 1")
	}
	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("update code counters: %w", err)
	}
	return nil
}

// ---------------- CAPACITY LEDGER ----------------

// LedgerResult reports a check-and-reserve attempt. Rejection is a business refusal decided
// before anything but lazy expiries was written, so the transaction may still commit.
type LedgerResult struct {
	Expired   []string
	Rejection error
}

// TryReserveSeat is the capacity ledger's check-and-reserve. It must run inside a transaction
// while the caller holds the session lock. On success hold has been inserted and, if it carries
// a discount code, one usage soft-reserved.
func (d *DB) TryReserveSeat(ctx context.Context, tx bun.IDB, hold *models.Hold, now time.Time) (LedgerResult, error) {
	var res LedgerResult

	session, err := d.LockSession(ctx, tx, hold.SessionID)
	if err != nil {
		return res, err
	}

	overdue, err := d.OverdueHoldIDs(ctx, tx, hold.SessionID, now, 0)
	if err != nil {
		return res, err
	}
	if res.Expired, err = d.expireOverdue(ctx, tx, overdue, now); err != nil {
		return res, err
	}

	existing, err := d.FindActiveHold(ctx, tx, hold.PlayerID, hold.SessionID, now)
	if err != nil {
		return res, fmt.Errorf("find active hold: %w", err)
	}
	if existing != nil {
		res.Rejection = domain.ErrAlreadyHeld
		return res, nil
	}

	confirmed, held, err := d.CountOccupied(ctx, tx, hold.SessionID, now)
	if err != nil {
		return res, err
	}
	if confirmed+held >= session.Capacity {
		res.Rejection = domain.ErrSessionFull
		return res, nil
	}

	if hold.DiscountCode != "" {
		ok, err := d.ReserveCodeUse(ctx, tx, hold.DiscountCode, hold.ID, now)
		if err != nil {
			return res, err
		}
		if !ok {
			// Usages held by overdue holds come back before the code counts as exhausted.
			stale, err := d.overdueHoldIDsByCode(ctx, tx, hold.DiscountCode, now)
			if err != nil {
				return res, err
			}
			freed, err := d.expireOverdue(ctx, tx, stale, now)
			res.Expired = append(res.Expired, freed...)
			if err != nil {
				return res, err
			}
			if len(freed) > 0 {
				if ok, err = d.ReserveCodeUse(ctx, tx, hold.DiscountCode, hold.ID, now); err != nil {
					return res, err
				}
			}
		}
		if !ok {
			res.Rejection = fmt.Errorf("%w: usage limit reached", domain.ErrInvalidDiscountCode)
			return res, nil
		}
	}

	if err := d.InsertHold(ctx, tx, hold); err != nil {
		return res, err
	}
	return res, nil
}

// AdjustCapacity sets a session's capacity. It refuses to go below current occupancy.
func (d *DB) AdjustCapacity(ctx context.Context, tx bun.IDB, sessionID string, capacity int, now time.Time) (*models.CapacitySnapshot, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive", domain.ErrInvalidRequest)
	}
	session, err := d.LockSession(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	confirmed, held, err := d.CountOccupied(ctx, tx, sessionID, now)
	if err != nil {
		return nil, err
	}
	if capacity < confirmed+held {
		return nil, domain.ErrCapacityBelowOccupancy
	}

	_, err = tx.NewUpdate().
		Model((*models.Session)(nil)).
		Set("capacity = ?", capacity).
		Where("id = ?", session.ID).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("update capacity: %w", err)
	}
	return &models.CapacitySnapshot{
		SessionID: sessionID,
		Capacity:  capacity,
		Confirmed: confirmed,
		Held:      held,
		Remaining: capacity - confirmed - held,
	}, nil
}

// ---------------- READ MODEL ----------------

// HoldHistory lists holds with their session, player and payment, newest first.
func (d *DB) HoldHistory(ctx context.Context, f models.HoldFilter) ([]models.HoldView, error) {
	views := make([]models.HoldView, 0)
	q := d.Bun.NewSelect().
		TableExpr("holds AS h").
		ColumnExpr("h.id AS hold_id").
		ColumnExpr("h.tenant_id, h.session_id, h.player_id, h.parent_id, h.state").
		ColumnExpr("h.created_at, h.expires_at, h.confirmed_at, h.cancelled_at, h.expired_at").
		ColumnExpr("h.discount_code, h.price_cents, h.payment_id").
		ColumnExpr("s.name AS session_name, s.starts_at AS session_starts_at").
		ColumnExpr("p.name AS player_name").
		ColumnExpr("pay.status AS payment_status, pay.provider AS payment_provider").
		Join("JOIN sessions AS s ON s.id = h.session_id").
		Join("LEFT JOIN players AS p ON p.id = h.player_id").
		Join("LEFT JOIN payments AS pay ON pay.id = h.payment_id")

	if f.TenantID != "" {
		q = q.Where("h.tenant_id = ?", f.TenantID)
	}
	if f.SessionID != "" {
		q = q.Where("h.session_id = ?", f.SessionID)
	}
	if f.PlayerID != "" {
		q = q.Where("h.player_id = ?", f.PlayerID)
	}
	if f.ParentID != "" {
		q = q.Where("h.parent_id = ?", f.ParentID)
	}
	if f.State != "" {
		q = q.Where("h.state = ?", f.State)
	}
	if !f.From.IsZero() {
		q = q.Where("h.created_at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		q = q.Where("h.created_at < ?", f.To.UTC())
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q = q.Order("h.created_at DESC", "h.id").Limit(limit).Offset(f.Offset)

	if err := q.Scan(ctx, &views); err != nil {
		return nil, fmt.Errorf("hold history: %w", err)
	}
	return views, nil
}
