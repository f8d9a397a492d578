package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"ms-reservation/internal/database/dbtest"
	"ms-reservation/internal/domain"
	"ms-reservation/internal/models"
	"ms-reservation/internal/reservation/db"
)

var baseTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *db.DB {
	return &db.DB{Bun: dbtest.New(t)}
}

func seedSession(t *testing.T, store *db.DB, capacity int) *models.Session {
	t.Helper()
	session := &models.Session{
		ID:               uuid.NewString(),
		TenantID:         "club-1",
		Name:             "U10 Skills",
		Capacity:         capacity,
		StartsAt:         baseTime.Add(48 * time.Hour),
		EndsAt:           baseTime.Add(49 * time.Hour),
		PriceCents:       2500,
		BookingOpensMode: models.BookingOpensAlways,
		CreatedAt:        baseTime,
	}
	require.NoError(t, store.CreateSession(context.Background(), session))
	return session
}

func newHold(sessionID, playerID string, now time.Time) *models.Hold {
	return &models.Hold{
		ID:             uuid.NewString(),
		TenantID:       "club-1",
		SessionID:      sessionID,
		PlayerID:       playerID,
		ParentID:       "parent-" + playerID,
		State:          models.HoldPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
		BasePriceCents: 2500,
		PriceCents:     2500,
	}
}

func reserve(t *testing.T, store *db.DB, hold *models.Hold, now time.Time) db.LedgerResult {
	t.Helper()
	var res db.LedgerResult
	err := store.RunInTx(context.Background(), func(ctx context.Context, tx bun.Tx) error {
		var err error
		res, err = store.TryReserveSeat(ctx, tx, hold, now)
		return err
	})
	require.NoError(t, err)
	return res
}

func TestTryReserveSeatFillsToCapacity(t *testing.T) {
	store := setupTestDB(t)
	session := seedSession(t, store, 2)

	assert.NoError(t, reserve(t, store, newHold(session.ID, "p1", baseTime), baseTime).Rejection)
	assert.NoError(t, reserve(t, store, newHold(session.ID, "p2", baseTime), baseTime).Rejection)

	res := reserve(t, store, newHold(session.ID, "p3", baseTime), baseTime)
	assert.ErrorIs(t, res.Rejection, domain.ErrSessionFull)

	confirmed, held, err := store.CountOccupied(context.Background(), store.Bun, session.ID, baseTime)
	require.NoError(t, err)
	assert.Equal(t, 0, confirmed)
	assert.Equal(t, 2, held)
}

func TestTryReserveSeatRejectsDuplicatePlayer(t *testing.T) {
	store := setupTestDB(t)
	session := seedSession(t, store, 5)
	ctx := context.Background()

	first := newHold(session.ID, "p1", baseTime)
	require.NoError(t, reserve(t, store, first, baseTime).Rejection)

	res := reserve(t, store, newHold(session.ID, "p1", baseTime), baseTime)
	assert.ErrorIs(t, res.Rejection, domain.ErrAlreadyHeld)

	// A cancelled hold no longer blocks the player.
	won, err := store.CancelHold(ctx, store.Bun, first.ID, "parent-p1", baseTime)
	require.NoError(t, err)
	assert.True(t, won)
	assert.NoError(t, reserve(t, store, newHold(session.ID, "p1", baseTime), baseTime).Rejection)
}

func TestConfirmedHoldBlocksDuplicate(t *testing.T) {
	store := setupTestDB(t)
	session := seedSession(t, store, 5)

	hold := newHold(session.ID, "p1", baseTime)
	require.NoError(t, reserve(t, store, hold, baseTime).Rejection)
	won, err := store.ConfirmHold(context.Background(), store.Bun, hold.ID, "pay-1", baseTime.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, won)

	res := reserve(t, store, newHold(session.ID, "p1", baseTime), baseTime.Add(2*time.Minute))
	assert.ErrorIs(t, res.Rejection, domain.ErrAlreadyHeld)
}

func TestPendingUniqueIndexBackstop(t *testing.T) {
	store := setupTestDB(t)
	session := seedSession(t, store, 5)
	ctx := context.Background()

	require.NoError(t, store.InsertHold(ctx, store.Bun, newHold(session.ID, "p1", baseTime)))
	err := store.InsertHold(ctx, store.Bun, newHold(session.ID, "p1", baseTime))
	assert.ErrorIs(t, err, domain.ErrAlreadyHeld)
}

func TestOverdueHoldsAreExpiredOnReserve(t *testing.T) {
	store := setupTestDB(t)
	session := seedSession(t, store, 1)
	ctx := context.Background()

	stale := newHold(session.ID, "p1", baseTime)
	require.NoError(t, reserve(t, store, stale, baseTime).Rejection)

	// Exactly at expiry the hold still occupies the seat.
	atExpiry := stale.ExpiresAt
	res := reserve(t, store, newHold(session.ID, "p2", atExpiry), atExpiry)
	assert.ErrorIs(t, res.Rejection, domain.ErrSessionFull)

	later := stale.ExpiresAt.Add(time.Second)
	res = reserve(t, store, newHold(session.ID, "p2", later), later)
	assert.NoError(t, res.Rejection)
	assert.Equal(t, []string{stale.ID}, res.Expired)

	got, err := store.GetHold(ctx, store.Bun, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HoldExpired, got.State)
	require.NotNil(t, got.ExpiredAt)
}

func TestHoldTransitionsAreCompareAndSwap(t *testing.T) {
	store := setupTestDB(t)
	session := seedSession(t, store, 3)
	ctx := context.Background()

	hold := newHold(session.ID, "p1", baseTime)
	require.NoError(t, reserve(t, store, hold, baseTime).Rejection)

	// Not overdue yet, so expiry loses.
	won, err := store.ExpireHold(ctx, store.Bun, hold.ID, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, won)

	won, err = store.ConfirmHold(ctx, store.Bun, hold.ID, "pay-1", baseTime.Add(30*time.Minute))
	require.NoError(t, err)
	assert.True(t, won)

	won, err = store.ConfirmHold(ctx, store.Bun, hold.ID, "pay-2", baseTime.Add(31*time.Minute))
	require.NoError(t, err)
	assert.False(t, won)

	won, err = store.CancelHold(ctx, store.Bun, hold.ID, "admin", baseTime.Add(32*time.Minute))
	require.NoError(t, err)
	assert.False(t, won)

	got, err := store.GetHold(ctx, store.Bun, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HoldConfirmed, got.State)
	assert.Equal(t, "pay-1", got.PaymentID)
}

func TestConfirmRejectsOverdueHold(t *testing.T) {
	store := setupTestDB(t)
	session := seedSession(t, store, 3)

	hold := newHold(session.ID, "p1", baseTime)
	require.NoError(t, reserve(t, store, hold, baseTime).Rejection)

	won, err := store.ConfirmHold(context.Background(), store.Bun, hold.ID, "pay-1", hold.ExpiresAt.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, won)
}

func TestExtendHoldGuardsExtensionCount(t *testing.T) {
	store := setupTestDB(t)
	session := seedSession(t, store, 3)
	ctx := context.Background()

	hold := newHold(session.ID, "p1", baseTime)
	require.NoError(t, reserve(t, store, hold, baseTime).Rejection)

	won, err := store.ExtendHold(ctx, store.Bun, hold.ID, 0, hold.ExpiresAt.Add(10*time.Minute), baseTime)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = store.ExtendHold(ctx, store.Bun, hold.ID, 0, hold.ExpiresAt.Add(20*time.Minute), baseTime)
	require.NoError(t, err)
	assert.False(t, won)

	got, err := store.GetHold(ctx, store.Bun, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Extensions)
	assert.True(t, got.ExpiresAt.Equal(hold.ExpiresAt.Add(10*time.Minute)))
}

func TestDiscountCodeUsageLifecycle(t *testing.T) {
	store := setupTestDB(t)
	session := seedSession(t, store, 5)
	ctx := context.Background()

	require.NoError(t, store.CreateDiscountCode(ctx, &models.DiscountCode{
		Code:     "free1",
		TenantID: "club-1",
		Type:     models.DiscountFull,
		MaxUses:  1,
		Active:   true,
	}))

	first := newHold(session.ID, "p1", baseTime)
	first.DiscountCode = "FREE1"
	require.NoError(t, reserve(t, store, first, baseTime).Rejection)

	code, err := store.GetDiscountCode(ctx, "free1")
	require.NoError(t, err)
	assert.Equal(t, 1, code.PendingUses)
	assert.Equal(t, 0, code.CurrentUses)

	second := newHold(session.ID, "p2", baseTime)
	second.DiscountCode = "FREE1"
	res := reserve(t, store, second, baseTime)
	assert.ErrorIs(t, res.Rejection, domain.ErrInvalidDiscountCode)

	// Once the first hold is overdue its usage is released and the code can be used again.
	later := first.ExpiresAt.Add(time.Second)
	third := newHold(session.ID, "p3", later)
	third.DiscountCode = "FREE1"
	res = reserve(t, store, third, later)
	require.NoError(t, res.Rejection)
	assert.Contains(t, res.Expired, first.ID)

	won, err := store.ConfirmHold(ctx, store.Bun, third.ID, "pay-3", later)
	require.NoError(t, err)
	require.True(t, won)

	code, err = store.GetDiscountCode(ctx, "FREE1")
	require.NoError(t, err)
	assert.Equal(t, 0, code.PendingUses)
	assert.Equal(t, 1, code.CurrentUses)

	use, err := store.GetCodeUse(ctx, store.Bun, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CodeUseReleased, use.State)
}

func TestAdjustCapacity(t *testing.T) {
	store := setupTestDB(t)
	session := seedSession(t, store, 2)
	ctx := context.Background()

	require.NoError(t, reserve(t, store, newHold(session.ID, "p1", baseTime), baseTime).Rejection)
	require.NoError(t, reserve(t, store, newHold(session.ID, "p2", baseTime), baseTime).Rejection)

	err := store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		_, err := store.AdjustCapacity(ctx, tx, session.ID, 1, baseTime)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrCapacityBelowOccupancy)

	var snap *models.CapacitySnapshot
	err = store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		snap, err = store.AdjustCapacity(ctx, tx, session.ID, 3, baseTime)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Remaining)

	assert.NoError(t, reserve(t, store, newHold(session.ID, "p3", baseTime), baseTime).Rejection)
}

func TestGetMissingRows(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	_, err := store.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, err = store.GetHold(ctx, store.Bun, "missing")
	assert.ErrorIs(t, err, domain.ErrHoldNotFound)

	code, err := store.GetDiscountCode(ctx, "nope")
	assert.NoError(t, err)
	assert.Nil(t, code)
}

func TestHoldHistoryJoinsSessionAndPlayer(t *testing.T) {
	store := setupTestDB(t)
	session := seedSession(t, store, 5)
	ctx := context.Background()

	require.NoError(t, store.CreatePlayer(ctx, &models.Player{
		ID: "p1", TenantID: "club-1", ParentID: "parent-p1", Name: "Sam",
	}))
	hold := newHold(session.ID, "p1", baseTime)
	require.NoError(t, reserve(t, store, hold, baseTime).Rejection)
	require.NoError(t, reserve(t, store, newHold(session.ID, "p2", baseTime.Add(time.Minute)), baseTime.Add(time.Minute)).Rejection)

	views, err := store.HoldHistory(ctx, models.HoldFilter{SessionID: session.ID, PlayerID: "p1"})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, hold.ID, views[0].HoldID)
	assert.Equal(t, "Sam", views[0].PlayerName)
	assert.Equal(t, "U10 Skills", views[0].SessionName)
	assert.Equal(t, models.HoldPending, views[0].State)

	all, err := store.HoldHistory(ctx, models.HoldFilter{TenantID: "club-1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := store.ListActiveHolds(ctx, "p1", baseTime)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}
