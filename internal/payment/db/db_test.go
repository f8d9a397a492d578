package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-reservation/internal/database/dbtest"
	"ms-reservation/internal/domain"
	"ms-reservation/internal/models"
	"ms-reservation/internal/payment/db"
)

var baseTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newPayment(holdID string) *models.Payment {
	return &models.Payment{
		ID:          uuid.NewString(),
		HoldID:      holdID,
		TenantID:    "club-1",
		Provider:    models.ProviderSandbox,
		AmountCents: 2500,
		Currency:    "usd",
		Status:      models.PaymentProcessing,
		CreatedAt:   baseTime,
		UpdatedAt:   baseTime,
	}
}

func insertHold(t *testing.T, store *db.DB, state models.HoldState) *models.Hold {
	t.Helper()
	hold := &models.Hold{
		ID:        uuid.NewString(),
		TenantID:  "club-1",
		SessionID: "session-1",
		PlayerID:  uuid.NewString(),
		ParentID:  "parent-1",
		State:     state,
		CreatedAt: baseTime,
		ExpiresAt: baseTime.Add(time.Hour),
	}
	_, err := store.Bun.NewInsert().Model(hold).Exec(context.Background())
	require.NoError(t, err)
	return hold
}

func TestOneLivePaymentPerHold(t *testing.T) {
	ctx := context.Background()
	store := &db.DB{Bun: dbtest.New(t)}

	first := newPayment("hold-1")
	require.NoError(t, store.InsertPayment(ctx, first))

	err := store.InsertPayment(ctx, newPayment("hold-1"))
	assert.ErrorIs(t, err, domain.ErrPaymentInProgress)

	live, err := store.LivePayment(ctx, "hold-1")
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, first.ID, live.ID)

	// A failed attempt frees the slot for a retry.
	won, err := store.MarkFailed(ctx, first.ID, "card_declined", baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, won)

	live, err = store.LivePayment(ctx, "hold-1")
	require.NoError(t, err)
	assert.Nil(t, live)

	require.NoError(t, store.InsertPayment(ctx, newPayment("hold-1")))

	all, err := store.ListByHold(ctx, "hold-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestPaymentTransitions(t *testing.T) {
	ctx := context.Background()
	store := &db.DB{Bun: dbtest.New(t)}
	p := newPayment("hold-1")
	require.NoError(t, store.InsertPayment(ctx, p))
	require.NoError(t, store.SetProviderTx(ctx, p.ID, "sbx_txn_1", baseTime))

	got, err := store.GetByTransaction(ctx, models.ProviderSandbox, "sbx_txn_1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	// Refund only applies to succeeded payments.
	won, err := store.MarkRefunded(ctx, p.ID, "re_1", "dup", baseTime)
	require.NoError(t, err)
	assert.False(t, won)

	won, err = store.MarkSucceeded(ctx, p.ID, "", baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, won)

	won, err = store.MarkSucceeded(ctx, p.ID, "", baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, won)

	won, err = store.MarkFailed(ctx, p.ID, "late", baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, won)

	won, err = store.MarkRefunded(ctx, p.ID, "re_1", "requested", baseTime.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, won)

	got, err = store.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRefunded, got.Status)
	assert.Equal(t, "sbx_txn_1", got.ProviderTxID)
	assert.Equal(t, "re_1", got.RefundID)
	require.NotNil(t, got.RefundedAt)
	require.NotNil(t, got.SucceededAt)
}

func TestMissingPayment(t *testing.T) {
	store := &db.DB{Bun: dbtest.New(t)}
	_, err := store.GetPayment(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
	_, err = store.GetByTransaction(context.Background(), "sandbox", "nope")
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func TestOrphanedCharges(t *testing.T) {
	ctx := context.Background()
	store := &db.DB{Bun: dbtest.New(t)}

	expired := insertHold(t, store, models.HoldExpired)
	confirmed := insertHold(t, store, models.HoldConfirmed)
	cancelled := insertHold(t, store, models.HoldCancelled)

	for _, h := range []*models.Hold{expired, confirmed, cancelled} {
		p := newPayment(h.ID)
		require.NoError(t, store.InsertPayment(ctx, p))
		_, err := store.MarkSucceeded(ctx, p.ID, "tx-"+h.ID, baseTime)
		require.NoError(t, err)
	}

	orphans, err := store.OrphanedCharges(ctx, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 2)
	holds := []string{orphans[0].HoldID, orphans[1].HoldID}
	assert.ElementsMatch(t, []string{expired.ID, cancelled.ID}, holds)
}

func TestStaleProcessing(t *testing.T) {
	ctx := context.Background()
	store := &db.DB{Bun: dbtest.New(t)}

	withTx := newPayment("hold-1")
	require.NoError(t, store.InsertPayment(ctx, withTx))
	require.NoError(t, store.SetProviderTx(ctx, withTx.ID, "sbx_txn_1", baseTime))
	require.NoError(t, store.InsertPayment(ctx, newPayment("hold-2")))

	stale, err := store.StaleProcessing(ctx, baseTime.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, withTx.ID, stale[0].ID)

	stale, err = store.StaleProcessing(ctx, baseTime, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}
