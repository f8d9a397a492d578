package reservation_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-reservation/internal/codes"
	"ms-reservation/internal/config"
	"ms-reservation/internal/database/dbtest"
	"ms-reservation/internal/domain"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
	"ms-reservation/internal/reservation"
	"ms-reservation/internal/reservation/db"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.HoldEvent
}

func (n *recordingNotifier) HoldChanged(_ context.Context, event models.HoldEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) count(t models.HoldEventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Type == t {
			c++
		}
	}
	return c
}

type fixture struct {
	svc      *reservation.Service
	store    *db.DB
	clock    *fakeClock
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := &db.DB{Bun: dbtest.New(t)}
	clock := &fakeClock{now: t0}
	notifier := &recordingNotifier{}
	svc := reservation.NewService(store, codes.NewValidator(store, logger.Discard()), reservation.Options{
		Config: config.ReservationConfig{
			HoldTTL:       60 * time.Minute,
			LockWait:      10 * time.Second,
			MaxExtensions: 1,
			MaxExtension:  15 * time.Minute,
		},
		Notifier: notifier,
		Clock:    clock.Now,
		Logger:   logger.Discard(),
	})
	return &fixture{svc: svc, store: store, clock: clock, notifier: notifier}
}

func (f *fixture) session(t *testing.T, id string, capacity int, mutate ...func(*models.Session)) *models.Session {
	t.Helper()
	s := &models.Session{
		ID:               id,
		TenantID:         "club-1",
		Name:             "Session " + id,
		Capacity:         capacity,
		StartsAt:         t0.Add(72 * time.Hour),
		EndsAt:           t0.Add(73 * time.Hour),
		PriceCents:       3000,
		BookingOpensMode: models.BookingOpensAlways,
		CreatedAt:        t0,
	}
	for _, m := range mutate {
		m(s)
	}
	require.NoError(t, f.store.CreateSession(context.Background(), s))
	return s
}

func (f *fixture) player(t *testing.T, id string, mutate ...func(*models.Player)) models.Actor {
	t.Helper()
	p := &models.Player{
		ID:       id,
		TenantID: "club-1",
		ParentID: "parent-" + id,
		Name:     "Player " + id,
		AgeGroup: "U10",
		Gender:   "girls",
	}
	for _, m := range mutate {
		m(p)
	}
	require.NoError(t, f.store.CreatePlayer(context.Background(), p))
	return models.Actor{ID: p.ParentID, TenantID: "club-1", Role: models.RoleParent}
}

func (f *fixture) create(playerID, sessionID string, parent models.Actor) (*models.Hold, error) {
	return f.svc.CreateReservation(context.Background(), reservation.CreateRequest{
		PlayerID:  playerID,
		SessionID: sessionID,
		Actor:     parent,
	})
}

var admin = models.Actor{ID: "admin-1", TenantID: "club-1", Role: models.RoleAdmin}

func TestCreateAndConfirmReservation(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", 10)
	parent := f.player(t, "p1")
	ctx := context.Background()

	hold, err := f.create("p1", "s1", parent)
	require.NoError(t, err)
	assert.Equal(t, models.HoldPending, hold.State)
	assert.True(t, hold.ExpiresAt.Equal(t0.Add(60*time.Minute)))
	assert.Equal(t, int64(3000), hold.PriceCents)

	snap, err := f.svc.GetRemainingCapacity(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 9, snap.Remaining)

	f.clock.Set(t0.Add(10 * time.Minute))
	confirmed, err := f.svc.ConfirmReservation(ctx, hold.ID, models.PaymentRecord{PaymentID: "pay-1", Provider: "sandbox", AmountCents: 3000})
	require.NoError(t, err)
	assert.Equal(t, models.HoldConfirmed, confirmed.State)
	assert.Equal(t, "pay-1", confirmed.PaymentID)

	// Same payment again is idempotent.
	again, err := f.svc.ConfirmReservation(ctx, hold.ID, models.PaymentRecord{PaymentID: "pay-1"})
	require.NoError(t, err)
	assert.Equal(t, models.HoldConfirmed, again.State)

	// A different payment cannot confirm it twice.
	_, err = f.svc.ConfirmReservation(ctx, hold.ID, models.PaymentRecord{PaymentID: "pay-2"})
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)

	snap, err = f.svc.GetRemainingCapacity(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Confirmed)
	assert.Equal(t, 9, snap.Remaining)

	assert.Equal(t, 1, f.notifier.count(models.HoldEventCreated))
	assert.Equal(t, 1, f.notifier.count(models.HoldEventConfirmed))
}

func TestCapacityInvariantUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", 5)

	const players = 20
	parents := make([]models.Actor, players)
	for i := 0; i < players; i++ {
		parents[i] = f.player(t, fmt.Sprintf("p%d", i))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, full := 0, 0
	for i := 0; i < players; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.create(fmt.Sprintf("p%d", i), "s1", parents[i])
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrSessionFull):
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 15, full)

	confirmed, held, err := f.store.CountOccupied(context.Background(), f.store.Bun, "s1", f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 5, confirmed+held)
}

func TestSessionsDoNotBlockEachOther(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", 1)
	f.session(t, "s2", 1)
	parent := f.player(t, "p1")

	_, err := f.create("p1", "s1", parent)
	require.NoError(t, err)
	_, err = f.create("p1", "s2", parent)
	require.NoError(t, err)
}

func TestTTLBoundaries(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", 3)
	parent := f.player(t, "p1")
	ctx := context.Background()

	hold, err := f.create("p1", "s1", parent)
	require.NoError(t, err)

	f.clock.Set(t0.Add(3599 * time.Second))
	got, err := f.svc.GetReservation(ctx, hold.ID, parent)
	require.NoError(t, err)
	assert.Equal(t, models.HoldPending, got.State)

	f.clock.Set(t0.Add(3601 * time.Second))
	got, err = f.svc.GetReservation(ctx, hold.ID, parent)
	require.NoError(t, err)
	assert.Equal(t, models.HoldExpired, got.State)

	_, err = f.svc.ConfirmReservation(ctx, hold.ID, models.PaymentRecord{PaymentID: "late"})
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)

	// Expired never reverts.
	f.clock.Set(t0.Add(10 * time.Minute))
	got, err = f.svc.GetReservation(ctx, hold.ID, parent)
	require.NoError(t, err)
	assert.Equal(t, models.HoldExpired, got.State)

	active, err := f.svc.ListActiveReservations(ctx, "p1", parent)
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Equal(t, 1, f.notifier.count(models.HoldEventExpired))
}

func TestLateConfirmExpiresHold(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", 3)
	parent := f.player(t, "p1")

	hold, err := f.create("p1", "s1", parent)
	require.NoError(t, err)

	f.clock.Set(t0.Add(61 * time.Minute))
	_, err = f.svc.ConfirmReservation(context.Background(), hold.ID, models.PaymentRecord{PaymentID: "pay-1"})
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)

	got, err := f.store.GetHold(context.Background(), f.store.Bun, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HoldExpired, got.State)
}

func TestConfirmVersusExpireRace(t *testing.T) {
	for _, tc := range []struct {
		name      string
		at        time.Duration
		wantState models.HoldState
	}{
		{"before expiry confirm wins", 30 * time.Minute, models.HoldConfirmed},
		{"after expiry expire wins", 61 * time.Minute, models.HoldExpired},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.session(t, "s1", 3)
			parent := f.player(t, "p1")
			hold, err := f.create("p1", "s1", parent)
			require.NoError(t, err)
			f.clock.Set(t0.Add(tc.at))

			var wg sync.WaitGroup
			var mu sync.Mutex
			confirms, expires := 0, 0
			for i := 0; i < 5; i++ {
				wg.Add(2)
				go func() {
					defer wg.Done()
					_, err := f.svc.ConfirmReservation(context.Background(), hold.ID, models.PaymentRecord{PaymentID: "pay-1"})
					if err == nil {
						mu.Lock()
						confirms++
						mu.Unlock()
					}
				}()
				go func() {
					defer wg.Done()
					won, err := f.svc.ExpireReservation(context.Background(), hold.ID)
					if err == nil && won {
						mu.Lock()
						expires++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			got, err := f.store.GetHold(context.Background(), f.store.Bun, hold.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.wantState, got.State)
			if tc.wantState == models.HoldConfirmed {
				assert.Equal(t, 0, expires)
				assert.Equal(t, 1, f.notifier.count(models.HoldEventConfirmed))
			} else {
				// A late confirm may perform the expiry itself, so count transitions by event.
				assert.Equal(t, 0, confirms)
				assert.LessOrEqual(t, expires, 1)
				assert.Equal(t, 1, f.notifier.count(models.HoldEventExpired))
				assert.Equal(t, 0, f.notifier.count(models.HoldEventConfirmed))
			}
		})
	}
}

func TestExpiryReleasesSeat(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", 1)
	first := f.player(t, "p1")
	second := f.player(t, "p2")

	_, err := f.create("p1", "s1", first)
	require.NoError(t, err)

	_, err = f.create("p2", "s1", second)
	assert.ErrorIs(t, err, domain.ErrSessionFull)

	f.clock.Set(t0.Add(61 * time.Minute))
	hold, err := f.create("p2", "s1", second)
	require.NoError(t, err)
	assert.Equal(t, "p2", hold.PlayerID)
	assert.Equal(t, 1, f.notifier.count(models.HoldEventExpired))
}

func TestDiscountCodeMaxUses(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", 10)
	ctx := context.Background()
	require.NoError(t, f.store.CreateDiscountCode(ctx, &models.DiscountCode{
		Code: "ONCE", TenantID: "club-1", Type: models.DiscountPercentage, Value: 50, MaxUses: 1, Active: true,
	}))

	parents := []models.Actor{f.player(t, "p1"), f.player(t, "p2"), f.player(t, "p3")}
	reserve := func(i int) (*models.Hold, error) {
		return f.svc.CreateReservation(ctx, reservation.CreateRequest{
			PlayerID:     fmt.Sprintf("p%d", i+1),
			SessionID:    "s1",
			DiscountCode: "once",
			Actor:        parents[i],
		})
	}

	hold, err := reserve(0)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), hold.PriceCents)
	assert.Equal(t, "ONCE", hold.DiscountCode)

	_, err = reserve(1)
	assert.ErrorIs(t, err, domain.ErrInvalidDiscountCode)

	// The first hold expires unpaid, releasing its usage.
	f.clock.Set(t0.Add(61 * time.Minute))
	third, err := reserve(2)
	require.NoError(t, err)

	_, err = f.svc.ConfirmReservation(ctx, third.ID, models.PaymentRecord{PaymentID: "pay-3"})
	require.NoError(t, err)

	code, err := f.store.GetDiscountCode(ctx, "ONCE")
	require.NoError(t, err)
	assert.Equal(t, 1, code.CurrentUses)
	assert.Equal(t, 0, code.PendingUses)

	_, err = reserve(1)
	assert.ErrorIs(t, err, domain.ErrInvalidDiscountCode)
}

func TestCancelIsIdempotentAndReleasesSeat(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", 1)
	parent := f.player(t, "p1")
	other := f.player(t, "p2")
	ctx := context.Background()

	hold, err := f.create("p1", "s1", parent)
	require.NoError(t, err)

	_, err = f.svc.CancelReservation(ctx, hold.ID, other)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	cancelled, err := f.svc.CancelReservation(ctx, hold.ID, parent)
	require.NoError(t, err)
	assert.Equal(t, models.HoldCancelled, cancelled.State)

	again, err := f.svc.CancelReservation(ctx, hold.ID, parent)
	require.NoError(t, err)
	assert.Equal(t, models.HoldCancelled, again.State)
	assert.Equal(t, 1, f.notifier.count(models.HoldEventCancelled))

	_, err = f.create("p2", "s1", other)
	assert.NoError(t, err)
}

func TestAdminCanCancelAnyHold(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", 1)
	parent := f.player(t, "p1")

	hold, err := f.create("p1", "s1", parent)
	require.NoError(t, err)

	cancelled, err := f.svc.CancelReservation(context.Background(), hold.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", cancelled.CancelledBy)
}

func TestCreateReservationValidation(t *testing.T) {
	f := newFixture(t)
	f.session(t, "closed", 5, func(s *models.Session) {
		s.BookingOpensMode = models.BookingOpensHoursBefore
		s.BookingOpensHoursBefore = 24
	})
	f.session(t, "started", 5, func(s *models.Session) {
		s.StartsAt = t0.Add(-time.Minute)
	})
	f.session(t, "boys", 5, func(s *models.Session) {
		s.Genders = []string{"boys"}
	})
	f.session(t, "u12", 5, func(s *models.Session) {
		s.AgeGroups = []string{"U12", "U14"}
	})
	f.session(t, "private", 5, func(s *models.Session) {
		s.AccessCode = "Tigers"
	})
	parent := f.player(t, "p1")
	stranger := models.Actor{ID: "someone-else", TenantID: "club-1", Role: models.RoleParent}

	tests := []struct {
		name    string
		session string
		actor   models.Actor
		code    string
		want    error
	}{
		{"not yet open", "closed", parent, "", domain.ErrBookingNotOpen},
		{"already started", "started", parent, "", domain.ErrBookingNotOpen},
		{"gender mismatch", "boys", parent, "", domain.ErrNotEligible},
		{"age group mismatch", "u12", parent, "", domain.ErrNotEligible},
		{"missing access code", "private", parent, "", domain.ErrInvalidAccessCode},
		{"wrong access code", "private", parent, "Lions", domain.ErrInvalidAccessCode},
		{"unknown session", "nope", parent, "", domain.ErrSessionNotFound},
		{"not the player's parent", "private", stranger, "tigers", domain.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateReservation(context.Background(), reservation.CreateRequest{
				PlayerID:   "p1",
				SessionID:  tt.session,
				AccessCode: tt.code,
				Actor:      tt.actor,
			})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	hold, err := f.svc.CreateReservation(context.Background(), reservation.CreateRequest{
		PlayerID: "p1", SessionID: "private", AccessCode: " tigers ", Actor: parent,
	})
	require.NoError(t, err)
	assert.Equal(t, models.HoldPending, hold.State)

	_, err = f.svc.CreateReservation(context.Background(), reservation.CreateRequest{
		PlayerID: "p1", SessionID: "private", AccessCode: "tigers", Actor: parent,
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyHeld)
}

func TestExtendReservation(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", 2)
	parent := f.player(t, "p1")
	ctx := context.Background()

	hold, err := f.create("p1", "s1", parent)
	require.NoError(t, err)

	_, err = f.svc.ExtendReservation(ctx, hold.ID, time.Hour, parent)
	assert.ErrorIs(t, err, domain.ErrExtensionNotAllowed)

	extended, err := f.svc.ExtendReservation(ctx, hold.ID, 10*time.Minute, parent)
	require.NoError(t, err)
	assert.True(t, extended.ExpiresAt.Equal(t0.Add(70*time.Minute)))
	assert.Equal(t, 1, extended.Extensions)

	_, err = f.svc.ExtendReservation(ctx, hold.ID, 5*time.Minute, parent)
	assert.ErrorIs(t, err, domain.ErrExtensionNotAllowed)

	// Still live past the original expiry.
	f.clock.Set(t0.Add(65 * time.Minute))
	got, err := f.svc.GetReservation(ctx, hold.ID, parent)
	require.NoError(t, err)
	assert.Equal(t, models.HoldPending, got.State)
}

func TestAdjustCapacity(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", 2)
	p1 := f.player(t, "p1")
	p2 := f.player(t, "p2")
	p3 := f.player(t, "p3")
	ctx := context.Background()

	_, err := f.create("p1", "s1", p1)
	require.NoError(t, err)
	_, err = f.create("p2", "s1", p2)
	require.NoError(t, err)

	_, err = f.svc.AdjustCapacity(ctx, "s1", 3, p1)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.AdjustCapacity(ctx, "s1", 1, admin)
	assert.ErrorIs(t, err, domain.ErrCapacityBelowOccupancy)

	snap, err := f.svc.AdjustCapacity(ctx, "s1", 3, admin)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Remaining)

	_, err = f.create("p3", "s1", p3)
	assert.NoError(t, err)
}

func TestHoldHistoryRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", 2)
	parent := f.player(t, "p1")

	_, err := f.create("p1", "s1", parent)
	require.NoError(t, err)

	_, err = f.svc.HoldHistory(context.Background(), models.HoldFilter{}, parent)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	views, err := f.svc.HoldHistory(context.Background(), models.HoldFilter{SessionID: "s1"}, admin)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "Player p1", views[0].PlayerName)
}

func TestOverdueHolds(t *testing.T) {
	f := newFixture(t)
	f.session(t, "s1", 3)
	parent := f.player(t, "p1")

	hold, err := f.create("p1", "s1", parent)
	require.NoError(t, err)

	ids, err := f.svc.OverdueHolds(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	f.clock.Set(t0.Add(2 * time.Hour))
	ids, err = f.svc.OverdueHolds(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{hold.ID}, ids)
}
