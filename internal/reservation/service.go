package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/attribute"

	"ms-reservation/internal/codes"
	"ms-reservation/internal/config"
	"ms-reservation/internal/domain"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
	"ms-reservation/internal/reservation/db"
	"ms-reservation/internal/telemetry"
)

// HoldMarker keeps an expiring marker per pending hold so expiry can be pushed to the reaper.
type HoldMarker interface {
	MarkHold(ctx context.Context, holdID string, ttl time.Duration) error
	ClearHold(ctx context.Context, holdID string) error
}

// Notifier receives hold transitions. Implementations must not block.
type Notifier interface {
	HoldChanged(ctx context.Context, event models.HoldEvent)
}

type CreateRequest struct {
	PlayerID     string
	SessionID    string
	AccessCode   string
	DiscountCode string
	Actor        models.Actor
}

type Options struct {
	Config   config.ReservationConfig
	Tenants  *config.Tenants
	Locker   SessionLocker
	Markers  HoldMarker
	Notifier Notifier
	Clock    func() time.Time
	Logger   *logger.Logger
}

type Service struct {
	db       *db.DB
	codes    *codes.Validator
	cfg      config.ReservationConfig
	tenants  *config.Tenants
	locker   SessionLocker
	markers  HoldMarker
	notifier Notifier
	clock    func() time.Time
	logger   *logger.Logger
}

func NewService(store *db.DB, validator *codes.Validator, opts Options) *Service {
	s := &Service{
		db:       store,
		codes:    validator,
		cfg:      opts.Config,
		tenants:  opts.Tenants,
		locker:   opts.Locker,
		markers:  opts.Markers,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}
	if s.cfg.HoldTTL <= 0 {
		s.cfg.HoldTTL = 60 * time.Minute
	}
	if s.locker == nil {
		s.locker = NewLocalLocker(s.cfg.LockWait)
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.logger == nil {
		s.logger = logger.Discard()
	}
	return s
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) tenant(id string) config.TenantConfig {
	return s.tenants.Get(id)
}

func (s *Service) holdTTL(tenantID string) time.Duration {
	if ttl := s.tenant(tenantID).HoldTTL; ttl > 0 {
		return ttl
	}
	return s.cfg.HoldTTL
}

// CreateReservation validates the request and, under the session lock, reserves a seat and
// persists a pending hold that expires after the tenant's hold TTL.
func (s *Service) CreateReservation(ctx context.Context, req CreateRequest) (hold *models.Hold, err error) {
	ctx, span := telemetry.StartSpan(ctx, "reservation.create",
		attribute.String("session_id", req.SessionID),
		attribute.String("player_id", req.PlayerID),
	)
	defer func() { telemetry.End(span, err) }()

	if strings.TrimSpace(req.PlayerID) == "" || strings.TrimSpace(req.SessionID) == "" {
		return nil, fmt.Errorf("%w: player_id and session_id are required", domain.ErrInvalidRequest)
	}

	session, err := s.db.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	player, err := s.db.GetPlayer(ctx, req.PlayerID)
	if err != nil {
		return nil, err
	}
	if err := authorizeTenant(req.Actor, session.TenantID); err != nil {
		return nil, err
	}
	if !req.Actor.IsAdmin() && player.ParentID != req.Actor.ID {
		return nil, fmt.Errorf("%w: player does not belong to caller", domain.ErrForbidden)
	}

	now := s.now()
	tenant := s.tenant(session.TenantID)
	opensAt, err := BookingOpensAt(session, tenant.Location())
	if err != nil {
		s.logger.Warn("RESERVATION", fmt.Sprintf("Ignoring booking policy: %v", err))
		opensAt = time.Time{}
	}
	if err := checkBookingWindow(session, opensAt, now); err != nil {
		return nil, err
	}
	if err := checkEligibility(session, player); err != nil {
		return nil, err
	}
	if !codes.ValidateAccess(session, req.AccessCode) {
		return nil, domain.ErrInvalidAccessCode
	}

	if strings.TrimSpace(req.DiscountCode) != "" {
		// Usages held by overdue holds must not make the code look exhausted.
		var freed []string
		err := s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
			var err error
			freed, err = s.db.ExpireOverdueByCode(ctx, tx, req.DiscountCode, now)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("release stale code usages: %w", err)
		}
		s.afterExpired(ctx, freed, now)
	}

	price, token, err := s.codes.ValidateDiscount(ctx, req.DiscountCode, session.PriceCents, now)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// The lock wait counts against nobody's TTL.
	now = s.now()
	ttl := s.holdTTL(session.TenantID)
	hold = &models.Hold{
		ID:             uuid.NewString(),
		TenantID:       session.TenantID,
		SessionID:      session.ID,
		PlayerID:       player.ID,
		ParentID:       player.ParentID,
		State:          models.HoldPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		BasePriceCents: session.PriceCents,
		PriceCents:     price,
	}
	if token != nil {
		hold.DiscountCode = token.Code
	}

	var res db.LedgerResult
	err = s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		res, err = s.db.TryReserveSeat(ctx, tx, hold, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create reservation: %w", err)
	}

	s.afterExpired(ctx, res.Expired, now)
	if res.Rejection != nil {
		s.logger.Info("RESERVATION", fmt.Sprintf("Rejected player %s for session %s: %v", player.ID, session.ID, res.Rejection))
		return nil, res.Rejection
	}

	if s.markers != nil {
		if err := s.markers.MarkHold(ctx, hold.ID, ttl); err != nil {
			s.logger.Warn("REDIS", fmt.Sprintf("Failed to mark hold %s: %v", hold.ID, err))
		}
	}

	event := models.NewHoldEvent(models.HoldEventCreated, hold, now)
	event.SessionName = session.Name
	event.PlayerName = player.Name
	s.emit(ctx, event)

	s.logger.LogHold("CREATED", hold.ID, fmt.Sprintf("player %s session %s expires %s price %d", player.ID, session.ID, hold.ExpiresAt.Format(time.RFC3339), price))
	return hold, nil
}

// CancelReservation releases a pending hold. Cancelling a hold that already ended is a no-op.
// Parents may only cancel their own holds.
func (s *Service) CancelReservation(ctx context.Context, holdID string, actor models.Actor) (hold *models.Hold, err error) {
	ctx, span := telemetry.StartSpan(ctx, "reservation.cancel", attribute.String("hold_id", holdID))
	defer func() { telemetry.End(span, err) }()

	hold, err = s.db.GetHold(ctx, s.db.Bun, holdID)
	if err != nil {
		return nil, err
	}
	if err := authorizeHold(actor, hold); err != nil {
		return nil, err
	}
	if hold.State.Terminal() {
		return hold, nil
	}

	now := s.now()
	if hold.Overdue(now) {
		if _, err := s.ExpireReservation(ctx, hold.ID); err != nil {
			return nil, err
		}
		return s.db.GetHold(ctx, s.db.Bun, holdID)
	}

	var won bool
	err = s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		won, err = s.db.CancelHold(ctx, tx, holdID, actor.ID, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cancel reservation: %w", err)
	}

	hold, err = s.db.GetHold(ctx, s.db.Bun, holdID)
	if err != nil {
		return nil, err
	}
	if won {
		s.clearMarker(ctx, holdID)
		s.emit(ctx, models.NewHoldEvent(models.HoldEventCancelled, hold, now))
		s.logger.LogHold("CANCELLED", holdID, fmt.Sprintf("by %s", actor.ID))
	}
	return hold, nil
}

// ConfirmReservation converts a live pending hold into a confirmed one. Repeating the call with
// the same payment is idempotent. A hold that expired, even lazily at this moment, or was
// cancelled yields domain.ErrAlreadyTerminal.
func (s *Service) ConfirmReservation(ctx context.Context, holdID string, payment models.PaymentRecord) (hold *models.Hold, err error) {
	ctx, span := telemetry.StartSpan(ctx, "reservation.confirm",
		attribute.String("hold_id", holdID),
		attribute.String("payment_id", payment.PaymentID),
	)
	defer func() { telemetry.End(span, err) }()

	now := s.now()
	var won, expiredNow bool
	var lateErr error
	err = s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		if won, err = s.db.ConfirmHold(ctx, tx, holdID, payment.PaymentID, now); err != nil || won {
			return err
		}

		current, err := s.db.GetHold(ctx, tx, holdID)
		if err != nil {
			return err
		}
		switch {
		case current.State == models.HoldConfirmed && current.PaymentID == payment.PaymentID:
			return nil
		case current.Overdue(now):
			if expiredNow, err = s.db.ExpireHold(ctx, tx, holdID, now); err != nil {
				return err
			}
			lateErr = fmt.Errorf("%w: hold expired at %s", domain.ErrAlreadyTerminal, current.ExpiresAt.Format(time.RFC3339))
		default:
			lateErr = fmt.Errorf("%w: hold is %s", domain.ErrAlreadyTerminal, current.State)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("confirm reservation: %w", err)
	}

	if expiredNow {
		s.afterExpired(ctx, []string{holdID}, now)
	}
	if lateErr != nil {
		s.logger.Warn("RESERVATION", fmt.Sprintf("Late confirmation of hold %s with payment %s: %v", holdID, payment.PaymentID, lateErr))
		return nil, lateErr
	}

	hold, err = s.db.GetHold(ctx, s.db.Bun, holdID)
	if err != nil {
		return nil, err
	}
	if won {
		s.clearMarker(ctx, holdID)
		s.emit(ctx, models.NewHoldEvent(models.HoldEventConfirmed, hold, now))
		s.logger.LogHold("CONFIRMED", holdID, fmt.Sprintf("payment %s via %s amount %d", payment.PaymentID, payment.Provider, payment.AmountCents))
	}
	return hold, nil
}

// ExpireReservation expires an overdue pending hold. It reports whether this call performed
// the transition; holds not yet overdue or already ended are left alone.
func (s *Service) ExpireReservation(ctx context.Context, holdID string) (won bool, err error) {
	now := s.now()
	err = s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		won, err = s.db.ExpireHold(ctx, tx, holdID, now)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("expire reservation: %w", err)
	}
	if won {
		s.afterExpired(ctx, []string{holdID}, now)
	}
	return won, nil
}

// ExtendReservation pushes a live hold's expiry by `by`, at most MaxExtensions times and never
// by more than MaxExtension at once.
func (s *Service) ExtendReservation(ctx context.Context, holdID string, by time.Duration, actor models.Actor) (hold *models.Hold, err error) {
	ctx, span := telemetry.StartSpan(ctx, "reservation.extend", attribute.String("hold_id", holdID))
	defer func() { telemetry.End(span, err) }()

	if by <= 0 || by > s.cfg.MaxExtension {
		return nil, fmt.Errorf("%w: extension must be between 0 and %s", domain.ErrExtensionNotAllowed, s.cfg.MaxExtension)
	}

	hold, err = s.db.GetHold(ctx, s.db.Bun, holdID)
	if err != nil {
		return nil, err
	}
	if err := authorizeHold(actor, hold); err != nil {
		return nil, err
	}

	now := s.now()
	if hold.Overdue(now) {
		if _, err := s.ExpireReservation(ctx, holdID); err != nil {
			return nil, err
		}
		return nil, domain.ErrHoldExpired
	}
	if hold.State != models.HoldPending {
		return nil, fmt.Errorf("%w: hold is %s", domain.ErrAlreadyTerminal, hold.State)
	}
	if hold.Extensions >= s.cfg.MaxExtensions {
		return nil, fmt.Errorf("%w: hold was already extended %d times", domain.ErrExtensionNotAllowed, hold.Extensions)
	}

	newExpiry := hold.ExpiresAt.Add(by)
	var won bool
	err = s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		won, err = s.db.ExtendHold(ctx, tx, holdID, hold.Extensions, newExpiry, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("extend reservation: %w", err)
	}
	if !won {
		return nil, fmt.Errorf("%w: hold changed concurrently", domain.ErrExtensionNotAllowed)
	}

	hold, err = s.db.GetHold(ctx, s.db.Bun, holdID)
	if err != nil {
		return nil, err
	}
	if s.markers != nil {
		if err := s.markers.MarkHold(ctx, holdID, hold.ExpiresAt.Sub(now)); err != nil {
			s.logger.Warn("REDIS", fmt.Sprintf("Failed to re-mark hold %s: %v", holdID, err))
		}
	}
	s.emit(ctx, models.NewHoldEvent(models.HoldEventExtended, hold, now))
	s.logger.LogHold("EXTENDED", holdID, fmt.Sprintf("new expiry %s", hold.ExpiresAt.Format(time.RFC3339)))
	return hold, nil
}

// GetRemainingCapacity reads the session's occupancy, treating overdue holds as released.
func (s *Service) GetRemainingCapacity(ctx context.Context, sessionID string) (*models.CapacitySnapshot, error) {
	session, err := s.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	confirmed, held, err := s.db.CountOccupied(ctx, s.db.Bun, sessionID, s.now())
	if err != nil {
		return nil, err
	}
	remaining := session.Capacity - confirmed - held
	if remaining < 0 {
		remaining = 0
	}
	return &models.CapacitySnapshot{
		SessionID: sessionID,
		Capacity:  session.Capacity,
		Confirmed: confirmed,
		Held:      held,
		Remaining: remaining,
	}, nil
}

// GetReservation returns a hold, expiring it first when it is overdue.
func (s *Service) GetReservation(ctx context.Context, holdID string, actor models.Actor) (*models.Hold, error) {
	hold, err := s.db.GetHold(ctx, s.db.Bun, holdID)
	if err != nil {
		return nil, err
	}
	if err := authorizeHold(actor, hold); err != nil {
		return nil, err
	}
	if hold.Overdue(s.now()) {
		if _, err := s.ExpireReservation(ctx, holdID); err != nil {
			return nil, err
		}
		return s.db.GetHold(ctx, s.db.Bun, holdID)
	}
	return hold, nil
}

// ListActiveReservations lists a player's confirmed and live pending holds.
func (s *Service) ListActiveReservations(ctx context.Context, playerID string, actor models.Actor) ([]models.Hold, error) {
	player, err := s.db.GetPlayer(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if err := authorizeTenant(actor, player.TenantID); err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && player.ParentID != actor.ID {
		return nil, domain.ErrForbidden
	}
	return s.db.ListActiveHolds(ctx, playerID, s.now())
}

// HoldHistory is the admin read model. Admins are confined to their own tenant.
func (s *Service) HoldHistory(ctx context.Context, filter models.HoldFilter, actor models.Actor) ([]models.HoldView, error) {
	if !actor.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	if actor.TenantID != "" {
		filter.TenantID = actor.TenantID
	}
	return s.db.HoldHistory(ctx, filter)
}

// AdjustCapacity changes a session's capacity under the session lock. It cannot drop below
// the seats currently confirmed or held.
func (s *Service) AdjustCapacity(ctx context.Context, sessionID string, capacity int, actor models.Actor) (*models.CapacitySnapshot, error) {
	if !actor.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	session, err := s.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := authorizeTenant(actor, session.TenantID); err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	var snap *models.CapacitySnapshot
	err = s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		snap, err = s.db.AdjustCapacity(ctx, tx, sessionID, capacity, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("CAPACITY", fmt.Sprintf("Session %s capacity %d -> %d by %s", sessionID, session.Capacity, capacity, actor.ID))
	return snap, nil
}

// OverdueHolds lists up to limit pending holds past their expiry.
func (s *Service) OverdueHolds(ctx context.Context, limit int) ([]string, error) {
	return s.db.OverdueHoldIDs(ctx, s.db.Bun, "", s.now(), limit)
}

func (s *Service) afterExpired(ctx context.Context, ids []string, now time.Time) {
	for _, id := range ids {
		s.clearMarker(ctx, id)
		hold, err := s.db.GetHold(ctx, s.db.Bun, id)
		if err != nil {
			s.logger.Warn("RESERVATION", fmt.Sprintf("Expired hold %s not readable: %v", id, err))
			continue
		}
		event := models.NewHoldEvent(models.HoldEventExpired, hold, now)
		event.Reason = "payment window elapsed"
		s.emit(ctx, event)
		s.logger.LogHold("EXPIRED", id, fmt.Sprintf("session %s player %s", hold.SessionID, hold.PlayerID))
	}
}

func (s *Service) clearMarker(ctx context.Context, holdID string) {
	if s.markers == nil {
		return
	}
	if err := s.markers.ClearHold(ctx, holdID); err != nil {
		s.logger.Warn("REDIS", fmt.Sprintf("Failed to clear marker for hold %s: %v", holdID, err))
	}
}

func (s *Service) emit(ctx context.Context, event models.HoldEvent) {
	if s.notifier == nil {
		return
	}
	if event.SessionName == "" {
		if session, err := s.db.GetSession(ctx, event.SessionID); err == nil {
			event.SessionName = session.Name
		}
	}
	if event.PlayerName == "" {
		if player, err := s.db.GetPlayer(ctx, event.PlayerID); err == nil {
			event.PlayerName = player.Name
		}
	}
	s.notifier.HoldChanged(ctx, event)
}

func authorizeTenant(actor models.Actor, tenantID string) error {
	if actor.TenantID != "" && actor.TenantID != tenantID {
		return fmt.Errorf("%w: resource belongs to another organization", domain.ErrForbidden)
	}
	return nil
}

func authorizeHold(actor models.Actor, hold *models.Hold) error {
	if err := authorizeTenant(actor, hold.TenantID); err != nil {
		return err
	}
	if !actor.IsAdmin() && hold.ParentID != actor.ID {
		return fmt.Errorf("%w: reservation belongs to another parent", domain.ErrForbidden)
	}
	return nil
}

// IsRejection reports whether err is an expected refusal rather than a failure.
func IsRejection(err error) bool {
	return domain.IsValidationError(err) || domain.IsContentionError(err) ||
		domain.IsLateTransition(err) || domain.IsNotFound(err) || errors.Is(err, domain.ErrForbidden)
}
