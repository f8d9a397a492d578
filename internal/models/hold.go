package models

import (
	"time"

	"github.com/uptrace/bun"
)

type HoldState string

const (
	HoldPending   HoldState = "pending"
	HoldConfirmed HoldState = "confirmed"
	HoldExpired   HoldState = "expired"
	HoldCancelled HoldState = "cancelled"
)

func (s HoldState) Terminal() bool {
	return s == HoldConfirmed || s == HoldExpired || s == HoldCancelled
}

// Hold is a time-bounded claim on one seat of a session for one player.
type Hold struct {
	bun.BaseModel `bun:"table:holds,alias:h"`

	ID             string     `bun:"id,pk" json:"id"`
	TenantID       string     `bun:"tenant_id,notnull" json:"tenant_id"`
	SessionID      string     `bun:"session_id,notnull" json:"session_id"`
	PlayerID       string     `bun:"player_id,notnull" json:"player_id"`
	ParentID       string     `bun:"parent_id,notnull" json:"parent_id"`
	State          HoldState  `bun:"state,notnull" json:"state"`
	CreatedAt      time.Time  `bun:"created_at,notnull" json:"created_at"`
	ExpiresAt      time.Time  `bun:"expires_at,notnull" json:"expires_at"`
	Extensions     int        `bun:"extensions,notnull,default:0" json:"extensions"`
	DiscountCode   string     `bun:"discount_code,nullzero" json:"discount_code,omitempty"`
	BasePriceCents int64      `bun:"base_price_cents,notnull" json:"base_price_cents"`
	PriceCents     int64      `bun:"price_cents,notnull" json:"price_cents"`
	PaymentID      string     `bun:"payment_id,nullzero" json:"payment_id,omitempty"`
	ConfirmedAt    *time.Time `bun:"confirmed_at" json:"confirmed_at,omitempty"`
	CancelledAt    *time.Time `bun:"cancelled_at" json:"cancelled_at,omitempty"`
	CancelledBy    string     `bun:"cancelled_by,nullzero" json:"cancelled_by,omitempty"`
	ExpiredAt      *time.Time `bun:"expired_at" json:"expired_at,omitempty"`
}

// Overdue reports whether a pending hold has passed its expiry at now.
// A hold expiring exactly at now is still live.
func (h *Hold) Overdue(now time.Time) bool {
	return h.State == HoldPending && h.ExpiresAt.Before(now)
}

// EffectiveState is the state readers observe: overdue pending holds read as expired.
func (h *Hold) EffectiveState(now time.Time) HoldState {
	if h.Overdue(now) {
		return HoldExpired
	}
	return h.State
}

// Remaining returns the time left before expiry, zero for non-pending holds.
func (h *Hold) Remaining(now time.Time) time.Duration {
	if h.State != HoldPending || !now.Before(h.ExpiresAt) {
		return 0
	}
	return h.ExpiresAt.Sub(now)
}

// CreateReservationRequest is the body of POST /api/reservations.
type CreateReservationRequest struct {
	PlayerID     string `json:"player_id"`
	SessionID    string `json:"session_id"`
	AccessCode   string `json:"access_code,omitempty"`
	DiscountCode string `json:"discount_code,omitempty"`
}

type ExtendReservationRequest struct {
	Minutes int `json:"minutes"`
}

type CapacityAdjustmentRequest struct {
	Capacity int `json:"capacity"`
}

// HoldResponse is the client view of a hold.
type HoldResponse struct {
	Hold
	EffectiveState   HoldState `json:"effective_state"`
	RemainingSeconds int64     `json:"remaining_seconds"`
}

func NewHoldResponse(h *Hold, now time.Time) HoldResponse {
	return HoldResponse{
		Hold:             *h,
		EffectiveState:   h.EffectiveState(now),
		RemainingSeconds: int64(h.Remaining(now) / time.Second),
	}
}
