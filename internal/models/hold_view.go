package models

import "time"

// HoldView is the admin read model: one row per hold joined with its session, player and payment.
type HoldView struct {
	HoldID          string     `bun:"hold_id" json:"hold_id"`
	TenantID        string     `bun:"tenant_id" json:"tenant_id"`
	SessionID       string     `bun:"session_id" json:"session_id"`
	SessionName     string     `bun:"session_name" json:"session_name"`
	SessionStarts   time.Time  `bun:"session_starts_at" json:"session_starts_at"`
	PlayerID        string     `bun:"player_id" json:"player_id"`
	PlayerName      string     `bun:"player_name" json:"player_name"`
	ParentID        string     `bun:"parent_id" json:"parent_id"`
	State           HoldState  `bun:"state" json:"state"`
	CreatedAt       time.Time  `bun:"created_at" json:"created_at"`
	ExpiresAt       time.Time  `bun:"expires_at" json:"expires_at"`
	ConfirmedAt     *time.Time `bun:"confirmed_at" json:"confirmed_at,omitempty"`
	CancelledAt     *time.Time `bun:"cancelled_at" json:"cancelled_at,omitempty"`
	ExpiredAt       *time.Time `bun:"expired_at" json:"expired_at,omitempty"`
	DiscountCode    string     `bun:"discount_code" json:"discount_code,omitempty"`
	PriceCents      int64      `bun:"price_cents" json:"price_cents"`
	PaymentID       string     `bun:"payment_id" json:"payment_id,omitempty"`
	PaymentStatus   string     `bun:"payment_status" json:"payment_status,omitempty"`
	PaymentProvider string     `bun:"payment_provider" json:"payment_provider,omitempty"`
}

// HoldFilter narrows a HoldHistory query. Zero values match everything.
type HoldFilter struct {
	TenantID  string
	SessionID string
	PlayerID  string
	ParentID  string
	State     HoldState
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}
