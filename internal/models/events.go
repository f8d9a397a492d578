package models

import "time"

type HoldEventType string

const (
	HoldEventCreated   HoldEventType = "created"
	HoldEventConfirmed HoldEventType = "confirmed"
	HoldEventCancelled HoldEventType = "cancelled"
	HoldEventExpired   HoldEventType = "expired"
	HoldEventExtended  HoldEventType = "extended"
)

const (
	PaymentEventSucceeded = "succeeded"
	PaymentEventFailed    = "failed"
	PaymentEventRefunded  = "refunded"
)

// HoldEvent is published on every hold transition. Player and session names are included
// so downstream messaging needs no lookups.
type HoldEvent struct {
	Type        HoldEventType `json:"type"`
	HoldID      string        `json:"hold_id"`
	TenantID    string        `json:"tenant_id"`
	SessionID   string        `json:"session_id"`
	SessionName string        `json:"session_name,omitempty"`
	PlayerID    string        `json:"player_id"`
	PlayerName  string        `json:"player_name,omitempty"`
	ParentID    string        `json:"parent_id"`
	State       HoldState     `json:"state"`
	ExpiresAt   time.Time     `json:"expires_at"`
	PriceCents  int64         `json:"price_cents"`
	Reason      string        `json:"reason,omitempty"`
	OccurredAt  time.Time     `json:"occurred_at"`
}

func NewHoldEvent(t HoldEventType, h *Hold, at time.Time) HoldEvent {
	return HoldEvent{
		Type:       t,
		HoldID:     h.ID,
		TenantID:   h.TenantID,
		SessionID:  h.SessionID,
		PlayerID:   h.PlayerID,
		ParentID:   h.ParentID,
		State:      h.State,
		ExpiresAt:  h.ExpiresAt,
		PriceCents: h.PriceCents,
		OccurredAt: at,
	}
}
