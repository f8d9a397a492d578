package models

import (
	"time"

	"github.com/uptrace/bun"
)

type BookingOpensMode string

const (
	// BookingOpensAlways accepts reservations any time before the session starts.
	BookingOpensAlways BookingOpensMode = "always"
	// BookingOpensFixedLocalTime opens at BookingOpensAtLocal ("HH:MM") on the session's start day.
	BookingOpensFixedLocalTime BookingOpensMode = "fixed_local_time"
	// BookingOpensHoursBefore opens BookingOpensHoursBefore hours before the session starts.
	BookingOpensHoursBefore BookingOpensMode = "hours_before"
)

type Session struct {
	bun.BaseModel `bun:"table:sessions,alias:s"`

	ID                      string           `bun:"id,pk" json:"id"`
	TenantID                string           `bun:"tenant_id,notnull" json:"tenant_id"`
	Name                    string           `bun:"name,notnull" json:"name"`
	Capacity                int              `bun:"capacity,notnull" json:"capacity"`
	StartsAt                time.Time        `bun:"starts_at,notnull" json:"starts_at"`
	EndsAt                  time.Time        `bun:"ends_at,notnull" json:"ends_at"`
	PriceCents              int64            `bun:"price_cents,notnull" json:"price_cents"`
	AgeGroups               []string         `bun:"age_groups" json:"age_groups,omitempty"`
	Genders                 []string         `bun:"genders" json:"genders,omitempty"`
	AccessCode              string           `bun:"access_code,nullzero" json:"-"`
	BookingOpensMode        BookingOpensMode `bun:"booking_opens_mode,notnull,default:'always'" json:"booking_opens_mode"`
	BookingOpensAtLocal     string           `bun:"booking_opens_at_local,nullzero" json:"booking_opens_at_local,omitempty"`
	BookingOpensHoursBefore int              `bun:"booking_opens_hours_before,notnull,default:0" json:"booking_opens_hours_before,omitempty"`
	Timezone                string           `bun:"timezone,nullzero" json:"timezone,omitempty"`
	CreatedAt               time.Time        `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

// RequiresAccessCode reports whether reservations must present an access code.
func (s *Session) RequiresAccessCode() bool {
	return s.AccessCode != ""
}

type Player struct {
	bun.BaseModel `bun:"table:players,alias:p"`

	ID       string `bun:"id,pk" json:"id"`
	TenantID string `bun:"tenant_id,notnull" json:"tenant_id"`
	ParentID string `bun:"parent_id,notnull" json:"parent_id"`
	Name     string `bun:"name,notnull" json:"name"`
	AgeGroup string `bun:"age_group,nullzero" json:"age_group,omitempty"`
	Gender   string `bun:"gender,nullzero" json:"gender,omitempty"`
}

// CapacitySnapshot is the derived occupancy of a session.
type CapacitySnapshot struct {
	SessionID string `json:"session_id"`
	Capacity  int    `json:"capacity"`
	Confirmed int    `json:"confirmed"`
	Held      int    `json:"held"`
	Remaining int    `json:"remaining"`
}
