package models

import (
	"time"

	"github.com/uptrace/bun"
)

type DiscountType string

const (
	DiscountFull       DiscountType = "full"
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// DiscountCode is stored upper-case. Value is a percent for percentage codes and cents for fixed codes.
type DiscountCode struct {
	bun.BaseModel `bun:"table:discount_codes,alias:dc"`

	Code        string       `bun:"code,pk" json:"code"`
	TenantID    string       `bun:"tenant_id,notnull" json:"tenant_id"`
	Type        DiscountType `bun:"type,notnull" json:"type"`
	Value       int64        `bun:"value,notnull,default:0" json:"value"`
	MaxUses     int          `bun:"max_uses,notnull,default:0" json:"max_uses"`
	CurrentUses int          `bun:"current_uses,notnull,default:0" json:"current_uses"`
	PendingUses int          `bun:"pending_uses,notnull,default:0" json:"pending_uses"`
	ValidFrom   *time.Time   `bun:"valid_from" json:"valid_from,omitempty"`
	ValidUntil  *time.Time   `bun:"valid_until" json:"valid_until,omitempty"`
	Active      bool         `bun:"active,notnull" json:"active"`
}

type CodeUseState string

const (
	CodeUsePending   CodeUseState = "pending"
	CodeUseCommitted CodeUseState = "committed"
	CodeUseReleased  CodeUseState = "released"
)

// CodeUse ties one soft-reserved discount usage to the hold that consumed it.
type CodeUse struct {
	bun.BaseModel `bun:"table:code_uses,alias:cu"`

	HoldID    string       `bun:"hold_id,pk" json:"hold_id"`
	Code      string       `bun:"code,notnull" json:"code"`
	State     CodeUseState `bun:"state,notnull" json:"state"`
	CreatedAt time.Time    `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt time.Time    `bun:"updated_at,notnull" json:"updated_at"`
}
