package models

import (
	"time"

	"github.com/uptrace/bun"
)

type PaymentStatus string

const (
	PaymentProcessing PaymentStatus = "processing"
	PaymentSucceeded  PaymentStatus = "succeeded"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

const (
	ProviderStripe  = "stripe"
	ProviderSandbox = "sandbox"
	ProviderManual  = "manual"
	ProviderNone    = "none"
)

type Payment struct {
	bun.BaseModel `bun:"table:payments,alias:pay"`

	ID            string        `bun:"id,pk" json:"id"`
	HoldID        string        `bun:"hold_id,notnull" json:"hold_id"`
	TenantID      string        `bun:"tenant_id,notnull" json:"tenant_id"`
	Provider      string        `bun:"provider,notnull" json:"provider"`
	ProviderTxID  string        `bun:"provider_tx_id,nullzero" json:"provider_tx_id,omitempty"`
	AmountCents   int64         `bun:"amount_cents,notnull" json:"amount_cents"`
	Currency      string        `bun:"currency,notnull" json:"currency"`
	Status        PaymentStatus `bun:"status,notnull" json:"status"`
	FailureReason string        `bun:"failure_reason,nullzero" json:"failure_reason,omitempty"`
	RefundID      string        `bun:"refund_id,nullzero" json:"refund_id,omitempty"`
	RefundReason  string        `bun:"refund_reason,nullzero" json:"refund_reason,omitempty"`
	Note          string        `bun:"note,nullzero" json:"note,omitempty"`
	CreatedAt     time.Time     `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time     `bun:"updated_at,notnull" json:"updated_at"`
	SucceededAt   *time.Time    `bun:"succeeded_at" json:"succeeded_at,omitempty"`
	RefundedAt    *time.Time    `bun:"refunded_at" json:"refunded_at,omitempty"`
}

// PaymentRecord is what a successful charge hands to ConfirmReservation.
type PaymentRecord struct {
	PaymentID   string
	Provider    string
	AmountCents int64
}

type RefundRecord struct {
	PaymentID  string    `json:"payment_id"`
	HoldID     string    `json:"hold_id"`
	RefundID   string    `json:"refund_id"`
	Reason     string    `json:"reason"`
	RefundedAt time.Time `json:"refunded_at"`
}

// BeginPaymentRequest is the body of POST /api/payments/holds/:id.
type BeginPaymentRequest struct {
	Provider string `json:"provider,omitempty"`
	// Token is a provider payment-method token (Stripe pm_... or a sandbox card token).
	Token string `json:"token"`
}

type RefundRequest struct {
	Reason string `json:"reason"`
}

type ManualConfirmRequest struct {
	Note string `json:"note"`
}

// PaymentEvent is published on payment state changes.
type PaymentEvent struct {
	Type      string    `json:"type"`
	PaymentID string    `json:"payment_id"`
	HoldID    string    `json:"hold_id"`
	Payment   *Payment  `json:"payment"`
	Timestamp time.Time `json:"timestamp"`
}
