package gateway

import (
	"context"
	"time"
)

// ChargeStatus is the provider-side state of a charge.
type ChargeStatus string

const (
	ChargeSucceeded  ChargeStatus = "succeeded"
	ChargeProcessing ChargeStatus = "processing"
	ChargeFailed     ChargeStatus = "failed"
)

// Gateway defines the interface every payment provider implements
type Gateway interface {
	// Name returns the provider name stored on payment records
	Name() string

	// CreatePaymentMethod turns a client token into a reusable provider payment method
	CreatePaymentMethod(ctx context.Context, token string) (string, error)

	// Charge collects AmountCents. A decline is reported as a ChargeFailed result, an
	// unreachable provider as an error.
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)

	// Refund returns amountCents of the transaction and yields the provider refund id
	Refund(ctx context.Context, transactionID string, amountCents int64) (string, error)

	// Status asks the provider for the current state of a transaction
	Status(ctx context.Context, transactionID string) (*ChargeResult, error)
}

// WebhookParser is implemented by providers that push charge results.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*Event, error)
}

// ChargeRequest represents a charge request
type ChargeRequest struct {
	PaymentID     string
	HoldID        string
	AmountCents   int64
	Currency      string
	PaymentMethod string
	Description   string
}

// ChargeResult represents a charge outcome
type ChargeResult struct {
	TransactionID string
	Status        ChargeStatus
	FailureReason string
	AmountCents   int64
}

// Event is a provider notification about a charge, from a webhook or a poll.
type Event struct {
	Provider      string
	TransactionID string
	// PaymentID is our payment id when the provider echoes it back in metadata.
	PaymentID     string
	Status        ChargeStatus
	FailureReason string
	ReceivedAt    time.Time
}
