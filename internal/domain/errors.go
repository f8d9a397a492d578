package domain

import "errors"

// Domain errors
var (
	// Validation errors
	ErrNotEligible          = errors.New("player is not eligible for this session")
	ErrBookingNotOpen       = errors.New("booking is not open for this session")
	ErrInvalidAccessCode    = errors.New("invalid access code")
	ErrInvalidDiscountCode  = errors.New("invalid discount code")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrExtensionNotAllowed  = errors.New("hold extension not allowed")
	ErrRefundNotAllowed     = errors.New("refund is only allowed for confirmed reservations")
	ErrUnsupportedProvider  = errors.New("unsupported payment provider")
	ErrManualPaymentBlocked = errors.New("manual payments are disabled for this tenant")

	// Authorization errors
	ErrForbidden = errors.New("actor is not allowed to perform this operation")

	// Contention errors
	ErrSessionFull            = errors.New("session is full")
	ErrAlreadyHeld            = errors.New("player already holds a seat in this session")
	ErrSessionBusy            = errors.New("session is busy, retry shortly")
	ErrCapacityBelowOccupancy = errors.New("capacity cannot be lower than current occupancy")
	ErrPaymentInProgress      = errors.New("a payment for this reservation is already in progress")

	// Late transition errors
	ErrAlreadyTerminal                 = errors.New("reservation is no longer pending")
	ErrHoldExpired                     = errors.New("reservation has expired")
	ErrReservationExpiredDuringPayment = errors.New("reservation expired during payment, the charge was refunded")

	// Not found errors
	ErrSessionNotFound = errors.New("session not found")
	ErrPlayerNotFound  = errors.New("player not found")
	ErrHoldNotFound    = errors.New("reservation not found")
	ErrPaymentNotFound = errors.New("payment not found")

	// Provider errors
	ErrPaymentDeclined     = errors.New("payment was declined")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
)

// IsValidationError checks if the error is a rejected input that is safe to retry after correcting it.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrNotEligible) ||
		errors.Is(err, ErrBookingNotOpen) ||
		errors.Is(err, ErrInvalidAccessCode) ||
		errors.Is(err, ErrInvalidDiscountCode) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrExtensionNotAllowed) ||
		errors.Is(err, ErrRefundNotAllowed) ||
		errors.Is(err, ErrUnsupportedProvider) ||
		errors.Is(err, ErrManualPaymentBlocked)
}

// IsContentionError checks if the error is a capacity or concurrency conflict.
func IsContentionError(err error) bool {
	return errors.Is(err, ErrSessionFull) ||
		errors.Is(err, ErrAlreadyHeld) ||
		errors.Is(err, ErrSessionBusy) ||
		errors.Is(err, ErrCapacityBelowOccupancy) ||
		errors.Is(err, ErrPaymentInProgress)
}

// IsLateTransition checks if the error is a transition attempted on a hold that already ended.
func IsLateTransition(err error) bool {
	return errors.Is(err, ErrAlreadyTerminal) ||
		errors.Is(err, ErrHoldExpired) ||
		errors.Is(err, ErrReservationExpiredDuringPayment)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrPlayerNotFound) ||
		errors.Is(err, ErrHoldNotFound) ||
		errors.Is(err, ErrPaymentNotFound)
}

func IsProviderError(err error) bool {
	return errors.Is(err, ErrPaymentDeclined) || errors.Is(err, ErrProviderUnavailable)
}

var reasons = []struct {
	err    error
	reason string
}{
	{ErrSessionFull, "full"},
	{ErrNotEligible, "not_eligible"},
	{ErrBookingNotOpen, "not_open"},
	{ErrInvalidAccessCode, "invalid_access_code"},
	{ErrInvalidDiscountCode, "invalid_discount_code"},
	{ErrAlreadyHeld, "already_held"},
	{ErrSessionBusy, "busy"},
	{ErrAlreadyTerminal, "already_terminal"},
	{ErrHoldExpired, "expired"},
	{ErrReservationExpiredDuringPayment, "expired_during_payment"},
	{ErrExtensionNotAllowed, "extension_not_allowed"},
	{ErrRefundNotAllowed, "refund_not_allowed"},
	{ErrCapacityBelowOccupancy, "below_occupancy"},
	{ErrPaymentInProgress, "payment_in_progress"},
	{ErrPaymentDeclined, "payment_declined"},
	{ErrProviderUnavailable, "provider_unavailable"},
	{ErrForbidden, "forbidden"},
}

// Reason returns the stable reason code clients render messages from, or "" when none applies.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ""
}
