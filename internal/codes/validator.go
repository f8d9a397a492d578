package codes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ms-reservation/internal/domain"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
)

// Store is the read side of discount codes the validator needs.
type Store interface {
	GetDiscountCode(ctx context.Context, code string) (*models.DiscountCode, error)
}

// UsageToken identifies the code a hold consumes. The usage itself is soft-reserved by the
// capacity ledger in the hold transaction and settled when the hold leaves pending.
type UsageToken struct {
	Code string
	Type models.DiscountType
}

type Validator struct {
	store  Store
	logger *logger.Logger
}

func NewValidator(store Store, log *logger.Logger) *Validator {
	return &Validator{store: store, logger: log}
}

// ValidateAccess reports whether provided unlocks the session. Codes compare after trimming,
// ignoring case. Sessions without an access code accept anything.
func ValidateAccess(session *models.Session, provided string) bool {
	if !session.RequiresAccessCode() {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(provided), strings.TrimSpace(session.AccessCode))
}

// ValidateDiscount checks code at now and returns the discounted price. An empty code returns
// the price unchanged and a nil token.
func (v *Validator) ValidateDiscount(ctx context.Context, code string, priceCents int64, now time.Time) (int64, *UsageToken, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return priceCents, nil, nil
	}

	dc, err := v.store.GetDiscountCode(ctx, code)
	if err != nil {
		return 0, nil, fmt.Errorf("validate discount code: %w", err)
	}
	if dc == nil {
		return 0, nil, fmt.Errorf("%w: unknown code", domain.ErrInvalidDiscountCode)
	}
	if err := Check(dc, now); err != nil {
		v.logger.Debug("DISCOUNT", fmt.Sprintf("Code %s rejected: %v", code, err))
		return 0, nil, err
	}

	return Apply(dc, priceCents), &UsageToken{Code: dc.Code, Type: dc.Type}, nil
}

// Check rejects inactive, out-of-window, malformed and exhausted codes. Exhaustion counts
// pending usages, so a code with max_uses=1 held by a live hold is already exhausted.
func Check(dc *models.DiscountCode, now time.Time) error {
	switch {
	case !dc.Active:
		return fmt.Errorf("%w: code is not active", domain.ErrInvalidDiscountCode)
	case dc.ValidFrom != nil && now.Before(*dc.ValidFrom):
		return fmt.Errorf("%w: code is not yet valid", domain.ErrInvalidDiscountCode)
	case dc.ValidUntil != nil && !now.Before(*dc.ValidUntil):
		return fmt.Errorf("%w: code has expired", domain.ErrInvalidDiscountCode)
	case dc.Value < 0:
		return fmt.Errorf("%w: code has a negative value", domain.ErrInvalidDiscountCode)
	case dc.MaxUses > 0 && dc.CurrentUses+dc.PendingUses >= dc.MaxUses:
		return fmt.Errorf("%w: usage limit reached", domain.ErrInvalidDiscountCode)
	}

	switch dc.Type {
	case models.DiscountFull, models.DiscountPercentage, models.DiscountFixed:
		return nil
	default:
		return fmt.Errorf("%w: unknown discount type %q", domain.ErrInvalidDiscountCode, dc.Type)
	}
}

// Apply returns the price after the discount, never below zero. Percentages round down.
func Apply(dc *models.DiscountCode, priceCents int64) int64 {
	if priceCents <= 0 {
		return 0
	}
	switch dc.Type {
	case models.DiscountFull:
		return 0
	case models.DiscountPercentage:
		if dc.Value >= 100 {
			return 0
		}
		return priceCents * (100 - dc.Value) / 100
	case models.DiscountFixed:
		if dc.Value >= priceCents {
			return 0
		}
		return priceCents - dc.Value
	default:
		return priceCents
	}
}
