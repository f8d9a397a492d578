package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"ms-reservation/internal/domain"
	"ms-reservation/internal/logger"
)

var ErrStripeClientInitFailed = errors.New("failed to initialize Stripe client")

// Stripe charges through PaymentIntents with manual confirmation.
type Stripe struct {
	client        *client.API
	webhookSecret string
	log           *logger.Logger
}

func NewStripe(secretKey, webhookSecret string, log *logger.Logger) (*Stripe, error) {
	if secretKey == "" {
		return nil, fmt.Errorf("%w: secret key not set", ErrStripeClientInitFailed)
	}
	sc := client.New(secretKey, nil)
	if sc == nil {
		return nil, ErrStripeClientInitFailed
	}
	log.Info("STRIPE", "Stripe client initialized successfully")
	return &Stripe{client: sc, webhookSecret: webhookSecret, log: log}, nil
}

func (g *Stripe) Name() string {
	return "stripe"
}

func (g *Stripe) CreatePaymentMethod(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: payment token is required", domain.ErrInvalidRequest)
	}
	// Already a payment method created client side.
	if len(token) > 3 && token[:3] == "pm_" {
		return token, nil
	}

	params := &stripe.PaymentMethodParams{
		Type: stripe.String("card"),
		Card: &stripe.PaymentMethodCardParams{Token: stripe.String(token)},
	}
	params.Context = ctx
	pm, err := g.client.PaymentMethods.New(params)
	if err != nil {
		g.log.Error("STRIPE", fmt.Sprintf("Failed to create payment method: %v", err))
		return "", classify(err)
	}
	return pm.ID, nil
}

func (g *Stripe) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: invalid payment amount %d", domain.ErrInvalidRequest, req.AmountCents)
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.AmountCents),
		Currency:           stripe.String(req.Currency),
		PaymentMethod:      stripe.String(req.PaymentMethod),
		Description:        stripe.String(req.Description),
		ConfirmationMethod: stripe.String("manual"),
		Confirm:            stripe.Bool(true),
		PaymentMethodTypes: []*string{stripe.String("card")},
		Metadata: map[string]string{
			"payment_id": req.PaymentID,
			"hold_id":    req.HoldID,
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.PaymentID)

	g.log.Info("STRIPE", fmt.Sprintf("Creating payment intent (paymentID: %s)", req.PaymentID))
	pi, err := g.client.PaymentIntents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			g.log.Warn("STRIPE", fmt.Sprintf("Card declined (paymentID: %s): %s", req.PaymentID, stripeErr.Msg))
			return &ChargeResult{Status: ChargeFailed, FailureReason: stripeErr.Msg, AmountCents: req.AmountCents}, nil
		}
		g.log.Error("STRIPE", fmt.Sprintf("Failed to create payment intent: %v", err))
		return nil, classify(err)
	}
	return intentResult(pi), nil
}

func (g *Stripe) Refund(ctx context.Context, transactionID string, amountCents int64) (string, error) {
	if transactionID == "" {
		return "", fmt.Errorf("%w: transaction ID is required", domain.ErrInvalidRequest)
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(transactionID),
		Amount:        stripe.Int64(amountCents),
	}
	params.Context = ctx
	params.SetIdempotencyKey("refund-" + transactionID)

	r, err := g.client.Refunds.New(params)
	if err != nil {
		g.log.Error("STRIPE", fmt.Sprintf("Failed to refund %s: %v", transactionID, err))
		return "", classify(err)
	}
	return r.ID, nil
}

func (g *Stripe) Status(ctx context.Context, transactionID string) (*ChargeResult, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.client.PaymentIntents.Get(transactionID, params)
	if err != nil {
		return nil, classify(err)
	}
	return intentResult(pi), nil
}

// ParseWebhook verifies the Stripe-Signature header and extracts the payment intent outcome.
// Event types other than payment intent success or failure yield (nil, nil).
func (g *Stripe) ParseWebhook(payload []byte, signature string) (*Event, error) {
	if g.webhookSecret == "" {
		return nil, errors.New("stripe webhook secret not configured")
	}
	event, err := webhook.ConstructEvent(payload, signature, g.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid stripe signature: %v", domain.ErrInvalidRequest, err)
	}

	switch string(event.Type) {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
	default:
		return nil, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("%w: decode payment intent: %v", domain.ErrInvalidRequest, err)
	}
	res := intentResult(&pi)
	return &Event{
		Provider:      g.Name(),
		TransactionID: pi.ID,
		PaymentID:     pi.Metadata["payment_id"],
		Status:        res.Status,
		FailureReason: res.FailureReason,
		ReceivedAt:    time.Unix(event.Created, 0).UTC(),
	}, nil
}

func intentResult(pi *stripe.PaymentIntent) *ChargeResult {
	res := &ChargeResult{TransactionID: pi.ID, AmountCents: pi.Amount}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		res.Status = ChargeSucceeded
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresConfirmation, stripe.PaymentIntentStatusRequiresCapture:
		res.Status = ChargeProcessing
	default:
		res.Status = ChargeFailed
		res.FailureReason = fmt.Sprintf("payment intent %s", pi.Status)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			res.FailureReason = pi.LastPaymentError.Msg
		}
	}
	return res
}

// classify maps Stripe API errors to domain errors.
func classify(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripe.ErrorTypeCard:
			return fmt.Errorf("%w: %s", domain.ErrPaymentDeclined, stripeErr.Msg)
		case stripe.ErrorTypeInvalidRequest:
			return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, stripeErr.Msg)
		}
	}
	return fmt.Errorf("%w: stripe: %v", domain.ErrProviderUnavailable, err)
}
