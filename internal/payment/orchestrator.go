package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"ms-reservation/internal/config"
	"ms-reservation/internal/domain"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
	"ms-reservation/internal/payment/db"
	"ms-reservation/internal/payment/gateway"
	"ms-reservation/internal/telemetry"
)

const reasonExpiredDuringPayment = "reservation expired during payment"

// Reservations is the part of the reservation service the orchestrator drives.
type Reservations interface {
	GetReservation(ctx context.Context, holdID string, actor models.Actor) (*models.Hold, error)
	ConfirmReservation(ctx context.Context, holdID string, payment models.PaymentRecord) (*models.Hold, error)
}

// Notifier receives payment transitions. Implementations must not block.
type Notifier interface {
	PaymentChanged(ctx context.Context, event models.PaymentEvent)
}

type Options struct {
	Tenants  *config.Tenants
	Currency string
	Notifier Notifier
	Clock    func() time.Time
	Logger   *logger.Logger
}

// Orchestrator moves a hold through a provider charge to confirmation, and handles refunds.
type Orchestrator struct {
	payments *db.DB
	holds    Reservations
	gateways *gateway.Registry
	tenants  *config.Tenants
	currency string
	notifier Notifier
	clock    func() time.Time
	logger   *logger.Logger
}

func NewOrchestrator(payments *db.DB, holds Reservations, gateways *gateway.Registry, opts Options) *Orchestrator {
	o := &Orchestrator{
		payments: payments,
		holds:    holds,
		gateways: gateways,
		tenants:  opts.Tenants,
		currency: opts.Currency,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}
	if o.currency == "" {
		o.currency = "usd"
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.logger == nil {
		o.logger = logger.Discard()
	}
	return o
}

func (o *Orchestrator) now() time.Time {
	return o.clock().UTC()
}

// BeginPayment charges the hold's price through the provider and confirms the hold on success.
// A second submission while a payment is processing or after it succeeded returns that payment.
// A declined or failed charge leaves the hold pending so the parent can retry within the TTL.
func (o *Orchestrator) BeginPayment(ctx context.Context, holdID, provider, token string, actor models.Actor) (p *models.Payment, err error) {
	ctx, span := telemetry.StartSpan(ctx, "payment.begin", attribute.String("hold_id", holdID))
	defer func() { telemetry.End(span, err) }()

	hold, err := o.holds.GetReservation(ctx, holdID, actor)
	if err != nil {
		return nil, err
	}
	if live, err := o.livePayment(ctx, hold); err != nil || live != nil {
		return live, err
	}
	if err := payable(hold); err != nil {
		return nil, err
	}

	tenant := o.tenants.Get(hold.TenantID)
	p = o.newPayment(hold, tenant)

	if hold.PriceCents == 0 {
		p.Provider = models.ProviderNone
		if err := o.insert(ctx, p); err != nil {
			return o.existing(ctx, holdID, err)
		}
		return o.succeed(ctx, nil, p, "")
	}

	if provider == "" {
		provider = tenant.PaymentProvider
	}
	if provider == "" {
		provider = models.ProviderSandbox
	}
	gw, err := o.gateways.Get(provider)
	if err != nil {
		return nil, err
	}
	p.Provider = gw.Name()

	if err := o.insert(ctx, p); err != nil {
		return o.existing(ctx, holdID, err)
	}

	method, err := gw.CreatePaymentMethod(ctx, token)
	if err != nil {
		o.fail(ctx, p, err.Error())
		return nil, err
	}

	o.logger.LogPayment("CHARGE", p.ID, fmt.Sprintf("hold %s amount %d %s via %s", holdID, p.AmountCents, p.Currency, p.Provider))
	res, err := gw.Charge(ctx, gateway.ChargeRequest{
		PaymentID:     p.ID,
		HoldID:        holdID,
		AmountCents:   p.AmountCents,
		Currency:      p.Currency,
		PaymentMethod: method,
		Description:   fmt.Sprintf("Session reservation %s", holdID),
	})
	if err != nil {
		o.fail(ctx, p, err.Error())
		return nil, err
	}

	if res.TransactionID != "" {
		if err := o.payments.SetProviderTx(ctx, p.ID, res.TransactionID, o.now()); err != nil {
			return nil, fmt.Errorf("record provider transaction: %w", err)
		}
		p.ProviderTxID = res.TransactionID
	}
	return o.apply(ctx, gw, p, res)
}

// OnProviderEvent applies a webhook or poll result. A success arriving after the hold ended is
// refunded and reported as domain.ErrReservationExpiredDuringPayment.
func (o *Orchestrator) OnProviderEvent(ctx context.Context, ev gateway.Event) (p *models.Payment, err error) {
	ctx, span := telemetry.StartSpan(ctx, "payment.provider_event",
		attribute.String("provider", ev.Provider),
		attribute.String("transaction_id", ev.TransactionID),
	)
	defer func() { telemetry.End(span, err) }()

	if ev.PaymentID != "" {
		p, err = o.payments.GetPayment(ctx, ev.PaymentID)
	} else {
		p, err = o.payments.GetByTransaction(ctx, ev.Provider, ev.TransactionID)
	}
	if err != nil {
		return nil, err
	}
	gw, err := o.gateways.Get(p.Provider)
	if err != nil {
		return nil, err
	}

	if p.Status != models.PaymentProcessing {
		if p.Status == models.PaymentFailed && ev.Status == gateway.ChargeSucceeded && ev.TransactionID != "" {
			// We gave up on this charge but the provider collected it anyway.
			if _, err := gw.Refund(ctx, ev.TransactionID, p.AmountCents); err != nil {
				o.logger.Error("PAYMENT", fmt.Sprintf("Failed to refund abandoned charge %s: %v", ev.TransactionID, err))
				return p, err
			}
			o.logger.LogPayment("REFUNDED", p.ID, fmt.Sprintf("abandoned charge %s", ev.TransactionID))
		}
		return p, nil
	}

	txID := ev.TransactionID
	if txID == "" {
		txID = p.ProviderTxID
	}
	if txID != "" && p.ProviderTxID == "" {
		if err := o.payments.SetProviderTx(ctx, p.ID, txID, o.now()); err != nil {
			return nil, fmt.Errorf("record provider transaction: %w", err)
		}
		p.ProviderTxID = txID
	}
	return o.apply(ctx, gw, p, &gateway.ChargeResult{
		TransactionID: txID,
		Status:        ev.Status,
		FailureReason: ev.FailureReason,
		AmountCents:   p.AmountCents,
	})
}

// PollPayment asks the provider for the state of a processing payment and applies it.
func (o *Orchestrator) PollPayment(ctx context.Context, paymentID string, actor models.Actor) (*models.Payment, error) {
	p, err := o.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if _, err := o.holds.GetReservation(ctx, p.HoldID, actor); err != nil {
		return nil, err
	}
	if p.Status != models.PaymentProcessing || p.ProviderTxID == "" {
		return p, nil
	}

	gw, err := o.gateways.Get(p.Provider)
	if err != nil {
		return nil, err
	}
	res, err := gw.Status(ctx, p.ProviderTxID)
	if err != nil {
		return nil, err
	}
	return o.OnProviderEvent(ctx, gateway.Event{
		Provider:      p.Provider,
		TransactionID: p.ProviderTxID,
		PaymentID:     p.ID,
		Status:        res.Status,
		FailureReason: res.FailureReason,
		ReceivedAt:    o.now(),
	})
}

// Refund returns the money of a confirmed hold. The seat stays occupied.
func (o *Orchestrator) Refund(ctx context.Context, holdID, reason string, actor models.Actor) (rec *models.RefundRecord, err error) {
	ctx, span := telemetry.StartSpan(ctx, "payment.refund", attribute.String("hold_id", holdID))
	defer func() { telemetry.End(span, err) }()

	if !actor.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	hold, err := o.holds.GetReservation(ctx, holdID, actor)
	if err != nil {
		return nil, err
	}
	if hold.State != models.HoldConfirmed {
		return nil, fmt.Errorf("%w: hold is %s", domain.ErrRefundNotAllowed, hold.State)
	}

	payments, err := o.payments.ListByHold(ctx, holdID)
	if err != nil {
		return nil, err
	}
	for i := range payments {
		p := &payments[i]
		if p.ID != hold.PaymentID {
			continue
		}
		switch p.Status {
		case models.PaymentRefunded:
			return refundRecord(p), nil
		case models.PaymentSucceeded:
			if strings.TrimSpace(reason) == "" {
				reason = "requested by " + actor.ID
			}
			return o.refund(ctx, p, reason)
		}
	}
	return nil, fmt.Errorf("%w: no settled payment for hold %s", domain.ErrRefundNotAllowed, holdID)
}

// ConfirmManualPayment records a payment collected outside the platform and confirms the hold.
// It gets no grace: a hold that expired before the admin acted stays expired.
func (o *Orchestrator) ConfirmManualPayment(ctx context.Context, holdID, note string, actor models.Actor) (p *models.Payment, err error) {
	ctx, span := telemetry.StartSpan(ctx, "payment.manual_confirm", attribute.String("hold_id", holdID))
	defer func() { telemetry.End(span, err) }()

	if !actor.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	hold, err := o.holds.GetReservation(ctx, holdID, actor)
	if err != nil {
		return nil, err
	}
	tenant := o.tenants.Get(hold.TenantID)
	if !tenant.AllowManualPayments {
		return nil, domain.ErrManualPaymentBlocked
	}
	if live, err := o.livePayment(ctx, hold); err != nil || live != nil {
		return live, err
	}
	if err := payable(hold); err != nil {
		return nil, err
	}

	p = o.newPayment(hold, tenant)
	p.Provider = models.ProviderManual
	p.Note = fmt.Sprintf("confirmed by %s", actor.ID)
	if note = strings.TrimSpace(note); note != "" {
		p.Note += ": " + note
	}
	if err := o.insert(ctx, p); err != nil {
		return o.existing(ctx, holdID, err)
	}
	return o.succeed(ctx, nil, p, "")
}

// ReconcileOrphanedCharges refunds succeeded payments whose hold ended without a seat, which
// happens when the refund at confirmation time failed. It returns the number refunded.
func (o *Orchestrator) ReconcileOrphanedCharges(ctx context.Context, limit int) (int, error) {
	orphans, err := o.payments.OrphanedCharges(ctx, limit)
	if err != nil {
		return 0, err
	}
	refunded := 0
	for i := range orphans {
		if _, err := o.refund(ctx, &orphans[i], reasonExpiredDuringPayment); err != nil {
			o.logger.Error("PAYMENT", fmt.Sprintf("Reconcile refund of %s failed: %v", orphans[i].ID, err))
			continue
		}
		refunded++
	}
	return refunded, nil
}

// ResolveStaleCharges polls the provider for payments stuck in processing since before
// olderThan ago. It returns the number that reached a final state.
func (o *Orchestrator) ResolveStaleCharges(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	stale, err := o.payments.StaleProcessing(ctx, o.now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, p := range stale {
		out, err := o.PollPayment(ctx, p.ID, models.SystemActor)
		if err != nil && !errors.Is(err, domain.ErrReservationExpiredDuringPayment) {
			o.logger.Warn("PAYMENT", fmt.Sprintf("Poll of stale payment %s failed: %v", p.ID, err))
			continue
		}
		if out == nil || out.Status != models.PaymentProcessing {
			resolved++
		}
	}
	return resolved, nil
}

func (o *Orchestrator) apply(ctx context.Context, gw gateway.Gateway, p *models.Payment, res *gateway.ChargeResult) (*models.Payment, error) {
	switch res.Status {
	case gateway.ChargeSucceeded:
		return o.succeed(ctx, gw, p, res.TransactionID)
	case gateway.ChargeFailed:
		reason := res.FailureReason
		if reason == "" {
			reason = "declined"
		}
		o.fail(ctx, p, reason)
		return p, fmt.Errorf("%w: %s", domain.ErrPaymentDeclined, reason)
	default:
		o.logger.LogPayment("PROCESSING", p.ID, fmt.Sprintf("awaiting %s for transaction %s", p.Provider, res.TransactionID))
		return p, nil
	}
}

// succeed confirms the hold for a collected payment. When the hold already ended, the money
// goes back through gw.
func (o *Orchestrator) succeed(ctx context.Context, gw gateway.Gateway, p *models.Payment, txID string) (*models.Payment, error) {
	_, confirmErr := o.holds.ConfirmReservation(ctx, p.HoldID, models.PaymentRecord{
		PaymentID:   p.ID,
		Provider:    p.Provider,
		AmountCents: p.AmountCents,
	})
	if confirmErr != nil && !errors.Is(confirmErr, domain.ErrAlreadyTerminal) {
		// Left processing; a later poll or webhook retries.
		return nil, confirmErr
	}

	now := o.now()
	if confirmErr != nil && gw == nil {
		// Nothing was charged through a provider.
		o.fail(ctx, p, reasonExpiredDuringPayment)
		if p.Provider == models.ProviderManual {
			return p, fmt.Errorf("%w: collected funds must be returned outside the platform", domain.ErrReservationExpiredDuringPayment)
		}
		return p, confirmErr
	}

	won, err := o.payments.MarkSucceeded(ctx, p.ID, txID, now)
	if err != nil {
		return nil, fmt.Errorf("mark payment %s succeeded: %w", p.ID, err)
	}
	if p, err = o.payments.GetPayment(ctx, p.ID); err != nil {
		return nil, err
	}
	if won {
		o.emit(ctx, models.PaymentEventSucceeded, p)
	}

	if confirmErr == nil {
		o.logger.LogPayment("SUCCEEDED", p.ID, fmt.Sprintf("hold %s confirmed", p.HoldID))
		return p, nil
	}

	o.logger.Warn("PAYMENT", fmt.Sprintf("Payment %s succeeded after hold %s ended, refunding", p.ID, p.HoldID))
	if _, err := o.refund(ctx, p, reasonExpiredDuringPayment); err != nil {
		o.logger.Error("PAYMENT", fmt.Sprintf("Automatic refund of %s failed, left for reconciliation: %v", p.ID, err))
	} else if refreshed, err := o.payments.GetPayment(ctx, p.ID); err == nil {
		p = refreshed
	}
	return p, fmt.Errorf("%w: %v", domain.ErrReservationExpiredDuringPayment, confirmErr)
}

func (o *Orchestrator) refund(ctx context.Context, p *models.Payment, reason string) (*models.RefundRecord, error) {
	var refundID string
	switch p.Provider {
	case models.ProviderNone, models.ProviderManual:
	default:
		gw, err := o.gateways.Get(p.Provider)
		if err != nil {
			return nil, err
		}
		if refundID, err = gw.Refund(ctx, p.ProviderTxID, p.AmountCents); err != nil {
			return nil, err
		}
	}

	won, err := o.payments.MarkRefunded(ctx, p.ID, refundID, reason, o.now())
	if err != nil {
		return nil, fmt.Errorf("mark payment %s refunded: %w", p.ID, err)
	}
	current, err := o.payments.GetPayment(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if won {
		o.emit(ctx, models.PaymentEventRefunded, current)
		o.logger.LogPayment("REFUNDED", p.ID, fmt.Sprintf("hold %s: %s", p.HoldID, reason))
	}
	return refundRecord(current), nil
}

func (o *Orchestrator) fail(ctx context.Context, p *models.Payment, reason string) {
	won, err := o.payments.MarkFailed(ctx, p.ID, reason, o.now())
	if err != nil {
		o.logger.Error("PAYMENT", fmt.Sprintf("Failed to mark payment %s failed: %v", p.ID, err))
		return
	}
	p.Status = models.PaymentFailed
	p.FailureReason = reason
	if won {
		o.emit(ctx, models.PaymentEventFailed, p)
		o.logger.LogPayment("FAILED", p.ID, reason)
	}
}

func (o *Orchestrator) newPayment(hold *models.Hold, tenant config.TenantConfig) *models.Payment {
	now := o.now()
	currency := tenant.Currency
	if currency == "" {
		currency = o.currency
	}
	return &models.Payment{
		ID:          uuid.NewString(),
		HoldID:      hold.ID,
		TenantID:    hold.TenantID,
		AmountCents: hold.PriceCents,
		Currency:    strings.ToLower(currency),
		Status:      models.PaymentProcessing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (o *Orchestrator) insert(ctx context.Context, p *models.Payment) error {
	if err := o.payments.InsertPayment(ctx, p); err != nil {
		return err
	}
	o.logger.LogPayment("CREATED", p.ID, fmt.Sprintf("hold %s provider %s amount %d", p.HoldID, p.Provider, p.AmountCents))
	return nil
}

// existing resolves a lost insert race to the payment that won it.
func (o *Orchestrator) existing(ctx context.Context, holdID string, err error) (*models.Payment, error) {
	if !errors.Is(err, domain.ErrPaymentInProgress) {
		return nil, err
	}
	live, lerr := o.payments.LivePayment(ctx, holdID)
	if lerr != nil || live == nil {
		return nil, err
	}
	return live, nil
}

func (o *Orchestrator) emit(ctx context.Context, kind string, p *models.Payment) {
	if o.notifier == nil {
		return
	}
	o.notifier.PaymentChanged(ctx, models.PaymentEvent{
		Type:      kind,
		PaymentID: p.ID,
		HoldID:    p.HoldID,
		Payment:   p,
		Timestamp: o.now(),
	})
}

// livePayment returns the processing or succeeded payment of a pending or confirmed hold.
func (o *Orchestrator) livePayment(ctx context.Context, hold *models.Hold) (*models.Payment, error) {
	if hold.State != models.HoldPending && hold.State != models.HoldConfirmed {
		return nil, nil
	}
	return o.payments.LivePayment(ctx, hold.ID)
}

func payable(hold *models.Hold) error {
	switch hold.State {
	case models.HoldPending:
		return nil
	case models.HoldExpired:
		return domain.ErrHoldExpired
	default:
		return fmt.Errorf("%w: hold is %s", domain.ErrAlreadyTerminal, hold.State)
	}
}

func refundRecord(p *models.Payment) *models.RefundRecord {
	rec := &models.RefundRecord{
		PaymentID: p.ID,
		HoldID:    p.HoldID,
		RefundID:  p.RefundID,
		Reason:    p.RefundReason,
	}
	if p.RefundedAt != nil {
		rec.RefundedAt = *p.RefundedAt
	}
	return rec
}
