package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ms-reservation/internal/domain"
)

// Sandbox tokens. Any other token charges successfully.
const (
	SandboxTokenDecline     = "tok_decline"
	SandboxTokenUnavailable = "tok_unavailable"
	SandboxTokenPending     = "tok_pending"
)

// Sandbox is a deterministic in-memory provider used by tests, demos and load tests.
// The payment token alone decides the outcome of a charge.
type Sandbox struct {
	mu           sync.Mutex
	transactions map[string]*sandboxTxn
	webhookKey   string
	clock        func() time.Time
}

type sandboxTxn struct {
	result   ChargeResult
	refunded bool
	refundID string
}

func NewSandbox(webhookKey string) *Sandbox {
	return &Sandbox{
		transactions: make(map[string]*sandboxTxn),
		webhookKey:   webhookKey,
		clock:        time.Now,
	}
}

func (g *Sandbox) Name() string {
	return "sandbox"
}

func (g *Sandbox) CreatePaymentMethod(ctx context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: payment token is required", domain.ErrInvalidRequest)
	}
	return "sbx_pm_" + token, nil
}

func (g *Sandbox) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: invalid payment amount %d", domain.ErrInvalidRequest, req.AmountCents)
	}

	token := strings.TrimPrefix(req.PaymentMethod, "sbx_pm_")
	res := ChargeResult{
		TransactionID: fmt.Sprintf("sbx_txn_%s", uuid.New().String()[:8]),
		AmountCents:   req.AmountCents,
	}
	switch token {
	case SandboxTokenUnavailable:
		return nil, fmt.Errorf("%w: sandbox provider offline", domain.ErrProviderUnavailable)
	case SandboxTokenDecline:
		res.Status = ChargeFailed
		res.FailureReason = "card_declined"
	case SandboxTokenPending:
		res.Status = ChargeProcessing
	default:
		res.Status = ChargeSucceeded
	}

	g.mu.Lock()
	g.transactions[res.TransactionID] = &sandboxTxn{result: res}
	g.mu.Unlock()

	out := res
	return &out, nil
}

func (g *Sandbox) Refund(ctx context.Context, transactionID string, amountCents int64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	txn, ok := g.transactions[transactionID]
	if !ok {
		return "", fmt.Errorf("%w: transaction not found: %s", domain.ErrInvalidRequest, transactionID)
	}
	if txn.result.Status != ChargeSucceeded {
		return "", fmt.Errorf("%w: transaction %s is %s", domain.ErrRefundNotAllowed, transactionID, txn.result.Status)
	}
	if amountCents > txn.result.AmountCents {
		return "", fmt.Errorf("%w: refund exceeds charge", domain.ErrRefundNotAllowed)
	}
	if !txn.refunded {
		txn.refunded = true
		txn.refundID = "sbx_re_" + uuid.New().String()[:8]
	}
	return txn.refundID, nil
}

func (g *Sandbox) Status(ctx context.Context, transactionID string) (*ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	txn, ok := g.transactions[transactionID]
	if !ok {
		return nil, fmt.Errorf("%w: transaction not found: %s", domain.ErrInvalidRequest, transactionID)
	}
	out := txn.result
	return &out, nil
}

// Settle resolves a processing charge, as the provider would asynchronously.
func (g *Sandbox) Settle(transactionID string, succeeded bool) (*Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	txn, ok := g.transactions[transactionID]
	if !ok {
		return nil, fmt.Errorf("transaction not found: %s", transactionID)
	}
	if txn.result.Status == ChargeProcessing {
		if succeeded {
			txn.result.Status = ChargeSucceeded
		} else {
			txn.result.Status = ChargeFailed
			txn.result.FailureReason = "card_declined"
		}
	}
	return &Event{
		Provider:      g.Name(),
		TransactionID: transactionID,
		Status:        txn.result.Status,
		FailureReason: txn.result.FailureReason,
		ReceivedAt:    g.clock().UTC(),
	}, nil
}

// Refunded reports whether a transaction was refunded.
func (g *Sandbox) Refunded(transactionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	txn, ok := g.transactions[transactionID]
	return ok && txn.refunded
}

type sandboxWebhook struct {
	TransactionID string `json:"transaction_id"`
	PaymentID     string `json:"payment_id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
}

// ParseWebhook accepts a JSON notification. When a webhook key is configured the signature
// must be the hex HMAC-SHA256 of the payload.
func (g *Sandbox) ParseWebhook(payload []byte, signature string) (*Event, error) {
	if g.webhookKey != "" && !hmac.Equal([]byte(signature), []byte(SignSandboxPayload(g.webhookKey, payload))) {
		return nil, fmt.Errorf("%w: invalid sandbox signature", domain.ErrInvalidRequest)
	}

	var body sandboxWebhook
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("%w: decode sandbox webhook: %v", domain.ErrInvalidRequest, err)
	}
	if body.TransactionID == "" {
		return nil, fmt.Errorf("%w: transaction_id is required", domain.ErrInvalidRequest)
	}

	status := ChargeStatus(body.Status)
	switch status {
	case ChargeSucceeded, ChargeFailed, ChargeProcessing:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidRequest, body.Status)
	}

	return &Event{
		Provider:      g.Name(),
		TransactionID: body.TransactionID,
		PaymentID:     body.PaymentID,
		Status:        status,
		FailureReason: body.FailureReason,
		ReceivedAt:    g.clock().UTC(),
	}, nil
}

// SignSandboxPayload computes the signature ParseWebhook expects.
func SignSandboxPayload(key string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
