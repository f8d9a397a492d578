package gateway

import (
	"fmt"
	"strings"

	"ms-reservation/internal/config"
	"ms-reservation/internal/domain"
	"ms-reservation/internal/logger"
)

// Registry holds the configured providers by name.
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Name()] = g
	}
	return r
}

// NewRegistryFromConfig always registers the sandbox and adds Stripe when a secret key is set.
func NewRegistryFromConfig(cfg config.PaymentConfig, log *logger.Logger) (*Registry, error) {
	gateways := []Gateway{NewSandbox(cfg.SandboxWebhookKey)}
	if cfg.StripeSecretKey != "" {
		stripe, err := NewStripe(cfg.StripeSecretKey, cfg.StripeWebhookSecret, log)
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, stripe)
	} else {
		log.Warn("STRIPE", "STRIPE_SECRET_KEY not set, stripe provider disabled")
	}
	return NewRegistry(gateways...), nil
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Gateway, error) {
	g, ok := r.gateways[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedProvider, name)
	}
	return g, nil
}

// Webhook returns the named provider's webhook parser.
func (r *Registry) Webhook(name string) (WebhookParser, error) {
	g, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	p, ok := g.(WebhookParser)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not send webhooks", domain.ErrUnsupportedProvider, name)
	}
	return p, nil
}
