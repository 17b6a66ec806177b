// Package paddle adapts Paddle classic webhooks to the subscription reconciler.
package paddle

import (
	"net/http"
	"strings"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/internal"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

const providerName = "paddle"

// Provider implements the billing.Provider interface for Paddle
type Provider struct {
	handler      billing.EventHandler
	rateLimiter  *internal.RateLimiter
	maxBodyBytes int64
	logger       subsync.Logger
	metrics      billing.Metrics
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Paddle billing provider
func NewProvider(config billing.Config) (*Provider, error) {
	if config.Handler == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	config = config.WithDefaults()

	p := &Provider{
		handler:      config.Handler,
		maxBodyBytes: config.MaxBodyBytes,
		logger:       config.Logger,
		metrics:      config.Metrics,
	}

	if config.RateLimitRequests > 0 {
		p.rateLimiter = internal.NewRateLimiter(config.RateLimitRequests, config.RateLimitWindow)
		p.rateLimiter.OnLimited = func(_ *http.Request, sender string) {
			p.metrics.RecordWebhookError(providerName, "rate_limited")
			p.logger.Warn("paddle webhook rate limited",
				subsync.Field{Key: "client_ip", Value: sender},
			)
		}
	}

	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Paddle webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	if p.rateLimiter == nil {
		return handler
	}
	return p.rateLimiter.Middleware(billing.BodyRejected, handler)
}

// NewAuthenticator builds the verifier for the configured credentials.
// A vendor public key selects PublicKeyVerifier; otherwise a shared secret selects SharedSecretVerifier.
func NewAuthenticator(publicKeyPEM, webhookSecret string) (subsync.Authenticator, error) {
	if strings.TrimSpace(publicKeyPEM) != "" {
		key, err := ParsePublicKey(publicKeyPEM)
		if err != nil {
			return nil, err
		}
		return NewPublicKeyVerifier(key)
	}
	if strings.TrimSpace(webhookSecret) != "" {
		return NewSharedSecretVerifier(webhookSecret)
	}
	return nil, billing.ErrProviderNotConfigured
}
