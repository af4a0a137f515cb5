// Package stripe receives Stripe webhook deliveries, verifies their
// signatures, and translates them into provider events for the
// reconciliation engine. The engine owns dedup and application; this
// package owns the Stripe wire format.
package stripe

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/goreconcile/pkg/provider/internal"
	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

const (
	providerName             = "stripe"
	defaultMaxBodyBytes      = 256 * 1024
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Config holds Stripe webhook endpoint configuration
type Config struct {
	// Engine is the reconciliation engine events are handed to (required)
	Engine *reconcile.Engine

	// WebhookSecret is the Stripe signing secret, "whsec_..." (required)
	WebhookSecret string

	// MaxBodyBytes limits the accepted webhook body size
	// Default: 262144
	MaxBodyBytes int64

	// RateLimitRequests is the per-IP request budget per window
	// Default: 100 per minute
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logger is optional structured logging
	// If nil, logging is disabled
	Logger reconcile.Logger
}

// Provider verifies and translates Stripe webhook deliveries
type Provider struct {
	engine        *reconcile.Engine
	webhookSecret []byte
	maxBodyBytes  int64
	rateLimiter   *internal.RateLimiter
	logger        reconcile.Logger
}

// NewProvider creates a new Stripe webhook provider
func NewProvider(config Config) (*Provider, error) {
	if config.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}

	secret := strings.TrimSpace(config.WebhookSecret)
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}

	maxBody := config.MaxBodyBytes
	if maxBody == 0 {
		maxBody = defaultMaxBodyBytes
	}

	limit := config.RateLimitRequests
	if limit == 0 {
		limit = defaultRateLimitRequests
	}
	window := config.RateLimitWindow
	if window == 0 {
		window = defaultRateLimitWindow
	}

	logger := config.Logger
	if logger == nil {
		logger = &reconcile.NoopLogger{}
	}

	return &Provider{
		engine:        config.Engine,
		webhookSecret: []byte(secret),
		maxBodyBytes:  maxBody,
		rateLimiter:   internal.NewRateLimiter(limit, window),
		logger:        logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the rate-limited HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}
