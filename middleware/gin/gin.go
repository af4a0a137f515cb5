// Package gin provides Gin middleware gating requests on subscription access
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// AccountIDExtractor extracts the account ID from a Gin context
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(c *gongin.Context) string

// TierContextKey is the Gin context key the middleware stores the resolved tier under
const TierContextKey = "reconcile:tier"

// Config holds middleware configuration
type Config struct {
	// Engine is the reconciliation engine instance (required)
	Engine *reconcile.Engine

	// GetAccountID extracts account ID from context (required)
	GetAccountID AccountIDExtractor

	// RequiredTiers restricts access to specific tiers (optional)
	// If empty, any tier with granted access passes
	RequiredTiers []reconcile.Tier

	// OnUnauthorized is called when the caller is not authenticated
	// If nil, aborts with 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnDenied is called when the account lacks access
	// If nil, aborts with 403 JSON
	OnDenied func(c *gongin.Context, tier reconcile.Tier)

	// OnError is called when an internal error occurs
	// If nil, aborts with 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that rejects requests from accounts
// without an active subscription entitlement
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Engine == nil {
		panic("goreconcile/gin: Config.Engine is required")
	}
	if cfg.GetAccountID == nil {
		panic("goreconcile/gin: Config.GetAccountID is required")
	}

	return func(c *gongin.Context) {
		accountID := cfg.GetAccountID(c)
		if accountID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			return
		}

		tier, granted, err := cfg.Engine.Access(c.Request.Context(), accountID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			return
		}

		if !granted || !tierAllowed(tier, cfg.RequiredTiers) {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, tier)
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gongin.H{
				"error": "active subscription required",
				"tier":  string(tier),
			})
			return
		}

		c.Set(TierContextKey, tier)
		c.Next()
	}
}

func tierAllowed(tier reconcile.Tier, required []reconcile.Tier) bool {
	if len(required) == 0 {
		return true
	}
	for _, t := range required {
		if tier == t {
			return true
		}
	}
	return false
}

// Convenience extractors

// FromContext returns an AccountIDExtractor reading Gin context values,
// as set by an upstream auth middleware via c.Set
func FromContext(key string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		if val, ok := c.Get(key); ok {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor reading a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns an AccountIDExtractor reading a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
