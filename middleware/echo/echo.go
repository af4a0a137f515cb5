// Package echo provides Echo middleware gating requests on subscription access
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// AccountIDExtractor extracts the account ID from an Echo context
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(c echo.Context) string

// TierContextKey is the Echo context key the middleware stores the resolved tier under
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
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnDenied is called when the account lacks access
	// If nil, returns 403 JSON
	OnDenied func(c echo.Context, tier reconcile.Tier) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that rejects requests from accounts
// without an active subscription entitlement
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Engine == nil {
		panic("goreconcile/echo: Config.Engine is required")
	}
	if cfg.GetAccountID == nil {
		panic("goreconcile/echo: Config.GetAccountID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			accountID := cfg.GetAccountID(c)
			if accountID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			tier, granted, err := cfg.Engine.Access(c.Request().Context(), accountID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			if !granted || !tierAllowed(tier, cfg.RequiredTiers) {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, tier)
				}
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "active subscription required",
					"tier":  string(tier),
				})
			}

			c.Set(TierContextKey, tier)
			return next(c)
		}
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

// FromContext returns an AccountIDExtractor reading Echo context values,
// as set by an upstream auth middleware via c.Set
func FromContext(key string) AccountIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor reading a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns an AccountIDExtractor reading a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
