// Package fiber provides Fiber middleware gating requests on subscription access
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// AccountIDExtractor extracts the account ID from a Fiber context
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(c *fiber.Ctx) string

// TierLocalKey is the Locals key the middleware stores the resolved tier under
const TierLocalKey = "reconcile:tier"

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
	OnUnauthorized func(c *fiber.Ctx) error

	// OnDenied is called when the account lacks access
	// If nil, returns 403 JSON with the resolved tier
	OnDenied func(c *fiber.Ctx, tier reconcile.Tier) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that rejects requests from accounts
// without an active subscription entitlement
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Engine == nil {
		panic("goreconcile/fiber: Config.Engine is required")
	}
	if cfg.GetAccountID == nil {
		panic("goreconcile/fiber: Config.GetAccountID is required")
	}

	return func(c *fiber.Ctx) error {
		accountID := cfg.GetAccountID(c)
		if accountID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		// Fiber uses fasthttp, so c.UserContext() is the context.Context.
		tier, granted, err := cfg.Engine.Access(c.UserContext(), accountID)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		if !granted || !tierAllowed(tier, cfg.RequiredTiers) {
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, tier)
			}
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "active subscription required",
				"tier":  string(tier),
			})
		}

		c.Locals(TierLocalKey, tier)
		return c.Next()
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

// FromContext returns an AccountIDExtractor reading Fiber context values (Locals),
// as set by an upstream auth middleware via c.Locals("AccountID", "...")
func FromContext(key string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor reading a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns an AccountIDExtractor reading a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns an AccountIDExtractor reading a query parameter
func FromQuery(queryName string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}
