// Package http provides HTTP middleware gating requests on subscription access
package http

import (
	"context"
	"net/http"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// AccountIDExtractor extracts the account ID from an HTTP request
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Engine is the reconciliation engine instance (required)
	Engine *reconcile.Engine

	// GetAccountID extracts account ID from request (required)
	GetAccountID AccountIDExtractor

	// RequiredTiers restricts access to specific tiers (optional)
	// If empty, any tier with granted access passes
	RequiredTiers []reconcile.Tier

	// OnUnauthorized is called when the caller is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnDenied is called when the account lacks access
	// If nil, returns 403 Forbidden
	OnDenied func(w http.ResponseWriter, r *http.Request, tier reconcile.Tier)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// TierKey is the context key the middleware stores the resolved tier under
	TierKey ContextKey = "reconcile:tier"
)

// Middleware creates an HTTP middleware that rejects requests from accounts
// without an active subscription entitlement
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID := config.GetAccountID(r)
			if accountID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			tier, granted, err := config.Engine.Access(r.Context(), accountID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !granted || !tierAllowed(tier, config.RequiredTiers) {
				if config.OnDenied != nil {
					config.OnDenied(w, r, tier)
				} else {
					http.Error(w, "Forbidden: active subscription required", http.StatusForbidden)
				}
				return
			}

			// Expose the resolved tier to downstream handlers.
			ctx := context.WithValue(r.Context(), TierKey, tier)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc creates an HTTP middleware gate (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
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

// TierFromContext returns the tier the middleware resolved for this request
func TierFromContext(ctx context.Context) (reconcile.Tier, bool) {
	tier, ok := ctx.Value(TierKey).(reconcile.Tier)
	return tier, ok
}

// Common extractors for convenience

// FromContext returns an AccountIDExtractor that gets the account ID from
// the request context, as set by an upstream auth middleware
func FromContext(key ContextKey) AccountIDExtractor {
	return func(r *http.Request) string {
		if accountID, ok := r.Context().Value(key).(string); ok {
			return accountID
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account ID from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
