package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// Config holds configuration for the reconciliation API handler
type Config struct {
	// Engine is the reconciliation engine instance (required)
	Engine *reconcile.Engine

	// GetEventID extracts the provider event ID from HTTP request (optional)
	// Defaults to the "id" path value. Router adapters can override this,
	// e.g. chi.URLParam or mux.Vars.
	GetEventID func(*http.Request) string

	// GetAccountID extracts the account ID from HTTP request (optional)
	// Defaults to the "id" path value.
	GetAccountID func(*http.Request) string

	// MaxBodyBytes limits the accepted request body size for event ingestion
	// Default: 65536
	MaxBodyBytes int64

	// OnError handles errors (decode, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	return nil
}

// NewHandler creates a new reconciliation API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetEventID == nil {
		config.GetEventID = FromPathValue("id")
	}
	if config.GetAccountID == nil {
		config.GetAccountID = FromPathValue("id")
	}
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = 65536
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common ID extraction patterns

// FromPathValue returns an extractor reading a net/http path value
func FromPathValue(name string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}

// FromHeader returns an extractor reading a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromQuery returns an extractor reading a query parameter
func FromQuery(name string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.URL.Query().Get(name)
	}
}
