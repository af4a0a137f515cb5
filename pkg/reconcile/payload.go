package reconcile

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload shapes mirror what the provider puts in the webhook body. Timestamps
// are unix seconds, matching the provider wire format; zero means absent.

// CustomerPayload is the body of customer.* events.
type CustomerPayload struct {
	CustomerID string `json:"customer_id"`
	Email      string `json:"email"`
	Name       string `json:"name,omitempty"`
}

// SubscriptionPayload is the body of subscription.* and trial.will_end events.
type SubscriptionPayload struct {
	SubscriptionID     string `json:"subscription_id"`
	CustomerID         string `json:"customer_id"`
	PriceID            string `json:"price_id"`
	Status             string `json:"status"`
	CurrentPeriodStart int64  `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   int64  `json:"current_period_end,omitempty"`
	TrialEnd           int64  `json:"trial_end,omitempty"`
	CanceledAt         int64  `json:"canceled_at,omitempty"`
	EndedAt            int64  `json:"ended_at,omitempty"`
}

// InvoicePayload is the body of invoice.* events.
type InvoicePayload struct {
	InvoiceID      string `json:"invoice_id"`
	SubscriptionID string `json:"subscription_id"`
	CustomerID     string `json:"customer_id"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
	PeriodStart    int64  `json:"period_start,omitempty"`
	PeriodEnd      int64  `json:"period_end,omitempty"`
	AttemptCount   int    `json:"attempt_count,omitempty"`
}

func parseCustomerPayload(raw json.RawMessage) (*CustomerPayload, error) {
	var p CustomerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal customer payload: %w", err)
	}
	if p.CustomerID == "" {
		return nil, fmt.Errorf("%w: customer payload missing customer_id", ErrInvalidEvent)
	}
	return &p, nil
}

func parseSubscriptionPayload(raw json.RawMessage) (*SubscriptionPayload, error) {
	var p SubscriptionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription payload: %w", err)
	}
	if p.SubscriptionID == "" {
		return nil, fmt.Errorf("%w: subscription payload missing subscription_id", ErrInvalidEvent)
	}
	return &p, nil
}

func parseInvoicePayload(raw json.RawMessage) (*InvoicePayload, error) {
	var p InvoicePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal invoice payload: %w", err)
	}
	if p.SubscriptionID == "" {
		return nil, fmt.Errorf("%w: invoice payload missing subscription_id", ErrInvalidEvent)
	}
	return &p, nil
}

// unixTime converts provider unix seconds to a UTC time pointer, nil if absent.
func unixTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
