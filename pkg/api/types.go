package api

import "time"

// IngestResponse reports the outcome of ingesting or retrying an event.
// A recognized but failed event still returns HTTP 200 with success=false;
// the event is stored and retriable. Non-2xx statuses are reserved for
// requests that never produced a stored event.
type IngestResponse struct {
	Success   bool   `json:"success"`
	Duplicate bool   `json:"duplicate,omitempty"`
	EventID   string `json:"event_id"`
	EventType string `json:"event_type,omitempty"`
	Error     string `json:"error,omitempty"`
}

// EventSummary is the list view of a stored event record
type EventSummary struct {
	EventID     string     `json:"event_id"`
	EventType   string     `json:"event_type"`
	Status      string     `json:"status"` // "received", "processed", "failed"
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// EventListResponse wraps the event list endpoint payload
type EventListResponse struct {
	Events []EventSummary `json:"events"`
}

// HistoryEntryView is the API view of a subscription history entry
type HistoryEntryView struct {
	SubscriptionID string     `json:"subscription_id,omitempty"`
	Status         string     `json:"status"`
	PlanName       string     `json:"plan_name,omitempty"`
	AmountCents    int64      `json:"amount_cents,omitempty"`
	Currency       string     `json:"currency,omitempty"`
	Interval       string     `json:"interval,omitempty"`
	PeriodStart    *time.Time `json:"period_start,omitempty"`
	PeriodEnd      *time.Time `json:"period_end,omitempty"`
	CanceledAt     *time.Time `json:"canceled_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	SourceEventID  string     `json:"source_event_id"`
	RecordedAt     time.Time  `json:"recorded_at"`
}

// HistoryResponse wraps the account history endpoint payload,
// ordered oldest first
type HistoryResponse struct {
	AccountID string             `json:"account_id"`
	Entries   []HistoryEntryView `json:"entries"`
}

// AccessResponse reports the current entitlement for an account
type AccessResponse struct {
	AccountID     string `json:"account_id"`
	Tier          string `json:"tier"`
	AccessGranted bool   `json:"access_granted"`
}
