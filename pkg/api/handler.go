// Package api provides HTTP endpoints for webhook event ingestion, event
// inspection, retry, and account entitlement lookups. Handlers are plain
// http.HandlerFunc methods so they mount on any router; ID extraction is
// configurable the same way the middleware adapters extract account IDs.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

const maxEventIDLen = 255

// Handler provides HTTP endpoints for the reconciliation engine
type Handler struct {
	config Config
}

// IngestEvent accepts a provider event and runs it through the engine.
// Transport and parse failures return non-2xx before anything is stored;
// once an event is recognized and recorded, the response is 200 even when
// processing failed, because the event is retriable server-side and the
// provider must not redeliver it.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)

	var ev reconcile.ProviderEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}

	result := h.config.Engine.Ingest(ctx, ev)
	if result.Err != nil && !result.Success {
		// Pre-store rejections: the event was never recorded, so a retry
		// from the caller is meaningful.
		if errors.Is(result.Err, reconcile.ErrInvalidEvent) ||
			errors.Is(result.Err, reconcile.ErrUnknownEventType) {
			h.handleError(w, r, result.Err, http.StatusBadRequest)
			return
		}
		if errors.Is(result.Err, reconcile.ErrStorageUnavailable) {
			h.handleError(w, r, result.Err, http.StatusServiceUnavailable)
			return
		}
	}

	h.writeJSON(w, http.StatusOK, ingestResponse(result))
}

// ListEvents returns recently received events, newest first.
// The limit query parameter caps the result; the engine clamps it.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.handleError(w, r, fmt.Errorf("invalid limit %q", raw), http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := h.config.Engine.RecentEvents(ctx, limit)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list events: %w", err), http.StatusInternalServerError)
		return
	}

	resp := EventListResponse{Events: make([]EventSummary, 0, len(events))}
	for _, rec := range events {
		resp.Events = append(resp.Events, EventSummary{
			EventID:     rec.ProviderEventID,
			EventType:   string(rec.Type),
			Status:      string(rec.Status),
			Attempts:    rec.Attempts,
			LastError:   rec.LastError,
			ReceivedAt:  rec.ReceivedAt,
			ProcessedAt: rec.ProcessedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// RetryEvent re-runs a failed event through its handler
func (h *Handler) RetryEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	eventID := h.config.GetEventID(r)
	if eventID == "" || len(eventID) > maxEventIDLen {
		h.handleError(w, r, fmt.Errorf("invalid event ID"), http.StatusBadRequest)
		return
	}

	result := h.config.Engine.Retry(ctx, eventID)
	if result.Err != nil {
		if errors.Is(result.Err, reconcile.ErrEventNotFound) {
			h.handleError(w, r, result.Err, http.StatusNotFound)
			return
		}
		if errors.Is(result.Err, reconcile.ErrEventNotRetriable) {
			h.handleError(w, r, result.Err, http.StatusConflict)
			return
		}
	}

	h.writeJSON(w, http.StatusOK, ingestResponse(result))
}

// AccountHistory returns the append-only subscription history for an account,
// oldest first
func (h *Handler) AccountHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accountID := h.config.GetAccountID(r)
	if accountID == "" {
		h.handleError(w, r, fmt.Errorf("account ID not found"), http.StatusBadRequest)
		return
	}

	entries, err := h.config.Engine.AccountHistory(ctx, accountID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list history: %w", err), http.StatusInternalServerError)
		return
	}

	resp := HistoryResponse{
		AccountID: accountID,
		Entries:   make([]HistoryEntryView, 0, len(entries)),
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, HistoryEntryView{
			SubscriptionID: e.ProviderSubscriptionID,
			Status:         string(e.Status),
			PlanName:       e.PlanName,
			AmountCents:    e.AmountCents,
			Currency:       e.Currency,
			Interval:       e.Interval,
			PeriodStart:    e.PeriodStart,
			PeriodEnd:      e.PeriodEnd,
			CanceledAt:     e.CanceledAt,
			EndedAt:        e.EndedAt,
			SourceEventID:  e.SourceEventID,
			RecordedAt:     e.RecordedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// AccountAccess returns the current tier and access flag for an account.
// Unknown accounts report the free tier without access rather than erroring,
// so access gates can treat the response uniformly.
func (h *Handler) AccountAccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accountID := h.config.GetAccountID(r)
	if accountID == "" {
		h.handleError(w, r, fmt.Errorf("account ID not found"), http.StatusBadRequest)
		return
	}

	tier, granted, err := h.config.Engine.Access(ctx, accountID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to resolve access: %w", err), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, AccessResponse{
		AccountID:     accountID,
		Tier:          string(tier),
		AccessGranted: granted,
	})
}

func ingestResponse(result reconcile.ProcessingResult) IngestResponse {
	resp := IngestResponse{
		Success:   result.Success,
		Duplicate: result.Duplicate,
		EventID:   result.EventID,
		EventType: string(result.EventType),
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	return resp
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// Response already sent, nothing left to do
		_ = err
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errorResponse := map[string]string{
		"error": err.Error(),
	}
	if encodeErr := json.NewEncoder(w).Encode(errorResponse); encodeErr != nil {
		_ = encodeErr
	}
}
