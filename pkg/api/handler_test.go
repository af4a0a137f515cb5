package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
	"github.com/mihaimyh/goreconcile/storage/memory"
)

const (
	testAccountID = "acc_test"
	testPriceID   = "price_starter"
)

// Helper to create an engine backed by memory storage with one linked account
func newTestEngine(t *testing.T) (*reconcile.Engine, *memory.Storage) {
	t.Helper()

	store := memory.New()
	resolver := reconcile.NewPlanResolver([]reconcile.Plan{
		{PriceID: testPriceID, Name: "starter", Tier: reconcile.TierStarter, AmountCents: 4700, Currency: "usd", Interval: "month"},
	})

	engine, err := reconcile.NewEngine(reconcile.Config{
		Storage:  store,
		Resolver: resolver,
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(engine.Close)

	acct := &reconcile.Account{
		ID:                 testAccountID,
		Email:              "test@example.com",
		ProviderCustomerID: "cus_test",
		Tier:               reconcile.TierFree,
	}
	if err := store.SaveAccount(context.Background(), acct); err != nil {
		t.Fatalf("Failed to save account: %v", err)
	}

	return engine, store
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()

	engine, _ := newTestEngine(t)
	h, err := NewHandler(Config{Engine: engine})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}
	return h
}

func subscriptionEventBody(eventID, subID, status string) string {
	payload := fmt.Sprintf(
		`{"subscription_id":%q,"customer_id":"cus_test","price_id":%q,"status":%q,"current_period_end":%d}`,
		subID, testPriceID, status, time.Now().Add(30*24*time.Hour).Unix(),
	)
	body, _ := json.Marshal(reconcile.ProviderEvent{
		ID:      eventID,
		Type:    "subscription.created",
		Payload: json.RawMessage(payload),
	})
	return string(body)
}

func TestNewHandlerRequiresEngine(t *testing.T) {
	if _, err := NewHandler(Config{}); err == nil {
		t.Error("Expected error for missing engine")
	}
}

func TestIngestEvent(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/events",
		strings.NewReader(subscriptionEventBody("evt_1", "sub_1", "active")))
	rr := httptest.NewRecorder()
	h.IngestEvent(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp IngestResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Success || resp.Duplicate {
		t.Errorf("Expected fresh success, got %+v", resp)
	}
	if resp.EventID != "evt_1" {
		t.Errorf("Expected event_id evt_1, got %s", resp.EventID)
	}
}

func TestIngestEventDuplicate(t *testing.T) {
	h := newTestHandler(t)

	body := subscriptionEventBody("evt_dup", "sub_1", "active")
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
		rr := httptest.NewRecorder()
		h.IngestEvent(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("Delivery %d: expected 200, got %d", i+1, rr.Code)
		}
		if i == 1 {
			var resp IngestResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if !resp.Success || !resp.Duplicate {
				t.Errorf("Expected duplicate success, got %+v", resp)
			}
		}
	}
}

func TestIngestEventRejectsMalformed(t *testing.T) {
	h := newTestHandler(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{
			name: "invalid json",
			body: "{not json",
			want: http.StatusBadRequest,
		},
		{
			name: "missing event id",
			body: `{"eventType":"invoice.paid","payload":{}}`,
			want: http.StatusBadRequest,
		},
		{
			name: "unknown event type",
			body: `{"providerEventId":"evt_x","eventType":"charge.captured","payload":{}}`,
			want: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			h.IngestEvent(rr, req)
			if rr.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestIngestEventHandlerFailureReturns200(t *testing.T) {
	h := newTestHandler(t)

	// Unknown price: the event is stored and fails, but the provider
	// should not redeliver it.
	payload := `{"subscription_id":"sub_bad","customer_id":"cus_test","price_id":"price_unknown","status":"active"}`
	body, _ := json.Marshal(reconcile.ProviderEvent{
		ID:      "evt_badplan",
		Type:    "subscription.created",
		Payload: json.RawMessage(payload),
	})

	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(string(body)))
	rr := httptest.NewRecorder()
	h.IngestEvent(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 for stored-but-failed event, got %d", rr.Code)
	}
	var resp IngestResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Success {
		t.Error("Expected success=false for failed event")
	}
	if resp.Error == "" {
		t.Error("Expected error message in response")
	}
}

func TestListEvents(t *testing.T) {
	h := newTestHandler(t)

	for _, id := range []string{"evt_l1", "evt_l2"} {
		req := httptest.NewRequest(http.MethodPost, "/events",
			strings.NewReader(subscriptionEventBody(id, "sub_1", "active")))
		h.IngestEvent(httptest.NewRecorder(), req)
	}

	req := httptest.NewRequest(http.MethodGet, "/events?limit=10", nil)
	rr := httptest.NewRecorder()
	h.ListEvents(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	var resp EventListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Events) != 2 {
		t.Errorf("Expected 2 events, got %d", len(resp.Events))
	}
}

func TestListEventsRejectsBadLimit(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/events?limit=abc", nil)
	rr := httptest.NewRecorder()
	h.ListEvents(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rr.Code)
	}
}

func TestRetryEvent(t *testing.T) {
	engine, _ := newTestEngine(t)
	h, err := NewHandler(Config{
		Engine:     engine,
		GetEventID: FromQuery("event_id"),
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	// Unknown event.
	req := httptest.NewRequest(http.MethodPost, "/events/retry?event_id=evt_missing", nil)
	rr := httptest.NewRecorder()
	h.RetryEvent(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown event, got %d", rr.Code)
	}

	// Ingest a failing event, fix the plan, retry.
	payload := `{"subscription_id":"sub_r","customer_id":"cus_test","price_id":"price_pro","status":"active"}`
	body, _ := json.Marshal(reconcile.ProviderEvent{
		ID:      "evt_retry",
		Type:    "subscription.created",
		Payload: json.RawMessage(payload),
	})
	ingestReq := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(string(body)))
	h.IngestEvent(httptest.NewRecorder(), ingestReq)

	engine.Plans().Register(reconcile.Plan{
		PriceID: "price_pro", Name: "pro", Tier: reconcile.TierPro,
	})

	req = httptest.NewRequest(http.MethodPost, "/events/retry?event_id=evt_retry", nil)
	rr = httptest.NewRecorder()
	h.RetryEvent(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp IngestResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Success {
		t.Errorf("Expected retry success, got %+v", resp)
	}

	// Retrying the now-processed event is a no-op success, not a conflict.
	rr = httptest.NewRecorder()
	h.RetryEvent(rr, httptest.NewRequest(http.MethodPost, "/events/retry?event_id=evt_retry", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("Expected 200 for processed event retry, got %d", rr.Code)
	}
}

func TestAccountHistory(t *testing.T) {
	engine, _ := newTestEngine(t)
	h, err := NewHandler(Config{
		Engine:       engine,
		GetAccountID: FromQuery("account_id"),
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	ingestReq := httptest.NewRequest(http.MethodPost, "/events",
		strings.NewReader(subscriptionEventBody("evt_h1", "sub_h", "active")))
	h.IngestEvent(httptest.NewRecorder(), ingestReq)

	req := httptest.NewRequest(http.MethodGet, "/accounts/history?account_id="+testAccountID, nil)
	rr := httptest.NewRecorder()
	h.AccountHistory(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	var resp HistoryResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Entries) != 1 {
		t.Fatalf("Expected 1 history entry, got %d", len(resp.Entries))
	}
	if resp.Entries[0].PlanName != "starter" || resp.Entries[0].AmountCents != 4700 {
		t.Errorf("Unexpected history entry: %+v", resp.Entries[0])
	}
}

func TestAccountAccess(t *testing.T) {
	engine, _ := newTestEngine(t)
	h, err := NewHandler(Config{
		Engine:       engine,
		GetAccountID: FromQuery("account_id"),
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	// Before any event: free, no access.
	req := httptest.NewRequest(http.MethodGet, "/accounts/access?account_id="+testAccountID, nil)
	rr := httptest.NewRecorder()
	h.AccountAccess(rr, req)
	var resp AccessResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Tier != "free" || resp.AccessGranted {
		t.Errorf("Expected free/no access, got %+v", resp)
	}

	ingestReq := httptest.NewRequest(http.MethodPost, "/events",
		strings.NewReader(subscriptionEventBody("evt_a1", "sub_a", "active")))
	h.IngestEvent(httptest.NewRecorder(), ingestReq)

	rr = httptest.NewRecorder()
	h.AccountAccess(rr, req)
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Tier != "starter" || !resp.AccessGranted {
		t.Errorf("Expected starter with access, got %+v", resp)
	}

	// Unknown account still answers uniformly.
	rr = httptest.NewRecorder()
	h.AccountAccess(rr, httptest.NewRequest(http.MethodGet, "/accounts/access?account_id=acc_missing", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 for unknown account, got %d", rr.Code)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Tier != "free" || resp.AccessGranted {
		t.Errorf("Expected free/no access for unknown account, got %+v", resp)
	}
}
