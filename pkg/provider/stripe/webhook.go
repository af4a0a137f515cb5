package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goreconcile/pkg/provider/internal"
	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// handleWebhook processes incoming Stripe webhook deliveries
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	body, err := internal.ReadBodyStrict(w, r, p.maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ev, ok, err := translateEvent(&event)
	if err != nil {
		// Signature verified but the body does not decode: reject before
		// anything is stored so Stripe redelivers a corrected payload.
		http.Error(w, fmt.Sprintf("invalid event payload: %v", err), http.StatusBadRequest)
		return
	}
	if !ok {
		// Event type outside the reconciliation scope. Acknowledge so
		// Stripe stops redelivering it.
		writeOK(w)
		return
	}

	result := p.engine.Ingest(r.Context(), ev)
	if result.Err != nil && errors.Is(result.Err, reconcile.ErrStorageUnavailable) {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	if !result.Success {
		// The event is recorded and retriable server-side. Acknowledge the
		// delivery anyway; Stripe redelivering the same payload cannot fix it.
		p.logger.Warn("webhook event failed processing",
			reconcile.Field{Key: "event_id", Value: result.EventID},
			reconcile.Field{Key: "event_type", Value: string(result.EventType)},
		)
	}
	writeOK(w)
}

func writeOK(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// stripeID tolerates Stripe's habit of delivering related objects either as
// a bare ID string or as an expanded object.
type stripeID string

func (s *stripeID) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*s = stripeID(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*s = stripeID(obj.ID)
	return nil
}

type wireCustomer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type wireSubscription struct {
	ID                 string   `json:"id"`
	Customer           stripeID `json:"customer"`
	Status             string   `json:"status"`
	CurrentPeriodStart int64    `json:"current_period_start"`
	CurrentPeriodEnd   int64    `json:"current_period_end"`
	TrialEnd           int64    `json:"trial_end"`
	CanceledAt         int64    `json:"canceled_at"`
	EndedAt            int64    `json:"ended_at"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

type wireInvoice struct {
	ID           string   `json:"id"`
	Customer     stripeID `json:"customer"`
	Subscription stripeID `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription stripeID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	AmountPaid   int64  `json:"amount_paid"`
	AmountDue    int64  `json:"amount_due"`
	Currency     string `json:"currency"`
	PeriodStart  int64  `json:"period_start"`
	PeriodEnd    int64  `json:"period_end"`
	AttemptCount int    `json:"attempt_count"`
}

// translateEvent maps a verified Stripe event onto the canonical provider
// event shape. The second return is false for event types outside the
// reconciliation scope.
func translateEvent(event *stripe.Event) (reconcile.ProviderEvent, bool, error) {
	var (
		eventType string
		payload   interface{}
	)

	switch event.Type {
	case "customer.created", "customer.updated":
		var cust wireCustomer
		if err := json.Unmarshal(event.Data.Raw, &cust); err != nil {
			return reconcile.ProviderEvent{}, false, fmt.Errorf("failed to unmarshal customer: %w", err)
		}
		if event.Type == "customer.created" {
			eventType = string(reconcile.EventCustomerCreated)
		} else {
			eventType = string(reconcile.EventCustomerUpdated)
		}
		payload = reconcile.CustomerPayload{
			CustomerID: cust.ID,
			Email:      cust.Email,
			Name:       cust.Name,
		}

	case "customer.subscription.created", "customer.subscription.updated",
		"customer.subscription.deleted", "customer.subscription.trial_will_end":
		var sub wireSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return reconcile.ProviderEvent{}, false, fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		switch event.Type {
		case "customer.subscription.created":
			eventType = string(reconcile.EventSubscriptionCreated)
		case "customer.subscription.updated":
			eventType = string(reconcile.EventSubscriptionUpdated)
		case "customer.subscription.deleted":
			eventType = string(reconcile.EventSubscriptionDeleted)
		case "customer.subscription.trial_will_end":
			eventType = string(reconcile.EventTrialWillEnd)
		}
		payload = subscriptionPayload(&sub)

	case "invoice.paid", "invoice.payment_succeeded", "invoice.payment_failed":
		var inv wireInvoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return reconcile.ProviderEvent{}, false, fmt.Errorf("failed to unmarshal invoice: %w", err)
		}
		subscriptionID := string(inv.Subscription)
		if subscriptionID == "" {
			subscriptionID = string(inv.Parent.SubscriptionDetails.Subscription)
		}
		if subscriptionID == "" {
			// Not a subscription invoice, outside scope.
			return reconcile.ProviderEvent{}, false, nil
		}
		amount := inv.AmountPaid
		if event.Type == "invoice.payment_failed" {
			eventType = string(reconcile.EventInvoicePaymentFailed)
			amount = inv.AmountDue
		} else {
			eventType = string(reconcile.EventInvoicePaid)
		}
		payload = reconcile.InvoicePayload{
			InvoiceID:      inv.ID,
			SubscriptionID: subscriptionID,
			CustomerID:     string(inv.Customer),
			AmountCents:    amount,
			Currency:       inv.Currency,
			PeriodStart:    inv.PeriodStart,
			PeriodEnd:      inv.PeriodEnd,
			AttemptCount:   inv.AttemptCount,
		}

	default:
		return reconcile.ProviderEvent{}, false, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return reconcile.ProviderEvent{}, false, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return reconcile.ProviderEvent{
		ID:      event.ID,
		Type:    eventType,
		Payload: raw,
	}, true, nil
}

// subscriptionPayload flattens a Stripe subscription to the canonical shape.
// Newer Stripe API versions move the current period onto subscription items,
// so the first item is the fallback for the period fields.
func subscriptionPayload(sub *wireSubscription) reconcile.SubscriptionPayload {
	priceID := ""
	periodStart := sub.CurrentPeriodStart
	periodEnd := sub.CurrentPeriodEnd
	if len(sub.Items.Data) > 0 {
		priceID = sub.Items.Data[0].Price.ID
		if periodStart == 0 {
			periodStart = sub.Items.Data[0].CurrentPeriodStart
		}
		if periodEnd == 0 {
			periodEnd = sub.Items.Data[0].CurrentPeriodEnd
		}
	}
	return reconcile.SubscriptionPayload{
		SubscriptionID:     sub.ID,
		CustomerID:         string(sub.Customer),
		PriceID:            priceID,
		Status:             sub.Status,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
		TrialEnd:           sub.TrialEnd,
		CanceledAt:         sub.CanceledAt,
		EndedAt:            sub.EndedAt,
	}
}
