package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"

	"github.com/resumelens/reconcile/pkg/reconcile"
	"github.com/resumelens/reconcile/pkg/reconcile/internal"
)

const requestIDHeader = "X-Request-ID"

// receivedResponse is the success payload. 200 tells the processor the event
// is fully handled; any non-2xx asks it to redeliver later.
type receivedResponse struct {
	Received bool `json:"received"`
}

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	requestID := r.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, requestID)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError("payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError("invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	// Fails closed: a missing header, an unparseable header, and a MAC
	// mismatch are all the same unauthorized outcome, and nothing below
	// runs for any of them.
	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError("auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	// Event-level dedupe. Redelivery of an already-handled event is a cheap
	// success, not a duplicate-effect risk.
	if p.ledger.HasProcessed(r.Context(), event.ID) {
		p.logger.Debug("event already processed",
			reconcile.Field{Key: "event_id", Value: event.ID},
			reconcile.Field{Key: "event_type", Value: eventType},
		)
		p.metrics.RecordWebhookEvent(eventType, "deduped")
		p.metrics.RecordWebhookProcessingDuration(eventType, time.Since(startTime))
		_ = internal.WriteJSON(w, http.StatusOK, receivedResponse{Received: true})
		return
	}

	if err := p.processEvent(r.Context(), &event, requestID); err != nil {
		p.logger.Error("webhook processing failed",
			reconcile.Field{Key: "event_id", Value: event.ID},
			reconcile.Field{Key: "event_type", Value: eventType},
			reconcile.Field{Key: "request_id", Value: requestID},
			reconcile.Field{Key: "error", Value: err.Error()},
		)
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(eventType, "error")
		p.metrics.RecordWebhookError("processing_error")
		p.metrics.RecordWebhookProcessingDuration(eventType, time.Since(startTime))
		return
	}

	p.ledger.RecordProcessed(r.Context(), event.ID, eventType, requestID)

	_ = internal.WriteJSON(w, http.StatusOK, receivedResponse{Received: true})
	p.metrics.RecordWebhookEvent(eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(eventType, time.Since(startTime))
}

// processEvent branches by event type. Unrecognized types succeed with no
// effect, which keeps the surface forward-compatible.
func (p *Provider) processEvent(ctx context.Context, event *stripe.Event, requestID string) error {
	switch event.Type {
	case "checkout.session.completed":
		return p.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.updated", "customer.subscription.deleted":
		return p.handleSubscriptionChange(ctx, event)
	case "invoice.finalized",
		"invoice.paid",
		"invoice.payment_failed",
		"invoice.voided",
		"invoice.marked_uncollectible":
		return p.handleInvoiceEvent(ctx, event)
	default:
		p.logger.Debug("ignoring unrecognized event type",
			reconcile.Field{Key: "event_id", Value: event.ID},
			reconcile.Field{Key: "event_type", Value: string(event.Type)},
			reconcile.Field{Key: "request_id", Value: requestID},
		)
		return nil
	}
}

// handleCheckoutCompleted turns a completed checkout session into a pass,
// resolving or lazily creating the owning user first.
func (p *Provider) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	email := p.sessionEmail(ctx, &session)
	explicitID := explicitUserID(&session)
	if email == "" && explicitID == "" {
		return fmt.Errorf("%w: checkout session %s carries no email or user reference", reconcile.ErrInvalidPayload, session.ID)
	}

	userID, created, err := p.resolver.Resolve(ctx, email, explicitID)
	if err != nil {
		return fmt.Errorf("failed to resolve user for session %s: %w", session.ID, err)
	}

	subscriptionRef := ""
	if session.Subscription != nil {
		subscriptionRef = session.Subscription.ID
	}

	tier, periodEnd, err := p.sessionEntitlement(ctx, &session, subscriptionRef)
	if err != nil {
		return err
	}

	if err := p.passes.GrantFromCheckout(ctx, reconcile.Grant{
		SessionID:       session.ID,
		UserID:          userID,
		Tier:            tier,
		SubscriptionRef: subscriptionRef,
		PeriodEnd:       periodEnd,
	}); err != nil {
		return err
	}

	if created && p.notifyLogin && email != "" {
		// Best-effort: the user just paid without an account, so send them a
		// login link. A delivery failure never fails the event.
		if err := p.directory.SendPasswordlessLogin(ctx, email); err != nil {
			p.logger.Warn("passwordless login notification failed",
				reconcile.Field{Key: "email", Value: reconcile.NormalizeEmail(email)},
				reconcile.Field{Key: "error", Value: err.Error()},
			)
		}
	}
	return nil
}

// sessionEntitlement decides the tier and billing-period end for a checkout.
// Recurring checkouts read the subscription back because the session payload
// names neither the price nor the period.
func (p *Provider) sessionEntitlement(ctx context.Context, session *stripe.CheckoutSession, subscriptionRef string) (reconcile.Tier, *time.Time, error) {
	if subscriptionRef == "" {
		return p.tierFromSession(session, nil), nil, nil
	}

	sub, err := p.fetchSub(ctx, subscriptionRef)
	if err != nil {
		return "", nil, fmt.Errorf("failed to fetch subscription %s: %w", subscriptionRef, err)
	}

	return p.tierFromSession(session, sub), periodEndFromSubscription(sub), nil
}

// handleSubscriptionChange mirrors a subscription's status into its passes.
// Both customer.subscription.updated and .deleted land here; a deleted
// subscription arrives with a canceled status.
func (p *Provider) handleSubscriptionChange(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if sub.ID == "" {
		return fmt.Errorf("%w: subscription event without an id", reconcile.ErrInvalidPayload)
	}

	status := string(sub.Status)
	if event.Type == "customer.subscription.deleted" && status == "" {
		status = "canceled"
	}

	return p.passes.SyncSubscriptionStatus(ctx, sub.ID, status, periodEndFromRaw(event.Data.Raw))
}

// handleInvoiceEvent upserts the billing receipt for an invoice lifecycle
// event. Receipts are independent of pass state.
func (p *Provider) handleInvoiceEvent(ctx context.Context, event *stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}
	if invoice.ID == "" {
		return fmt.Errorf("%w: invoice event without an id", reconcile.ErrInvalidPayload)
	}

	customerID := ""
	if invoice.Customer != nil {
		customerID = invoice.Customer.ID
	}

	return p.receipts.Upsert(ctx, reconcile.ReceiptInput{
		InvoiceID:   invoice.ID,
		CustomerID:  customerID,
		Email:       emailFromInvoice(&invoice),
		Status:      string(invoice.Status),
		Currency:    string(invoice.Currency),
		AmountPaid:  invoice.AmountPaid,
		PeriodStart: unixTime(invoice.PeriodStart),
		PeriodEnd:   unixTime(invoice.PeriodEnd),
		HostedURL:   invoice.HostedInvoiceURL,
		PDFURL:      invoice.InvoicePDF,
	})
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
