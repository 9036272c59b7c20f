package stripe

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/resumelens/reconcile/pkg/reconcile"
)

// Webhook payloads are large, mostly-optional unions; the fields this engine
// needs hide behind fallback chains. Each chain is a named function with the
// branches in priority order, so every branch can be unit tested.

// sessionEmail extracts the purchaser email from a checkout session:
// customer_details.email, then customer_email, then a customer read-back.
// A failed read-back yields an empty email rather than an error; the caller
// decides whether an empty email is fatal.
func (p *Provider) sessionEmail(ctx context.Context, session *stripe.CheckoutSession) string {
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		return session.CustomerDetails.Email
	}
	if session.CustomerEmail != "" {
		return session.CustomerEmail
	}
	if session.Customer != nil && session.Customer.ID != "" {
		email, err := p.customerEmail(ctx, session.Customer.ID)
		if err != nil {
			p.logger.Warn("customer email read-back failed",
				reconcile.Field{Key: "session_id", Value: session.ID},
				reconcile.Field{Key: "customer_id", Value: session.Customer.ID},
				reconcile.Field{Key: "error", Value: err.Error()},
			)
			return ""
		}
		return email
	}
	return ""
}

// explicitUserID extracts a known internal user id from a checkout session:
// metadata user_id, then client_reference_id. Empty when the session belongs
// to a guest checkout.
func explicitUserID(session *stripe.CheckoutSession) string {
	if session.Metadata != nil && session.Metadata["user_id"] != "" {
		return session.Metadata["user_id"]
	}
	return session.ClientReferenceID
}

// emailFromInvoice extracts the billed email from an invoice payload:
// customer_email, then the expanded customer object. The processor-side
// customer read-back is the receipt ledger's fallback, not this function's.
func emailFromInvoice(invoice *stripe.Invoice) string {
	if invoice.CustomerEmail != "" {
		return invoice.CustomerEmail
	}
	if invoice.Customer != nil && invoice.Customer.Email != "" {
		return invoice.Customer.Email
	}
	return ""
}

// tierFromSession decides the pass tier for a checkout: session metadata
// "tier", then the price-to-tier mapping over the subscription's items, then
// the configured default. sub may be nil for one-off purchases.
func (p *Provider) tierFromSession(session *stripe.CheckoutSession, sub *stripe.Subscription) reconcile.Tier {
	if session.Metadata != nil {
		if tier, ok := parseTier(session.Metadata["tier"]); ok {
			return tier
		}
	}
	if sub != nil && sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price == nil {
				continue
			}
			if tier, ok := p.mapPriceToTier(item.Price.ID); ok {
				return tier
			}
		}
	}
	return p.defaultTier
}

// parseTier validates a raw tier string against the known tiers.
func parseTier(raw string) (reconcile.Tier, bool) {
	switch reconcile.Tier(raw) {
	case reconcile.TierSingleUse, reconcile.TierPack, reconcile.TierMonthly, reconcile.TierLifetime:
		return reconcile.Tier(raw), true
	default:
		return "", false
	}
}

// unixTime converts a processor epoch to UTC. An absent field arrives as 0
// and stays a zero time instead of becoming 1970-01-01.
func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// periodEndFromSubscription extracts the current billing-period end from a
// subscription fetched via the API, using the raw response body. Nil when
// the processor did not supply one; callers fall back to a fixed window.
func periodEndFromSubscription(sub *stripe.Subscription) *time.Time {
	if sub == nil || sub.LastResponse == nil {
		return nil
	}
	return periodEndFromRaw(sub.LastResponse.RawJSON)
}

// periodEndFromRaw extracts the current billing-period end from a raw
// subscription payload: the top-level current_period_end, then the latest
// current_period_end across the subscription items.
func periodEndFromRaw(raw []byte) *time.Time {
	if len(raw) == 0 {
		return nil
	}
	var probe struct {
		CurrentPeriodEnd int64 `json:"current_period_end"`
		Items            struct {
			Data []struct {
				CurrentPeriodEnd int64 `json:"current_period_end"`
			} `json:"data"`
		} `json:"items"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil
	}

	end := probe.CurrentPeriodEnd
	if end == 0 {
		for _, item := range probe.Items.Data {
			if item.CurrentPeriodEnd > end {
				end = item.CurrentPeriodEnd
			}
		}
	}
	if end == 0 {
		return nil
	}
	t := time.Unix(end, 0).UTC()
	return &t
}
