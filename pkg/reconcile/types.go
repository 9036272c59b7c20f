package reconcile

import (
	"time"
)

// Tier identifies the kind of entitlement a pass grants.
type Tier string

const (
	// TierSingleUse grants one review of one resume.
	TierSingleUse Tier = "single-use"
	// TierPack grants a small bundle of reviews.
	TierPack Tier = "pack"
	// TierMonthly is a recurring subscription tied to a processor subscription.
	TierMonthly Tier = "monthly"
	// TierLifetime never expires.
	TierLifetime Tier = "lifetime"
)

// UnlimitedUses is the sentinel uses-remaining value for subscription and
// lifetime passes. Read paths treat any pass at or above this as unmetered.
const UnlimitedUses = 999999

// User is the slice of the identity store's user record this engine reads.
type User struct {
	ID    string
	Email string
}

// Pass is a usage grant owned by a user.
//
// At most one Pass exists per CheckoutSessionID; for recurring tiers at most
// one live Pass exists per ExternalRef and renewal events update it in place.
// Passes are never deleted: they expire by running out of uses or passing
// ExpiresAt.
type Pass struct {
	ID                string
	UserID            string
	Tier              Tier
	UsesRemaining     int
	PurchasedAt       time.Time
	ExpiresAt         *time.Time
	ExternalRef       string // processor subscription id for recurring tiers
	CheckoutSessionID string
}

// Expired reports whether the pass is unusable as of now. Expiry is a
// read-time interpretation, not a stored state.
func (p *Pass) Expired(now time.Time) bool {
	if p.UsesRemaining <= 0 {
		return true
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return true
	}
	return false
}

// Receipt is a billing-history record derived from a processor invoice.
// One row per InvoiceID; later invoice lifecycle events overwrite the
// status, monetary, and URL fields.
type Receipt struct {
	ID          string
	UserID      string
	InvoiceID   string
	CustomerID  string
	Status      string
	Currency    string
	AmountPaid  int64
	PeriodStart time.Time
	PeriodEnd   time.Time
	HostedURL   string
	PDFURL      string
	CreatedAt   time.Time
}

// ProcessedEvent records that a processor event id has been handled.
// It is a diagnostic and dedupe aid; the authoritative idempotency lives in
// the per-resource keys (checkout session id, subscription id, invoice id).
type ProcessedEvent struct {
	EventID     string
	EventType   string
	ProcessedAt time.Time
	RequestID   string
}
