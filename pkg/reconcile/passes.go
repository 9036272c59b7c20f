package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultActiveFallbackWindow is how long an active subscription pass
	// stays usable when the processor does not supply a billing-period end.
	// TODO(product): confirm the 31 day window with billing before it is
	// relied on for anything beyond a grace period.
	DefaultActiveFallbackWindow = 31 * 24 * time.Hour

	packUses = 5
)

// activeLikeStatuses are the processor subscription statuses under which the
// user keeps access. past_due is included so a failed charge does not cut
// access before the processor gives up on collection.
var activeLikeStatuses = map[string]bool{
	"active":   true,
	"trialing": true,
	"past_due": true,
}

// Grant describes a completed checkout to turn into a pass.
type Grant struct {
	// SessionID is the processor's checkout session id, the idempotency key.
	SessionID string
	// UserID is the resolved internal owner.
	UserID string
	// Tier decides the pass defaults.
	Tier Tier
	// SubscriptionRef is the processor subscription id for recurring tiers,
	// empty for one-off purchases.
	SubscriptionRef string
	// PeriodEnd is the processor's current billing-period end, when known.
	PeriodEnd *time.Time
}

// PassManager owns the pass lifecycle: grants from checkouts and status
// sync for recurring subscriptions.
type PassManager struct {
	store          Storage
	logger         Logger
	metrics        Metrics
	fallbackWindow time.Duration
	now            func() time.Time
}

// PassManagerConfig configures a PassManager. Storage is required.
type PassManagerConfig struct {
	Storage Storage
	Logger  Logger
	Metrics Metrics

	// ActiveFallbackWindow overrides DefaultActiveFallbackWindow.
	ActiveFallbackWindow time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewPassManager creates a new pass manager.
func NewPassManager(cfg PassManagerConfig) (*PassManager, error) {
	if cfg.Storage == nil {
		return nil, ErrNotConfigured
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	window := cfg.ActiveFallbackWindow
	if window <= 0 {
		window = DefaultActiveFallbackWindow
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &PassManager{
		store:          cfg.Storage,
		logger:         logger,
		metrics:        metrics,
		fallbackWindow: window,
		now:            now,
	}, nil
}

// GrantFromCheckout converts a completed checkout into a pass.
//
// The checkout session id is the authoritative idempotency key: if a pass
// already exists for it the call is a no-op, which makes duplicate delivery
// of the same checkout-completed event safe. A recurring checkout whose
// subscription already has a pass updates that pass in place instead of
// inserting a sibling (a renewal reuses the entitlement record).
func (m *PassManager) GrantFromCheckout(ctx context.Context, grant Grant) error {
	if grant.SessionID == "" || grant.UserID == "" {
		return fmt.Errorf("%w: grant requires session id and user id", ErrInvalidPayload)
	}

	existing, err := m.store.GetPassBySession(ctx, grant.SessionID)
	if err != nil && !errors.Is(err, ErrPassNotFound) {
		return fmt.Errorf("session idempotency check failed: %w", err)
	}
	if existing != nil {
		m.logger.Debug("checkout session already granted",
			Field{Key: "session_id", Value: grant.SessionID},
			Field{Key: "pass_id", Value: existing.ID},
		)
		return nil
	}

	uses, expiresAt := m.tierDefaults(grant.Tier, grant.PeriodEnd)

	if grant.SubscriptionRef != "" {
		renewed, err := m.renewExisting(ctx, grant, uses, expiresAt)
		if err != nil {
			return err
		}
		if renewed {
			return nil
		}
	}

	pass := &Pass{
		ID:                uuid.NewString(),
		UserID:            grant.UserID,
		Tier:              grant.Tier,
		UsesRemaining:     uses,
		PurchasedAt:       m.now(),
		ExpiresAt:         expiresAt,
		ExternalRef:       grant.SubscriptionRef,
		CheckoutSessionID: grant.SessionID,
	}
	if err := m.store.InsertPass(ctx, pass); err != nil {
		return fmt.Errorf("failed to insert pass: %w", err)
	}

	m.logger.Info("pass granted",
		Field{Key: "pass_id", Value: pass.ID},
		Field{Key: "user_id", Value: pass.UserID},
		Field{Key: "tier", Value: string(pass.Tier)},
		Field{Key: "session_id", Value: pass.CheckoutSessionID},
	)
	m.metrics.RecordPassGranted(string(grant.Tier))
	return nil
}

// renewExisting updates the pass already attached to the subscription, if
// any. Returns true when a pass was updated.
func (m *PassManager) renewExisting(ctx context.Context, grant Grant, uses int, expiresAt *time.Time) (bool, error) {
	passes, err := m.store.ListPassesByExternalRef(ctx, grant.SubscriptionRef)
	if err != nil {
		return false, fmt.Errorf("subscription lookup failed: %w", err)
	}
	for _, pass := range passes {
		if pass.UserID != grant.UserID {
			continue
		}
		pass.Tier = grant.Tier
		pass.UsesRemaining = uses
		pass.ExpiresAt = expiresAt
		pass.CheckoutSessionID = grant.SessionID
		if err := m.store.UpdatePass(ctx, pass); err != nil {
			return false, fmt.Errorf("failed to renew pass: %w", err)
		}
		m.logger.Info("recurring pass renewed in place",
			Field{Key: "pass_id", Value: pass.ID},
			Field{Key: "subscription_ref", Value: grant.SubscriptionRef},
			Field{Key: "session_id", Value: grant.SessionID},
		)
		m.metrics.RecordPassRenewed(string(grant.Tier))
		return true, nil
	}
	return false, nil
}

// SyncSubscriptionStatus mirrors the processor's subscription status into
// every monthly pass carrying the subscription reference. Active-like
// statuses keep the pass unmetered until the period end (or the fallback
// window when the processor omits it); anything else expires the pass now.
//
// The update is set-based: a subscription is expected to map to a single
// pass, but that is not guaranteed, so all matches are updated.
func (m *PassManager) SyncSubscriptionStatus(ctx context.Context, subscriptionRef, status string, periodEnd *time.Time) error {
	if subscriptionRef == "" {
		return fmt.Errorf("%w: subscription sync requires a subscription id", ErrInvalidPayload)
	}

	passes, err := m.store.ListPassesByExternalRef(ctx, subscriptionRef)
	if err != nil {
		return fmt.Errorf("subscription lookup failed: %w", err)
	}

	active := activeLikeStatuses[status]
	updated := 0
	for _, pass := range passes {
		if pass.Tier != TierMonthly {
			continue
		}
		if active {
			pass.UsesRemaining = UnlimitedUses
			pass.ExpiresAt = m.activeExpiry(periodEnd)
		} else {
			now := m.now()
			pass.UsesRemaining = 0
			pass.ExpiresAt = &now
		}
		if err := m.store.UpdatePass(ctx, pass); err != nil {
			return fmt.Errorf("failed to sync pass %s: %w", pass.ID, err)
		}
		updated++
	}

	m.logger.Info("subscription status applied",
		Field{Key: "subscription_ref", Value: subscriptionRef},
		Field{Key: "status", Value: status},
		Field{Key: "passes_updated", Value: updated},
	)
	m.metrics.RecordSubscriptionSync(status)
	return nil
}

// tierDefaults returns the uses and expiry a fresh pass of the tier gets.
func (m *PassManager) tierDefaults(tier Tier, periodEnd *time.Time) (int, *time.Time) {
	switch tier {
	case TierPack:
		return packUses, nil
	case TierMonthly:
		return UnlimitedUses, m.activeExpiry(periodEnd)
	case TierLifetime:
		return UnlimitedUses, nil
	default:
		// Single-use, and the safe floor for anything unmapped.
		return 1, nil
	}
}

func (m *PassManager) activeExpiry(periodEnd *time.Time) *time.Time {
	if periodEnd != nil && !periodEnd.IsZero() {
		end := periodEnd.UTC()
		return &end
	}
	fallback := m.now().Add(m.fallbackWindow)
	return &fallback
}
