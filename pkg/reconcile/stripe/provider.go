// Package stripe implements the reconciliation dispatcher for Stripe webhook
// events: signature verification, event-level dedupe, and branching into the
// identity, pass, and receipt components.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/resumelens/reconcile/pkg/reconcile"
)

const (
	maxBodyBytes = 256 * 1024

	endpointSubscriptions = "/v1/subscriptions"
	endpointCustomers     = "/v1/customers"
)

// SubscriptionFetcher retrieves a subscription from the processor.
// Overridable so tests can substitute fakes.
type SubscriptionFetcher func(ctx context.Context, id string) (*stripe.Subscription, error)

// Config configures the Stripe reconciliation provider.
type Config struct {
	// StripeAPIKey authenticates outbound read-back calls.
	StripeAPIKey string

	// StripeWebhookSecret verifies inbound event signatures.
	StripeWebhookSecret string

	// Storage is the row store for passes, receipts, and processed events.
	Storage reconcile.Storage

	// Directory is the identity store users are resolved against.
	Directory reconcile.Directory

	// TierMapping maps Stripe price ids to pass tiers. Checkout sessions may
	// also carry an explicit "tier" metadata key, which wins.
	TierMapping map[string]reconcile.Tier

	// DefaultTier is granted when neither metadata nor the mapping decide.
	// Defaults to TierSingleUse.
	DefaultTier reconcile.Tier

	// ActiveFallbackWindow is passed through to the pass manager.
	ActiveFallbackWindow time.Duration

	Logger  reconcile.Logger
	Metrics reconcile.Metrics

	// SubscriptionFetcher overrides the Stripe subscription read-back,
	// for tests. If nil, the Stripe client is used.
	SubscriptionFetcher SubscriptionFetcher

	// CustomerEmail overrides the Stripe customer email read-back, for
	// tests. If nil, the Stripe client is used.
	CustomerEmail reconcile.CustomerEmailFunc

	// DisableLoginNotification turns off the best-effort passwordless login
	// email for newly created users.
	DisableLoginNotification bool
}

// Provider is the reconciliation entry point for Stripe webhook deliveries.
type Provider struct {
	storage       reconcile.Storage
	directory     reconcile.Directory
	resolver      *reconcile.Resolver
	passes        *reconcile.PassManager
	receipts      *reconcile.ReceiptLedger
	ledger        *reconcile.EventLedger
	tierMapping   map[string]reconcile.Tier
	defaultTier   reconcile.Tier
	webhookSecret []byte
	stripeClient  *stripe.Client
	fetchSub      SubscriptionFetcher
	customerEmail reconcile.CustomerEmailFunc
	notifyLogin   bool
	logger        reconcile.Logger
	metrics       reconcile.Metrics
}

// NewProvider creates a new Stripe reconciliation provider.
func NewProvider(config Config) (*Provider, error) {
	if config.Storage == nil || config.Directory == nil {
		return nil, reconcile.ErrNotConfigured
	}
	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, reconcile.ErrNotConfigured
	}

	logger := config.Logger
	if logger == nil {
		logger = &reconcile.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &reconcile.NoopMetrics{}
	}

	stripeClient := stripe.NewClient(apiKey)

	defaultTier := config.DefaultTier
	if defaultTier == "" {
		defaultTier = reconcile.TierSingleUse
	}

	tierMapping := make(map[string]reconcile.Tier, len(config.TierMapping))
	for priceID, tier := range config.TierMapping {
		tierMapping[strings.ToLower(strings.TrimSpace(priceID))] = tier
	}

	p := &Provider{
		storage:       config.Storage,
		directory:     config.Directory,
		tierMapping:   tierMapping,
		defaultTier:   defaultTier,
		webhookSecret: []byte(strings.TrimSpace(config.StripeWebhookSecret)),
		stripeClient:  stripeClient,
		notifyLogin:   !config.DisableLoginNotification,
		logger:        logger,
		metrics:       metrics,
	}

	p.fetchSub = config.SubscriptionFetcher
	if p.fetchSub == nil {
		p.fetchSub = p.fetchSubscriptionFromAPI
	}
	p.customerEmail = config.CustomerEmail
	if p.customerEmail == nil {
		p.customerEmail = p.fetchCustomerEmailFromAPI
	}

	resolver, err := reconcile.NewResolver(reconcile.ResolverConfig{
		Directory: config.Directory,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, err
	}
	p.resolver = resolver

	passes, err := reconcile.NewPassManager(reconcile.PassManagerConfig{
		Storage:              config.Storage,
		Logger:               logger,
		Metrics:              metrics,
		ActiveFallbackWindow: config.ActiveFallbackWindow,
	})
	if err != nil {
		return nil, err
	}
	p.passes = passes

	receipts, err := reconcile.NewReceiptLedger(reconcile.ReceiptLedgerConfig{
		Storage:       config.Storage,
		Resolver:      resolver,
		CustomerEmail: p.customerEmail,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return nil, err
	}
	p.receipts = receipts

	p.ledger = reconcile.NewEventLedger(config.Storage, logger)

	return p, nil
}

// WebhookHandler returns the HTTP handler for Stripe webhook deliveries.
func (p *Provider) WebhookHandler() http.Handler {
	return http.HandlerFunc(p.handleWebhook)
}

// mapPriceToTier maps a Stripe price id to a pass tier, falling back to the
// configured default.
func (p *Provider) mapPriceToTier(priceID string) (reconcile.Tier, bool) {
	if priceID == "" {
		return p.defaultTier, false
	}
	if tier, ok := p.tierMapping[strings.ToLower(strings.TrimSpace(priceID))]; ok {
		return tier, true
	}
	return p.defaultTier, false
}

func (p *Provider) fetchSubscriptionFromAPI(ctx context.Context, id string) (*stripe.Subscription, error) {
	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, id, nil)
	if err != nil {
		p.metrics.RecordProviderCall(endpointSubscriptions, "error")
		return nil, err
	}
	p.metrics.RecordProviderCall(endpointSubscriptions, "success")
	return sub, nil
}

func (p *Provider) fetchCustomerEmailFromAPI(ctx context.Context, customerID string) (string, error) {
	cust, err := p.stripeClient.V1Customers.Retrieve(ctx, customerID, nil)
	if err != nil {
		p.metrics.RecordProviderCall(endpointCustomers, "error")
		return "", err
	}
	p.metrics.RecordProviderCall(endpointCustomers, "success")
	return cust.Email, nil
}
