package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReceiptInput carries the invoice fields the engine keeps. The dispatcher
// extracts it from the processor payload; raw payloads never cross this
// boundary.
type ReceiptInput struct {
	InvoiceID   string
	CustomerID  string
	Email       string
	Status      string
	Currency    string
	AmountPaid  int64
	PeriodStart time.Time
	PeriodEnd   time.Time
	HostedURL   string
	PDFURL      string
}

// CustomerEmailFunc looks up a customer's email at the payment processor.
// Used when the invoice payload itself carries no email.
type CustomerEmailFunc func(ctx context.Context, customerID string) (string, error)

// ReceiptLedger upserts invoice-derived billing records, keyed by invoice id.
//
// Receipts are supplementary: a receipt that cannot be attributed to a user
// is dropped with a warning rather than failing the webhook delivery, and a
// receipt failure never rolls back an already-applied entitlement.
type ReceiptLedger struct {
	store         Storage
	resolver      *Resolver
	customerEmail CustomerEmailFunc
	logger        Logger
	metrics       Metrics
	now           func() time.Time
}

// ReceiptLedgerConfig configures a ReceiptLedger. Storage and Resolver are
// required; CustomerEmail is the optional processor read-back fallback.
type ReceiptLedgerConfig struct {
	Storage       Storage
	Resolver      *Resolver
	CustomerEmail CustomerEmailFunc
	Logger        Logger
	Metrics       Metrics
	Now           func() time.Time
}

// NewReceiptLedger creates a new receipt ledger.
func NewReceiptLedger(cfg ReceiptLedgerConfig) (*ReceiptLedger, error) {
	if cfg.Storage == nil || cfg.Resolver == nil {
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
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &ReceiptLedger{
		store:         cfg.Storage,
		resolver:      cfg.Resolver,
		customerEmail: cfg.CustomerEmail,
		logger:        logger,
		metrics:       metrics,
		now:           now,
	}, nil
}

// Upsert stores the receipt for the invoice, overwriting the status,
// monetary, and URL fields when a row for the invoice id already exists.
//
// An owner that cannot be resolved is a validation-class warning, not an
// error: the receipt is dropped and nil is returned so the webhook delivery
// is not retried for it.
func (l *ReceiptLedger) Upsert(ctx context.Context, in ReceiptInput) error {
	if in.InvoiceID == "" {
		return fmt.Errorf("%w: receipt requires an invoice id", ErrInvalidPayload)
	}

	email := in.Email
	if email == "" && in.CustomerID != "" && l.customerEmail != nil {
		resolved, err := l.customerEmail(ctx, in.CustomerID)
		if err != nil {
			l.logger.Warn("customer email lookup failed",
				Field{Key: "invoice_id", Value: in.InvoiceID},
				Field{Key: "customer_id", Value: in.CustomerID},
				Field{Key: "error", Value: err.Error()},
			)
		} else {
			email = resolved
		}
	}
	if email == "" {
		l.logger.Warn("receipt dropped: no email on invoice or customer",
			Field{Key: "invoice_id", Value: in.InvoiceID},
			Field{Key: "customer_id", Value: in.CustomerID},
		)
		l.metrics.RecordReceiptDropped("no_email")
		return nil
	}

	userID, _, err := l.resolver.Resolve(ctx, email, "")
	if err != nil {
		l.logger.Warn("receipt dropped: owner unresolvable",
			Field{Key: "invoice_id", Value: in.InvoiceID},
			Field{Key: "email", Value: NormalizeEmail(email)},
			Field{Key: "error", Value: err.Error()},
		)
		l.metrics.RecordReceiptDropped("unresolvable_user")
		return nil
	}

	receipt := &Receipt{
		ID:          uuid.NewString(),
		UserID:      userID,
		InvoiceID:   in.InvoiceID,
		CustomerID:  in.CustomerID,
		Status:      in.Status,
		Currency:    in.Currency,
		AmountPaid:  in.AmountPaid,
		PeriodStart: in.PeriodStart,
		PeriodEnd:   in.PeriodEnd,
		HostedURL:   in.HostedURL,
		PDFURL:      in.PDFURL,
		CreatedAt:   l.now(),
	}

	existing, err := l.store.GetReceiptByInvoice(ctx, in.InvoiceID)
	if err != nil && !errors.Is(err, ErrReceiptNotFound) {
		return fmt.Errorf("receipt lookup failed: %w", err)
	}
	if existing != nil {
		// Keep the row identity; later invoice lifecycle events only move
		// status and monetary fields.
		receipt.ID = existing.ID
		receipt.UserID = existing.UserID
		receipt.CreatedAt = existing.CreatedAt
	}

	if err := l.store.UpsertReceipt(ctx, receipt); err != nil {
		return fmt.Errorf("failed to upsert receipt: %w", err)
	}

	l.logger.Info("receipt upserted",
		Field{Key: "invoice_id", Value: receipt.InvoiceID},
		Field{Key: "user_id", Value: receipt.UserID},
		Field{Key: "status", Value: receipt.Status},
	)
	l.metrics.RecordReceiptUpserted(receipt.Status)
	return nil
}
