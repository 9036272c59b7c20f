// Package firestore provides a Firestore implementation of the
// reconcile.Storage interface for deployments on Google Cloud.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/resumelens/reconcile/pkg/reconcile"
)

// Storage implements reconcile.Storage using Google Cloud Firestore
type Storage struct {
	client             *firestore.Client
	passesCollection   string
	receiptsCollection string
	eventsCollection   string
}

// Config holds Firestore storage configuration
type Config struct {
	// PassesCollection is the Firestore collection for passes
	// Default: "billing_passes"
	PassesCollection string

	// ReceiptsCollection is the Firestore collection for receipts
	// Default: "billing_receipts"
	ReceiptsCollection string

	// EventsCollection is the Firestore collection for processed events
	// Default: "billing_processed_events"
	EventsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.PassesCollection == "" {
		config.PassesCollection = "billing_passes"
	}
	if config.ReceiptsCollection == "" {
		config.ReceiptsCollection = "billing_receipts"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "billing_processed_events"
	}

	return &Storage{
		client:             client,
		passesCollection:   config.PassesCollection,
		receiptsCollection: config.ReceiptsCollection,
		eventsCollection:   config.EventsCollection,
	}, nil
}

// GetPassBySession implements reconcile.Storage
func (s *Storage) GetPassBySession(ctx context.Context, sessionID string) (*reconcile.Pass, error) {
	snaps, err := s.client.Collection(s.passesCollection).
		Where("checkoutSessionId", "==", sessionID).
		Limit(1).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query pass by session: %w", err)
	}
	if len(snaps) == 0 {
		return nil, reconcile.ErrPassNotFound
	}
	return passFromSnap(snaps[0]), nil
}

// ListPassesByExternalRef implements reconcile.Storage
func (s *Storage) ListPassesByExternalRef(ctx context.Context, externalRef string) ([]*reconcile.Pass, error) {
	if externalRef == "" {
		return nil, nil
	}

	snaps, err := s.client.Collection(s.passesCollection).
		Where("externalRef", "==", externalRef).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query passes by ref: %w", err)
	}

	passes := make([]*reconcile.Pass, 0, len(snaps))
	for _, snap := range snaps {
		passes = append(passes, passFromSnap(snap))
	}
	return passes, nil
}

// InsertPass implements reconcile.Storage
func (s *Storage) InsertPass(ctx context.Context, pass *reconcile.Pass) error {
	if pass == nil || pass.ID == "" {
		return fmt.Errorf("invalid pass")
	}

	doc := s.client.Collection(s.passesCollection).Doc(pass.ID)
	if _, err := doc.Create(ctx, passData(pass)); err != nil {
		return fmt.Errorf("failed to insert pass: %w", err)
	}
	return nil
}

// UpdatePass implements reconcile.Storage
func (s *Storage) UpdatePass(ctx context.Context, pass *reconcile.Pass) error {
	if pass == nil || pass.ID == "" {
		return fmt.Errorf("invalid pass")
	}

	doc := s.client.Collection(s.passesCollection).Doc(pass.ID)
	if _, err := doc.Set(ctx, passData(pass)); err != nil {
		if status.Code(err) == codes.NotFound {
			return reconcile.ErrPassNotFound
		}
		return fmt.Errorf("failed to update pass: %w", err)
	}
	return nil
}

// GetReceiptByInvoice implements reconcile.Storage
func (s *Storage) GetReceiptByInvoice(ctx context.Context, invoiceID string) (*reconcile.Receipt, error) {
	snap, err := s.client.Collection(s.receiptsCollection).Doc(invoiceID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, reconcile.ErrReceiptNotFound
		}
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	if !snap.Exists() {
		return nil, reconcile.ErrReceiptNotFound
	}

	data := snap.Data()
	receipt := &reconcile.Receipt{
		ID:          getString(data, "id"),
		UserID:      getString(data, "userId"),
		InvoiceID:   invoiceID,
		CustomerID:  getString(data, "customerId"),
		Status:      getString(data, "status"),
		Currency:    getString(data, "currency"),
		AmountPaid:  getInt64(data, "amountPaid"),
		PeriodStart: getTime(data, "periodStart"),
		PeriodEnd:   getTime(data, "periodEnd"),
		HostedURL:   getString(data, "hostedUrl"),
		PDFURL:      getString(data, "pdfUrl"),
		CreatedAt:   getTime(data, "createdAt"),
	}
	return receipt, nil
}

// UpsertReceipt implements reconcile.Storage
func (s *Storage) UpsertReceipt(ctx context.Context, receipt *reconcile.Receipt) error {
	if receipt == nil || receipt.InvoiceID == "" {
		return fmt.Errorf("invalid receipt")
	}

	// The invoice id is the document id, which makes the write a natural
	// upsert.
	doc := s.client.Collection(s.receiptsCollection).Doc(receipt.InvoiceID)
	data := map[string]interface{}{
		"id":          receipt.ID,
		"userId":      receipt.UserID,
		"customerId":  receipt.CustomerID,
		"status":      receipt.Status,
		"currency":    receipt.Currency,
		"amountPaid":  receipt.AmountPaid,
		"periodStart": receipt.PeriodStart,
		"periodEnd":   receipt.PeriodEnd,
		"hostedUrl":   receipt.HostedURL,
		"pdfUrl":      receipt.PDFURL,
		"createdAt":   receipt.CreatedAt,
	}
	if _, err := doc.Set(ctx, data); err != nil {
		return fmt.Errorf("failed to upsert receipt: %w", err)
	}
	return nil
}

// HasProcessedEvent implements reconcile.Storage
func (s *Storage) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	snap, err := s.client.Collection(s.eventsCollection).Doc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return snap.Exists(), nil
}

// RecordProcessedEvent implements reconcile.Storage
func (s *Storage) RecordProcessedEvent(ctx context.Context, record *reconcile.ProcessedEvent) error {
	if record == nil || record.EventID == "" {
		return fmt.Errorf("invalid processed-event record")
	}

	doc := s.client.Collection(s.eventsCollection).Doc(record.EventID)
	data := map[string]interface{}{
		"eventType":   record.EventType,
		"processedAt": record.ProcessedAt,
		"requestId":   record.RequestID,
	}
	if _, err := doc.Create(ctx, data); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			// First record wins; re-recording is a no-op.
			return nil
		}
		return fmt.Errorf("failed to record processed event: %w", err)
	}
	return nil
}

func passData(pass *reconcile.Pass) map[string]interface{} {
	data := map[string]interface{}{
		"userId":            pass.UserID,
		"tier":              string(pass.Tier),
		"usesRemaining":     pass.UsesRemaining,
		"purchasedAt":       pass.PurchasedAt,
		"externalRef":       pass.ExternalRef,
		"checkoutSessionId": pass.CheckoutSessionID,
	}
	if pass.ExpiresAt != nil {
		data["expiresAt"] = *pass.ExpiresAt
	}
	return data
}

func passFromSnap(snap *firestore.DocumentSnapshot) *reconcile.Pass {
	data := snap.Data()
	pass := &reconcile.Pass{
		ID:                snap.Ref.ID,
		UserID:            getString(data, "userId"),
		Tier:              reconcile.Tier(getString(data, "tier")),
		UsesRemaining:     int(getInt64(data, "usesRemaining")),
		PurchasedAt:       getTime(data, "purchasedAt"),
		ExternalRef:       getString(data, "externalRef"),
		CheckoutSessionID: getString(data, "checkoutSessionId"),
	}
	if expiresAt, ok := data["expiresAt"].(time.Time); ok && !expiresAt.IsZero() {
		pass.ExpiresAt = &expiresAt
	}
	return pass
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
