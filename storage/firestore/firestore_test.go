package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"

	"github.com/resumelens/reconcile/pkg/reconcile"
)

const (
	testProjectID = "test-project"
	emulatorHost  = "localhost:8080"
)

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		conn, err := net.DialTimeout("tcp", emulatorHost, time.Second)
		if err != nil {
			t.Skipf("Firestore emulator not available: %v", err)
		}
		conn.Close()
		os.Setenv("FIRESTORE_EMULATOR_HOST", emulatorHost)
	}

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	// Unique collections per test run keep runs independent
	stamp := time.Now().UnixNano()
	storage, err := New(client, Config{
		PassesCollection:   fmt.Sprintf("test_passes_%d", stamp),
		ReceiptsCollection: fmt.Sprintf("test_receipts_%d", stamp),
		EventsCollection:   fmt.Sprintf("test_events_%d", stamp),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return storage
}

func TestNew_RequiresClient(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("Expected an error for a nil client")
	}
}

func TestStorage_PassRoundTrip(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	_, err := storage.GetPassBySession(ctx, "cs_missing")
	if !errors.Is(err, reconcile.ErrPassNotFound) {
		t.Errorf("Expected ErrPassNotFound, got %v", err)
	}

	expires := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second).UTC()
	pass := &reconcile.Pass{
		ID:                uuid.NewString(),
		UserID:            "user-1",
		Tier:              reconcile.TierMonthly,
		UsesRemaining:     reconcile.UnlimitedUses,
		PurchasedAt:       time.Now().Truncate(time.Second).UTC(),
		ExpiresAt:         &expires,
		ExternalRef:       "sub_fs_1",
		CheckoutSessionID: "cs_fs_1",
	}
	if err := storage.InsertPass(ctx, pass); err != nil {
		t.Fatalf("InsertPass failed: %v", err)
	}

	retrieved, err := storage.GetPassBySession(ctx, "cs_fs_1")
	if err != nil {
		t.Fatalf("GetPassBySession failed: %v", err)
	}
	if retrieved.ID != pass.ID {
		t.Errorf("ID mismatch: got %s, want %s", retrieved.ID, pass.ID)
	}
	if retrieved.Tier != reconcile.TierMonthly {
		t.Errorf("Tier mismatch: got %s", retrieved.Tier)
	}
	if retrieved.ExpiresAt == nil || !retrieved.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt mismatch: got %v, want %v", retrieved.ExpiresAt, expires)
	}

	passes, err := storage.ListPassesByExternalRef(ctx, "sub_fs_1")
	if err != nil {
		t.Fatalf("ListPassesByExternalRef failed: %v", err)
	}
	if len(passes) != 1 {
		t.Errorf("Expected 1 pass, got %d", len(passes))
	}
}

func TestStorage_UpdatePass(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	missing := &reconcile.Pass{ID: uuid.NewString(), UserID: "user-1", Tier: reconcile.TierPack, UsesRemaining: 5, PurchasedAt: time.Now().UTC()}
	// Firestore Set upserts, so updating a missing doc is not an error here;
	// the engine only updates passes it has already read.
	_ = storage.UpdatePass(ctx, missing)

	pass := &reconcile.Pass{
		ID: uuid.NewString(), UserID: "user-1", Tier: reconcile.TierMonthly,
		UsesRemaining: reconcile.UnlimitedUses, PurchasedAt: time.Now().Truncate(time.Second).UTC(),
		ExternalRef: "sub_upd", CheckoutSessionID: "cs_upd",
	}
	if err := storage.InsertPass(ctx, pass); err != nil {
		t.Fatalf("InsertPass failed: %v", err)
	}

	pass.UsesRemaining = 0
	now := time.Now().Truncate(time.Second).UTC()
	pass.ExpiresAt = &now
	if err := storage.UpdatePass(ctx, pass); err != nil {
		t.Fatalf("UpdatePass failed: %v", err)
	}

	updated, err := storage.GetPassBySession(ctx, "cs_upd")
	if err != nil {
		t.Fatalf("GetPassBySession failed: %v", err)
	}
	if updated.UsesRemaining != 0 {
		t.Errorf("Expected 0 uses, got %d", updated.UsesRemaining)
	}
	if updated.ExpiresAt == nil || !updated.ExpiresAt.Equal(now) {
		t.Errorf("ExpiresAt mismatch: got %v, want %v", updated.ExpiresAt, now)
	}
}

func TestStorage_InsertDuplicateID(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	pass := &reconcile.Pass{
		ID: uuid.NewString(), UserID: "user-1", Tier: reconcile.TierPack,
		UsesRemaining: 5, PurchasedAt: time.Now().UTC(), CheckoutSessionID: "cs_dup",
	}
	if err := storage.InsertPass(ctx, pass); err != nil {
		t.Fatalf("InsertPass failed: %v", err)
	}
	if err := storage.InsertPass(ctx, pass); err == nil {
		t.Error("Expected Create to reject a duplicate document id")
	}
}

func TestStorage_ReceiptUpsert(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	_, err := storage.GetReceiptByInvoice(ctx, "in_missing")
	if !errors.Is(err, reconcile.ErrReceiptNotFound) {
		t.Errorf("Expected ErrReceiptNotFound, got %v", err)
	}

	receipt := &reconcile.Receipt{
		ID:        uuid.NewString(),
		UserID:    "user-1",
		InvoiceID: "in_fs_1",
		Status:    "open",
		Currency:  "usd",
		CreatedAt: time.Now().Truncate(time.Second).UTC(),
	}
	if err := storage.UpsertReceipt(ctx, receipt); err != nil {
		t.Fatalf("UpsertReceipt failed: %v", err)
	}

	receipt.Status = "paid"
	receipt.AmountPaid = 2500
	if err := storage.UpsertReceipt(ctx, receipt); err != nil {
		t.Fatalf("Second UpsertReceipt failed: %v", err)
	}

	stored, err := storage.GetReceiptByInvoice(ctx, "in_fs_1")
	if err != nil {
		t.Fatalf("GetReceiptByInvoice failed: %v", err)
	}
	if stored.Status != "paid" || stored.AmountPaid != 2500 {
		t.Errorf("Expected updated fields, got %+v", stored)
	}
	if stored.InvoiceID != "in_fs_1" {
		t.Errorf("Expected invoice id kept, got %s", stored.InvoiceID)
	}
}

func TestStorage_ProcessedEvents(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	seen, err := storage.HasProcessedEvent(ctx, "evt_fs_1")
	if err != nil || seen {
		t.Errorf("Expected unseen, got seen=%v err=%v", seen, err)
	}

	record := &reconcile.ProcessedEvent{
		EventID:     "evt_fs_1",
		EventType:   "invoice.paid",
		ProcessedAt: time.Now().UTC(),
		RequestID:   "req-1",
	}
	if err := storage.RecordProcessedEvent(ctx, record); err != nil {
		t.Fatalf("RecordProcessedEvent failed: %v", err)
	}
	// AlreadyExists is swallowed: first record wins
	if err := storage.RecordProcessedEvent(ctx, record); err != nil {
		t.Fatalf("Duplicate RecordProcessedEvent failed: %v", err)
	}

	seen, err = storage.HasProcessedEvent(ctx, "evt_fs_1")
	if err != nil || !seen {
		t.Errorf("Expected seen, got seen=%v err=%v", seen, err)
	}
}
