// Package redis provides a Redis implementation of the reconcile.Storage
// interface. Rows are stored as JSON values; lookups by checkout session and
// subscription reference go through index keys maintained alongside the row.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/resumelens/reconcile/pkg/reconcile"
)

// Storage implements reconcile.Storage using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "reconcile:")
	KeyPrefix string

	// ProcessedEventTTL is the TTL for processed-event records. The ledger
	// is a dedupe aid, not an audit archive, so old entries may expire.
	// 0 = no expiration.
	ProcessedEventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:         "reconcile:",
		ProcessedEventTTL: 30 * 24 * time.Hour,
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "reconcile:"
	}
	return &Storage{client: client, config: config}, nil
}

func (s *Storage) passKey(id string) string    { return s.config.KeyPrefix + "pass:" + id }
func (s *Storage) sessionKey(id string) string { return s.config.KeyPrefix + "pass_session:" + id }
func (s *Storage) refKey(ref string) string    { return s.config.KeyPrefix + "pass_ref:" + ref }
func (s *Storage) receiptKey(id string) string { return s.config.KeyPrefix + "receipt:" + id }
func (s *Storage) eventKey(id string) string   { return s.config.KeyPrefix + "event:" + id }

// GetPassBySession implements reconcile.Storage
func (s *Storage) GetPassBySession(ctx context.Context, sessionID string) (*reconcile.Pass, error) {
	passID, err := s.client.Get(ctx, s.sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, reconcile.ErrPassNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session index: %w", err)
	}
	return s.getPass(ctx, passID)
}

// ListPassesByExternalRef implements reconcile.Storage
func (s *Storage) ListPassesByExternalRef(ctx context.Context, externalRef string) ([]*reconcile.Pass, error) {
	if externalRef == "" {
		return nil, nil
	}

	ids, err := s.client.SMembers(ctx, s.refKey(externalRef)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ref index: %w", err)
	}

	var passes []*reconcile.Pass
	for _, id := range ids {
		pass, err := s.getPass(ctx, id)
		if errors.Is(err, reconcile.ErrPassNotFound) {
			continue // stale index entry
		}
		if err != nil {
			return nil, err
		}
		passes = append(passes, pass)
	}
	return passes, nil
}

// InsertPass implements reconcile.Storage
func (s *Storage) InsertPass(ctx context.Context, pass *reconcile.Pass) error {
	if pass == nil || pass.ID == "" {
		return fmt.Errorf("invalid pass")
	}

	data, err := json.Marshal(pass)
	if err != nil {
		return fmt.Errorf("failed to marshal pass: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.passKey(pass.ID), data, 0)
	if pass.CheckoutSessionID != "" {
		pipe.Set(ctx, s.sessionKey(pass.CheckoutSessionID), pass.ID, 0)
	}
	if pass.ExternalRef != "" {
		pipe.SAdd(ctx, s.refKey(pass.ExternalRef), pass.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert pass: %w", err)
	}
	return nil
}

// UpdatePass implements reconcile.Storage
func (s *Storage) UpdatePass(ctx context.Context, pass *reconcile.Pass) error {
	if pass == nil || pass.ID == "" {
		return fmt.Errorf("invalid pass")
	}

	old, err := s.getPass(ctx, pass.ID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(pass)
	if err != nil {
		return fmt.Errorf("failed to marshal pass: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.passKey(pass.ID), data, 0)
	if old.CheckoutSessionID != pass.CheckoutSessionID {
		if old.CheckoutSessionID != "" {
			pipe.Del(ctx, s.sessionKey(old.CheckoutSessionID))
		}
		if pass.CheckoutSessionID != "" {
			pipe.Set(ctx, s.sessionKey(pass.CheckoutSessionID), pass.ID, 0)
		}
	}
	if old.ExternalRef != pass.ExternalRef {
		if old.ExternalRef != "" {
			pipe.SRem(ctx, s.refKey(old.ExternalRef), pass.ID)
		}
		if pass.ExternalRef != "" {
			pipe.SAdd(ctx, s.refKey(pass.ExternalRef), pass.ID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update pass: %w", err)
	}
	return nil
}

// GetReceiptByInvoice implements reconcile.Storage
func (s *Storage) GetReceiptByInvoice(ctx context.Context, invoiceID string) (*reconcile.Receipt, error) {
	data, err := s.client.Get(ctx, s.receiptKey(invoiceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, reconcile.ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}

	var receipt reconcile.Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}
	return &receipt, nil
}

// UpsertReceipt implements reconcile.Storage
func (s *Storage) UpsertReceipt(ctx context.Context, receipt *reconcile.Receipt) error {
	if receipt == nil || receipt.InvoiceID == "" {
		return fmt.Errorf("invalid receipt")
	}

	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt: %w", err)
	}
	if err := s.client.Set(ctx, s.receiptKey(receipt.InvoiceID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to upsert receipt: %w", err)
	}
	return nil
}

// HasProcessedEvent implements reconcile.Storage
func (s *Storage) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.eventKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return n > 0, nil
}

// RecordProcessedEvent implements reconcile.Storage
func (s *Storage) RecordProcessedEvent(ctx context.Context, record *reconcile.ProcessedEvent) error {
	if record == nil || record.EventID == "" {
		return fmt.Errorf("invalid processed-event record")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal processed event: %w", err)
	}
	// SetNX keeps the first record; re-recording is a silent no-op.
	if err := s.client.SetNX(ctx, s.eventKey(record.EventID), data, s.config.ProcessedEventTTL).Err(); err != nil {
		return fmt.Errorf("failed to record processed event: %w", err)
	}
	return nil
}

func (s *Storage) getPass(ctx context.Context, id string) (*reconcile.Pass, error) {
	data, err := s.client.Get(ctx, s.passKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, reconcile.ErrPassNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pass: %w", err)
	}

	var pass reconcile.Pass
	if err := json.Unmarshal(data, &pass); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pass: %w", err)
	}
	return &pass, nil
}
