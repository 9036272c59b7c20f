// Package postgres provides a PostgreSQL implementation of the
// reconcile.Storage interface. Idempotency is pushed into the database:
// receipts and processed events are written with ON CONFLICT upserts keyed
// by their external identifiers.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/resumelens/reconcile/pkg/reconcile"
)

// Storage implements reconcile.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the tables and unique keys the engine relies on.
func (s *Storage) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS passes (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			tier TEXT NOT NULL,
			uses_remaining INTEGER NOT NULL,
			purchased_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ,
			external_ref TEXT NOT NULL DEFAULT '',
			checkout_session_id TEXT NOT NULL UNIQUE
		)`,
		`CREATE INDEX IF NOT EXISTS passes_external_ref_idx ON passes (external_ref) WHERE external_ref <> ''`,
		`CREATE TABLE IF NOT EXISTS billing_receipts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			invoice_id TEXT NOT NULL UNIQUE,
			customer_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			currency TEXT NOT NULL DEFAULT '',
			amount_paid BIGINT NOT NULL DEFAULT 0,
			period_start TIMESTAMPTZ,
			period_end TIMESTAMPTZ,
			hosted_url TEXT NOT NULL DEFAULT '',
			pdf_url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS processed_events (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL,
			request_id TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// GetPassBySession implements reconcile.Storage
func (s *Storage) GetPassBySession(ctx context.Context, sessionID string) (*reconcile.Pass, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, tier, uses_remaining, purchased_at, expires_at, external_ref, checkout_session_id
			FROM passes WHERE checkout_session_id = $1`,
		sessionID)
	return scanPass(row)
}

// ListPassesByExternalRef implements reconcile.Storage
func (s *Storage) ListPassesByExternalRef(ctx context.Context, externalRef string) ([]*reconcile.Pass, error) {
	if externalRef == "" {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, tier, uses_remaining, purchased_at, expires_at, external_ref, checkout_session_id
			FROM passes WHERE external_ref = $1`,
		externalRef)
	if err != nil {
		return nil, fmt.Errorf("failed to list passes: %w", err)
	}
	defer rows.Close()

	var passes []*reconcile.Pass
	for rows.Next() {
		pass, err := scanPass(rows)
		if err != nil {
			return nil, err
		}
		passes = append(passes, pass)
	}
	return passes, rows.Err()
}

// InsertPass implements reconcile.Storage
func (s *Storage) InsertPass(ctx context.Context, pass *reconcile.Pass) error {
	if pass == nil || pass.ID == "" {
		return fmt.Errorf("invalid pass")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO passes (id, user_id, tier, uses_remaining, purchased_at, expires_at, external_ref, checkout_session_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		pass.ID, pass.UserID, string(pass.Tier), pass.UsesRemaining,
		pass.PurchasedAt, pass.ExpiresAt, pass.ExternalRef, pass.CheckoutSessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert pass: %w", err)
	}
	return nil
}

// UpdatePass implements reconcile.Storage
func (s *Storage) UpdatePass(ctx context.Context, pass *reconcile.Pass) error {
	if pass == nil || pass.ID == "" {
		return fmt.Errorf("invalid pass")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE passes SET user_id = $2, tier = $3, uses_remaining = $4, purchased_at = $5,
			expires_at = $6, external_ref = $7, checkout_session_id = $8
			WHERE id = $1`,
		pass.ID, pass.UserID, string(pass.Tier), pass.UsesRemaining,
		pass.PurchasedAt, pass.ExpiresAt, pass.ExternalRef, pass.CheckoutSessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update pass: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrPassNotFound
	}
	return nil
}

// GetReceiptByInvoice implements reconcile.Storage
func (s *Storage) GetReceiptByInvoice(ctx context.Context, invoiceID string) (*reconcile.Receipt, error) {
	var receipt reconcile.Receipt
	var periodStart, periodEnd *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, invoice_id, customer_id, status, currency, amount_paid,
			period_start, period_end, hosted_url, pdf_url, created_at
			FROM billing_receipts WHERE invoice_id = $1`,
		invoiceID).Scan(
		&receipt.ID, &receipt.UserID, &receipt.InvoiceID, &receipt.CustomerID,
		&receipt.Status, &receipt.Currency, &receipt.AmountPaid,
		&periodStart, &periodEnd, &receipt.HostedURL, &receipt.PDFURL, &receipt.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}

	if periodStart != nil {
		receipt.PeriodStart = *periodStart
	}
	if periodEnd != nil {
		receipt.PeriodEnd = *periodEnd
	}
	return &receipt, nil
}

// UpsertReceipt implements reconcile.Storage
func (s *Storage) UpsertReceipt(ctx context.Context, receipt *reconcile.Receipt) error {
	if receipt == nil || receipt.InvoiceID == "" {
		return fmt.Errorf("invalid receipt")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO billing_receipts (id, user_id, invoice_id, customer_id, status, currency,
			amount_paid, period_start, period_end, hosted_url, pdf_url, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (invoice_id) DO UPDATE SET
				status = EXCLUDED.status,
				currency = EXCLUDED.currency,
				amount_paid = EXCLUDED.amount_paid,
				period_start = EXCLUDED.period_start,
				period_end = EXCLUDED.period_end,
				hosted_url = EXCLUDED.hosted_url,
				pdf_url = EXCLUDED.pdf_url`,
		receipt.ID, receipt.UserID, receipt.InvoiceID, receipt.CustomerID,
		receipt.Status, receipt.Currency, receipt.AmountPaid,
		receipt.PeriodStart, receipt.PeriodEnd, receipt.HostedURL, receipt.PDFURL, receipt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert receipt: %w", err)
	}
	return nil
}

// HasProcessedEvent implements reconcile.Storage
func (s *Storage) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`,
		eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}

// RecordProcessedEvent implements reconcile.Storage
func (s *Storage) RecordProcessedEvent(ctx context.Context, record *reconcile.ProcessedEvent) error {
	if record == nil || record.EventID == "" {
		return fmt.Errorf("invalid processed-event record")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO processed_events (event_id, event_type, processed_at, request_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (event_id) DO NOTHING`,
		record.EventID, record.EventType, record.ProcessedAt, record.RequestID,
	)
	if err != nil {
		return fmt.Errorf("failed to record processed event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPass(row rowScanner) (*reconcile.Pass, error) {
	var pass reconcile.Pass
	var tier string
	var expiresAt *time.Time

	err := row.Scan(
		&pass.ID, &pass.UserID, &tier, &pass.UsesRemaining,
		&pass.PurchasedAt, &expiresAt, &pass.ExternalRef, &pass.CheckoutSessionID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrPassNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pass: %w", err)
	}

	pass.Tier = reconcile.Tier(tier)
	pass.ExpiresAt = expiresAt
	return &pass, nil
}
