// Package memory provides an in-memory implementation of the
// reconcile.Storage interface. This implementation is primarily intended for
// testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/resumelens/reconcile/pkg/reconcile"
)

// Storage implements reconcile.Storage using in-memory maps
type Storage struct {
	mu        sync.RWMutex
	passes    map[string]*reconcile.Pass    // pass id -> pass
	bySession map[string]string             // checkout session id -> pass id
	receipts  map[string]*reconcile.Receipt // invoice id -> receipt
	events    map[string]*reconcile.ProcessedEvent
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		passes:    make(map[string]*reconcile.Pass),
		bySession: make(map[string]string),
		receipts:  make(map[string]*reconcile.Receipt),
		events:    make(map[string]*reconcile.ProcessedEvent),
	}
}

// GetPassBySession implements reconcile.Storage
func (s *Storage) GetPassBySession(ctx context.Context, sessionID string) (*reconcile.Pass, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	passID, ok := s.bySession[sessionID]
	if !ok {
		return nil, reconcile.ErrPassNotFound
	}
	pass, ok := s.passes[passID]
	if !ok {
		return nil, reconcile.ErrPassNotFound
	}

	// Return a copy to prevent external mutations
	passCopy := *pass
	return &passCopy, nil
}

// ListPassesByExternalRef implements reconcile.Storage
func (s *Storage) ListPassesByExternalRef(ctx context.Context, externalRef string) ([]*reconcile.Pass, error) {
	if externalRef == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var passes []*reconcile.Pass
	for _, pass := range s.passes {
		if pass.ExternalRef == externalRef {
			passCopy := *pass
			passes = append(passes, &passCopy)
		}
	}
	return passes, nil
}

// InsertPass implements reconcile.Storage
func (s *Storage) InsertPass(ctx context.Context, pass *reconcile.Pass) error {
	if pass == nil || pass.ID == "" {
		return fmt.Errorf("invalid pass")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.passes[pass.ID]; exists {
		return fmt.Errorf("pass %s already exists", pass.ID)
	}

	passCopy := *pass
	s.passes[pass.ID] = &passCopy
	if pass.CheckoutSessionID != "" {
		s.bySession[pass.CheckoutSessionID] = pass.ID
	}
	return nil
}

// UpdatePass implements reconcile.Storage
func (s *Storage) UpdatePass(ctx context.Context, pass *reconcile.Pass) error {
	if pass == nil || pass.ID == "" {
		return fmt.Errorf("invalid pass")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.passes[pass.ID]
	if !exists {
		return reconcile.ErrPassNotFound
	}
	if old.CheckoutSessionID != pass.CheckoutSessionID {
		delete(s.bySession, old.CheckoutSessionID)
	}

	passCopy := *pass
	s.passes[pass.ID] = &passCopy
	if pass.CheckoutSessionID != "" {
		s.bySession[pass.CheckoutSessionID] = pass.ID
	}
	return nil
}

// GetReceiptByInvoice implements reconcile.Storage
func (s *Storage) GetReceiptByInvoice(ctx context.Context, invoiceID string) (*reconcile.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	receipt, ok := s.receipts[invoiceID]
	if !ok {
		return nil, reconcile.ErrReceiptNotFound
	}

	receiptCopy := *receipt
	return &receiptCopy, nil
}

// UpsertReceipt implements reconcile.Storage
func (s *Storage) UpsertReceipt(ctx context.Context, receipt *reconcile.Receipt) error {
	if receipt == nil || receipt.InvoiceID == "" {
		return fmt.Errorf("invalid receipt")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	receiptCopy := *receipt
	s.receipts[receipt.InvoiceID] = &receiptCopy
	return nil
}

// HasProcessedEvent implements reconcile.Storage
func (s *Storage) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.events[eventID]
	return ok, nil
}

// RecordProcessedEvent implements reconcile.Storage
func (s *Storage) RecordProcessedEvent(ctx context.Context, record *reconcile.ProcessedEvent) error {
	if record == nil || record.EventID == "" {
		return fmt.Errorf("invalid processed-event record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[record.EventID]; exists {
		// Re-recording the same event is a no-op, never an error.
		return nil
	}

	recordCopy := *record
	s.events[record.EventID] = &recordCopy
	return nil
}

// PassCount returns the number of stored passes. Intended for tests.
func (s *Storage) PassCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.passes)
}

// ReceiptCount returns the number of stored receipts. Intended for tests.
func (s *Storage) ReceiptCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.receipts)
}
