package reconcile

import (
	"context"
)

// Storage defines the row-store interface the reconciliation engine writes
// through. All methods use concrete types from this package.
//
// Implementations must make UpsertReceipt and RecordProcessedEvent idempotent
// by their natural keys (invoice id, event id). Pass uniqueness by checkout
// session id is enforced read-then-write by the PassManager, so InsertPass
// only needs plain insert semantics.
type Storage interface {
	// GetPassBySession retrieves the pass created for a checkout session.
	// Returns ErrPassNotFound when absent.
	GetPassBySession(ctx context.Context, sessionID string) (*Pass, error)

	// ListPassesByExternalRef retrieves every pass carrying the given
	// processor subscription reference. An empty result is not an error.
	ListPassesByExternalRef(ctx context.Context, externalRef string) ([]*Pass, error)

	// InsertPass stores a new pass.
	InsertPass(ctx context.Context, pass *Pass) error

	// UpdatePass overwrites an existing pass by id.
	UpdatePass(ctx context.Context, pass *Pass) error

	// GetReceiptByInvoice retrieves the receipt for an invoice id.
	// Returns ErrReceiptNotFound when absent.
	GetReceiptByInvoice(ctx context.Context, invoiceID string) (*Receipt, error)

	// UpsertReceipt inserts the receipt, or overwrites the existing row with
	// the same invoice id.
	UpsertReceipt(ctx context.Context, receipt *Receipt) error

	// HasProcessedEvent reports whether an event id has already been recorded.
	HasProcessedEvent(ctx context.Context, eventID string) (bool, error)

	// RecordProcessedEvent stores a processed-event record. Recording the
	// same event id twice must not return an error.
	RecordProcessedEvent(ctx context.Context, record *ProcessedEvent) error
}

// Directory is the identity store the engine resolves users against.
// It is an external collaborator: the engine only lists, lazily creates,
// and asks it to notify.
type Directory interface {
	// ListUsers returns one page of users and whether more pages follow.
	// Pages are zero-based.
	ListUsers(ctx context.Context, page, pageSize int) ([]User, bool, error)

	// CreateUser creates a user for the given email. Returns an error if the
	// email is already taken (concurrent creation races surface here).
	CreateUser(ctx context.Context, email string) (*User, error)

	// SendPasswordlessLogin asks the identity provider to send a login link
	// to the email. Best-effort: callers swallow failures.
	SendPasswordlessLogin(ctx context.Context, email string) error
}
