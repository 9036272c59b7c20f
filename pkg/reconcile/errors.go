package reconcile

import "errors"

var (
	// ErrNotConfigured is returned when a component is missing a required
	// dependency or secret
	ErrNotConfigured = errors.New("reconcile: not configured")

	// ErrPassNotFound is returned when no pass matches the lookup key
	ErrPassNotFound = errors.New("pass not found")

	// ErrReceiptNotFound is returned when no receipt matches the invoice id
	ErrReceiptNotFound = errors.New("receipt not found")

	// ErrUserNotFound is returned when the identity store has no user for
	// the given email
	ErrUserNotFound = errors.New("user not found")

	// ErrDirectoryUnavailable is returned when the identity store cannot be
	// reached or both creation and the fallback lookup failed
	ErrDirectoryUnavailable = errors.New("identity store unavailable")

	// ErrInvalidPayload is returned when an event payload is missing a field
	// required to process it
	ErrInvalidPayload = errors.New("invalid event payload")

	// ErrStorageUnavailable is returned when the row store is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)
