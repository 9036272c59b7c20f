package reconcile

import (
	"context"
	"time"
)

// EventLedger is the event-level idempotency gate. It is defense in depth:
// the per-resource keys in PassManager and ReceiptLedger stay authoritative
// because the ledger write is best-effort and may be lost to a crash.
type EventLedger struct {
	store  Storage
	logger Logger
	now    func() time.Time
}

// NewEventLedger creates an event ledger over the given storage.
func NewEventLedger(store Storage, logger Logger) *EventLedger {
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &EventLedger{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// HasProcessed reports whether the event id was already handled. A ledger
// read failure is treated as "not processed" so the request falls through to
// the resource-level guards instead of failing.
func (l *EventLedger) HasProcessed(ctx context.Context, eventID string) bool {
	if eventID == "" {
		return false
	}
	seen, err := l.store.HasProcessedEvent(ctx, eventID)
	if err != nil {
		l.logger.Warn("processed-event lookup failed",
			Field{Key: "event_id", Value: eventID},
			Field{Key: "error", Value: err.Error()},
		)
		return false
	}
	return seen
}

// RecordProcessed stores the processed-event record. Best-effort: a failure
// is logged and swallowed, it never changes the webhook response.
func (l *EventLedger) RecordProcessed(ctx context.Context, eventID, eventType, requestID string) {
	if eventID == "" {
		return
	}
	record := &ProcessedEvent{
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: l.now(),
		RequestID:   requestID,
	}
	if err := l.store.RecordProcessedEvent(ctx, record); err != nil {
		l.logger.Warn("failed to record processed event",
			Field{Key: "event_id", Value: eventID},
			Field{Key: "event_type", Value: eventType},
			Field{Key: "error", Value: err.Error()},
		)
	}
}
