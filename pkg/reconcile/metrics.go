package reconcile

import "time"

// Metrics defines the interface for tracking reconciliation operations.
// All methods are optional - components should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the payment
	// processor. status: "success", "error", or "deduped"
	RecordWebhookEvent(eventType, status string)

	// RecordWebhookProcessingDuration records how long a webhook took to process.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "processing_error"
	RecordWebhookError(errorType string)

	// RecordPassGranted records a freshly created pass.
	RecordPassGranted(tier string)

	// RecordPassRenewed records a recurring pass updated in place.
	RecordPassRenewed(tier string)

	// RecordSubscriptionSync records a subscription status applied to passes.
	RecordSubscriptionSync(status string)

	// RecordReceiptUpserted records a receipt write keyed by invoice status.
	RecordReceiptUpserted(status string)

	// RecordReceiptDropped records a receipt that could not be attributed
	// to a user. reason: e.g. "no_email", "unresolvable_user"
	RecordReceiptDropped(reason string)

	// RecordUserCreated records a user lazily created from an event payload.
	RecordUserCreated()

	// RecordProviderCall records an outbound call to the payment processor.
	// status: "success" or "error"
	RecordProviderCall(endpoint, status string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_ string)                               {}
func (n *NoopMetrics) RecordPassGranted(_ string)                                {}
func (n *NoopMetrics) RecordPassRenewed(_ string)                                {}
func (n *NoopMetrics) RecordSubscriptionSync(_ string)                           {}
func (n *NoopMetrics) RecordReceiptUpserted(_ string)                            {}
func (n *NoopMetrics) RecordReceiptDropped(_ string)                             {}
func (n *NoopMetrics) RecordUserCreated()                                        {}
func (n *NoopMetrics) RecordProviderCall(_, _ string)                            {}
