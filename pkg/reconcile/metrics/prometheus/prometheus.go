package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements reconcile.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
	passesGrantedTotal        *prometheus.CounterVec
	passesRenewedTotal        *prometheus.CounterVec
	subscriptionSyncsTotal    *prometheus.CounterVec
	receiptsUpsertedTotal     *prometheus.CounterVec
	receiptsDroppedTotal      *prometheus.CounterVec
	usersCreatedTotal         prometheus.Counter
	providerCallsTotal        *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation for the
// reconciliation engine.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Total number of webhook events received from the payment processor.",
		}, []string{"event_type", "status"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_processing_duration_seconds",
			Help:      "Duration of webhook processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_errors_total",
			Help:      "Total number of webhook processing errors.",
		}, []string{"error_type"}),

		passesGrantedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "passes_granted_total",
			Help:      "Total number of passes created from completed checkouts.",
		}, []string{"tier"}),

		passesRenewedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "passes_renewed_total",
			Help:      "Total number of recurring passes updated in place.",
		}, []string{"tier"}),

		subscriptionSyncsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "subscription_syncs_total",
			Help:      "Total number of subscription status updates applied to passes.",
		}, []string{"status"}),

		receiptsUpsertedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "receipts_upserted_total",
			Help:      "Total number of invoice receipts written.",
		}, []string{"status"}),

		receiptsDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "receipts_dropped_total",
			Help:      "Total number of invoice receipts dropped without a resolvable owner.",
		}, []string{"reason"}),

		usersCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "users_created_total",
			Help:      "Total number of users lazily created from billing events.",
		}),

		providerCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "provider_calls_total",
			Help:      "Total number of outbound calls to the payment processor.",
		}, []string{"endpoint", "status"}),
	}
}

func (m *Metrics) RecordWebhookEvent(eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(errorType string) {
	m.webhookErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) RecordPassGranted(tier string) {
	m.passesGrantedTotal.WithLabelValues(tier).Inc()
}

func (m *Metrics) RecordPassRenewed(tier string) {
	m.passesRenewedTotal.WithLabelValues(tier).Inc()
}

func (m *Metrics) RecordSubscriptionSync(status string) {
	m.subscriptionSyncsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordReceiptUpserted(status string) {
	m.receiptsUpsertedTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordReceiptDropped(reason string) {
	m.receiptsDroppedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordUserCreated() {
	m.usersCreatedTotal.Inc()
}

func (m *Metrics) RecordProviderCall(endpoint, status string) {
	m.providerCallsTotal.WithLabelValues(endpoint, status).Inc()
}

// DefaultMetrics creates Metrics registered on the default Prometheus
// registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
