package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// Metrics implements billing.Metrics using Prometheus.
//
// Series are labelled by provider, alert name (the provider's event kind, or
// "unknown" when the notification was rejected before classification) and
// reconciliation outcome, so forged deliveries, divergences and retryable
// failures can be alerted on separately.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation for billing providers.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Billing notifications received, by alert name and reconciliation outcome (ok, noop, rejected_*, internal_error).",
		}, []string{"provider", "alert_name", "outcome"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_processing_duration_seconds",
			Help:      "Time from receiving a billing notification to answering the provider, in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "alert_name"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_errors_total",
			Help:      "Billing notifications not accepted, by class (auth_failed, invalid_payload, state_divergence, processing_error).",
		}, []string{"provider", "error_class"}),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, alertName, outcome string) {
	m.webhookEventsTotal.WithLabelValues(provider, alertName, outcome).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, alertName string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(provider, alertName).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorClass string) {
	m.webhookErrorsTotal.WithLabelValues(provider, errorClass).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) billing.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
