package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/billing"
)

var _ billing.Metrics = (*Metrics)(nil)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

func TestMetrics_WebhookEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordWebhookEvent("paddle", "subscription_created", "ok")
	m.RecordWebhookEvent("paddle", "subscription_created", "ok")
	m.RecordWebhookEvent("paddle", "unknown", "rejected_bad_signature")

	mf := gather(t, reg)["test_billing_webhook_events_total"]
	require.NotNil(t, mf)
	require.Len(t, mf.GetMetric(), 2)

	var total float64
	for _, metric := range mf.GetMetric() {
		total += metric.GetCounter().GetValue()
	}
	assert.Equal(t, float64(3), total)

	labels := map[string]string{}
	for _, lp := range mf.GetMetric()[0].GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	assert.Contains(t, labels, "alert_name")
	assert.Contains(t, labels, "outcome")
	assert.Equal(t, "paddle", labels["provider"])
}

func TestMetrics_WebhookErrorsAndDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordWebhookError("paddle", "auth_failed")
	m.RecordWebhookProcessingDuration("paddle", "subscription_cancelled", 15*time.Millisecond)

	families := gather(t, reg)

	errs := families["test_billing_webhook_errors_total"]
	require.NotNil(t, errs)
	assert.Equal(t, float64(1), errs.GetMetric()[0].GetCounter().GetValue())

	hist := families["test_billing_webhook_processing_duration_seconds"]
	require.NotNil(t, hist)
	assert.Equal(t, uint64(1), hist.GetMetric()[0].GetHistogram().GetSampleCount())
}
