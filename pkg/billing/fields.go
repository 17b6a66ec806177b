package billing

import (
	"context"
	"net/url"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// FieldsFromForm flattens a decoded form into the field map the engine consumes.
// Only the first value of a repeated key is kept.
func FieldsFromForm(form url.Values) map[string]string {
	fields := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}
	return fields
}

// Dispatch hands fields to the handler and records webhook metrics for the result
func Dispatch(ctx context.Context, h EventHandler, m Metrics, provider string,
	fields map[string]string) subsync.Result {
	start := time.Now()
	res := h.HandleBillingEvent(ctx, fields)

	eventType := EventType(res)
	m.RecordWebhookEvent(provider, eventType, res.Outcome.String())
	if errType := ErrorType(res); errType != "" {
		m.RecordWebhookError(provider, errType)
	}
	m.RecordWebhookProcessingDuration(provider, eventType, time.Since(start))
	return res
}
