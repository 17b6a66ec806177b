package paddle

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/internal"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// handleWebhook processes incoming Paddle webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	body, err := internal.ReadBodyStrict(w, r, p.maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			return
		}
		internal.WriteText(w, http.StatusBadRequest, billing.BodyRejected)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	fields, err := parseFields(body)
	if err != nil {
		p.logger.Warn("paddle webhook body is not form encoded",
			subsync.Field{Key: "error", Value: err.Error()},
		)
		internal.WriteText(w, http.StatusBadRequest, billing.BodyRejected)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	p.logger.Debug("paddle callback",
		subsync.Field{Key: "alert_name", Value: fields[subsync.FieldAlertName]},
		subsync.Field{Key: "alert_id", Value: fields[subsync.FieldAlertID]},
	)

	res := billing.Dispatch(r.Context(), p.handler, p.metrics, providerName, fields)
	internal.WriteText(w, billing.StatusCode(res), billing.ResponseBody(res))
}

func parseFields(body []byte) (map[string]string, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, errors.Join(billing.ErrInvalidWebhookPayload, err)
	}
	return billing.FieldsFromForm(form), nil
}
