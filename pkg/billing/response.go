package billing

import (
	"net/http"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Response bodies written back to the provider
const (
	BodyOK                 = "OK"
	BodyRejected           = "KO"
	BodyNoSuchSubscription = "No such subscription"
	BodyInternalError      = "failed to process webhook"
)

// StatusCode maps a reconciliation result to the HTTP status returned to the provider.
// Accepted results are 200, rejections are 400 and are not redelivered,
// internal errors are 500 so the provider retries.
func StatusCode(res subsync.Result) int {
	switch {
	case res.Accepted():
		return http.StatusOK
	case res.Retryable():
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// ResponseBody returns the plain-text body that accompanies StatusCode
func ResponseBody(res subsync.Result) string {
	switch {
	case res.Accepted():
		return BodyOK
	case res.Retryable():
		return BodyInternalError
	case res.Outcome == subsync.OutcomeRejectedNoSuchSubscription:
		return BodyNoSuchSubscription
	default:
		return BodyRejected
	}
}

// ErrorType returns the webhook error label for a non-accepted result, or "" when accepted
func ErrorType(res subsync.Result) string {
	switch res.Outcome {
	case subsync.OutcomeOK, subsync.OutcomeNoOp:
		return ""
	case subsync.OutcomeRejectedBadSignature:
		return "auth_failed"
	case subsync.OutcomeRejectedNoSuchSubscription, subsync.OutcomeRejectedUnknownUser,
		subsync.OutcomeRejectedConflict:
		return "state_divergence"
	case subsync.OutcomeInternalError:
		return "processing_error"
	default:
		return "invalid_payload"
	}
}

// EventType returns the metric label for the result's event kind
func EventType(res subsync.Result) string {
	if res.Kind == "" {
		return "unknown"
	}
	return string(res.Kind)
}
