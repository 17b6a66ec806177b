package subsync

// Outcome is the engine's verdict on one inbound event
type Outcome int

const (
	// OutcomeOK means the event was applied
	OutcomeOK Outcome = iota
	// OutcomeNoOp means the event was recognized but there was nothing to apply
	// (a payment for a subscription not recorded yet)
	OutcomeNoOp
	OutcomeRejectedBadSignature
	OutcomeRejectedUnknownEvent
	OutcomeRejectedMissingField
	OutcomeRejectedMalformedField
	// OutcomeRejectedNoSuchSubscription signals provider and local state have diverged
	OutcomeRejectedNoSuchSubscription
	OutcomeRejectedUnknownUser
	// OutcomeRejectedConflict means the subscription id is already recorded for another
	// account; redelivery cannot succeed until the records are repaired
	OutcomeRejectedConflict
	// OutcomeInternalError is a transient failure; the delivery is safe to retry
	OutcomeInternalError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNoOp:
		return "noop"
	case OutcomeRejectedBadSignature:
		return "rejected_bad_signature"
	case OutcomeRejectedUnknownEvent:
		return "rejected_unknown_event"
	case OutcomeRejectedMissingField:
		return "rejected_missing_field"
	case OutcomeRejectedMalformedField:
		return "rejected_malformed_field"
	case OutcomeRejectedNoSuchSubscription:
		return "rejected_no_such_subscription"
	case OutcomeRejectedUnknownUser:
		return "rejected_unknown_user"
	case OutcomeRejectedConflict:
		return "rejected_conflict"
	case OutcomeInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// Result is returned by HandleBillingEvent and Apply
type Result struct {
	Outcome Outcome

	// Kind is empty when the event was rejected before classification
	Kind Kind

	// Field names the offending field for missing and malformed field rejections
	Field string

	// Subscription is the record as committed, set only for OutcomeOK
	Subscription *Subscription

	// Err carries the underlying cause of rejections and internal errors
	Err error
}

// Accepted reports whether the provider should consider the delivery successful
func (r Result) Accepted() bool {
	return r.Outcome == OutcomeOK || r.Outcome == OutcomeNoOp
}

// Retryable reports whether redelivering the same event may succeed
func (r Result) Retryable() bool {
	return r.Outcome == OutcomeInternalError
}
