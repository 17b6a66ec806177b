package subsync

import (
	"errors"
	"fmt"
)

var (
	// ErrSubscriptionNotFound is returned when no subscription matches the lookup key
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrUserNotFound is returned when the user directory has no account for an email
	ErrUserNotFound = errors.New("user not found")

	// ErrExternalIDConflict is returned when an external subscription id is already owned by another user
	ErrExternalIDConflict = errors.New("external subscription id belongs to another user")

	// ErrInvalidSubscription is returned for records missing a user id
	ErrInvalidSubscription = errors.New("invalid subscription")

	// ErrStorageUnavailable is returned when a required collaborator is missing
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrBadSignature is reported when an inbound field set fails authentication
	ErrBadSignature = errors.New("billing event signature mismatch")

	// ErrAuthenticatorRequired is returned when a Reconciler is built without an Authenticator
	ErrAuthenticatorRequired = errors.New("authenticator is required")
)

// ClassificationReason tells why a field set could not be classified
type ClassificationReason string

const (
	ReasonUnknownKind    ClassificationReason = "unknown_event_kind"
	ReasonMissingField   ClassificationReason = "missing_field"
	ReasonMalformedField ClassificationReason = "malformed_field"
)

// ClassificationError is returned by Classify for payloads that are not a recognized event
type ClassificationError struct {
	Reason ClassificationReason

	// Kind is the alert name as received (may be empty)
	Kind string

	// Field names the offending field for missing and malformed errors
	Field string

	Err error
}

func (e *ClassificationError) Error() string {
	switch e.Reason {
	case ReasonUnknownKind:
		return fmt.Sprintf("unknown event kind %q", e.Kind)
	case ReasonMissingField:
		return fmt.Sprintf("%s: missing required field %q", e.Kind, e.Field)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: malformed field %q: %v", e.Kind, e.Field, e.Err)
		}
		return fmt.Sprintf("%s: malformed field %q", e.Kind, e.Field)
	}
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}
