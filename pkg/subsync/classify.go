package subsync

import (
	"strings"
	"time"
)

// Provider field names
const (
	FieldAlertName                 = "alert_name"
	FieldAlertID                   = "alert_id"
	FieldEmail                     = "email"
	FieldPlanID                    = "subscription_plan_id"
	FieldSubscriptionID            = "subscription_id"
	FieldCancelURL                 = "cancel_url"
	FieldUpdateURL                 = "update_url"
	FieldNextBillDate              = "next_bill_date"
	FieldCancellationEffectiveDate = "cancellation_effective_date"
)

// DateLayout is the provider's calendar date format
const DateLayout = "2006-01-02"

// Classify maps a verified field set to a typed Event.
// It returns a *ClassificationError for unknown kinds and missing or malformed fields.
func Classify(fields map[string]string) (Event, error) {
	kind := strings.TrimSpace(fields[FieldAlertName])
	c := classifier{fields: fields, kind: kind}

	switch Kind(kind) {
	case KindSubscriptionCreated:
		ev := SubscriptionCreated{
			AlertID:        c.optional(FieldAlertID),
			Email:          c.required(FieldEmail),
			PlanID:         c.required(FieldPlanID),
			SubscriptionID: c.required(FieldSubscriptionID),
			CancelURL:      c.required(FieldCancelURL),
			UpdateURL:      c.required(FieldUpdateURL),
			NextBillDate:   c.date(FieldNextBillDate),
		}
		return c.result(ev)

	case KindPaymentSucceeded:
		ev := PaymentSucceeded{
			AlertID:        c.optional(FieldAlertID),
			SubscriptionID: c.required(FieldSubscriptionID),
			NextBillDate:   c.date(FieldNextBillDate),
		}
		return c.result(ev)

	case KindSubscriptionCancelled:
		ev := SubscriptionCancelled{
			AlertID:                   c.optional(FieldAlertID),
			SubscriptionID:            c.required(FieldSubscriptionID),
			CancellationEffectiveDate: c.date(FieldCancellationEffectiveDate),
		}
		return c.result(ev)

	case KindSubscriptionUpdated:
		ev := SubscriptionUpdated{
			AlertID:        c.optional(FieldAlertID),
			SubscriptionID: c.required(FieldSubscriptionID),
			PlanID:         c.required(FieldPlanID),
			CancelURL:      c.required(FieldCancelURL),
			UpdateURL:      c.required(FieldUpdateURL),
			NextBillDate:   c.date(FieldNextBillDate),
		}
		return c.result(ev)
	}

	return nil, &ClassificationError{Reason: ReasonUnknownKind, Kind: kind}
}

// ParseDate parses a provider calendar date into UTC midnight
func ParseDate(value string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, strings.TrimSpace(value), time.UTC)
}

// classifier records the first field error and turns later reads into no-ops.
// Values are returned verbatim; only blankness is checked.
type classifier struct {
	fields map[string]string
	kind   string
	err    error
}

func (c *classifier) result(ev Event) (Event, error) {
	if c.err != nil {
		return nil, c.err
	}
	return ev, nil
}

func (c *classifier) optional(name string) string {
	return strings.TrimSpace(c.fields[name])
}

func (c *classifier) required(name string) string {
	if c.err != nil {
		return ""
	}
	v := c.fields[name]
	if strings.TrimSpace(v) == "" {
		c.err = &ClassificationError{Reason: ReasonMissingField, Kind: c.kind, Field: name}
	}
	return v
}

func (c *classifier) date(name string) time.Time {
	v := c.required(name)
	if c.err != nil {
		return time.Time{}
	}
	d, err := ParseDate(v)
	if err != nil {
		c.err = &ClassificationError{Reason: ReasonMalformedField, Kind: c.kind, Field: name, Err: err}
		return time.Time{}
	}
	return d
}
