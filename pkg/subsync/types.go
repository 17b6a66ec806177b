package subsync

import (
	"context"
	"time"
)

// Plan is the internal billing plan of a subscription
type Plan string

const (
	// PlanMonthly is billed every month
	PlanMonthly Plan = "monthly"
	// PlanYearly is billed every year
	PlanYearly Plan = "yearly"
)

// Subscription is the canonical per-account record of paid-plan entitlement
type Subscription struct {
	UserID       string
	ExternalID   string
	Plan         Plan
	Cancelled    bool
	NextBillDate time.Time
	EventTime    time.Time
	CancelURL    string
	UpdateURL    string
}

// Active reports whether the paid plan is usable at now.
// A cancelled subscription stays usable through its last billed day.
func (s *Subscription) Active(now time.Time) bool {
	if !s.Cancelled {
		return true
	}
	return now.Before(s.NextBillDate.AddDate(0, 0, 1))
}

// User is an account returned by the user directory
type User struct {
	ID    string
	Email string
}

// Kind identifies a billing event type using the provider's alert names
type Kind string

const (
	KindSubscriptionCreated   Kind = "subscription_created"
	KindPaymentSucceeded      Kind = "subscription_payment_succeeded"
	KindSubscriptionCancelled Kind = "subscription_cancelled"
	KindSubscriptionUpdated   Kind = "subscription_updated"
)

// Event is a classified billing notification.
// Only Classify constructs events; the set of implementations is closed.
type Event interface {
	Kind() Kind
	// Alert returns the provider's alert id, empty when not supplied
	Alert() string
	event()
}

// SubscriptionCreated is a first-time enrollment
type SubscriptionCreated struct {
	AlertID        string
	Email          string
	PlanID         string
	SubscriptionID string
	CancelURL      string
	UpdateURL      string
	NextBillDate   time.Time
}

// PaymentSucceeded confirms a recurring charge
type PaymentSucceeded struct {
	AlertID        string
	SubscriptionID string
	NextBillDate   time.Time
}

// SubscriptionCancelled is a user or provider initiated cancellation
type SubscriptionCancelled struct {
	AlertID                   string
	SubscriptionID            string
	CancellationEffectiveDate time.Time
}

// SubscriptionUpdated is a plan change or a change of renewal terms
type SubscriptionUpdated struct {
	AlertID        string
	SubscriptionID string
	PlanID         string
	CancelURL      string
	UpdateURL      string
	NextBillDate   time.Time
}

func (SubscriptionCreated) Kind() Kind   { return KindSubscriptionCreated }
func (PaymentSucceeded) Kind() Kind      { return KindPaymentSucceeded }
func (SubscriptionCancelled) Kind() Kind { return KindSubscriptionCancelled }
func (SubscriptionUpdated) Kind() Kind   { return KindSubscriptionUpdated }

func (e SubscriptionCreated) Alert() string   { return e.AlertID }
func (e PaymentSucceeded) Alert() string      { return e.AlertID }
func (e SubscriptionCancelled) Alert() string { return e.AlertID }
func (e SubscriptionUpdated) Alert() string   { return e.AlertID }

func (SubscriptionCreated) event()   {}
func (PaymentSucceeded) event()      {}
func (SubscriptionCancelled) event() {}
func (SubscriptionUpdated) event()   {}

// Authenticator verifies that a raw field set was issued by the billing provider
type Authenticator interface {
	Verify(fields map[string]string) bool
}

// AuthenticatorFunc adapts a function to the Authenticator interface
type AuthenticatorFunc func(fields map[string]string) bool

// Verify implements Authenticator
func (f AuthenticatorFunc) Verify(fields map[string]string) bool {
	return f(fields)
}

// Clock supplies the time stamped on applied events
type Clock interface {
	Now() time.Time
}

// SystemClock returns the wall clock in UTC
type SystemClock struct{}

// Now implements Clock
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// ClockFunc adapts a function to the Clock interface
type ClockFunc func() time.Time

// Now implements Clock
func (f ClockFunc) Now() time.Time {
	return f()
}

// Change describes a mutation applied by the Reconciler
type Change struct {
	Kind Kind

	// Previous is nil when the subscription was created by this event
	Previous *Subscription

	Current *Subscription
}

// Config configures a Reconciler
type Config struct {
	// Authenticator gates every inbound field set (required)
	Authenticator Authenticator

	// Repository persists subscriptions (required)
	Repository Repository

	// Users resolves subscriber emails to accounts (required)
	Users UserDirectory

	// MonthlyPlanID is the provider plan id billed monthly; every other id is yearly
	MonthlyPlanID string

	// Clock stamps event_time (default: SystemClock)
	Clock Clock

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics tracks reconciliation outcomes (default: NoopMetrics)
	Metrics Metrics

	// OnReconciled is called after a successful mutation (optional)
	OnReconciled func(ctx context.Context, change Change)
}
