package subsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const kindUnknown = "unknown"

// Reconciler applies billing events to subscription state.
// It is the only component that decides how a subscription changes.
type Reconciler struct {
	auth         Authenticator
	repo         Repository
	users        UserDirectory
	plans        *PlanResolver
	clock        Clock
	logger       Logger
	metrics      Metrics
	onReconciled func(ctx context.Context, change Change)
}

// NewReconciler creates a new Reconciler with the given configuration
func NewReconciler(config Config) (*Reconciler, error) {
	if config.Authenticator == nil {
		return nil, ErrAuthenticatorRequired
	}
	if config.Repository == nil || config.Users == nil {
		return nil, ErrStorageUnavailable
	}

	if config.Clock == nil {
		config.Clock = SystemClock{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &Reconciler{
		auth:         config.Authenticator,
		repo:         config.Repository,
		users:        config.Users,
		plans:        NewPlanResolver(config.MonthlyPlanID),
		clock:        config.Clock,
		logger:       config.Logger,
		metrics:      config.Metrics,
		onReconciled: config.OnReconciled,
	}, nil
}

// HandleBillingEvent authenticates, classifies and applies one inbound field set.
// Authentication and classification failures return before any collaborator is called.
func (r *Reconciler) HandleBillingEvent(ctx context.Context, fields map[string]string) Result {
	start := time.Now()
	res := r.handle(ctx, fields)
	r.observe(res, start)
	return res
}

// Apply applies an event that was already authenticated and classified
func (r *Reconciler) Apply(ctx context.Context, ev Event) Result {
	start := time.Now()
	res := r.apply(ctx, ev)
	r.observe(res, start)
	return res
}

func (r *Reconciler) handle(ctx context.Context, fields map[string]string) Result {
	if !r.auth.Verify(fields) {
		r.logger.Warn("billing event rejected: signature mismatch",
			Field{Key: "alert_name", Value: fields[FieldAlertName]},
			Field{Key: "alert_id", Value: fields[FieldAlertID]},
		)
		return Result{Outcome: OutcomeRejectedBadSignature, Err: ErrBadSignature}
	}

	ev, err := Classify(fields)
	if err != nil {
		return r.rejectClassification(err)
	}
	return r.apply(ctx, ev)
}

func (r *Reconciler) rejectClassification(err error) Result {
	var classErr *ClassificationError
	if !errors.As(err, &classErr) {
		return Result{Outcome: OutcomeInternalError, Err: err}
	}

	res := Result{Field: classErr.Field, Err: err}
	switch classErr.Reason {
	case ReasonUnknownKind:
		res.Outcome = OutcomeRejectedUnknownEvent
	case ReasonMissingField:
		res.Kind = Kind(classErr.Kind)
		res.Outcome = OutcomeRejectedMissingField
	default:
		res.Kind = Kind(classErr.Kind)
		res.Outcome = OutcomeRejectedMalformedField
	}

	r.logger.Warn("billing event rejected: malformed payload",
		Field{Key: "reason", Value: string(classErr.Reason)},
		Field{Key: "alert_name", Value: classErr.Kind},
		Field{Key: "field", Value: classErr.Field},
		Field{Key: "error", Value: err.Error()},
	)
	return res
}

func (r *Reconciler) apply(ctx context.Context, ev Event) Result {
	switch e := ev.(type) {
	case SubscriptionCreated:
		return r.applyCreated(ctx, e)
	case PaymentSucceeded:
		return r.applyPaymentSucceeded(ctx, e)
	case SubscriptionCancelled:
		return r.applyCancelled(ctx, e)
	case SubscriptionUpdated:
		return r.applyUpdated(ctx, e)
	}
	return Result{Outcome: OutcomeRejectedUnknownEvent, Err: fmt.Errorf("unsupported event %T", ev)}
}

func (r *Reconciler) applyCreated(ctx context.Context, e SubscriptionCreated) Result {
	user, err := r.users.FindUserByEmail(ctx, e.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			r.logger.Error("subscription created for unknown account",
				Field{Key: "email", Value: e.Email},
				Field{Key: "subscription_id", Value: e.SubscriptionID},
				Field{Key: "alert_id", Value: e.AlertID},
			)
			return Result{Outcome: OutcomeRejectedUnknownUser, Kind: e.Kind(), Err: err}
		}
		return r.internalError(e, "user lookup failed", err)
	}

	plan := r.plans.Resolve(e.PlanID)
	now := r.clock.Now()

	var previous *Subscription
	sub, err := r.repo.UpdateByUser(ctx, user.ID, func(existing *Subscription) (*Subscription, error) {
		if existing == nil {
			previous = nil
			return &Subscription{
				UserID:       user.ID,
				ExternalID:   e.SubscriptionID,
				Plan:         plan,
				NextBillDate: e.NextBillDate,
				EventTime:    now,
				CancelURL:    e.CancelURL,
				UpdateURL:    e.UpdateURL,
			}, nil
		}

		prev := *existing
		previous = &prev

		existing.CancelURL = e.CancelURL
		existing.UpdateURL = e.UpdateURL
		existing.ExternalID = e.SubscriptionID
		existing.EventTime = now
		existing.NextBillDate = e.NextBillDate
		existing.Plan = plan
		// a new enrollment supersedes an earlier cancellation
		existing.Cancelled = false
		return existing, nil
	})
	if errors.Is(err, ErrExternalIDConflict) {
		r.logger.Error("subscription id already recorded for another account",
			Field{Key: "user_id", Value: user.ID},
			Field{Key: "subscription_id", Value: e.SubscriptionID},
			Field{Key: "alert_id", Value: e.AlertID},
		)
		return Result{Outcome: OutcomeRejectedConflict, Kind: e.Kind(), Err: err}
	}
	if err != nil {
		return r.internalError(e, "failed to record subscription", err)
	}

	if previous == nil {
		r.logger.Info("subscription created",
			Field{Key: "user_id", Value: user.ID},
			Field{Key: "subscription_id", Value: sub.ExternalID},
			Field{Key: "plan", Value: string(sub.Plan)},
		)
	} else {
		r.logger.Info("existing subscription replaced by new enrollment",
			Field{Key: "user_id", Value: user.ID},
			Field{Key: "subscription_id", Value: sub.ExternalID},
			Field{Key: "previous_subscription_id", Value: previous.ExternalID},
			Field{Key: "plan", Value: string(sub.Plan)},
			Field{Key: "was_cancelled", Value: previous.Cancelled},
		)
	}

	return r.commit(ctx, e, previous, sub)
}

func (r *Reconciler) applyPaymentSucceeded(ctx context.Context, e PaymentSucceeded) Result {
	now := r.clock.Now()

	var previous *Subscription
	sub, err := r.repo.UpdateByExternalID(ctx, e.SubscriptionID, func(existing *Subscription) (*Subscription, error) {
		prev := *existing
		previous = &prev

		existing.EventTime = now
		existing.NextBillDate = e.NextBillDate
		return existing, nil
	})
	if errors.Is(err, ErrSubscriptionNotFound) {
		// The payment notification can arrive before subscription_created.
		r.logger.Debug("payment for unrecorded subscription ignored",
			Field{Key: "subscription_id", Value: e.SubscriptionID},
			Field{Key: "alert_id", Value: e.AlertID},
		)
		return Result{Outcome: OutcomeNoOp, Kind: e.Kind()}
	}
	if err != nil {
		return r.internalError(e, "failed to record payment", err)
	}

	r.logger.Debug("subscription renewed",
		Field{Key: "user_id", Value: sub.UserID},
		Field{Key: "subscription_id", Value: sub.ExternalID},
		Field{Key: "next_bill_date", Value: sub.NextBillDate.Format(DateLayout)},
	)
	return r.commit(ctx, e, previous, sub)
}

func (r *Reconciler) applyCancelled(ctx context.Context, e SubscriptionCancelled) Result {
	now := r.clock.Now()

	var previous *Subscription
	sub, err := r.repo.UpdateByExternalID(ctx, e.SubscriptionID, func(existing *Subscription) (*Subscription, error) {
		prev := *existing
		previous = &prev

		existing.EventTime = now
		existing.Cancelled = true
		return existing, nil
	})
	if errors.Is(err, ErrSubscriptionNotFound) {
		return r.divergence(e, e.SubscriptionID)
	}
	if err != nil {
		return r.internalError(e, "failed to record cancellation", err)
	}

	// The effective date normally equals next_bill_date; it is informational only.
	r.logger.Warn("subscription cancelled",
		Field{Key: "user_id", Value: sub.UserID},
		Field{Key: "subscription_id", Value: sub.ExternalID},
		Field{Key: "cancellation_effective_date", Value: e.CancellationEffectiveDate.Format(DateLayout)},
		Field{Key: "next_bill_date", Value: sub.NextBillDate.Format(DateLayout)},
	)
	return r.commit(ctx, e, previous, sub)
}

func (r *Reconciler) applyUpdated(ctx context.Context, e SubscriptionUpdated) Result {
	plan := r.plans.Resolve(e.PlanID)
	now := r.clock.Now()

	var previous *Subscription
	sub, err := r.repo.UpdateByExternalID(ctx, e.SubscriptionID, func(existing *Subscription) (*Subscription, error) {
		prev := *existing
		previous = &prev

		existing.Plan = plan
		existing.CancelURL = e.CancelURL
		existing.UpdateURL = e.UpdateURL
		existing.EventTime = now
		existing.NextBillDate = e.NextBillDate
		// an update always means the subscription is live going forward
		existing.Cancelled = false
		return existing, nil
	})
	if errors.Is(err, ErrSubscriptionNotFound) {
		return r.divergence(e, e.SubscriptionID)
	}
	if err != nil {
		return r.internalError(e, "failed to record subscription update", err)
	}

	r.logger.Info("subscription updated",
		Field{Key: "user_id", Value: sub.UserID},
		Field{Key: "subscription_id", Value: sub.ExternalID},
		Field{Key: "plan", Value: string(sub.Plan)},
		Field{Key: "previous_plan", Value: string(previous.Plan)},
		Field{Key: "next_bill_date", Value: sub.NextBillDate.Format(DateLayout)},
	)
	return r.commit(ctx, e, previous, sub)
}

func (r *Reconciler) commit(ctx context.Context, ev Event, previous, current *Subscription) Result {
	fromPlan := "none"
	if previous != nil {
		fromPlan = string(previous.Plan)
	}
	if previous == nil || previous.Plan != current.Plan {
		r.metrics.RecordPlanChange(fromPlan, string(current.Plan))
	}

	if r.onReconciled != nil {
		cur := *current
		change := Change{Kind: ev.Kind(), Current: &cur}
		if previous != nil {
			prev := *previous
			change.Previous = &prev
		}
		r.onReconciled(ctx, change)
	}

	return Result{Outcome: OutcomeOK, Kind: ev.Kind(), Subscription: current}
}

func (r *Reconciler) divergence(ev Event, subscriptionID string) Result {
	r.logger.Error("billing event references unknown subscription",
		Field{Key: "alert_name", Value: string(ev.Kind())},
		Field{Key: "alert_id", Value: ev.Alert()},
		Field{Key: "subscription_id", Value: subscriptionID},
	)
	return Result{
		Outcome: OutcomeRejectedNoSuchSubscription,
		Kind:    ev.Kind(),
		Err:     fmt.Errorf("%s %s: %w", ev.Kind(), subscriptionID, ErrSubscriptionNotFound),
	}
}

func (r *Reconciler) internalError(ev Event, msg string, err error) Result {
	r.logger.Error(msg,
		Field{Key: "alert_name", Value: string(ev.Kind())},
		Field{Key: "alert_id", Value: ev.Alert()},
		Field{Key: "error", Value: err.Error()},
	)
	return Result{Outcome: OutcomeInternalError, Kind: ev.Kind(), Err: fmt.Errorf("%s: %w", msg, err)}
}

func (r *Reconciler) observe(res Result, start time.Time) {
	kind := string(res.Kind)
	if kind == "" {
		kind = kindUnknown
	}
	r.metrics.RecordEvent(kind, res.Outcome.String())
	r.metrics.RecordEventDuration(kind, time.Since(start))
}
