package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// ErrSubscriptionInactive is returned by RequireActive for a cancelled subscription past its paid period
var ErrSubscriptionInactive = errors.New("subscription inactive")

// ErrPlanNotAllowed is returned by RequireActive when the subscription is on a different plan
var ErrPlanNotAllowed = errors.New("plan not allowed")

// RequireActive loads userID's subscription and checks it is usable at now.
// When plans is non-empty the subscription must be on one of them.
// Returns ErrNoSubscription, ErrSubscriptionInactive or ErrPlanNotAllowed on refusal;
// any other error is a storage failure.
func RequireActive(ctx context.Context, reader SubscriptionReader, userID string, now time.Time,
	plans ...subsync.Plan) (*subsync.Subscription, error) {
	sub, err := reader.GetByUser(ctx, userID)
	if errors.Is(err, subsync.ErrSubscriptionNotFound) {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !sub.Active(now) {
		return sub, ErrSubscriptionInactive
	}
	if len(plans) > 0 {
		for _, p := range plans {
			if sub.Plan == p {
				return sub, nil
			}
		}
		return sub, ErrPlanNotAllowed
	}
	return sub, nil
}

// IsRefusal reports whether err from RequireActive is a business refusal rather than a failure
func IsRefusal(err error) bool {
	return errors.Is(err, ErrNoSubscription) ||
		errors.Is(err, ErrSubscriptionInactive) ||
		errors.Is(err, ErrPlanNotAllowed)
}
