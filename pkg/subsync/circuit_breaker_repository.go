package subsync

import (
	"context"
	"time"
)

// CircuitBreakerRepository wraps a Repository and a UserDirectory with circuit breaker protection
// and storage operation metrics.
type CircuitBreakerRepository struct {
	repo    Repository
	users   UserDirectory
	cb      CircuitBreaker
	metrics Metrics
}

// NewCircuitBreakerRepository creates a new repository wrapper with circuit breaker.
// users may be nil when only the Repository side is needed.
func NewCircuitBreakerRepository(repo Repository, users UserDirectory, cb CircuitBreaker,
	metrics Metrics) *CircuitBreakerRepository {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &CircuitBreakerRepository{
		repo:    repo,
		users:   users,
		cb:      cb,
		metrics: metrics,
	}
}

func (r *CircuitBreakerRepository) GetByUser(ctx context.Context, userID string) (*Subscription, error) {
	var sub *Subscription
	err := r.execute(ctx, "get_by_user", func() error {
		var e error
		sub, e = r.repo.GetByUser(ctx, userID)
		return e
	})
	return sub, err
}

func (r *CircuitBreakerRepository) GetByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	var sub *Subscription
	err := r.execute(ctx, "get_by_external_id", func() error {
		var e error
		sub, e = r.repo.GetByExternalID(ctx, externalID)
		return e
	})
	return sub, err
}

func (r *CircuitBreakerRepository) UpdateByUser(ctx context.Context, userID string,
	fn MutateFunc) (*Subscription, error) {
	var sub *Subscription
	err := r.execute(ctx, "update_by_user", func() error {
		var e error
		sub, e = r.repo.UpdateByUser(ctx, userID, fn)
		return e
	})
	return sub, err
}

func (r *CircuitBreakerRepository) UpdateByExternalID(ctx context.Context, externalID string,
	fn MutateFunc) (*Subscription, error) {
	var sub *Subscription
	err := r.execute(ctx, "update_by_external_id", func() error {
		var e error
		sub, e = r.repo.UpdateByExternalID(ctx, externalID, fn)
		return e
	})
	return sub, err
}

// FindUserByEmail implements UserDirectory
func (r *CircuitBreakerRepository) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	if r.users == nil {
		return nil, ErrStorageUnavailable
	}
	var user *User
	err := r.execute(ctx, "find_user_by_email", func() error {
		var e error
		user, e = r.users.FindUserByEmail(ctx, email)
		return e
	})
	return user, err
}

func (r *CircuitBreakerRepository) execute(ctx context.Context, operation string, fn func() error) error {
	start := time.Now()
	err := r.cb.Execute(ctx, fn)
	r.metrics.RecordStorageOperation(operation, time.Since(start), err)
	return err
}
