package subsync

import "context"

// MutateFunc computes the record to persist from the current one.
// existing is nil when no record matches the key. Returning an error aborts the
// write and is passed back to the caller unchanged.
type MutateFunc func(existing *Subscription) (*Subscription, error)

// Repository defines the interface for subscription persistence.
//
// The Update methods are the only write path. Each runs its lookup and write as one
// atomic unit: no other Update for the same record may interleave between them.
// Implementations must hand fn a copy it may modify freely and must not call fn
// while holding resources another Update needs to make progress on a different record.
type Repository interface {
	// GetByUser returns the subscription owned by userID or ErrSubscriptionNotFound
	GetByUser(ctx context.Context, userID string) (*Subscription, error)

	// GetByExternalID returns the subscription with the provider id or ErrSubscriptionNotFound
	GetByExternalID(ctx context.Context, externalID string) (*Subscription, error)

	// UpdateByUser locks the record owned by userID (or its absence), calls fn and
	// inserts or replaces the record with fn's result.
	UpdateByUser(ctx context.Context, userID string, fn MutateFunc) (*Subscription, error)

	// UpdateByExternalID locks the record with the provider id, calls fn and replaces it.
	// Returns ErrSubscriptionNotFound without calling fn when no record matches.
	UpdateByExternalID(ctx context.Context, externalID string, fn MutateFunc) (*Subscription, error)
}

// UserDirectory resolves accounts by email
type UserDirectory interface {
	// FindUserByEmail returns the account or ErrUserNotFound
	FindUserByEmail(ctx context.Context, email string) (*User, error)
}
