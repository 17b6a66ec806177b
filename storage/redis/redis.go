// Package redis provides a Redis implementation of the subsync.Repository
// and subsync.UserDirectory interfaces.
// Updates use optimistic transactions (WATCH/MULTI/EXEC) and are retried when a
// concurrent writer touches a watched key.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.Repository and subsync.UserDirectory using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subsync:")
	KeyPrefix string

	// MaxRetries is the maximum number of optimistic transaction attempts (default: 10)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "subsync:",
		MaxRetries: 10,
	}
}

// record is the JSON document stored per account
type record struct {
	UserID       string    `json:"user_id"`
	ExternalID   string    `json:"subscription_id"`
	Plan         string    `json:"plan"`
	Cancelled    bool      `json:"cancelled"`
	NextBillDate string    `json:"next_bill_date"`
	EventTime    time.Time `json:"event_time"`
	CancelURL    string    `json:"cancel_url"`
	UpdateURL    string    `json:"update_url"`
}

// getter is satisfied by both the client and a watched transaction
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type userRecord struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "subsync:"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 10
	}

	return &Storage{
		client: client,
		config: config,
	}, nil
}

// GetByUser implements subsync.Repository
func (s *Storage) GetByUser(ctx context.Context, userID string) (*subsync.Subscription, error) {
	return s.load(ctx, s.client, s.subscriptionKey(userID))
}

// GetByExternalID implements subsync.Repository
func (s *Storage) GetByExternalID(ctx context.Context, externalID string) (*subsync.Subscription, error) {
	userID, err := s.client.Get(ctx, s.externalIDKey(externalID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription index: %w", err)
	}

	sub, err := s.load(ctx, s.client, s.subscriptionKey(userID))
	if err != nil {
		return nil, err
	}
	if sub.ExternalID != externalID {
		return nil, subsync.ErrSubscriptionNotFound
	}
	return sub, nil
}

// UpdateByUser implements subsync.Repository
func (s *Storage) UpdateByUser(ctx context.Context, userID string,
	fn subsync.MutateFunc) (*subsync.Subscription, error) {
	if userID == "" {
		return nil, subsync.ErrInvalidSubscription
	}

	key := s.subscriptionKey(userID)
	return s.withRetry(ctx, func() (*subsync.Subscription, error) {
		var result *subsync.Subscription
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			existing, err := s.load(ctx, tx, key)
			if err != nil && !errors.Is(err, subsync.ErrSubscriptionNotFound) {
				return err
			}
			result, err = s.apply(ctx, tx, userID, existing, fn)
			return err
		}, key)
		return result, err
	})
}

// UpdateByExternalID implements subsync.Repository
func (s *Storage) UpdateByExternalID(ctx context.Context, externalID string,
	fn subsync.MutateFunc) (*subsync.Subscription, error) {
	indexKey := s.externalIDKey(externalID)
	return s.withRetry(ctx, func() (*subsync.Subscription, error) {
		var result *subsync.Subscription
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			userID, err := tx.Get(ctx, indexKey).Result()
			if errors.Is(err, redis.Nil) {
				return subsync.ErrSubscriptionNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to get subscription index: %w", err)
			}

			key := s.subscriptionKey(userID)
			if err := tx.Watch(ctx, key).Err(); err != nil {
				return fmt.Errorf("failed to watch subscription: %w", err)
			}
			existing, err := s.load(ctx, tx, key)
			if err != nil {
				return err
			}
			if existing.ExternalID != externalID {
				// stale index entry left behind by a replaced subscription
				return subsync.ErrSubscriptionNotFound
			}

			result, err = s.apply(ctx, tx, userID, existing, fn)
			return err
		}, indexKey)
		return result, err
	})
}

// apply runs fn and queues the write in a MULTI block.
// The block fails with redis.TxFailedErr if any watched key changed.
func (s *Storage) apply(ctx context.Context, tx *redis.Tx, userID string, existing *subsync.Subscription,
	fn subsync.MutateFunc) (*subsync.Subscription, error) {
	next, err := fn(existing)
	if err != nil {
		return nil, err
	}
	if next == nil || next.UserID != userID {
		return nil, subsync.ErrInvalidSubscription
	}

	var oldExternalID string
	if existing != nil {
		oldExternalID = existing.ExternalID
	}

	if next.ExternalID != "" && next.ExternalID != oldExternalID {
		newIndex := s.externalIDKey(next.ExternalID)
		if err := tx.Watch(ctx, newIndex).Err(); err != nil {
			return nil, fmt.Errorf("failed to watch subscription index: %w", err)
		}
		owner, err := tx.Get(ctx, newIndex).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to get subscription index: %w", err)
		}
		if err == nil && owner != userID {
			return nil, subsync.ErrExternalIDConflict
		}
	}

	data, err := json.Marshal(toRecord(next))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal subscription: %w", err)
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.subscriptionKey(userID), data, 0)
		if oldExternalID != "" && oldExternalID != next.ExternalID {
			pipe.Del(ctx, s.externalIDKey(oldExternalID))
		}
		if next.ExternalID != "" {
			pipe.Set(ctx, s.externalIDKey(next.ExternalID), userID, 0)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	saved := *next
	return &saved, nil
}

// withRetry repeats op while the optimistic transaction loses a race
func (s *Storage) withRetry(ctx context.Context,
	op func() (*subsync.Subscription, error)) (*subsync.Subscription, error) {
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		sub, err := op()
		if !errors.Is(err, redis.TxFailedErr) {
			return sub, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
	}
	return nil, fmt.Errorf("transaction failed after %d attempts: %w", s.config.MaxRetries, redis.TxFailedErr)
}

// AddUser registers an account with the user directory
func (s *Storage) AddUser(ctx context.Context, user subsync.User) error {
	if user.ID == "" || strings.TrimSpace(user.Email) == "" {
		return fmt.Errorf("invalid user")
	}

	data, err := json.Marshal(userRecord{ID: user.ID, Email: user.Email})
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	if err := s.client.Set(ctx, s.userEmailKey(user.Email), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set user: %w", err)
	}
	return nil
}

// FindUserByEmail implements subsync.UserDirectory
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*subsync.User, error) {
	data, err := s.client.Get(ctx, s.userEmailKey(email)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, subsync.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	var u userRecord
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &subsync.User{ID: u.ID, Email: u.Email}, nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) load(ctx context.Context, c getter, key string) (*subsync.Subscription, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return fromRecord(rec)
}

// subscriptionKey generates the Redis key for an account's subscription
func (s *Storage) subscriptionKey(userID string) string {
	return fmt.Sprintf("%ssubscription:%s", s.config.KeyPrefix, userID)
}

// externalIDKey generates the Redis key mapping a provider subscription id to its account
func (s *Storage) externalIDKey(externalID string) string {
	return fmt.Sprintf("%ssubscription_id:%s", s.config.KeyPrefix, externalID)
}

// userEmailKey generates the Redis key for an account looked up by email
func (s *Storage) userEmailKey(email string) string {
	return fmt.Sprintf("%suser_email:%s", s.config.KeyPrefix, strings.ToLower(strings.TrimSpace(email)))
}

func toRecord(sub *subsync.Subscription) record {
	return record{
		UserID:       sub.UserID,
		ExternalID:   sub.ExternalID,
		Plan:         string(sub.Plan),
		Cancelled:    sub.Cancelled,
		NextBillDate: sub.NextBillDate.Format(subsync.DateLayout),
		EventTime:    sub.EventTime.UTC(),
		CancelURL:    sub.CancelURL,
		UpdateURL:    sub.UpdateURL,
	}
}

func fromRecord(rec record) (*subsync.Subscription, error) {
	bill, err := subsync.ParseDate(rec.NextBillDate)
	if err != nil {
		return nil, fmt.Errorf("corrupt next_bill_date for %s: %w", rec.UserID, err)
	}
	return &subsync.Subscription{
		UserID:       rec.UserID,
		ExternalID:   rec.ExternalID,
		Plan:         subsync.Plan(rec.Plan),
		Cancelled:    rec.Cancelled,
		NextBillDate: bill,
		EventTime:    rec.EventTime.UTC(),
		CancelURL:    rec.CancelURL,
		UpdateURL:    rec.UpdateURL,
	}, nil
}
