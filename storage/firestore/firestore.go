// Package firestore provides a Firestore implementation of the subsync.Repository
// and subsync.UserDirectory interfaces.
// Updates run inside Firestore transactions, which the client retries on contention.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.Repository and subsync.UserDirectory using Google Cloud Firestore
type Storage struct {
	client                    *firestore.Client
	subscriptionsCollection   string
	subscriptionIDsCollection string
	usersCollection           string
}

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection holds one document per account, keyed by user id
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// SubscriptionIDsCollection maps provider subscription ids to user ids
	// Default: "billing_subscription_ids"
	SubscriptionIDsCollection string

	// UsersCollection holds accounts with "email" and "emailLower" fields
	// Default: "users"
	UsersCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}
	if config.SubscriptionIDsCollection == "" {
		config.SubscriptionIDsCollection = "billing_subscription_ids"
	}
	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}

	return &Storage{
		client:                    client,
		subscriptionsCollection:   config.SubscriptionsCollection,
		subscriptionIDsCollection: config.SubscriptionIDsCollection,
		usersCollection:           config.UsersCollection,
	}, nil
}

// GetByUser implements subsync.Repository
func (s *Storage) GetByUser(ctx context.Context, userID string) (*subsync.Subscription, error) {
	snap, err := s.subscriptionDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, subsync.ErrSubscriptionNotFound
	}
	return subscriptionFromData(userID, snap.Data())
}

// GetByExternalID implements subsync.Repository
func (s *Storage) GetByExternalID(ctx context.Context, externalID string) (*subsync.Subscription, error) {
	snap, err := s.indexDoc(externalID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription index: %w", err)
	}

	sub, err := s.GetByUser(ctx, getString(snap.Data(), "userId"))
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

	var result *subsync.Subscription
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		existing, err := s.getInTx(tx, userID)
		if err != nil && !errors.Is(err, subsync.ErrSubscriptionNotFound) {
			return err
		}
		result, err = s.apply(tx, userID, existing, fn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateByExternalID implements subsync.Repository
func (s *Storage) UpdateByExternalID(ctx context.Context, externalID string,
	fn subsync.MutateFunc) (*subsync.Subscription, error) {
	var result *subsync.Subscription
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.indexDoc(externalID))
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return subsync.ErrSubscriptionNotFound
			}
			return err
		}

		userID := getString(snap.Data(), "userId")
		existing, err := s.getInTx(tx, userID)
		if err != nil {
			return err
		}
		if existing.ExternalID != externalID {
			return subsync.ErrSubscriptionNotFound
		}

		result, err = s.apply(tx, userID, existing, fn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// apply runs fn and stages the writes. Firestore requires every read in a
// transaction to happen before the first write.
func (s *Storage) apply(tx *firestore.Transaction, userID string, existing *subsync.Subscription,
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
		snap, err := tx.Get(s.indexDoc(next.ExternalID))
		if err != nil && status.Code(err) != codes.NotFound {
			return nil, err
		}
		if err == nil && snap.Exists() && getString(snap.Data(), "userId") != userID {
			return nil, subsync.ErrExternalIDConflict
		}
	}

	if err := tx.Set(s.subscriptionDoc(userID), subscriptionToData(next)); err != nil {
		return nil, err
	}
	if oldExternalID != "" && oldExternalID != next.ExternalID {
		if err := tx.Delete(s.indexDoc(oldExternalID)); err != nil {
			return nil, err
		}
	}
	if next.ExternalID != "" {
		if err := tx.Set(s.indexDoc(next.ExternalID), map[string]interface{}{"userId": userID}); err != nil {
			return nil, err
		}
	}

	saved := *next
	return &saved, nil
}

func (s *Storage) getInTx(tx *firestore.Transaction, userID string) (*subsync.Subscription, error) {
	snap, err := tx.Get(s.subscriptionDoc(userID))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrSubscriptionNotFound
		}
		return nil, err
	}
	if !snap.Exists() {
		return nil, subsync.ErrSubscriptionNotFound
	}
	return subscriptionFromData(userID, snap.Data())
}

// AddUser registers an account with the user directory
func (s *Storage) AddUser(ctx context.Context, user subsync.User) error {
	if user.ID == "" || strings.TrimSpace(user.Email) == "" {
		return fmt.Errorf("invalid user")
	}

	_, err := s.client.Collection(s.usersCollection).Doc(user.ID).Set(ctx, map[string]interface{}{
		"email":      user.Email,
		"emailLower": normalizeEmail(user.Email),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to set user: %w", err)
	}
	return nil
}

// FindUserByEmail implements subsync.UserDirectory
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*subsync.User, error) {
	docs, err := s.client.Collection(s.usersCollection).
		Where("emailLower", "==", normalizeEmail(email)).
		Limit(1).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if len(docs) == 0 {
		return nil, subsync.ErrUserNotFound
	}
	return &subsync.User{
		ID:    docs[0].Ref.ID,
		Email: getString(docs[0].Data(), "email"),
	}, nil
}

// subscriptionDoc returns the document holding an account's subscription
func (s *Storage) subscriptionDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionsCollection).Doc(userID)
}

// indexDoc returns the document mapping a provider subscription id to its account
func (s *Storage) indexDoc(externalID string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionIDsCollection).Doc(externalID)
}

func subscriptionToData(sub *subsync.Subscription) map[string]interface{} {
	return map[string]interface{}{
		"subscriptionId": sub.ExternalID,
		"plan":           string(sub.Plan),
		"cancelled":      sub.Cancelled,
		"nextBillDate":   sub.NextBillDate.Format(subsync.DateLayout),
		"eventTime":      sub.EventTime.UTC(),
		"cancelUrl":      sub.CancelURL,
		"updateUrl":      sub.UpdateURL,
	}
}

func subscriptionFromData(userID string, data map[string]interface{}) (*subsync.Subscription, error) {
	bill, err := subsync.ParseDate(getString(data, "nextBillDate"))
	if err != nil {
		return nil, fmt.Errorf("corrupt nextBillDate for %s: %w", userID, err)
	}
	cancelled, _ := data["cancelled"].(bool)
	return &subsync.Subscription{
		UserID:       userID,
		ExternalID:   getString(data, "subscriptionId"),
		Plan:         subsync.Plan(getString(data, "plan")),
		Cancelled:    cancelled,
		NextBillDate: bill,
		EventTime:    getTime(data, "eventTime").UTC(),
		CancelURL:    getString(data, "cancelUrl"),
		UpdateURL:    getString(data, "updateUrl"),
	}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
