// Package memory provides an in-memory implementation of the subsync.Repository
// and subsync.UserDirectory interfaces.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.Repository and subsync.UserDirectory using in-memory maps.
// A single mutex is held across every lookup-then-write, so updates never interleave.
type Storage struct {
	mu            sync.RWMutex
	subscriptions map[string]*subsync.Subscription // by user id
	externalIDs   map[string]string                // external id -> user id
	users         map[string]*subsync.User         // by normalized email
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subscriptions: make(map[string]*subsync.Subscription),
		externalIDs:   make(map[string]string),
		users:         make(map[string]*subsync.User),
	}
}

// AddUser registers an account with the user directory
func (s *Storage) AddUser(user subsync.User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := user
	s.users[normalizeEmail(user.Email)] = &u
}

// FindUserByEmail implements subsync.UserDirectory
func (s *Storage) FindUserByEmail(_ context.Context, email string) (*subsync.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[normalizeEmail(email)]
	if !ok {
		return nil, subsync.ErrUserNotFound
	}
	userCopy := *u
	return &userCopy, nil
}

// GetByUser implements subsync.Repository
func (s *Storage) GetByUser(_ context.Context, userID string) (*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[userID]
	if !ok {
		return nil, subsync.ErrSubscriptionNotFound
	}

	// Return a copy to prevent external mutations
	subCopy := *sub
	return &subCopy, nil
}

// GetByExternalID implements subsync.Repository
func (s *Storage) GetByExternalID(_ context.Context, externalID string) (*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.externalIDs[externalID]
	if !ok {
		return nil, subsync.ErrSubscriptionNotFound
	}
	subCopy := *s.subscriptions[userID]
	return &subCopy, nil
}

// UpdateByUser implements subsync.Repository
func (s *Storage) UpdateByUser(ctx context.Context, userID string,
	fn subsync.MutateFunc) (*subsync.Subscription, error) {
	if userID == "" {
		return nil, subsync.ErrInvalidSubscription
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var existing *subsync.Subscription
	if sub, ok := s.subscriptions[userID]; ok {
		subCopy := *sub
		existing = &subCopy
	}
	return s.apply(userID, existing, fn)
}

// UpdateByExternalID implements subsync.Repository
func (s *Storage) UpdateByExternalID(ctx context.Context, externalID string,
	fn subsync.MutateFunc) (*subsync.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	userID, ok := s.externalIDs[externalID]
	if !ok {
		return nil, subsync.ErrSubscriptionNotFound
	}
	subCopy := *s.subscriptions[userID]
	return s.apply(userID, &subCopy, fn)
}

// apply runs fn and stores its result. Caller must hold the write lock.
func (s *Storage) apply(userID string, existing *subsync.Subscription,
	fn subsync.MutateFunc) (*subsync.Subscription, error) {
	next, err := fn(existing)
	if err != nil {
		return nil, err
	}
	if next == nil || next.UserID != userID {
		return nil, subsync.ErrInvalidSubscription
	}

	if next.ExternalID != "" {
		if owner, ok := s.externalIDs[next.ExternalID]; ok && owner != userID {
			return nil, subsync.ErrExternalIDConflict
		}
	}
	if prev, ok := s.subscriptions[userID]; ok && prev.ExternalID != next.ExternalID {
		delete(s.externalIDs, prev.ExternalID)
	}

	// Store a copy to prevent external mutations
	stored := *next
	s.subscriptions[userID] = &stored
	if stored.ExternalID != "" {
		s.externalIDs[stored.ExternalID] = userID
	}

	result := stored
	return &result, nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscriptions = make(map[string]*subsync.Subscription)
	s.externalIDs = make(map[string]string)
	s.users = make(map[string]*subsync.User)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
