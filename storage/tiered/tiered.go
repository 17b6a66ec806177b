// Package tiered provides a Hot/Cold tiered repository that puts a fast
// ephemeral store (Hot) in front of a durable store (Cold).
//
// Cold is the source of truth. Every mutation runs against Cold, so the
// atomicity guarantees of subsync.Repository are those of the Cold backend.
// Hot is a read cache refreshed from Cold after each mutation.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the cache (e.g., Redis, Memory) serving reads
	Hot subsync.Repository

	// Cold is the persistence storage (e.g., Postgres, Firestore) and the source of truth
	Cold subsync.Repository

	// Users resolves emails to accounts. Default: Cold, if it implements subsync.UserDirectory.
	Users subsync.UserDirectory

	// AsyncCacheSync refreshes Hot from a background worker instead of on the
	// request path. Reads may be stale until the refresh runs.
	AsyncCacheSync bool

	// SyncBufferSize is the size of the buffered channel for async refreshes.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a cache refresh fails.
	// Essential for monitoring consistency drift.
	AsyncErrorHandler func(error)
}

// Storage implements subsync.Repository and subsync.UserDirectory over two backends:
// - Read-Through: GetByUser, GetByExternalID (Hot → Cold → populate Hot)
// - Write-Through: UpdateByUser, UpdateByExternalID (Cold, then refresh Hot)
// - Cold-Only: FindUserByEmail
type Storage struct {
	hot   subsync.Repository
	cold  subsync.Repository
	users subsync.UserDirectory
	conf  Config

	syncQueue chan string
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var (
	_ subsync.Repository    = (*Storage)(nil)
	_ subsync.UserDirectory = (*Storage)(nil)
)

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}
	if config.Users == nil {
		if users, ok := config.Cold.(subsync.UserDirectory); ok {
			config.Users = users
		}
	}
	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		users:     config.Users,
		conf:      config,
		syncQueue: make(chan string, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncCacheSync {
		s.startWorker()
	}

	return s, nil
}

// Close stops the async worker (if enabled) after draining queued refreshes.
func (s *Storage) Close() error {
	if s.conf.AsyncCacheSync {
		s.closeOnce.Do(func() {
			close(s.shutdown)
			s.wg.Wait()
		})
	}
	return nil
}

// startWorker runs the background refresh loop
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case userID := <-s.syncQueue:
				s.report(s.refresh(context.Background(), userID))
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case userID := <-s.syncQueue:
						s.report(s.refresh(context.Background(), userID))
					default:
						return
					}
				}
			}
		}
	}()
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetByUser implements subsync.Repository with read-through strategy.
func (s *Storage) GetByUser(ctx context.Context, userID string) (*subsync.Subscription, error) {
	// 1. Try Hot
	sub, err := s.hot.GetByUser(ctx, userID)
	if err == nil {
		return sub, nil
	}

	// 2. Try Cold (Source of Truth)
	sub, err = s.cold.GetByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	// 3. Populate Hot (Read-Repair)
	s.report(s.put(ctx, sub))
	return sub, nil
}

// GetByExternalID implements subsync.Repository with read-through strategy.
func (s *Storage) GetByExternalID(ctx context.Context, externalID string) (*subsync.Subscription, error) {
	sub, err := s.hot.GetByExternalID(ctx, externalID)
	if err == nil {
		return sub, nil
	}

	sub, err = s.cold.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}

	s.report(s.put(ctx, sub))
	return sub, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---
// Mutations must be durable first.

// UpdateByUser implements subsync.Repository with write-through strategy.
func (s *Storage) UpdateByUser(ctx context.Context, userID string,
	fn subsync.MutateFunc) (*subsync.Subscription, error) {
	sub, err := s.cold.UpdateByUser(ctx, userID, fn)
	if err != nil {
		return nil, err
	}
	s.afterWrite(ctx, sub)
	return sub, nil
}

// UpdateByExternalID implements subsync.Repository with write-through strategy.
func (s *Storage) UpdateByExternalID(ctx context.Context, externalID string,
	fn subsync.MutateFunc) (*subsync.Subscription, error) {
	sub, err := s.cold.UpdateByExternalID(ctx, externalID, fn)
	if err != nil {
		return nil, err
	}
	s.afterWrite(ctx, sub)
	return sub, nil
}

// --- Strategy: Cold-Only ---

// FindUserByEmail implements subsync.UserDirectory
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*subsync.User, error) {
	if s.users == nil {
		return nil, fmt.Errorf("tiered storage: no user directory configured")
	}
	return s.users.FindUserByEmail(ctx, email)
}

// afterWrite brings Hot up to date with a committed mutation.
// Hot failures never fail the operation since Cold already succeeded.
func (s *Storage) afterWrite(ctx context.Context, sub *subsync.Subscription) {
	if !s.conf.AsyncCacheSync {
		s.report(s.put(ctx, sub))
		return
	}

	select {
	case s.syncQueue <- sub.UserID:
	default:
		s.report(fmt.Errorf("tiered sync queue full, dropped refresh for %s", sub.UserID))
	}
}

// refresh re-reads userID from Cold and stores it in Hot
func (s *Storage) refresh(ctx context.Context, userID string) error {
	sub, err := s.cold.GetByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("tiered sync failed: %w", err)
	}
	return s.put(ctx, sub)
}

// put stores sub in Hot unless Hot already holds a newer event for the account
func (s *Storage) put(ctx context.Context, sub *subsync.Subscription) error {
	_, err := s.hot.UpdateByUser(ctx, sub.UserID, func(existing *subsync.Subscription) (*subsync.Subscription, error) {
		if existing != nil && existing.EventTime.After(sub.EventTime) {
			return existing, nil
		}
		next := *sub
		return &next, nil
	})
	if err != nil {
		return fmt.Errorf("tiered cache write failed for %s: %w", sub.UserID, err)
	}
	return nil
}

func (s *Storage) report(err error) {
	if err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}
