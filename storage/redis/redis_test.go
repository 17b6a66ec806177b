package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clear test database
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()

	storage, err := New(setupTestRedis(t), DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func newTestSubscription(userID, externalID string) *subsync.Subscription {
	return &subsync.Subscription{
		UserID:       userID,
		ExternalID:   externalID,
		Plan:         subsync.PlanYearly,
		NextBillDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		EventTime:    time.Date(2024, 2, 1, 9, 30, 0, 0, time.UTC),
		CancelURL:    "https://checkout.paddle.com/cancel/" + externalID,
		UpdateURL:    "https://checkout.paddle.com/update/" + externalID,
	}
}

func TestNew(t *testing.T) {
	if _, err := New(nil, DefaultConfig()); err == nil {
		t.Error("Expected error for nil client")
	}

	storage, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if storage.config.KeyPrefix != "subsync:" {
		t.Errorf("KeyPrefix = %q, want default", storage.config.KeyPrefix)
	}
	if storage.config.MaxRetries != 10 {
		t.Errorf("MaxRetries = %d, want 10", storage.config.MaxRetries)
	}
}

func TestKeys(t *testing.T) {
	storage, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{KeyPrefix: "app:"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tests := []struct {
		got, want string
	}{
		{storage.subscriptionKey("user1"), "app:subscription:user1"},
		{storage.externalIDKey("100"), "app:subscription_id:100"},
		{storage.userEmailKey(" Alice@Example.COM "), "app:user_email:alice@example.com"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("key = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestRecordRoundTrip(t *testing.T) {
	in := newTestSubscription("user1", "100")
	in.Cancelled = true

	out, err := fromRecord(toRecord(in))
	if err != nil {
		t.Fatalf("fromRecord failed: %v", err)
	}
	if *out != *in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}

	if _, err := fromRecord(record{UserID: "user1", NextBillDate: "soon"}); err == nil {
		t.Error("Expected error for corrupt date")
	}
}

func TestStorage_UpdateByUserAndGet(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if _, err := storage.GetByUser(ctx, "user1"); !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}

	_, err := storage.UpdateByUser(ctx, "user1", func(existing *subsync.Subscription) (*subsync.Subscription, error) {
		if existing != nil {
			t.Errorf("Expected nil existing, got %+v", existing)
		}
		return newTestSubscription("user1", "100"), nil
	})
	if err != nil {
		t.Fatalf("UpdateByUser failed: %v", err)
	}

	got, err := storage.GetByExternalID(ctx, "100")
	if err != nil {
		t.Fatalf("GetByExternalID failed: %v", err)
	}
	if *got != *newTestSubscription("user1", "100") {
		t.Errorf("GetByExternalID = %+v", got)
	}
}

func TestStorage_ReplacedExternalIDIsUnindexed(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	for _, ext := range []string{"100", "200"} {
		ext := ext
		if _, err := storage.UpdateByUser(ctx, "user1", func(*subsync.Subscription) (*subsync.Subscription, error) {
			return newTestSubscription("user1", ext), nil
		}); err != nil {
			t.Fatalf("UpdateByUser(%s) failed: %v", ext, err)
		}
	}

	if _, err := storage.GetByExternalID(ctx, "100"); !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		t.Errorf("Expected old id to be unindexed, got %v", err)
	}
	called := false
	_, err := storage.UpdateByExternalID(ctx, "100", func(e *subsync.Subscription) (*subsync.Subscription, error) {
		called = true
		return e, nil
	})
	if !errors.Is(err, subsync.ErrSubscriptionNotFound) || called {
		t.Errorf("Expected not found without calling fn, got %v (called=%v)", err, called)
	}
}

func TestStorage_ExternalIDConflict(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if _, err := storage.UpdateByUser(ctx, "user1", func(*subsync.Subscription) (*subsync.Subscription, error) {
		return newTestSubscription("user1", "100"), nil
	}); err != nil {
		t.Fatalf("UpdateByUser failed: %v", err)
	}

	_, err := storage.UpdateByUser(ctx, "user2", func(*subsync.Subscription) (*subsync.Subscription, error) {
		return newTestSubscription("user2", "100"), nil
	})
	if !errors.Is(err, subsync.ErrExternalIDConflict) {
		t.Errorf("Expected ErrExternalIDConflict, got %v", err)
	}
}

func TestStorage_MutateErrorLeavesRecord(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if _, err := storage.UpdateByUser(ctx, "user1", func(*subsync.Subscription) (*subsync.Subscription, error) {
		return newTestSubscription("user1", "100"), nil
	}); err != nil {
		t.Fatalf("UpdateByUser failed: %v", err)
	}

	boom := errors.New("boom")
	_, err := storage.UpdateByExternalID(ctx, "100", func(e *subsync.Subscription) (*subsync.Subscription, error) {
		e.Cancelled = true
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Expected boom, got %v", err)
	}

	got, err := storage.GetByUser(ctx, "user1")
	if err != nil {
		t.Fatalf("GetByUser failed: %v", err)
	}
	if got.Cancelled {
		t.Error("Aborted mutation must not be persisted")
	}
}

func TestStorage_Users(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if err := storage.AddUser(ctx, subsync.User{ID: "user1", Email: "Alice@Example.com"}); err != nil {
		t.Fatalf("AddUser failed: %v", err)
	}
	if err := storage.AddUser(ctx, subsync.User{ID: "", Email: "x@example.com"}); err == nil {
		t.Error("Expected error for user without id")
	}

	user, err := storage.FindUserByEmail(ctx, "alice@example.com ")
	if err != nil {
		t.Fatalf("FindUserByEmail failed: %v", err)
	}
	if user.ID != "user1" {
		t.Errorf("ID = %s, want user1", user.ID)
	}

	if _, err := storage.FindUserByEmail(ctx, "bob@example.com"); !errors.Is(err, subsync.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestStorage_ConcurrentUpdates(t *testing.T) {
	storage := setupTestStorage(t)
	storage.config.MaxRetries = 1000
	ctx := context.Background()

	if _, err := storage.UpdateByUser(ctx, "user1", func(*subsync.Subscription) (*subsync.Subscription, error) {
		return newTestSubscription("user1", "100"), nil
	}); err != nil {
		t.Fatalf("UpdateByUser failed: %v", err)
	}

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			appendMarker := func(e *subsync.Subscription) (*subsync.Subscription, error) {
				e.CancelURL += "x"
				return e, nil
			}
			var err error
			if i%2 == 0 {
				_, err = storage.UpdateByUser(ctx, "user1", appendMarker)
			} else {
				_, err = storage.UpdateByExternalID(ctx, "100", appendMarker)
			}
			if err != nil {
				errs <- fmt.Errorf("writer %d: %w", i, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	got, err := storage.GetByUser(ctx, "user1")
	if err != nil {
		t.Fatalf("GetByUser failed: %v", err)
	}
	if n := len(got.CancelURL) - len("https://checkout.paddle.com/cancel/100"); n != writers {
		t.Errorf("Expected %d markers, got %d", writers, n)
	}
}
