package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

func newSubscription(userID, externalID string) *subsync.Subscription {
	return &subsync.Subscription{
		UserID:       userID,
		ExternalID:   externalID,
		Plan:         subsync.PlanMonthly,
		NextBillDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		EventTime:    time.Now().UTC(),
		CancelURL:    "https://checkout.example.com/cancel",
		UpdateURL:    "https://checkout.example.com/update",
	}
}

func insert(sub *subsync.Subscription) subsync.MutateFunc {
	return func(_ *subsync.Subscription) (*subsync.Subscription, error) {
		s := *sub
		return &s, nil
	}
}

func TestStorage_GetByUser_NotFound(t *testing.T) {
	storage := New()
	ctx := context.Background()

	_, err := storage.GetByUser(ctx, "user1")
	if !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}

	_, err = storage.GetByExternalID(ctx, "sub_1")
	if !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestStorage_UpdateByUser_InsertsAndIndexes(t *testing.T) {
	storage := New()
	ctx := context.Background()

	var sawExisting *subsync.Subscription
	saved, err := storage.UpdateByUser(ctx, "user1", func(existing *subsync.Subscription) (*subsync.Subscription, error) {
		sawExisting = existing
		return newSubscription("user1", "sub_1"), nil
	})
	if err != nil {
		t.Fatalf("UpdateByUser failed: %v", err)
	}
	if sawExisting != nil {
		t.Errorf("Expected nil existing record on insert, got %+v", sawExisting)
	}
	if saved.ExternalID != "sub_1" {
		t.Errorf("ExternalID mismatch: got %s, want sub_1", saved.ExternalID)
	}

	byExt, err := storage.GetByExternalID(ctx, "sub_1")
	if err != nil {
		t.Fatalf("GetByExternalID failed: %v", err)
	}
	if byExt.UserID != "user1" {
		t.Errorf("UserID mismatch: got %s, want user1", byExt.UserID)
	}
}

func TestStorage_UpdateByUser_ReindexesExternalID(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if _, err := storage.UpdateByUser(ctx, "user1", insert(newSubscription("user1", "sub_old"))); err != nil {
		t.Fatalf("UpdateByUser failed: %v", err)
	}
	if _, err := storage.UpdateByUser(ctx, "user1", insert(newSubscription("user1", "sub_new"))); err != nil {
		t.Fatalf("UpdateByUser failed: %v", err)
	}

	if _, err := storage.GetByExternalID(ctx, "sub_old"); !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		t.Errorf("Expected old external id to be unindexed, got %v", err)
	}
	if _, err := storage.GetByExternalID(ctx, "sub_new"); err != nil {
		t.Errorf("Expected new external id to be indexed, got %v", err)
	}
}

func TestStorage_UpdateByUser_ExternalIDConflict(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if _, err := storage.UpdateByUser(ctx, "user1", insert(newSubscription("user1", "sub_1"))); err != nil {
		t.Fatalf("UpdateByUser failed: %v", err)
	}

	_, err := storage.UpdateByUser(ctx, "user2", insert(newSubscription("user2", "sub_1")))
	if !errors.Is(err, subsync.ErrExternalIDConflict) {
		t.Errorf("Expected ErrExternalIDConflict, got %v", err)
	}
	if _, err := storage.GetByUser(ctx, "user2"); !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		t.Errorf("Expected no record for user2 after conflict, got %v", err)
	}
}

func TestStorage_UpdateByUser_RejectsForeignUserID(t *testing.T) {
	storage := New()

	_, err := storage.UpdateByUser(context.Background(), "user1", insert(newSubscription("user2", "sub_1")))
	if !errors.Is(err, subsync.ErrInvalidSubscription) {
		t.Errorf("Expected ErrInvalidSubscription, got %v", err)
	}
}

func TestStorage_UpdateByExternalID_NotFoundSkipsFn(t *testing.T) {
	storage := New()
	called := false

	_, err := storage.UpdateByExternalID(context.Background(), "missing", func(e *subsync.Subscription) (*subsync.Subscription, error) {
		called = true
		return e, nil
	})
	if !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}
	if called {
		t.Error("Expected mutate function not to be called")
	}
}

func TestStorage_UpdateFnErrorAbortsWrite(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if _, err := storage.UpdateByUser(ctx, "user1", insert(newSubscription("user1", "sub_1"))); err != nil {
		t.Fatalf("UpdateByUser failed: %v", err)
	}

	boom := errors.New("boom")
	_, err := storage.UpdateByExternalID(ctx, "sub_1", func(e *subsync.Subscription) (*subsync.Subscription, error) {
		e.Cancelled = true
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	got, _ := storage.GetByUser(ctx, "user1")
	if got.Cancelled {
		t.Error("Expected aborted update to leave record untouched")
	}
}

func TestStorage_ReturnsCopies(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if _, err := storage.UpdateByUser(ctx, "user1", insert(newSubscription("user1", "sub_1"))); err != nil {
		t.Fatalf("UpdateByUser failed: %v", err)
	}

	got, _ := storage.GetByUser(ctx, "user1")
	got.Cancelled = true

	again, _ := storage.GetByUser(ctx, "user1")
	if again.Cancelled {
		t.Error("Expected stored record to be unaffected by caller mutation")
	}
}

func TestStorage_FindUserByEmail(t *testing.T) {
	storage := New()
	storage.AddUser(subsync.User{ID: "user1", Email: "Alice@Example.com"})

	u, err := storage.FindUserByEmail(context.Background(), " alice@example.com")
	if err != nil {
		t.Fatalf("FindUserByEmail failed: %v", err)
	}
	if u.ID != "user1" {
		t.Errorf("ID mismatch: got %s, want user1", u.ID)
	}

	_, err = storage.FindUserByEmail(context.Background(), "bob@example.com")
	if !errors.Is(err, subsync.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestStorage_ConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if _, err := storage.UpdateByUser(ctx, "user1", insert(newSubscription("user1", "sub_1"))); err != nil {
		t.Fatalf("UpdateByUser failed: %v", err)
	}

	const goroutines = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			_, err := storage.UpdateByExternalID(ctx, "sub_1", func(e *subsync.Subscription) (*subsync.Subscription, error) {
				e.NextBillDate = e.NextBillDate.AddDate(0, 0, 1)
				return e, nil
			})
			if err != nil {
				t.Errorf("UpdateByExternalID failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := storage.GetByUser(ctx, "user1")
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, goroutines)
	if !got.NextBillDate.Equal(want) {
		t.Errorf("NextBillDate mismatch: got %s, want %s", got.NextBillDate, want)
	}
}

func TestStorage_Clear(t *testing.T) {
	storage := New()
	ctx := context.Background()
	storage.AddUser(subsync.User{ID: "user1", Email: "a@example.com"})
	if _, err := storage.UpdateByUser(ctx, "user1", insert(newSubscription("user1", "sub_1"))); err != nil {
		t.Fatalf("UpdateByUser failed: %v", err)
	}

	storage.Clear()

	if _, err := storage.GetByUser(ctx, "user1"); !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		t.Errorf("Expected empty storage after Clear, got %v", err)
	}
	if _, err := storage.FindUserByEmail(ctx, "a@example.com"); !errors.Is(err, subsync.ErrUserNotFound) {
		t.Errorf("Expected empty directory after Clear, got %v", err)
	}
}
