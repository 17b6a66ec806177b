package echo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/subsync/pkg/api"
	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

// stubHandler records the fields it receives and returns a fixed result
type stubHandler struct {
	mu     sync.Mutex
	fields map[string]string
	result subsync.Result
}

func (h *stubHandler) HandleBillingEvent(_ context.Context, fields map[string]string) subsync.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fields = fields
	return h.result
}

// errorStorage always fails
type errorStorage struct{}

func (errorStorage) GetByUser(context.Context, string) (*subsync.Subscription, error) {
	return nil, errors.New("connection refused")
}

// Test helper to seed a subscription
func setupStorage(t *testing.T, cancelled bool, billDate time.Time) *memory.Storage {
	t.Helper()

	storage := memory.New()
	_, err := storage.UpdateByUser(context.Background(), "user1", func(*subsync.Subscription) (*subsync.Subscription, error) {
		return &subsync.Subscription{
			UserID:       "user1",
			ExternalID:   "100",
			Plan:         subsync.PlanMonthly,
			Cancelled:    cancelled,
			NextBillDate: billDate,
			EventTime:    testNow,
			CancelURL:    "https://example.com/cancel",
			UpdateURL:    "https://example.com/update",
		}, nil
	})
	if err != nil {
		t.Fatalf("Failed to seed subscription: %v", err)
	}
	return storage
}

func postForm(e *echo.Echo, target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestWebhookHandler_ForwardsPostForm(t *testing.T) {
	h := &stubHandler{result: subsync.Result{Outcome: subsync.OutcomeOK, Kind: subsync.KindSubscriptionCreated}}
	e := echo.New()
	e.POST("/paddle", WebhookHandler(WebhookConfig{Config: billing.Config{Handler: h}}))

	rec := postForm(e, "/paddle?alert_name=injected", url.Values{
		"alert_name":      {"subscription_created", "ignored"},
		"subscription_id": {"100"},
	})

	if rec.Code != http.StatusOK || rec.Body.String() != billing.BodyOK {
		t.Errorf("Expected 200 OK, got %d %q", rec.Code, rec.Body.String())
	}
	if h.fields["alert_name"] != "subscription_created" {
		t.Errorf("alert_name = %q, want first form value", h.fields["alert_name"])
	}
	if h.fields["subscription_id"] != "100" {
		t.Errorf("subscription_id = %q", h.fields["subscription_id"])
	}
}

func TestWebhookHandler_StatusMapping(t *testing.T) {
	tests := []struct {
		outcome  subsync.Outcome
		wantCode int
		wantBody string
	}{
		{subsync.OutcomeNoOp, http.StatusOK, billing.BodyOK},
		{subsync.OutcomeRejectedBadSignature, http.StatusBadRequest, billing.BodyRejected},
		{subsync.OutcomeRejectedNoSuchSubscription, http.StatusBadRequest, billing.BodyNoSuchSubscription},
		{subsync.OutcomeInternalError, http.StatusInternalServerError, billing.BodyInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.outcome.String(), func(t *testing.T) {
			e := echo.New()
			e.POST("/paddle", WebhookHandler(WebhookConfig{
				Config: billing.Config{Handler: &stubHandler{result: subsync.Result{Outcome: tt.outcome}}},
			}))

			rec := postForm(e, "/paddle", url.Values{"alert_name": {"subscription_cancelled"}})
			if rec.Code != tt.wantCode || rec.Body.String() != tt.wantBody {
				t.Errorf("got %d %q, want %d %q", rec.Code, rec.Body.String(), tt.wantCode, tt.wantBody)
			}
		})
	}
}

func TestWebhookHandler_PayloadTooLarge(t *testing.T) {
	h := &stubHandler{}
	e := echo.New()
	e.POST("/paddle", WebhookHandler(WebhookConfig{Config: billing.Config{Handler: h, MaxBodyBytes: 16}}))

	rec := postForm(e, "/paddle", url.Values{"alert_name": {strings.Repeat("x", 64)}})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", rec.Code)
	}
	if h.fields != nil {
		t.Error("Handler must not be called for oversized payloads")
	}
}

func TestWebhookHandler_RequiresHandler(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic without handler")
		}
	}()
	WebhookHandler(WebhookConfig{})
}

func newGatedEcho(cfg Config) *echo.Echo {
	e := echo.New()
	e.Use(Middleware(cfg))
	e.GET("/api", func(c echo.Context) error {
		sub, _ := c.Get(ContextKeySubscription).(*subsync.Subscription)
		if sub == nil {
			return c.String(http.StatusOK, "missing")
		}
		return c.String(http.StatusOK, string(sub.Plan))
	})
	return e
}

func get(e *echo.Echo, target, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware(t *testing.T) {
	clock := subsync.ClockFunc(func() time.Time { return testNow })
	active := setupStorage(t, true, time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC))
	lapsed := setupStorage(t, true, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	tests := []struct {
		name     string
		cfg      Config
		userID   string
		wantCode int
		wantBody string
	}{
		{"active passes", Config{Subscriptions: active}, "user1", http.StatusOK, "monthly"},
		{"unauthenticated", Config{Subscriptions: active}, "", http.StatusUnauthorized, ""},
		{"no subscription", Config{Subscriptions: active}, "user2", http.StatusPaymentRequired, ""},
		{"lapsed", Config{Subscriptions: lapsed}, "user1", http.StatusPaymentRequired, ""},
		{"wrong plan", Config{Subscriptions: active, Plans: []subsync.Plan{subsync.PlanYearly}}, "user1", http.StatusPaymentRequired, ""},
		{"storage failure", Config{Subscriptions: errorStorage{}}, "user1", http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.GetUserID = FromHeader("X-User-ID")
			tt.cfg.Clock = clock

			rec := get(newGatedEcho(tt.cfg), "/api", tt.userID)
			if rec.Code != tt.wantCode {
				t.Errorf("Expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	var inactiveErr error
	e := newGatedEcho(Config{
		Subscriptions: memory.New(),
		GetUserID:     FromQuery("uid"),
		OnUnauthorized: func(c echo.Context) error {
			return c.String(http.StatusForbidden, "who are you")
		},
		OnInactive: func(c echo.Context, err error) error {
			inactiveErr = err
			return c.String(http.StatusTeapot, "subscribe first")
		},
	})

	if rec := get(e, "/api", ""); rec.Code != http.StatusForbidden {
		t.Errorf("Expected custom unauthorized, got %d", rec.Code)
	}
	if rec := get(e, "/api?uid=user1", ""); rec.Code != http.StatusTeapot {
		t.Errorf("Expected custom inactive, got %d", rec.Code)
	}
	if !errors.Is(inactiveErr, api.ErrNoSubscription) {
		t.Errorf("Expected ErrNoSubscription, got %v", inactiveErr)
	}
}

func TestSubscriptionHandler(t *testing.T) {
	storage := setupStorage(t, false, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	e := echo.New()
	e.GET("/users/:id/subscription", SubscriptionHandler(Config{
		Subscriptions: storage,
		GetUserID:     FromParam("id"),
		Clock:         subsync.ClockFunc(func() time.Time { return testNow }),
	}))

	rec := get(e, "/users/user1/subscription", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp api.SubscriptionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.NextBillDate != "2024-04-01" || !resp.Active || resp.Plan != "monthly" {
		t.Errorf("unexpected response %+v", resp)
	}

	if rec := get(e, "/users/user2/subscription", ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestFromContext(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", http.NoBody), httptest.NewRecorder())
	c.Set("UserID", "user1")

	if got := FromContext("UserID")(c); got != "user1" {
		t.Errorf("FromContext = %q", got)
	}
	if got := FromContext("missing")(c); got != "" {
		t.Errorf("FromContext(missing) = %q", got)
	}
}
