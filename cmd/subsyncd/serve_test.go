package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/billing/paddle"
	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type daemonFixture struct {
	storage  *memory.Storage
	verifier *paddle.SharedSecretVerifier
	router   http.Handler
	logs     *bytes.Buffer
}

func newDaemonFixture(t *testing.T, health pinger) *daemonFixture {
	t.Helper()

	cfg := validConfig()
	cfg.UserIDHeader = "X-User-ID"
	cfg.MetricsNamespace = "subsync"

	storage := memory.New()
	storage.AddUser(subsync.User{ID: "user_1", Email: "alice@example.com"})

	verifier, err := paddle.NewSharedSecretVerifier(cfg.PaddleWebhookSecret)
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	logger := zerolog.New(logs)

	reconciler, err := subsync.NewReconciler(subsync.Config{
		Authenticator: verifier,
		Repository:    storage,
		Users:         storage,
		MonthlyPlanID: cfg.PaddleMonthlyPlanID,
		OnReconciled:  logChange(logger),
	})
	require.NoError(t, err)

	router, err := newRouter(cfg, routerDeps{
		Handler:       reconciler,
		Subscriptions: storage,
		Health:        health,
		Registry:      prometheus.NewRegistry(),
		Logger:        logger,
	})
	require.NoError(t, err)

	return &daemonFixture{storage: storage, verifier: verifier, router: router, logs: logs}
}

func (f *daemonFixture) postWebhook(fields map[string]string) *httptest.ResponseRecorder {
	fields[paddle.SignatureField] = f.verifier.Sign(fields)
	form := url.Values{}
	for k, v := range fields {
		form.Set(k, v)
	}
	req := httptest.NewRequest(http.MethodPost, "/paddle", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *daemonFixture) get(path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestRouter_WebhookThenStatus(t *testing.T) {
	f := newDaemonFixture(t, nil)

	w := f.postWebhook(map[string]string{
		"alert_name":           "subscription_created",
		"email":                "Alice@Example.com",
		"subscription_plan_id": "552",
		"subscription_id":      "100",
		"cancel_url":           "https://example.com/cancel",
		"update_url":           "https://example.com/update",
		"next_bill_date":       "2099-03-01",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	assert.Contains(t, f.logs.String(), "user upgraded")

	w = f.get("/subscription", map[string]string{"X-User-ID": "user_1"})
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "monthly", body["plan"])
	assert.Equal(t, true, body["active"])
	assert.Equal(t, "2099-03-01", body["next_bill_date"])

	w = f.get("/subscription", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.get("/subscription", map[string]string{"X-User-ID": "nobody"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "no subscription")
}

type failingReader struct{}

type stubHandler struct{}

func (stubHandler) HandleBillingEvent(context.Context, map[string]string) subsync.Result {
	return subsync.Result{Outcome: subsync.OutcomeOK}
}

func (failingReader) GetByUser(context.Context, string) (*subsync.Subscription, error) {
	return nil, errors.New("connection refused")
}

func TestRouter_StatusInternalError(t *testing.T) {
	cfg := validConfig()
	cfg.UserIDHeader = "X-User-ID"
	cfg.MetricsNamespace = "subsync"

	logs := &bytes.Buffer{}
	router, err := newRouter(cfg, routerDeps{
		Handler:       stubHandler{},
		Subscriptions: failingReader{},
		Registry:      prometheus.NewRegistry(),
		Logger:        zerolog.New(logs),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/subscription", nil)
	req.Header.Set("X-User-ID", "user_1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection refused")
	assert.Contains(t, logs.String(), "subscription lookup failed")
}

func TestRouter_RejectsUnsigned(t *testing.T) {
	f := newDaemonFixture(t, nil)

	form := url.Values{"alert_name": {"subscription_created"}, "subscription_id": {"100"}}
	req := httptest.NewRequest(http.MethodPost, "/paddle", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "KO", w.Body.String())
}

func TestRouter_WebhookIsPostOnly(t *testing.T) {
	f := newDaemonFixture(t, nil)
	w := f.get("/paddle", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRouter_Metrics(t *testing.T) {
	f := newDaemonFixture(t, nil)
	f.postWebhook(map[string]string{"alert_name": "subscription_payment_succeeded", "subscription_id": "404", "next_bill_date": "2099-03-01"})

	w := f.get("/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "subsync_billing_webhook_events_total")
}

func TestRouter_Healthz(t *testing.T) {
	w := newDaemonFixture(t, nil).get("/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = newDaemonFixture(t, stubPinger{}).get("/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = newDaemonFixture(t, stubPinger{err: errors.New("down")}).get("/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLogChange(t *testing.T) {
	monthly := &subsync.Subscription{UserID: "user_1", Plan: subsync.PlanMonthly}
	yearly := &subsync.Subscription{UserID: "user_1", Plan: subsync.PlanYearly}
	cancelled := &subsync.Subscription{UserID: "user_1", Plan: subsync.PlanYearly, Cancelled: true}

	tests := []struct {
		name     string
		change   subsync.Change
		upgraded bool
	}{
		{"created", subsync.Change{Kind: subsync.KindSubscriptionCreated, Current: monthly}, true},
		{"plan change", subsync.Change{Kind: subsync.KindSubscriptionUpdated, Previous: monthly, Current: yearly}, true},
		{"renewal", subsync.Change{Kind: subsync.KindPaymentSucceeded, Previous: yearly, Current: yearly}, false},
		{"cancellation", subsync.Change{Kind: subsync.KindSubscriptionCancelled, Previous: yearly, Current: cancelled}, false},
		{"reactivation", subsync.Change{Kind: subsync.KindSubscriptionUpdated, Previous: cancelled, Current: yearly}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logChange(zerolog.New(&buf))(context.Background(), tt.change)
			assert.Equal(t, tt.upgraded, strings.Contains(buf.String(), "user upgraded"))
		})
	}
}

func TestOpenStorage_Memory(t *testing.T) {
	cfg := validConfig()
	cfg.SeedUsers = []subsync.User{{ID: "user_1", Email: "alice@example.com"}}

	store, closeStore, err := openStorage(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer closeStore()

	user, err := store.FindUserByEmail(context.Background(), "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user_1", user.ID)
}

func TestOpenStorage_Unknown(t *testing.T) {
	cfg := validConfig()
	cfg.Storage = "dynamo"
	_, _, err := openStorage(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() {
		Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit
	}()
	Version = "1.2.3"
	BuildTime = "2024-01-01"
	GitCommit = "abcdef"

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, out.String(), "subsyncd 1.2.3")
	assert.Contains(t, out.String(), "Built: 2024-01-01")
	assert.Contains(t, out.String(), "Commit: abcdef")
}

func TestVerifyConfigCmd(t *testing.T) {
	clearConfigEnv(t)
	defer func() { envFile = "" }()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"verify-config"})
	assert.Error(t, rootCmd.Execute())

	t.Setenv("PADDLE_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("PADDLE_MONTHLY_PLAN_ID", "552")
	out.Reset()
	rootCmd.SetArgs([]string{"verify-config"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "configuration ok (storage=memory, addr=:8080)")
}
