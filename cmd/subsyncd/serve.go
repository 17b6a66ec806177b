package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	gcfirestore "cloud.google.com/go/firestore"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/subsync/pkg/api"
	"github.com/mihaimyh/subsync/pkg/billing"
	billingprom "github.com/mihaimyh/subsync/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/subsync/pkg/billing/paddle"
	"github.com/mihaimyh/subsync/pkg/subsync"
	zerologadapter "github.com/mihaimyh/subsync/pkg/subsync/logger/zerolog"
	subsyncprom "github.com/mihaimyh/subsync/pkg/subsync/metrics/prometheus"
	"github.com/mihaimyh/subsync/storage/firestore"
	"github.com/mihaimyh/subsync/storage/memory"
	"github.com/mihaimyh/subsync/storage/postgres"
	"github.com/mihaimyh/subsync/storage/redis"
	"github.com/mihaimyh/subsync/storage/tiered"
)

// backend is what every storage adapter offers the daemon
type backend interface {
	subsync.Repository
	subsync.UserDirectory
}

type pinger interface {
	Ping(ctx context.Context) error
}

func newLogger(cfg *Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("component", "subsyncd").Logger()
}

// openStorage connects the configured backend, fronted by the Redis cache when
// CACHE=redis. The returned close func is never nil on success.
func openStorage(ctx context.Context, cfg *Config, logger zerolog.Logger) (backend, func(), error) {
	store, closeStore, err := openBackend(ctx, cfg, cfg.Storage)
	if err != nil || cfg.Cache == "" {
		return store, closeStore, err
	}

	hot, closeHot, err := openBackend(ctx, cfg, cfg.Cache)
	if err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("failed to open %s cache: %w", cfg.Cache, err)
	}
	cached, err := tiered.New(tiered.Config{
		Hot:            hot,
		Cold:           store,
		Users:          store,
		AsyncCacheSync: cfg.CacheAsync,
		AsyncErrorHandler: func(err error) {
			logger.Warn().Err(err).Msg("subscription cache out of sync")
		},
	})
	if err != nil {
		closeHot()
		closeStore()
		return nil, nil, err
	}
	return cached, func() {
		_ = cached.Close()
		closeHot()
		closeStore()
	}, nil
}

func openBackend(ctx context.Context, cfg *Config, kind string) (backend, func(), error) {
	switch kind {
	case StorageMemory:
		store := memory.New()
		for _, u := range cfg.SeedUsers {
			store.AddUser(u)
		}
		return store, func() {}, nil

	case StoragePostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.DatabaseURL
		store, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case StorageRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store, err := redis.New(client, redis.DefaultConfig())
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		return store, func() { _ = store.Close() }, nil

	case StorageFirestore:
		client, err := gcfirestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		store, err := firestore.New(client, firestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown storage %q", kind)
}

// logChange reports reconciled mutations
func logChange(logger zerolog.Logger) func(ctx context.Context, change subsync.Change) {
	return func(_ context.Context, change subsync.Change) {
		cur := change.Current
		if cur == nil {
			return
		}
		upgraded := change.Previous == nil ||
			(change.Previous.Cancelled && !cur.Cancelled) ||
			change.Previous.Plan != cur.Plan
		if upgraded && !cur.Cancelled {
			logger.Info().
				Str("user_id", cur.UserID).
				Str("plan", string(cur.Plan)).
				Str("kind", string(change.Kind)).
				Msg("user upgraded")
			return
		}
		logger.Debug().
			Str("user_id", cur.UserID).
			Str("kind", string(change.Kind)).
			Bool("cancelled", cur.Cancelled).
			Msg("subscription reconciled")
	}
}

// routerDeps groups what newRouter needs, so tests can build a router
// against in-memory collaborators.
type routerDeps struct {
	Handler       billing.EventHandler
	Subscriptions api.SubscriptionReader
	Health        pinger
	Registry      *prometheus.Registry
	Logger        zerolog.Logger
}

func newRouter(cfg *Config, deps routerDeps) (http.Handler, error) {
	adapter := zerologadapter.NewLogger(deps.Logger)

	provider, err := paddle.NewProvider(billing.Config{
		Handler:           deps.Handler,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Logger:            adapter,
		Metrics:           billingprom.NewMetrics(deps.Registry, cfg.MetricsNamespace),
	})
	if err != nil {
		return nil, err
	}

	statusHandler, err := api.NewHandler(api.Config{
		Subscriptions: deps.Subscriptions,
		GetUserID:     api.FromHeader(cfg.UserIDHeader),
		OnError: func(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
			level := zerolog.DebugLevel
			if statusCode >= http.StatusInternalServerError {
				level = zerolog.ErrorLevel
			}
			hlog.FromRequest(r).WithLevel(level).Err(err).Int("status", statusCode).Msg("subscription lookup failed")
			api.WriteError(w, statusCode, err)
		},
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(hlog.NewHandler(deps.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))

	r.Method(http.MethodPost, "/paddle", provider.WebhookHandler())
	r.Get("/subscription", statusHandler.GetSubscription)
	r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Health.Ping(ctx); err != nil {
				http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok"))
	})

	return r, nil
}

func runServer(ctx context.Context, cfg *Config) error {
	logger := newLogger(cfg)

	store, closeStore, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", cfg.Storage, err)
	}
	defer closeStore()

	auth, err := paddle.NewAuthenticator(cfg.PaddlePublicKey, cfg.PaddleWebhookSecret)
	if err != nil {
		return fmt.Errorf("failed to configure paddle authenticator: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := subsyncprom.NewMetrics(reg, cfg.MetricsNamespace)

	breaker := subsync.NewDefaultCircuitBreaker(subsync.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		ResetTimeout:     cfg.BreakerReset,
	}, func(state subsync.CircuitBreakerState) {
		metrics.RecordCircuitBreakerStateChange(string(state))
		logger.Warn().Str("state", string(state)).Msg("storage circuit breaker changed state")
	})
	repo := subsync.NewCircuitBreakerRepository(store, store, breaker, metrics)

	reconciler, err := subsync.NewReconciler(subsync.Config{
		Authenticator: auth,
		Repository:    repo,
		Users:         repo,
		MonthlyPlanID: cfg.PaddleMonthlyPlanID,
		Logger:        zerologadapter.NewLogger(logger),
		Metrics:       metrics,
		OnReconciled:  logChange(logger),
	})
	if err != nil {
		return err
	}

	var health pinger
	if p, ok := store.(pinger); ok {
		health = p
	}

	handler, err := newRouter(cfg, routerDeps{
		Handler:       reconciler,
		Subscriptions: repo,
		Health:        health,
		Registry:      reg,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.Addr).
			Str("storage", cfg.Storage).
			Str("version", Version).
			Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("Server stopped")
	return nil
}
