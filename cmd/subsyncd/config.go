package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage backends accepted by STORAGE
const (
	StorageMemory    = "memory"
	StoragePostgres  = "postgres"
	StorageRedis     = "redis"
	StorageFirestore = "firestore"
)

// Config holds the daemon configuration, read from the environment
type Config struct {
	Addr      string
	LogLevel  string
	LogFormat string

	Storage          string
	DatabaseURL      string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	FirestoreProject string

	// Cache puts a Redis read cache in front of a durable STORAGE (CACHE=redis)
	Cache      string
	CacheAsync bool

	PaddlePublicKey     string
	PaddleWebhookSecret string
	PaddleMonthlyPlanID string

	MetricsNamespace  string
	MaxBodyBytes      int64
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// SeedUsers pre-populates the memory backend's user directory (SEED_USERS=id:email,...)
	SeedUsers []subsync.User

	// UserIDHeader names the header the subscription status endpoint reads the caller from
	UserIDHeader string

	BreakerThreshold int
	BreakerReset     time.Duration

	ShutdownTimeout time.Duration
}

// LoadConfig reads configuration from the environment.
// When envFile is set it is loaded first; variables already present in the
// environment take precedence over the file.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		Addr:                getEnv("ADDR", ""),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "json"),
		Storage:             strings.ToLower(getEnv("STORAGE", StorageMemory)),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		FirestoreProject:    getEnv("FIRESTORE_PROJECT", ""),
		Cache:               strings.ToLower(getEnv("CACHE", "")),
		CacheAsync:          getEnv("CACHE_ASYNC", "") == "true",
		PaddlePublicKey:     getEnv("PADDLE_PUBLIC_KEY", ""),
		PaddleWebhookSecret: getEnv("PADDLE_WEBHOOK_SECRET", ""),
		PaddleMonthlyPlanID: getEnv("PADDLE_MONTHLY_PLAN_ID", ""),
		MetricsNamespace:    getEnv("METRICS_NAMESPACE", "subsync"),
		UserIDHeader:        getEnv("USER_ID_HEADER", "X-User-ID"),
	}

	if cfg.Addr == "" {
		cfg.Addr = ":" + getEnv("PORT", "8080")
	}

	// PADDLE_PUBLIC_KEY_FILE is convenient for multi-line PEM blocks
	if path := getEnv("PADDLE_PUBLIC_KEY_FILE", ""); path != "" && cfg.PaddlePublicKey == "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read PADDLE_PUBLIC_KEY_FILE: %w", err)
		}
		cfg.PaddlePublicKey = string(data)
	}

	var err error
	if cfg.SeedUsers, err = parseSeedUsers(getEnv("SEED_USERS", "")); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	maxBody, err := getInt("MAX_BODY_BYTES", 256*1024)
	if err != nil {
		return nil, err
	}
	cfg.MaxBodyBytes = int64(maxBody)
	if cfg.RateLimitRequests, err = getInt("RATE_LIMIT_REQUESTS", 100); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = getDuration("RATE_LIMIT_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if cfg.BreakerThreshold, err = getInt("BREAKER_THRESHOLD", 5); err != nil {
		return nil, err
	}
	if cfg.BreakerReset, err = getDuration("BREAKER_RESET", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration can start a server
func (c *Config) Validate() error {
	if strings.TrimSpace(c.PaddleMonthlyPlanID) == "" {
		return fmt.Errorf("PADDLE_MONTHLY_PLAN_ID is required")
	}
	if strings.TrimSpace(c.PaddlePublicKey) == "" && strings.TrimSpace(c.PaddleWebhookSecret) == "" {
		return fmt.Errorf("one of PADDLE_PUBLIC_KEY or PADDLE_WEBHOOK_SECRET is required")
	}

	switch c.Storage {
	case StorageMemory:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for postgres storage")
		}
	case StorageRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for redis storage")
		}
	case StorageFirestore:
		if c.FirestoreProject == "" {
			return fmt.Errorf("FIRESTORE_PROJECT is required for firestore storage")
		}
	default:
		return fmt.Errorf("unknown STORAGE %q", c.Storage)
	}

	switch c.Cache {
	case "":
	case StorageRedis:
		if c.Storage == StorageMemory || c.Storage == StorageRedis {
			return fmt.Errorf("CACHE=redis needs a durable STORAGE (postgres or firestore)")
		}
	default:
		return fmt.Errorf("unknown CACHE %q", c.Cache)
	}
	if len(c.SeedUsers) > 0 && c.Storage != StorageMemory {
		return fmt.Errorf("SEED_USERS is only supported with memory storage")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_BODY_BYTES must be positive")
	}
	if c.RateLimitRequests < 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must not be negative")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func parseSeedUsers(v string) ([]subsync.User, error) {
	if v == "" {
		return nil, nil
	}
	var users []subsync.User
	for _, pair := range strings.Split(v, ",") {
		id, email, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || id == "" || email == "" {
			return nil, fmt.Errorf("invalid SEED_USERS entry %q, want id:email", pair)
		}
		users = append(users, subsync.User{ID: id, Email: email})
	}
	return users, nil
}
