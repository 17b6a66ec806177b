package billing

import (
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Handler receives every inbound field set (usually a *subsync.Reconciler)
	Handler EventHandler

	// MaxBodyBytes caps the webhook request body (default: 256KB)
	MaxBodyBytes int64

	// RateLimitRequests is the number of webhook requests allowed per client IP
	// within RateLimitWindow (default: 100 per minute). A negative value disables limiting.
	RateLimitRequests int

	// RateLimitWindow is the rate limiting window (default: 1 minute)
	RateLimitWindow time.Duration

	// Logger is used for request-level logging (default: NoopLogger)
	Logger subsync.Logger

	// Metrics is an optional metrics collector for tracking webhook handling.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics
}

const (
	DefaultMaxBodyBytes      = 256 * 1024
	DefaultRateLimitRequests = 100
	DefaultRateLimitWindow   = time.Minute
)

// WithDefaults returns a copy of the config with zero values replaced by defaults
func (c Config) WithDefaults() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.RateLimitRequests == 0 {
		c.RateLimitRequests = DefaultRateLimitRequests
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = DefaultRateLimitWindow
	}
	if c.Logger == nil {
		c.Logger = &subsync.NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	return c
}
