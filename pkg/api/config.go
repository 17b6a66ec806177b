package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// SubscriptionReader is the read side of subsync.Repository the handler needs
type SubscriptionReader interface {
	GetByUser(ctx context.Context, userID string) (*subsync.Subscription, error)
}

// Config holds configuration for the subscription status handler
type Config struct {
	// Subscriptions is the subscription store (required)
	Subscriptions SubscriptionReader

	// GetUserID extracts user ID from HTTP request (required)
	GetUserID func(*http.Request) string

	// Clock decides whether a cancelled subscription is still active (default: subsync.SystemClock)
	Clock subsync.Clock

	// OnError writes the error response. statusCode is what the default handling would send;
	// call WriteError to keep it. If nil, WriteError is used.
	OnError func(w http.ResponseWriter, r *http.Request, err error, statusCode int)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Subscriptions == nil {
		return fmt.Errorf("subscriptions is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new subscription status handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Clock == nil {
		config.Clock = subsync.SystemClock{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
