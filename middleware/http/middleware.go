// Package http provides net/http middleware that gates handlers on an active subscription
package http

import (
	"context"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/api"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Subscriptions is the subscription store (required)
	Subscriptions api.SubscriptionReader

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// Plans restricts access to the listed plans. Empty allows any active plan.
	Plans []subsync.Plan

	// Clock decides whether a cancelled subscription is still active (default: subsync.SystemClock)
	Clock subsync.Clock

	// OnInactive is called when the caller has no usable subscription
	// If nil, returns 402 Payment Required
	OnInactive func(w http.ResponseWriter, r *http.Request, err error)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that only lets callers with an active subscription through.
// The subscription is available to the next handler via SubscriptionFromContext.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Subscriptions == nil {
		panic("subsync/http: Config.Subscriptions is required")
	}
	if config.GetUserID == nil {
		panic("subsync/http: Config.GetUserID is required")
	}
	if config.Clock == nil {
		config.Clock = subsync.SystemClock{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			sub, err := api.RequireActive(r.Context(), config.Subscriptions, userID, config.Clock.Now(), config.Plans...)
			if err != nil {
				if api.IsRefusal(err) {
					if config.OnInactive != nil {
						config.OnInactive(w, r, err)
					} else {
						http.Error(w, "Payment Required: "+err.Error(), http.StatusPaymentRequired)
					}
					return
				}
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subscriptionKey, sub)))
		})
	}
}

// HandlerFunc creates the middleware for a single http.HandlerFunc
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "subsync:userID"

	subscriptionKey ContextKey = "subsync:subscription"
)

// SubscriptionFromContext returns the subscription Middleware attached to ctx
func SubscriptionFromContext(ctx context.Context) (*subsync.Subscription, bool) {
	sub, ok := ctx.Value(subscriptionKey).(*subsync.Subscription)
	return sub, ok
}

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
