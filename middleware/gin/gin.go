// Package gin provides Gin handlers for billing webhooks and middleware
// that gates routes on an active subscription
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/subsync/pkg/api"
	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// ContextKeySubscription is the gin.Context key holding the caller's *subsync.Subscription
const ContextKeySubscription = "subsync.subscription"

// WebhookConfig holds webhook handler configuration
type WebhookConfig struct {
	billing.Config

	// Provider labels webhook metrics (default: "paddle")
	Provider string
}

// WebhookHandler returns a Gin handler that feeds form-encoded webhook
// notifications to cfg.Handler
func WebhookHandler(cfg WebhookConfig) gongin.HandlerFunc {
	if cfg.Handler == nil {
		panic("subsync/gin: WebhookConfig.Handler is required")
	}
	cfg.Config = cfg.Config.WithDefaults()
	if cfg.Provider == "" {
		cfg.Provider = "paddle"
	}

	return func(c *gongin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, cfg.MaxBodyBytes)

		if err := c.Request.ParseForm(); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				cfg.Metrics.RecordWebhookError(cfg.Provider, "payload_too_large")
				c.String(http.StatusRequestEntityTooLarge, "payload too large")
				return
			}
			cfg.Metrics.RecordWebhookError(cfg.Provider, "invalid_payload")
			c.String(http.StatusBadRequest, billing.BodyRejected)
			return
		}

		res := billing.Dispatch(c.Request.Context(), cfg.Handler, cfg.Metrics, cfg.Provider,
			billing.FieldsFromForm(c.Request.PostForm))
		c.String(billing.StatusCode(res), billing.ResponseBody(res))
	}
}

// Config holds subscription gate and status handler configuration
type Config struct {
	// Subscriptions is the subscription store (required)
	Subscriptions api.SubscriptionReader

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// Plans restricts Middleware to the listed plans. Empty allows any active plan.
	Plans []subsync.Plan

	// Clock decides whether a cancelled subscription is still active (default: subsync.SystemClock)
	Clock subsync.Clock

	// OnUnauthorized is called when user is not authenticated
	// If nil, aborts with 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnInactive is called when the caller has no usable subscription
	// If nil, aborts with 402 Payment Required
	OnInactive func(c *gongin.Context, err error)

	// OnError is called when an internal error occurs
	// If nil, aborts with 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

func (cfg Config) validate() Config {
	if cfg.Subscriptions == nil {
		panic("subsync/gin: Config.Subscriptions is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/gin: Config.GetUserID is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = subsync.SystemClock{}
	}
	if cfg.OnUnauthorized == nil {
		cfg.OnUnauthorized = defaultUnauthorized
	}
	if cfg.OnInactive == nil {
		cfg.OnInactive = defaultInactive
	}
	if cfg.OnError == nil {
		cfg.OnError = defaultError
	}
	return cfg
}

// Middleware creates a Gin middleware that only lets callers with an active subscription through
func Middleware(cfg Config) gongin.HandlerFunc {
	cfg = cfg.validate()

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			cfg.OnUnauthorized(c)
			return
		}

		sub, err := api.RequireActive(c.Request.Context(), cfg.Subscriptions, userID, cfg.Clock.Now(), cfg.Plans...)
		if err != nil {
			if api.IsRefusal(err) {
				cfg.OnInactive(c, err)
			} else {
				cfg.OnError(c, err)
			}
			return
		}

		c.Set(ContextKeySubscription, sub)
		c.Next()
	}
}

// SubscriptionHandler returns a Gin handler serving the caller's subscription as JSON
func SubscriptionHandler(cfg Config) gongin.HandlerFunc {
	cfg = cfg.validate()

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			cfg.OnUnauthorized(c)
			return
		}

		sub, err := cfg.Subscriptions.GetByUser(c.Request.Context(), userID)
		if errors.Is(err, subsync.ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gongin.H{"error": api.ErrNoSubscription.Error()})
			return
		}
		if err != nil {
			cfg.OnError(c, err)
			return
		}
		c.JSON(http.StatusOK, api.NewSubscriptionResponse(sub, cfg.Clock.Now()))
	}
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultInactive(c *gongin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, gongin.H{"error": err.Error()})
}

func defaultError(c *gongin.Context, _ error) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by an upstream auth middleware via c.Set("UserID", "...")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}
