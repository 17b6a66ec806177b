// Package echo provides Echo handlers for billing webhooks and middleware
// that gates routes on an active subscription
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/subsync/pkg/api"
	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// ContextKeySubscription is the echo.Context key holding the caller's *subsync.Subscription
// after Middleware lets a request through
const ContextKeySubscription = "subsync.subscription"

// WebhookConfig holds webhook handler configuration
type WebhookConfig struct {
	billing.Config

	// Provider labels webhook metrics (default: "paddle")
	Provider string
}

// WebhookHandler returns an Echo handler that feeds form-encoded webhook
// notifications to cfg.Handler and answers with the provider's expected status and body.
func WebhookHandler(cfg WebhookConfig) echo.HandlerFunc {
	if cfg.Handler == nil {
		panic("subsync/echo: WebhookConfig.Handler is required")
	}
	cfg.Config = cfg.Config.WithDefaults()
	if cfg.Provider == "" {
		cfg.Provider = "paddle"
	}

	return func(c echo.Context) error {
		req := c.Request()
		req.Body = http.MaxBytesReader(c.Response(), req.Body, cfg.MaxBodyBytes)

		// PostForm only: query string values are not part of the signed payload
		if err := req.ParseForm(); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				cfg.Metrics.RecordWebhookError(cfg.Provider, "payload_too_large")
				return c.String(http.StatusRequestEntityTooLarge, "payload too large")
			}
			cfg.Metrics.RecordWebhookError(cfg.Provider, "invalid_payload")
			return c.String(http.StatusBadRequest, billing.BodyRejected)
		}

		res := billing.Dispatch(req.Context(), cfg.Handler, cfg.Metrics, cfg.Provider,
			billing.FieldsFromForm(req.PostForm))
		return c.String(billing.StatusCode(res), billing.ResponseBody(res))
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
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnInactive is called when the caller has no usable subscription.
	// err is api.ErrNoSubscription, api.ErrSubscriptionInactive or api.ErrPlanNotAllowed.
	// If nil, returns 402 Payment Required
	OnInactive func(c echo.Context, err error) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

func (cfg Config) validate() Config {
	// Validate required configuration at startup (fail fast)
	if cfg.Subscriptions == nil {
		panic("subsync/echo: Config.Subscriptions is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/echo: Config.GetUserID is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = subsync.SystemClock{}
	}
	return cfg
}

// Middleware creates an Echo middleware that only lets callers with an active subscription through
func Middleware(cfg Config) echo.MiddlewareFunc {
	cfg = cfg.validate()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			sub, err := api.RequireActive(c.Request().Context(), cfg.Subscriptions, userID, cfg.Clock.Now(), cfg.Plans...)
			if err != nil {
				if api.IsRefusal(err) {
					if cfg.OnInactive != nil {
						return cfg.OnInactive(c, err)
					}
					return defaultInactive(c, err)
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err)
			}

			c.Set(ContextKeySubscription, sub)
			return next(c)
		}
	}
}

// SubscriptionHandler returns an Echo handler serving the caller's subscription as JSON
func SubscriptionHandler(cfg Config) echo.HandlerFunc {
	cfg = cfg.validate()

	return func(c echo.Context) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		sub, err := cfg.Subscriptions.GetByUser(c.Request().Context(), userID)
		if errors.Is(err, subsync.ErrSubscriptionNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": api.ErrNoSubscription.Error()})
		}
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return defaultError(c, err)
		}
		return c.JSON(http.StatusOK, api.NewSubscriptionResponse(sub, cfg.Clock.Now()))
	}
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultInactive(c echo.Context, err error) error {
	return c.JSON(http.StatusPaymentRequired, map[string]string{"error": err.Error()})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
