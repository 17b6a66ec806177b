// Package fiber provides Fiber handlers for billing webhooks and middleware
// that gates routes on an active subscription
package fiber

import (
	"errors"
	"net/url"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/subsync/pkg/api"
	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// LocalsKeySubscription is the c.Locals key holding the caller's *subsync.Subscription
const LocalsKeySubscription = "subsync.subscription"

// WebhookConfig holds webhook handler configuration
type WebhookConfig struct {
	billing.Config

	// Provider labels webhook metrics (default: "paddle")
	Provider string
}

// WebhookHandler returns a Fiber handler that feeds form-encoded webhook
// notifications to cfg.Handler.
// The app-wide fiber.Config.BodyLimit still applies before this handler runs.
func WebhookHandler(cfg WebhookConfig) fiber.Handler {
	if cfg.Handler == nil {
		panic("subsync/fiber: WebhookConfig.Handler is required")
	}
	cfg.Config = cfg.Config.WithDefaults()
	if cfg.Provider == "" {
		cfg.Provider = "paddle"
	}

	return func(c *fiber.Ctx) error {
		if int64(len(c.Body())) > cfg.MaxBodyBytes {
			cfg.Metrics.RecordWebhookError(cfg.Provider, "payload_too_large")
			return c.Status(fiber.StatusRequestEntityTooLarge).SendString("payload too large")
		}

		// PostArgs only: query string values are not part of the signed payload
		form := url.Values{}
		c.Request().PostArgs().VisitAll(func(key, value []byte) {
			form.Add(string(key), string(value))
		})

		res := billing.Dispatch(c.UserContext(), cfg.Handler, cfg.Metrics, cfg.Provider, billing.FieldsFromForm(form))
		return c.Status(billing.StatusCode(res)).SendString(billing.ResponseBody(res))
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
	OnUnauthorized func(c *fiber.Ctx) error

	// OnInactive is called when the caller has no usable subscription
	// If nil, returns 402 Payment Required
	OnInactive func(c *fiber.Ctx, err error) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

func (cfg Config) validate() Config {
	if cfg.Subscriptions == nil {
		panic("subsync/fiber: Config.Subscriptions is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/fiber: Config.GetUserID is required")
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

// Middleware creates a Fiber middleware that only lets callers with an active subscription through
func Middleware(cfg Config) fiber.Handler {
	cfg = cfg.validate()

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			return cfg.OnUnauthorized(c)
		}

		sub, err := api.RequireActive(c.UserContext(), cfg.Subscriptions, userID, cfg.Clock.Now(), cfg.Plans...)
		if err != nil {
			if api.IsRefusal(err) {
				return cfg.OnInactive(c, err)
			}
			return cfg.OnError(c, err)
		}

		c.Locals(LocalsKeySubscription, sub)
		return c.Next()
	}
}

// SubscriptionHandler returns a Fiber handler serving the caller's subscription as JSON
func SubscriptionHandler(cfg Config) fiber.Handler {
	cfg = cfg.validate()

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			return cfg.OnUnauthorized(c)
		}

		sub, err := cfg.Subscriptions.GetByUser(c.UserContext(), userID)
		if errors.Is(err, subsync.ErrSubscriptionNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": api.ErrNoSubscription.Error()})
		}
		if err != nil {
			return cfg.OnError(c, err)
		}
		return c.JSON(api.NewSubscriptionResponse(sub, cfg.Clock.Now()))
	}
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultInactive(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": err.Error()})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber locals
// set by an upstream auth middleware via c.Locals("UserID", userID)
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}
