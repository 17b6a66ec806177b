package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Provider is the generic interface that any billing backend must implement.
type Provider interface {
	// Name returns the provider name (e.g., "paddle")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles body limits, field extraction and the response
	// contract; every state decision is delegated to the EventHandler.
	WebhookHandler() http.Handler
}

// EventHandler consumes a raw provider field set. *subsync.Reconciler implements it.
type EventHandler interface {
	HandleBillingEvent(ctx context.Context, fields map[string]string) subsync.Result
}
