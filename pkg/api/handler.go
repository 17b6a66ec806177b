package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

const maxUserIDLen = 255

// ErrNoSubscription is passed to OnError when the caller has no subscription
var ErrNoSubscription = errors.New("no subscription")

// Handler provides HTTP endpoints for subscription inspection
type Handler struct {
	config Config
}

// GetSubscription returns the caller's subscription as JSON
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return
	}

	sub, err := h.config.Subscriptions.GetByUser(r.Context(), userID)
	if errors.Is(err, subsync.ErrSubscriptionNotFound) {
		h.handleError(w, r, ErrNoSubscription, http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get subscription: %w", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, NewSubscriptionResponse(sub, h.config.Clock.Now()))
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err, statusCode)
		return
	}
	WriteError(w, statusCode, err)
}

// WriteError writes the default JSON error response. Internal details stay out of 5xx bodies.
func WriteError(w http.ResponseWriter, statusCode int, err error) {
	msg := err.Error()
	if statusCode >= http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, statusCode, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// response already started
		return
	}
}
