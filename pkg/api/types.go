package api

import (
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// SubscriptionResponse is the public view of an account's subscription
type SubscriptionResponse struct {
	UserID       string `json:"user_id"`
	Plan         string `json:"plan"`
	Cancelled    bool   `json:"cancelled"`
	NextBillDate string `json:"next_bill_date"` // YYYY-MM-DD
	Active       bool   `json:"active"`         // false once a cancelled plan's paid period has ended
	CancelURL    string `json:"cancel_url"`
	UpdateURL    string `json:"update_url"`
}

// NewSubscriptionResponse builds the response for sub as seen at now
func NewSubscriptionResponse(sub *subsync.Subscription, now time.Time) SubscriptionResponse {
	return SubscriptionResponse{
		UserID:       sub.UserID,
		Plan:         string(sub.Plan),
		Cancelled:    sub.Cancelled,
		NextBillDate: sub.NextBillDate.Format(subsync.DateLayout),
		Active:       sub.Active(now),
		CancelURL:    sub.CancelURL,
		UpdateURL:    sub.UpdateURL,
	}
}
