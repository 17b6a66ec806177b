package internal

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter caps notifications per sender address in fixed windows.
// Billing providers redeliver anything that is not a 2xx, so a limited
// request is answered with 429 and a Retry-After hint instead of being dropped.
type RateLimiter struct {
	mu        sync.Mutex
	senders   map[string]*window
	limit     int
	period    time.Duration
	lastSweep time.Time
	now       func() time.Time

	// OnLimited is called with the sender address of every rejected request (optional)
	OnLimited func(r *http.Request, sender string)
}

type window struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter allows limit requests per sender in each period
func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	return &RateLimiter{
		senders: make(map[string]*window),
		limit:   limit,
		period:  period,
		now:     time.Now,
	}
}

// take counts one request from sender. When the sender is over its limit it
// returns false and how long until its window reopens.
func (rl *RateLimiter) take(sender string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) >= rl.period {
		rl.sweep(now)
		rl.lastSweep = now
	}

	w, ok := rl.senders[sender]
	if !ok || !now.Before(w.resetAt) {
		rl.senders[sender] = &window{count: 1, resetAt: now.Add(rl.period)}
		return true, 0
	}
	if w.count >= rl.limit {
		return false, w.resetAt.Sub(now)
	}
	w.count++
	return true, 0
}

// sweep drops closed windows. Caller must hold the lock.
func (rl *RateLimiter) sweep(now time.Time) {
	for sender, w := range rl.senders {
		if !now.Before(w.resetAt) {
			delete(rl.senders, sender)
		}
	}
}

// Middleware limits next per ClientIP. Rejections carry body as text.
func (rl *RateLimiter) Middleware(body string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sender := GetClientIP(r)
		ok, wait := rl.take(sender)
		if !ok {
			if rl.OnLimited != nil {
				rl.OnLimited(r, sender)
			}
			secs := int((wait + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			WriteText(w, http.StatusTooManyRequests, body)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetClientIP returns the sender address: the first X-Forwarded-For hop when
// the service sits behind a proxy, otherwise the host part of RemoteAddr.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
