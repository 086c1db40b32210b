// Package ratelimit throttles the public consent endpoints per client IP.
// The signup route can be hammered to enumerate addresses or flood inboxes
// with confirmation emails, so every /consent/* request counts against a
// fixed window.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Rate is a request budget per window, e.g. 100 requests per hour.
type Rate struct {
	Limit  int
	Window time.Duration
}

// ParseRate parses the "count/period" notation used in configuration, where
// period is one of s, m, h, d. "100/h" allows 100 requests per hour.
func ParseRate(s string) (Rate, error) {
	count, period, ok := strings.Cut(s, "/")
	if !ok {
		return Rate{}, fmt.Errorf("invalid rate %q: expected count/period", s)
	}
	limit, err := strconv.Atoi(count)
	if err != nil || limit <= 0 {
		return Rate{}, fmt.Errorf("invalid rate %q: bad count", s)
	}
	var window time.Duration
	switch period {
	case "s":
		window = time.Second
	case "m":
		window = time.Minute
	case "h":
		window = time.Hour
	case "d":
		window = 24 * time.Hour
	default:
		return Rate{}, fmt.Errorf("invalid rate %q: period must be s, m, h or d", s)
	}
	return Rate{Limit: limit, Window: window}, nil
}

// Result reports the outcome of one limiter check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns the whole seconds until the window resets, at least 1.
func (r Result) RetryAfter() int {
	secs := int(time.Until(r.ResetAt).Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return secs
}

type window struct {
	start time.Time
	count int
}

// Limiter is a fixed-window counter keyed by client IP. Windows are aligned
// per key to the first request, which keeps the implementation to one map
// and is accurate enough for abuse throttling.
type Limiter struct {
	mu      sync.Mutex
	rate    Rate
	windows map[string]*window
	now     func() time.Time
}

type Option func(*Limiter)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func NewLimiter(rate Rate, opts ...Option) *Limiter {
	l := &Limiter{
		rate:    rate,
		windows: make(map[string]*window),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check counts one request against key's current window.
func (l *Limiter) Check(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.rate.Window {
		w = &window{start: now}
		l.windows[key] = w
		// Piggyback expired-entry cleanup on window rollover.
		if len(l.windows) > 2*l.rate.Limit {
			l.sweep(now)
		}
	}
	w.count++

	remaining := l.rate.Limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   w.count <= l.rate.Limit,
		Limit:     l.rate.Limit,
		Remaining: remaining,
		ResetAt:   w.start.Add(l.rate.Window),
	}
}

func (l *Limiter) sweep(now time.Time) {
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.rate.Window {
			delete(l.windows, key)
		}
	}
}
