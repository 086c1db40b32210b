package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"

	platformMW "mailconsent/internal/platform/middleware"
	"mailconsent/internal/platform/privacy"
	respond "mailconsent/internal/transport/http/shared/json"
)

// ExceededResponse is the 429 body.
type ExceededResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}

type Middleware struct {
	limiter *Limiter
	logger  *slog.Logger
}

func NewMiddleware(limiter *Limiter, logger *slog.Logger) *Middleware {
	return &Middleware{
		limiter: limiter,
		logger:  logger,
	}
}

// Limit enforces the per-IP budget. Mount it after the ClientIP middleware.
func (m *Middleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := platformMW.GetClientIP(r.Context())

		result := m.limiter.Check(ip)
		addRateLimitHeaders(w, result)

		if !result.Allowed {
			m.logger.Warn("rate limit exceeded",
				"ip_prefix", privacy.AnonymizeIP(ip),
				"path", r.URL.Path,
			)
			writeRateLimitExceeded(w, result)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func addRateLimitHeaders(w http.ResponseWriter, result Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

func writeRateLimitExceeded(w http.ResponseWriter, result Result) {
	retryAfter := result.RetryAfter()
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	respond.WriteJSON(w, http.StatusTooManyRequests, &ExceededResponse{
		Error:      "rate_limit_exceeded",
		Message:    "Too many requests from this IP address. Please try again later.",
		RetryAfter: retryAfter,
	})
}
