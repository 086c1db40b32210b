package ratelimit

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRate(t *testing.T) {
	rate, err := ParseRate("100/h")
	require.NoError(t, err)
	assert.Equal(t, Rate{Limit: 100, Window: time.Hour}, rate)

	rate, err = ParseRate("5/m")
	require.NoError(t, err)
	assert.Equal(t, Rate{Limit: 5, Window: time.Minute}, rate)

	for _, bad := range []string{"", "100", "/h", "0/h", "-1/m", "ten/s", "10/w"} {
		_, err := ParseRate(bad)
		assert.Error(t, err, "rate %q should not parse", bad)
	}
}

func TestLimiterFixedWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewLimiter(Rate{Limit: 3, Window: time.Hour}, WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		result := limiter.Check("10.0.0.1")
		assert.True(t, result.Allowed)
		assert.Equal(t, 3-(i+1), result.Remaining)
	}

	result := limiter.Check("10.0.0.1")
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)

	// Other keys have their own window.
	assert.True(t, limiter.Check("10.0.0.2").Allowed)

	// The window rolls over and the budget comes back.
	now = now.Add(time.Hour)
	assert.True(t, limiter.Check("10.0.0.1").Allowed)
}

func TestMiddlewareReturns429(t *testing.T) {
	limiter := NewLimiter(Rate{Limit: 1, Window: time.Hour})
	mw := NewMiddleware(limiter, slog.New(slog.DiscardHandler))

	handler := mw.Limit(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/consent/signup/1", nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
