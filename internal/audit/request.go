package audit

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mssola/useragent"

	"mailconsent/internal/platform/middleware"
	"mailconsent/internal/platform/privacy"
)

type contextKey string

const metaKey contextKey = "audit_meta"

// RequestMeta is the request-derived part of a proof-of-consent event. The
// IP is anonymized and the user agent normalized before either enters the
// context, so nothing downstream ever sees the raw values.
type RequestMeta struct {
	IPPrefix  string
	UserAgent string
}

// Annotate stores RequestMeta in the request context. Mount it after the
// ClientIP middleware so the forwarded-for resolution has already happened.
func Annotate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta := RequestMeta{
			IPPrefix:  privacy.AnonymizeIP(middleware.GetClientIP(r.Context())),
			UserAgent: normalizeUserAgent(r.UserAgent()),
		}
		ctx := context.WithValue(r.Context(), metaKey, meta)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// MetaFromContext returns the request metadata, or the zero value outside an
// annotated request (background jobs, tests).
func MetaFromContext(ctx context.Context) RequestMeta {
	meta, _ := ctx.Value(metaKey).(RequestMeta)
	return meta
}

// normalizeUserAgent reduces a raw User-Agent header to "Browser version (OS)".
// The raw header is too high-entropy to store verbatim next to an identity.
func normalizeUserAgent(raw string) string {
	if raw == "" {
		return ""
	}
	ua := useragent.New(raw)
	name, version := ua.Browser()
	if name == "" {
		return "unknown"
	}
	if os := ua.OS(); os != "" {
		return fmt.Sprintf("%s %s (%s)", name, version, os)
	}
	return fmt.Sprintf("%s %s", name, version)
}
