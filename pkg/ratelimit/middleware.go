package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"frontdoor/pkg/httpx"
)

// KeyFunc picks the throttling key for a request.
type KeyFunc func(r *http.Request) string

// Middleware rejects requests over limit with 429 and a Retry-After header.
// A non-positive limit disables throttling.
func Middleware(l Limiter, limit int, keyFn KeyFunc, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		if l == nil || limit <= 0 || keyFn == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			d := l.Allow(r.Context(), key, limit)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				logger.Warn("attempt throttled", zap.String("key", key), zap.String("path", r.URL.Path), zap.Duration("retry_after", d.RetryAfter))
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter/time.Second)))
				httpx.Error(w, r, http.StatusTooManyRequests, "too many attempts")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
