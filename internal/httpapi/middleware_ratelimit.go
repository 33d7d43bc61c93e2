package httpapi

import (
	"math"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
)

// RateLimitMiddleware enforces per-client rate limits.
type RateLimitMiddleware struct {
	limiter *RateLimiter
	limit   *RateLimit
	logger  zerolog.Logger
}

// NewRateLimitMiddleware creates a new rate limiting middleware.
func NewRateLimitMiddleware(limit *RateLimit, logger zerolog.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: NewRateLimiter(limit),
		limit:   limit,
		logger:  logger.With().Str("middleware", "ratelimit").Logger(),
	}
}

// Handler wraps an http.Handler with rate limiting.
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientKey(r.RemoteAddr)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit.Requests))

		if !m.limiter.Allow(client) {
			retryAfter := int(math.Ceil(m.limiter.RetryAfter(client).Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}

			m.logger.Warn().
				Str("client", client).
				Str("path", r.URL.Path).
				Str("rate_limit", m.limit.String()).
				Int("retry_after_seconds", retryAfter).
				Msg("Rate limit exceeded")

			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("X-RateLimit-Remaining", "0")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(m.limiter.Remaining(client)))
		next.ServeHTTP(w, r)
	})
}

// Limiter returns the underlying rate limiter.
func (m *RateLimitMiddleware) Limiter() *RateLimiter {
	return m.limiter
}
