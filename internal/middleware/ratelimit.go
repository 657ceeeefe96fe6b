package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"hermes/internal/models"
	"hermes/internal/ratelimit"
	"hermes/internal/utils"
)

// RateLimit applies per-client admission control. The key is the validated
// gateway key hash when auth has already run, otherwise the client IP.
func RateLimit(limiter ratelimit.Limiter, onReject func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := limiter.Allow(r.Context(), clientKey(r))

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt, 10))

			if !res.Allowed {
				h.Set("Retry-After", strconv.Itoa(res.RetryAfter))
				if onReject != nil {
					onReject()
				}
				utils.RespondWithAPIError(w, http.StatusTooManyRequests, utils.APIError{
					Message: "rate limit exceeded, slow down",
					Type:    "rate_limit_error",
					Code:    "rate_limit_exceeded",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if key, ok := r.Context().Value(GatewayKeyContextKey).(*models.GatewayKey); ok {
		return key.KeyHash
	}
	return ClientIP(r)
}

// ClientIP extracts the caller address, preferring X-Forwarded-For.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
