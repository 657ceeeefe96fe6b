// Package middleware holds the HTTP middleware chain: gateway key auth,
// admin auth, rate limiting and trace propagation.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"hermes/internal/auth"
	"hermes/internal/models"
	"hermes/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts.
type ContextKey string

const (
	// GatewayKeyContextKey carries the authenticated key record.
	GatewayKeyContextKey ContextKey = "gatewayKey"
	// TraceIDContextKey carries the per-request trace id.
	TraceIDContextKey ContextKey = "traceID"
)

// ParseBearer extracts the token from an Authorization: Bearer <token> header.
func ParseBearer(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// GatewayAuth validates gateway keys on public API routes and stores the key
// record in the request context.
func GatewayAuth(store auth.KeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := ParseBearer(r.Header.Get("Authorization"))
			if !ok {
				utils.RespondWithAPIError(w, http.StatusUnauthorized, utils.APIError{
					Message: "missing or invalid Authorization header",
					Type:    "invalid_request_error",
					Code:    "invalid_api_key",
				})
				return
			}

			key, err := store.Lookup(r.Context(), token)
			if err != nil {
				if errors.Is(err, auth.ErrKeyNotFound) {
					utils.RespondWithAPIError(w, http.StatusUnauthorized, utils.APIError{
						Message: "invalid Hermes key provided",
						Type:    "invalid_request_error",
						Code:    "invalid_api_key",
					})
					return
				}
				utils.RespondWithError(w, http.StatusInternalServerError, "internal error")
				return
			}

			ctx := context.WithValue(r.Context(), GatewayKeyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GatewayKeyFrom retrieves the authenticated key record from the context.
func GatewayKeyFrom(ctx context.Context) (*models.GatewayKey, bool) {
	key, ok := ctx.Value(GatewayKeyContextKey).(*models.GatewayKey)
	return key, ok
}

// AdminAuth accepts the backdoor secret, an admin session JWT, or an
// admin-scope gateway key.
func AdminAuth(secret string, jwtSecret []byte, store auth.KeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := ParseBearer(r.Header.Get("Authorization"))
			if !ok {
				utils.RespondWithError(w, http.StatusUnauthorized, "missing admin credentials")
				return
			}

			if utils.SecureCompare(token, secret) {
				next.ServeHTTP(w, r)
				return
			}
			if err := auth.ValidateAdminJWT(token, jwtSecret); err == nil {
				next.ServeHTTP(w, r)
				return
			}
			if key, err := store.Lookup(r.Context(), token); err == nil && key.AdminScope {
				next.ServeHTTP(w, r)
				return
			}

			utils.RespondWithError(w, http.StatusUnauthorized, "invalid admin credentials")
		})
	}
}
