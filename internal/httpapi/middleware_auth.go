package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys used by middleware.
type ContextKey string

const (
	// ClientContextKey is the context key for the caller identity.
	ClientContextKey ContextKey = "client"

	requestInfoKey ContextKey = "request_info"
)

// requestInfo carries values set by inner middleware back to the audit log.
type requestInfo struct {
	client string
}

// AuthMiddleware validates Bearer tokens in the Authorization header.
type AuthMiddleware struct {
	token  []byte
	logger zerolog.Logger
}

// NewAuthMiddleware creates a middleware that accepts only token.
func NewAuthMiddleware(token string, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		token:  []byte(token),
		logger: logger.With().Str("middleware", "auth").Logger(),
	}
}

// Handler wraps an http.Handler with authentication.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.logger.Debug().
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("Missing Authorization header")
			http.Error(w, "Unauthorized: missing Authorization header", http.StatusUnauthorized)
			return
		}

		// Expect "Bearer <token>".
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			m.logger.Debug().
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("Invalid Authorization header format")
			http.Error(w, "Unauthorized: invalid Authorization format (expected 'Bearer <token>')", http.StatusUnauthorized)
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), m.token) != 1 {
			m.logger.Warn().
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("Invalid token")
			http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
			return
		}

		if info, ok := r.Context().Value(requestInfoKey).(*requestInfo); ok {
			info.client = "token"
		}
		ctx := context.WithValue(r.Context(), ClientContextKey, "token")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetClient returns the authenticated caller identity, or "" for requests
// that did not pass the auth middleware.
func GetClient(ctx context.Context) string {
	client, _ := ctx.Value(ClientContextKey).(string)
	return client
}
