package middleware

import (
	"log/slog"
	"net/http"

	apierrors "github.com/narvanalabs/buildqueue/internal/api/errors"
	"github.com/narvanalabs/buildqueue/internal/auth"
)

// AuthMiddleware validates bearer tokens and places the asserted identity in
// the request context.
type AuthMiddleware struct {
	tokens *auth.Service
	logger *slog.Logger
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(tokens *auth.Service, logger *slog.Logger) *AuthMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthMiddleware{
		tokens: tokens,
		logger: logger,
	}
}

// Authenticate validates the Authorization header.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			apierrors.WriteError(w, apierrors.NewUnauthorizedError("missing bearer token"))
			return
		}

		identity, err := m.tokens.ValidateToken(token)
		if err != nil {
			m.logger.Debug("token validation failed", "error", err)
			apierrors.WriteError(w, apierrors.NewUnauthorizedError("invalid token"))
			return
		}

		setCaller(r.Context(), identity)
		ctx := auth.WithIdentity(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
