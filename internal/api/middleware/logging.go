// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/narvanalabs/buildqueue/internal/auth"
)

type callerKey struct{}

// caller is filled in by the auth middleware once the bearer token is
// validated, so the request logger, which wraps it, can report who made
// the call.
type caller struct {
	name string
	role string
}

func setCaller(ctx context.Context, id auth.Identity) {
	if c, ok := ctx.Value(callerKey{}).(*caller); ok {
		c.name = id.Name
		c.role = string(id.Role)
	}
}

// RequestLogger returns a middleware that logs one line per request with
// route, status, timing, and the authenticated caller when one is known.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			c := &caller{}
			r = r.WithContext(context.WithValue(r.Context(), callerKey{}, c))

			defer func() {
				attrs := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start).String(),
					"request_id", middleware.GetReqID(r.Context()),
					"remote_addr", r.RemoteAddr,
				}
				if c.name != "" {
					attrs = append(attrs, "caller", c.name, "role", c.role)
				}
				logger.Info("request completed", attrs...)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
