// Package auth provides identity resolution and access control for the build
// queue.
package auth

import (
	"context"
	"errors"

	"github.com/narvanalabs/buildqueue/internal/models"
)

// Common auth errors. ErrForbidden is deliberately distinct from the store's
// not-found so a caller can never learn whether a hidden build exists.
var (
	ErrUnauthenticated = errors.New("no identity in request")
	ErrForbidden       = errors.New("permission denied")
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const identityKey contextKey = "identity"

// Identity is an authenticated caller.
type Identity struct {
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// WithIdentity returns a context carrying the identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext extracts the caller identity, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// Access answers the capability questions the core asks before acting. The
// implementation behind it (token service + role map here, an external ACL
// service elsewhere) is a collaborator, not part of the core.
type Access interface {
	// Identity resolves the caller. Returns ErrUnauthenticated when absent.
	Identity(ctx context.Context) (Identity, error)

	CanView(ctx context.Context, b *models.Build) error
	CanLease(ctx context.Context, b *models.Build) error
	CanCancel(ctx context.Context, b *models.Build) error
	CanCreate(ctx context.Context, scope string) error
	CanSearch(ctx context.Context, scope string) error
}
