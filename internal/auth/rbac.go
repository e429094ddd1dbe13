package auth

import (
	"context"
	"log/slog"

	"github.com/narvanalabs/buildqueue/internal/models"
)

// Role classifies a caller's capabilities.
type Role string

const (
	// RoleReader can view and search builds.
	RoleReader Role = "reader"
	// RoleScheduler can additionally create and cancel builds.
	RoleScheduler Role = "scheduler"
	// RoleWorker can additionally lease builds.
	RoleWorker Role = "worker"
	// RoleAdmin can do everything.
	RoleAdmin Role = "admin"
)

// Permission represents an action that can be performed.
type Permission string

const (
	// PermissionView allows reading a build.
	PermissionView Permission = "view"
	// PermissionSearch allows searching a scope.
	PermissionSearch Permission = "search"
	// PermissionCreate allows scheduling new builds.
	PermissionCreate Permission = "create"
	// PermissionLease allows leasing a build for execution.
	PermissionLease Permission = "lease"
	// PermissionCancel allows canceling a build.
	PermissionCancel Permission = "cancel"
)

// rolePermissions defines which permissions each role has.
var rolePermissions = map[Role][]Permission{
	RoleReader: {
		PermissionView,
		PermissionSearch,
	},
	RoleScheduler: {
		PermissionView,
		PermissionSearch,
		PermissionCreate,
		PermissionCancel,
	},
	RoleWorker: {
		PermissionView,
		PermissionSearch,
		PermissionLease,
	},
	RoleAdmin: {
		PermissionView,
		PermissionSearch,
		PermissionCreate,
		PermissionLease,
		PermissionCancel,
	},
}

// ValidRole reports whether r is one of the known roles.
func ValidRole(r Role) bool {
	_, ok := rolePermissions[r]
	return ok
}

// CheckRolePermission checks if a role has a specific permission.
func CheckRolePermission(role Role, permission Permission) error {
	permissions, ok := rolePermissions[role]
	if !ok {
		return ErrForbidden
	}
	for _, p := range permissions {
		if p == permission {
			return nil
		}
	}
	return ErrForbidden
}

// RBACAccess implements Access from the identity already placed in the
// request context by the auth middleware.
type RBACAccess struct {
	logger *slog.Logger
}

// NewRBACAccess creates the role-based Access implementation.
func NewRBACAccess(logger *slog.Logger) *RBACAccess {
	if logger == nil {
		logger = slog.Default()
	}
	return &RBACAccess{logger: logger}
}

// Identity resolves the caller from the context.
func (a *RBACAccess) Identity(ctx context.Context) (Identity, error) {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return Identity{}, ErrUnauthenticated
	}
	return id, nil
}

func (a *RBACAccess) check(ctx context.Context, p Permission) error {
	id, err := a.Identity(ctx)
	if err != nil {
		return err
	}
	return CheckRolePermission(id.Role, p)
}

// CanView implements Access.
func (a *RBACAccess) CanView(ctx context.Context, b *models.Build) error {
	return a.check(ctx, PermissionView)
}

// CanLease implements Access.
func (a *RBACAccess) CanLease(ctx context.Context, b *models.Build) error {
	return a.check(ctx, PermissionLease)
}

// CanCancel implements Access.
func (a *RBACAccess) CanCancel(ctx context.Context, b *models.Build) error {
	return a.check(ctx, PermissionCancel)
}

// CanCreate implements Access.
func (a *RBACAccess) CanCreate(ctx context.Context, scope string) error {
	return a.check(ctx, PermissionCreate)
}

// CanSearch implements Access.
func (a *RBACAccess) CanSearch(ctx context.Context, scope string) error {
	return a.check(ctx, PermissionSearch)
}

// AllowAll is an Access that grants everything to a fixed identity, for
// tests and local development.
type AllowAll struct {
	Name string
}

// Identity implements Access.
func (a AllowAll) Identity(ctx context.Context) (Identity, error) {
	if id, ok := IdentityFromContext(ctx); ok {
		return id, nil
	}
	name := a.Name
	if name == "" {
		name = "anonymous"
	}
	return Identity{Name: name, Role: RoleAdmin}, nil
}

// CanView implements Access.
func (a AllowAll) CanView(ctx context.Context, b *models.Build) error { return nil }

// CanLease implements Access.
func (a AllowAll) CanLease(ctx context.Context, b *models.Build) error { return nil }

// CanCancel implements Access.
func (a AllowAll) CanCancel(ctx context.Context, b *models.Build) error { return nil }

// CanCreate implements Access.
func (a AllowAll) CanCreate(ctx context.Context, scope string) error { return nil }

// CanSearch implements Access.
func (a AllowAll) CanSearch(ctx context.Context, scope string) error { return nil }
