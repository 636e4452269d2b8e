package policy

import (
	"context"
	"time"
)

// Store groups the persistence interfaces the evaluator depends on.
type Store interface {
	Policies(ctx context.Context) PolicyStore
	RBAC(ctx context.Context) RBACStore
}

// PolicyStore persists policy versions. Create publishes a new version:
// version 1 for a new name, or latest+1 for an existing one, atomically
// superseding the previous version.
type PolicyStore interface {
	Create(ctx context.Context, p *Policy) error
	Find(ctx context.Context, tenantID, id string) (*Policy, error)
	// ListActive returns the latest active version of every policy in the
	// tenant, ordered by priority descending then name.
	ListActive(ctx context.Context, tenantID string) ([]*Policy, error)
	List(ctx context.Context, tenantID string) ([]*Policy, error)
	SetStatus(ctx context.Context, tenantID, id, status string) error
}

// RBACStore persists roles, permissions and assignments.
type RBACStore interface {
	CreateRole(ctx context.Context, r *Role) error
	CreatePermission(ctx context.Context, p *Permission) error
	GrantPermission(ctx context.Context, roleID, permissionID string) error
	Assign(ctx context.Context, a *Assignment) error
	Unassign(ctx context.Context, identityID, roleID string) error
	// PermissionKeys resolves the identity's effective permission set at
	// the given instant, honoring assignment validity windows.
	PermissionKeys(ctx context.Context, tenantID, identityID string, at time.Time) ([]string, error)
	// RoleNames resolves the identity's active role names at the given
	// instant.
	RoleNames(ctx context.Context, tenantID, identityID string, at time.Time) ([]string, error)
}
