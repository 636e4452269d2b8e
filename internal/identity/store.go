package identity

import (
	"context"
	"time"
)

// Store describes persistence operations required by the identity subsystem.
// The core consumes it; implementations live next to it (PGStore) or in
// tests (memory store).
type Store interface {
	Tenants(ctx context.Context) TenantStore
	Identities(ctx context.Context) IdentityStore
}

// TenantStore manages tenants.
type TenantStore interface {
	Create(ctx context.Context, t *Tenant) error
	Find(ctx context.Context, id string) (*Tenant, error)
}

// IdentityStore manages identity records.
type IdentityStore interface {
	Create(ctx context.Context, id *Identity) error
	Find(ctx context.Context, id string) (*Identity, error)
	FindByEmail(ctx context.Context, tenantID, email string) (*Identity, error)
	ListByParent(ctx context.Context, parentID string) ([]*Identity, error)
	UpdateStatus(ctx context.Context, id, status string) error
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error

	// MarkExpiredAgents transitions active agents whose expiry has elapsed
	// to deleted, returning the number of rows affected.
	MarkExpiredAgents(ctx context.Context, now time.Time) (int64, error)
}
