package identity

import "time"

// Kind distinguishes the three principal classes.
type Kind string

const (
	KindHuman   Kind = "human"
	KindService Kind = "service"
	KindAgent   Kind = "agent"
)

// Valid reports whether k is a known identity kind.
func (k Kind) Valid() bool {
	switch k {
	case KindHuman, KindService, KindAgent:
		return true
	}
	return false
}

// Status values form a one-directional lifecycle. The single allowed
// reversal is suspended back to active.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusDeleted   = "deleted"
)

// Tenant is the isolation boundary. Every other record carries a tenant id
// and cross-tenant references are rejected at the application layer.
type Tenant struct {
	ID        string
	Name      string
	Slug      string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity is a human, service, or delegated agent principal.
//
// Agents carry a parent reference, a task scope, a hard expiry, and their
// delegation depth (parent depth + 1). Expiry is derived state: it is
// evaluated lazily at validation time and swept periodically, never stored
// as a status transition.
type Identity struct {
	ID           string
	TenantID     string
	Kind         Kind
	Name         string
	Email        string
	Status       string
	ParentID     string
	TaskID       string
	TaskScope    map[string]any
	Depth        int
	ExpiresAt    *time.Time
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLoginAt  *time.Time
}

// Expired reports whether the identity's hard expiry has elapsed at now.
// Identities without an expiry never expire.
func (id *Identity) Expired(now time.Time) bool {
	return id.ExpiresAt != nil && now.After(*id.ExpiresAt)
}
