package policy

import "time"

// Effect of a matched policy.
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// Policy status values. Only active policies participate in evaluation.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
	StatusArchived = "archived"
)

// Policy is a tenant-scoped rule. Published versions are immutable; a
// change is a new version under the same name, and evaluation always uses
// the latest active version per name.
type Policy struct {
	ID           string
	TenantID     string
	Name         string
	Effect       string
	ResourceType string
	Priority     int
	Version      int
	Status       string
	Rule         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Request is one authorization question put to the evaluator.
type Request struct {
	IdentityID   string
	TenantID     string
	Kind         string
	Action       string
	ResourceType string
	ResourceID   string
	// Permissions is the principal's effective RBAC permission set.
	Permissions map[string]struct{}
	// Context carries caller-supplied attributes.
	Context map[string]string
	Now     time.Time
}

// Decision values. Errors during evaluation are returned as errors, never
// folded into deny or allow.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Decision is the evaluator's answer with its reasoning.
type Decision struct {
	Decision   string
	PolicyID   string
	PolicyName string
	Reason     string
}

// Role groups permissions within a tenant.
type Role struct {
	ID          string
	TenantID    string
	Name        string
	Description string
	CreatedAt   time.Time
}

// Permission is a fine-grained capability key.
type Permission struct {
	ID          string
	Key         string
	Description string
	CreatedAt   time.Time
}

// Assignment gives an identity a role, optionally bounded by a validity
// window.
type Assignment struct {
	IdentityID string
	RoleID     string
	TenantID   string
	NotBefore  *time.Time
	NotAfter   *time.Time
	CreatedAt  time.Time
}

// ActiveAt reports whether the assignment is within its validity window.
func (a Assignment) ActiveAt(now time.Time) bool {
	if a.NotBefore != nil && now.Before(*a.NotBefore) {
		return false
	}
	if a.NotAfter != nil && now.After(*a.NotAfter) {
		return false
	}
	return true
}
