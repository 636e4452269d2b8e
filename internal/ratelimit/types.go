package ratelimit

import (
	"errors"
	"time"
)

// Rule scopes, from broadest to most specific. A more specific scope
// always beats a broader one when both apply to a request.
const (
	ScopeTenant   = "tenant"
	ScopeRole     = "role"
	ScopeIdentity = "identity"
)

var (
	ErrNotFound     = errors.New("ratelimit: not found")
	ErrInvalidInput = errors.New("ratelimit: invalid input")
)

// Rule caps how often a target may perform an action within a sliding
// window. Action "" applies to every action.
type Rule struct {
	ID        string
	TenantID  string
	Scope     string
	TargetID  string
	Action    string
	MaxCount  int
	Window    time.Duration
	CreatedAt time.Time
}

func (r *Rule) validate() error {
	switch r.Scope {
	case ScopeTenant, ScopeRole, ScopeIdentity:
	default:
		return errors.Join(ErrInvalidInput, errors.New("unknown scope "+r.Scope))
	}
	if r.TenantID == "" || r.TargetID == "" {
		return errors.Join(ErrInvalidInput, errors.New("tenant and target are required"))
	}
	if r.MaxCount <= 0 || r.Window <= 0 {
		return errors.Join(ErrInvalidInput, errors.New("max count and window must be positive"))
	}
	return nil
}

// specificity orders rules for binding: identity beats role beats
// tenant, and an action-specific rule beats a wildcard at the same
// scope.
func (r *Rule) specificity() int {
	s := 0
	switch r.Scope {
	case ScopeIdentity:
		s = 4
	case ScopeRole:
		s = 2
	case ScopeTenant:
		s = 0
	}
	if r.Action != "" {
		s++
	}
	return s
}

// CheckRequest identifies one attempted action.
type CheckRequest struct {
	TenantID   string
	IdentityID string
	Roles      []string
	Action     string
}

// Result reports the limiter's verdict. When rejected, Rule names the
// binding rule and ResetAt is the most restrictive reset across all
// exceeded rules.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	RuleID    string
	Scope     string
}
