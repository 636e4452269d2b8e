package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agentiam.org/internal/ids"
)

const (
	// MaxDelegationDepth bounds agent chains. Depth 0 is a root human or
	// service identity; each provisioned agent sits one level below its
	// parent.
	MaxDelegationDepth = 10

	defaultAgentTTL = time.Hour
	minAgentTTL     = time.Minute
	maxAgentTTL     = 24 * time.Hour
)

// Recorder receives the provisioning audit event. Provisioning follows a
// write-then-respond discipline: the caller never observes a new identity
// unless the identity.created event has been durably recorded.
type Recorder interface {
	IdentityCreated(ctx context.Context, ev ProvisionEvent) error
}

// ProvisionEvent is the audit payload for a just-provisioned agent.
type ProvisionEvent struct {
	TenantID string
	ActorID  string
	AgentID  string
	TaskID   string
	Chain    []string
	Depth    int
	At       time.Time
}

// ProvisionRequest describes a just-in-time agent provisioning call.
type ProvisionRequest struct {
	TenantID  string
	ParentID  string
	Name      string
	TaskID    string
	TaskScope map[string]any
	TTL       time.Duration
}

// Manager creates and validates parent/child identity relationships.
type Manager struct {
	store    Store
	recorder Recorder
	now      func() time.Time
	maxDepth int
}

// ManagerOption configures Manager behavior.
type ManagerOption func(*Manager)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithMaxDepth overrides the delegation depth bound.
func WithMaxDepth(depth int) ManagerOption {
	return func(m *Manager) {
		if depth > 0 {
			m.maxDepth = depth
		}
	}
}

// NewManager constructs a Manager. The recorder may be nil when the
// caller never exercises provisioning (tests, maintenance commands).
func NewManager(store Store, recorder Recorder, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		recorder: recorder,
		now:      time.Now,
		maxDepth: MaxDelegationDepth,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register creates a root human or service identity. Humans must carry an
// email contact anchor.
func (m *Manager) Register(ctx context.Context, id *Identity) (*Identity, error) {
	id.Name = strings.TrimSpace(id.Name)
	if id.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if !id.Kind.Valid() || id.Kind == KindAgent {
		return nil, fmt.Errorf("%w: kind must be human or service", ErrInvalidInput)
	}
	if id.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidInput)
	}
	if id.Kind == KindHuman {
		if !strings.Contains(id.Email, "@") || len(id.Email) < 3 {
			return nil, fmt.Errorf("%w: human identities require an email anchor", ErrInvalidInput)
		}
	}
	if id.ID == "" {
		id.ID = ids.New()
	}
	id.Status = StatusActive
	id.Depth = 0
	now := m.now().UTC()
	id.CreatedAt = now
	id.UpdatedAt = now
	if err := m.store.Identities(ctx).Create(ctx, id); err != nil {
		return nil, err
	}
	return id, nil
}

// Provision creates an agent identity under the given parent. It enforces
// tenant isolation, parent liveness, and the delegation depth bound, and
// records the identity.created audit event before returning.
func (m *Manager) Provision(ctx context.Context, req ProvisionRequest) (*Identity, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if req.ParentID == "" {
		return nil, fmt.Errorf("%w: agents must have a parent identity", ErrInvalidInput)
	}

	store := m.store.Identities(ctx)
	parent, err := store.Find(ctx, req.ParentID)
	if err != nil {
		return nil, err
	}

	if req.TenantID != "" && req.TenantID != parent.TenantID {
		return nil, ErrTenantMismatch
	}
	now := m.now().UTC()
	if parent.Status != StatusActive || parent.Expired(now) {
		return nil, ErrParentNotActive
	}

	depth := parent.Depth + 1
	if depth > m.maxDepth {
		return nil, fmt.Errorf("%w: max depth %d", ErrDepthExceeded, m.maxDepth)
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = defaultAgentTTL
	}
	if ttl < minAgentTTL || ttl > maxAgentTTL {
		return nil, fmt.Errorf("%w: ttl must be between %s and %s", ErrInvalidInput, minAgentTTL, maxAgentTTL)
	}
	expiresAt := now.Add(ttl)
	// The agent can never outlive its parent.
	if parent.ExpiresAt != nil && expiresAt.After(*parent.ExpiresAt) {
		expiresAt = *parent.ExpiresAt
	}

	agent := &Identity{
		ID:        ids.New(),
		TenantID:  parent.TenantID,
		Kind:      KindAgent,
		Name:      req.Name,
		Status:    StatusActive,
		ParentID:  parent.ID,
		TaskID:    req.TaskID,
		TaskScope: req.TaskScope,
		Depth:     depth,
		ExpiresAt: &expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.Create(ctx, agent); err != nil {
		return nil, err
	}

	ancestors, err := m.ResolveChain(ctx, agent)
	if err != nil {
		return nil, err
	}
	chain := make([]string, 0, len(ancestors)+1)
	chain = append(chain, agent.ID)
	for _, a := range ancestors {
		chain = append(chain, a.ID)
	}

	if m.recorder != nil {
		ev := ProvisionEvent{
			TenantID: agent.TenantID,
			ActorID:  parent.ID,
			AgentID:  agent.ID,
			TaskID:   agent.TaskID,
			Chain:    chain,
			Depth:    depth,
			At:       now,
		}
		if err := m.recorder.IdentityCreated(ctx, ev); err != nil {
			return nil, fmt.Errorf("identity: record provisioning: %w", err)
		}
	}
	return agent, nil
}

// ResolveChain walks the ancestry of id, ordered from immediate parent to
// root. The traversal is bounded by the depth limit; revisiting any
// identity is reported as a cycle, never silently truncated.
func (m *Manager) ResolveChain(ctx context.Context, id *Identity) ([]*Identity, error) {
	store := m.store.Identities(ctx)
	seen := map[string]struct{}{id.ID: {}}
	var chain []*Identity

	current := id
	for current.ParentID != "" {
		if len(chain) >= m.maxDepth {
			return nil, ErrCycleDetected
		}
		parent, err := store.Find(ctx, current.ParentID)
		if err != nil {
			return nil, fmt.Errorf("identity: resolve chain at %s: %w", current.ParentID, err)
		}
		if _, ok := seen[parent.ID]; ok {
			return nil, ErrCycleDetected
		}
		seen[parent.ID] = struct{}{}
		chain = append(chain, parent)
		current = parent
	}
	return chain, nil
}

// IsExpired reports derived expiry for an identity at now.
func (m *Manager) IsExpired(id *Identity, now time.Time) bool {
	return id.Expired(now)
}

// Transition moves an identity through its lifecycle. Allowed moves:
// active->suspended, active->deleted, suspended->active,
// suspended->deleted. Deletion is terminal.
func (m *Manager) Transition(ctx context.Context, id string, to string) error {
	store := m.store.Identities(ctx)
	current, err := store.Find(ctx, id)
	if err != nil {
		return err
	}
	if !transitionAllowed(current.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, current.Status, to)
	}
	return store.UpdateStatus(ctx, id, to)
}

func transitionAllowed(from, to string) bool {
	switch from {
	case StatusActive:
		return to == StatusSuspended || to == StatusDeleted
	case StatusSuspended:
		return to == StatusActive || to == StatusDeleted
	}
	return false
}

// SweepExpired marks expired active agents deleted. Runs periodically from
// cmd/sweep; lazy evaluation at validation time covers the gap between
// sweeps.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	return m.store.Identities(ctx).MarkExpiredAgents(ctx, m.now().UTC())
}
