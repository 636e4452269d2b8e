package policy

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is a map-backed Store for tests and local runs.
type InMemoryStore struct {
	mu          sync.RWMutex
	policies    map[string]*Policy // id -> latest state
	roles       map[string]*Role
	permissions map[string]*Permission
	grants      map[string]map[string]struct{} // roleID -> permissionID set
	assignments []*Assignment
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		policies:    make(map[string]*Policy),
		roles:       make(map[string]*Role),
		permissions: make(map[string]*Permission),
		grants:      make(map[string]map[string]struct{}),
	}
}

func (s *InMemoryStore) Policies(context.Context) PolicyStore { return (*memPolicies)(s) }
func (s *InMemoryStore) RBAC(context.Context) RBACStore       { return (*memRBAC)(s) }

type memPolicies InMemoryStore

func (m *memPolicies) Create(_ context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Version = 1
	for _, prev := range m.policies {
		if prev.TenantID == p.TenantID && prev.Name == p.Name {
			if prev.Version >= p.Version {
				p.Version = prev.Version + 1
			}
			if prev.Status == StatusActive {
				prev.Status = StatusArchived
			}
		}
	}
	cp := *p
	m.policies[p.ID] = &cp
	return nil
}

func (m *memPolicies) Find(_ context.Context, tenantID, id string) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok || p.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memPolicies) ListActive(_ context.Context, tenantID string) ([]*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Policy
	for _, p := range m.policies {
		if p.TenantID == tenantID && p.Status == StatusActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	sortPolicies(out)
	return out, nil
}

func (m *memPolicies) List(_ context.Context, tenantID string) ([]*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Policy
	for _, p := range m.policies {
		if p.TenantID == tenantID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sortPolicies(out)
	return out, nil
}

func (m *memPolicies) SetStatus(_ context.Context, tenantID, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[id]
	if !ok || p.TenantID != tenantID {
		return ErrNotFound
	}
	p.Status = status
	return nil
}

func sortPolicies(ps []*Policy) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Priority != ps[j].Priority {
			return ps[i].Priority > ps[j].Priority
		}
		if ps[i].Name != ps[j].Name {
			return strings.Compare(ps[i].Name, ps[j].Name) < 0
		}
		return ps[i].Version > ps[j].Version
	})
}

type memRBAC InMemoryStore

func (m *memRBAC) CreateRole(_ context.Context, r *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.roles {
		if existing.TenantID == r.TenantID && existing.Name == r.Name {
			return ErrAlreadyExists
		}
	}
	cp := *r
	m.roles[r.ID] = &cp
	return nil
}

func (m *memRBAC) CreatePermission(_ context.Context, p *Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.permissions {
		if existing.Key == p.Key {
			return ErrAlreadyExists
		}
	}
	cp := *p
	m.permissions[p.ID] = &cp
	return nil
}

func (m *memRBAC) GrantPermission(_ context.Context, roleID, permissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[roleID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.permissions[permissionID]; !ok {
		return ErrNotFound
	}
	if m.grants[roleID] == nil {
		m.grants[roleID] = make(map[string]struct{})
	}
	m.grants[roleID][permissionID] = struct{}{}
	return nil
}

func (m *memRBAC) Assign(_ context.Context, a *Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[a.RoleID]; !ok {
		return ErrNotFound
	}
	cp := *a
	m.assignments = append(m.assignments, &cp)
	return nil
}

func (m *memRBAC) Unassign(_ context.Context, identityID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.assignments[:0]
	for _, a := range m.assignments {
		if a.IdentityID == identityID && a.RoleID == roleID {
			continue
		}
		kept = append(kept, a)
	}
	m.assignments = kept
	return nil
}

func (m *memRBAC) RoleNames(_ context.Context, tenantID, identityID string, at time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, a := range m.assignments {
		if a.IdentityID != identityID || a.TenantID != tenantID || !a.ActiveAt(at) {
			continue
		}
		r, ok := m.roles[a.RoleID]
		if !ok {
			continue
		}
		if _, dup := seen[r.Name]; dup {
			continue
		}
		seen[r.Name] = struct{}{}
		out = append(out, r.Name)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memRBAC) PermissionKeys(_ context.Context, tenantID, identityID string, at time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, a := range m.assignments {
		if a.IdentityID != identityID || a.TenantID != tenantID || !a.ActiveAt(at) {
			continue
		}
		for pid := range m.grants[a.RoleID] {
			p, ok := m.permissions[pid]
			if !ok {
				continue
			}
			if _, dup := seen[p.Key]; dup {
				continue
			}
			seen[p.Key] = struct{}{}
			out = append(out, p.Key)
		}
	}
	sort.Strings(out)
	return out, nil
}
