package identity

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore implements Store with in-process concurrency safety.
// Used by tests and by deployments that run without a relational backend.
type InMemoryStore struct {
	mu         sync.RWMutex
	tenants    map[string]*Tenant
	identities map[string]*Identity
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tenants:    make(map[string]*Tenant),
		identities: make(map[string]*Identity),
	}
}

var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) Tenants(context.Context) TenantStore     { return (*memTenants)(s) }
func (s *InMemoryStore) Identities(context.Context) IdentityStore { return (*memIdentities)(s) }

type memTenants InMemoryStore

func (s *memTenants) Create(_ context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

func (s *memTenants) Find(_ context.Context, id string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

type memIdentities InMemoryStore

func (s *memIdentities) Create(_ context.Context, id *Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[id.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *id
	s.identities[id.ID] = &cp
	return nil
}

func (s *memIdentities) Find(_ context.Context, id string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memIdentities) FindByEmail(_ context.Context, tenantID, email string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.identities {
		if rec.TenantID == tenantID && rec.Email == email {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memIdentities) ListByParent(_ context.Context, parentID string) ([]*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*Identity
	for _, rec := range s.identities {
		if rec.ParentID == parentID {
			cp := *rec
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (s *memIdentities) UpdateStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.identities[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memIdentities) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.identities[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	rec.LastLoginAt = &t
	return nil
}

func (s *memIdentities) MarkExpiredAgents(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.identities {
		if rec.Kind == KindAgent && rec.Status == StatusActive && rec.Expired(now) {
			rec.Status = StatusDeleted
			rec.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// SetParent rewires an identity's parent pointer. Only tests use it, to
// construct corrupted chains.
func (s *InMemoryStore) SetParent(id, parentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.identities[id]; ok {
		rec.ParentID = parentID
	}
}
