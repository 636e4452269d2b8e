package credential

import (
	"context"
	"sync"
	"time"
)

// InMemorySessions implements SessionStore with in-process concurrency
// safety. Used by tests and storage-less deployments.
type InMemorySessions struct {
	mu      sync.RWMutex
	byToken map[string]*Session
}

// NewInMemorySessions creates an empty session store.
func NewInMemorySessions() *InMemorySessions {
	return &InMemorySessions{byToken: make(map[string]*Session)}
}

var _ SessionStore = (*InMemorySessions)(nil)

func (s *InMemorySessions) Create(_ context.Context, rec *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byToken[rec.TokenID]; ok {
		return ErrInvalidInput
	}
	cp := *rec
	s.byToken[rec.TokenID] = &cp
	return nil
}

func (s *InMemorySessions) FindByTokenID(_ context.Context, tokenID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byToken[tokenID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemorySessions) MarkRevoked(_ context.Context, tokenID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byToken[tokenID]
	if !ok {
		return ErrNotFound
	}
	if rec.RevokedAt == nil {
		t := at
		rec.RevokedAt = &t
	}
	return nil
}

func (s *InMemorySessions) RevokeAllForIdentity(_ context.Context, identityID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.byToken {
		if rec.IdentityID == identityID && rec.RevokedAt == nil {
			t := at
			rec.RevokedAt = &t
			n++
		}
	}
	return n, nil
}

func (s *InMemorySessions) UpdateLastUsed(_ context.Context, tokenID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byToken[tokenID]
	if !ok {
		return ErrNotFound
	}
	t := at
	rec.LastUsedAt = &t
	return nil
}

func (s *InMemorySessions) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.byToken {
		if rec.ExpiresAt.Before(cutoff) {
			delete(s.byToken, id)
			n++
		}
	}
	return n, nil
}
