package credential

import (
	"context"
	"sync"
	"time"
)

// SessionStore persists credential records. Implementations must make a
// session's revocation visible to any Find issued after MarkRevoked
// returns (read-your-write).
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	FindByTokenID(ctx context.Context, tokenID string) (*Session, error)
	MarkRevoked(ctx context.Context, tokenID string, at time.Time) error
	RevokeAllForIdentity(ctx context.Context, identityID string, at time.Time) (int64, error)
	UpdateLastUsed(ctx context.Context, tokenID string, at time.Time) error
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RevocationChecker is the externally-owned revocation set. The core never
// holds an authoritative in-process copy; multiple service instances share
// one backing store through this interface.
type RevocationChecker interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// InMemoryRevocations implements RevocationChecker with in-process
// concurrency safety. Entries carry the token's remaining lifetime so the
// set does not grow past naturally-expired tokens.
type InMemoryRevocations struct {
	mu      sync.RWMutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewInMemoryRevocations creates an empty revocation set.
func NewInMemoryRevocations() *InMemoryRevocations {
	return &InMemoryRevocations{
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

var _ RevocationChecker = (*InMemoryRevocations)(nil)

func (r *InMemoryRevocations) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	expiry := r.now().Add(ttl)
	// Monotonic: never shorten an existing entry.
	if existing, ok := r.expires[tokenID]; !ok || expiry.After(existing) {
		r.expires[tokenID] = expiry
	}
	return nil
}

func (r *InMemoryRevocations) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	expiry, ok := r.expires[tokenID]
	if !ok {
		return false, nil
	}
	return r.now().Before(expiry), nil
}
