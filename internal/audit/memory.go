package audit

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryStore keeps events per tenant in append order.
type InMemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]*Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{chains: make(map[string][]*Event)}
}

func (s *InMemoryStore) Append(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[ev.TenantID]
	if n := len(chain); n > 0 && chain[n-1].Seq >= ev.Seq {
		return fmt.Errorf("audit: duplicate sequence %d for tenant %s", ev.Seq, ev.TenantID)
	}
	cp := *ev
	cp.Signature = append([]byte(nil), ev.Signature...)
	cp.Chain = append([]string(nil), ev.Chain...)
	s.chains[ev.TenantID] = append(chain, &cp)
	return nil
}

func (s *InMemoryStore) Last(_ context.Context, tenantID string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[tenantID]
	if len(chain) == 0 {
		return nil, ErrNotFound
	}
	cp := *chain[len(chain)-1]
	return &cp, nil
}

func (s *InMemoryStore) Query(_ context.Context, f Filter) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, ev := range s.chains[f.TenantID] {
		if !matches(ev, f) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func matches(ev *Event, f Filter) bool {
	if f.ActorID != "" && ev.ActorID != f.ActorID {
		return false
	}
	if f.Decision != "" && ev.Decision != f.Decision {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if f.FromSeq > 0 && ev.Seq < f.FromSeq {
		return false
	}
	if f.ToSeq > 0 && ev.Seq > f.ToSeq {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Tamper rewrites a stored event's detail in place, bypassing the hash
// chain. Test helper.
func (s *InMemoryStore) Tamper(tenantID string, seq uint64, detail string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.chains[tenantID] {
		if ev.Seq == seq {
			ev.Detail = detail
			return true
		}
	}
	return false
}
