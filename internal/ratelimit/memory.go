package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryCounters is a per-process CounterStore. Each key holds the
// timestamps of hits inside the current window; Take prunes and appends
// under the key's lock, which gives the same atomicity a Redis script
// provides across processes.
type InMemoryCounters struct {
	mu   sync.Mutex
	keys map[string]*window
}

type window struct {
	mu   sync.Mutex
	hits []time.Time
}

func NewInMemoryCounters() *InMemoryCounters {
	return &InMemoryCounters{keys: make(map[string]*window)}
}

func (c *InMemoryCounters) Take(_ context.Context, key string, limit int, span time.Duration, now time.Time) (Take, error) {
	c.mu.Lock()
	w, ok := c.keys[key]
	if !ok {
		w = &window{}
		c.keys[key] = w
	}
	c.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-span)
	kept := w.hits[:0]
	for _, h := range w.hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	w.hits = kept

	if len(w.hits) >= limit {
		return Take{
			Allowed: false,
			ResetAt: w.hits[0].Add(span),
		}, nil
	}
	w.hits = append(w.hits, now)
	return Take{
		Allowed:   true,
		Remaining: limit - len(w.hits),
		ResetAt:   w.hits[0].Add(span),
	}, nil
}

// InMemoryRules is a map-backed RuleStore for tests and local runs.
type InMemoryRules struct {
	mu    sync.RWMutex
	rules map[string]*Rule
}

func NewInMemoryRules() *InMemoryRules {
	return &InMemoryRules{rules: make(map[string]*Rule)}
}

func (s *InMemoryRules) Create(_ context.Context, r *Rule) error {
	if err := r.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.rules[r.ID] = &cp
	return nil
}

func (s *InMemoryRules) Delete(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok || r.TenantID != tenantID {
		return ErrNotFound
	}
	delete(s.rules, id)
	return nil
}

func (s *InMemoryRules) ListForTenant(_ context.Context, tenantID string) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Rule
	for _, r := range s.rules {
		if r.TenantID == tenantID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
