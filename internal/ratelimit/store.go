package ratelimit

import (
	"context"
	"time"
)

// RuleStore persists limiter rules.
type RuleStore interface {
	Create(ctx context.Context, r *Rule) error
	Delete(ctx context.Context, tenantID, id string) error
	ListForTenant(ctx context.Context, tenantID string) ([]*Rule, error)
}

// Take is the outcome of one atomic counter operation.
type Take struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// CounterStore implements the sliding-window counters. Take must be
// atomic per key: prune entries older than the window, then either
// record the hit and report remaining capacity, or reject and report
// when the oldest entry expires. Concurrent callers on the same key
// must never overshoot the limit.
type CounterStore interface {
	Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Take, error)
}
