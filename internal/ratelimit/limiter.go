package ratelimit

import (
	"context"
	"fmt"
	"time"

	"agentiam.org/internal/obs"
)

// Limiter binds rules to requests and drives the sliding-window
// counters. Binding picks one rule per scope level: the most specific
// rule that applies, with the smallest max count breaking ties. All
// bound rules are then consumed; any exceeded rule rejects the request.
type Limiter struct {
	rules    RuleStore
	counters CounterStore
	now      func() time.Time
}

type LimiterOption func(*Limiter)

func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) { l.now = now }
}

func NewLimiter(rules RuleStore, counters CounterStore, opts ...LimiterOption) *Limiter {
	l := &Limiter{rules: rules, counters: counters, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check consumes capacity for the request. A store failure is returned
// as an error; the caller decides whether its endpoint class fails open
// or closed.
func (l *Limiter) Check(ctx context.Context, req CheckRequest) (Result, error) {
	if req.TenantID == "" {
		return Result{}, fmt.Errorf("%w: tenant is required", ErrInvalidInput)
	}
	rules, err := l.rules.ListForTenant(ctx, req.TenantID)
	if err != nil {
		return Result{}, err
	}
	bound := bind(rules, req)
	if len(bound) == 0 {
		return Result{Allowed: true, Remaining: -1}, nil
	}

	now := l.now().UTC()
	res := Result{Allowed: true, Remaining: -1}
	for _, r := range bound {
		take, err := l.counters.Take(ctx, counterKey(r, req), r.MaxCount, r.Window, now)
		if err != nil {
			return Result{}, err
		}
		if !take.Allowed {
			obs.ObserveRateLimitRejection(r.Scope)
			if res.Allowed || take.ResetAt.After(res.ResetAt) {
				res = Result{Allowed: false, ResetAt: take.ResetAt, RuleID: r.ID, Scope: r.Scope}
			}
			continue
		}
		if res.Allowed && (res.Remaining < 0 || take.Remaining < res.Remaining) {
			res.Remaining = take.Remaining
			res.ResetAt = take.ResetAt
			res.RuleID = r.ID
			res.Scope = r.Scope
		}
	}
	return res, nil
}

// bind selects the rule to enforce at each scope level. Within a level,
// higher specificity wins (action-specific over wildcard) and the
// smaller max count breaks remaining ties.
func bind(rules []*Rule, req CheckRequest) []*Rule {
	byScope := make(map[string]*Rule, 3)
	for _, r := range rules {
		if !applies(r, req) {
			continue
		}
		cur := byScope[r.Scope]
		if cur == nil ||
			r.specificity() > cur.specificity() ||
			(r.specificity() == cur.specificity() && r.MaxCount < cur.MaxCount) {
			byScope[r.Scope] = r
		}
	}
	var out []*Rule
	for _, scope := range []string{ScopeIdentity, ScopeRole, ScopeTenant} {
		if r := byScope[scope]; r != nil {
			out = append(out, r)
		}
	}
	return out
}

func applies(r *Rule, req CheckRequest) bool {
	if r.Action != "" && r.Action != req.Action {
		return false
	}
	switch r.Scope {
	case ScopeTenant:
		return r.TargetID == req.TenantID
	case ScopeIdentity:
		return r.TargetID == req.IdentityID
	case ScopeRole:
		for _, role := range req.Roles {
			if r.TargetID == role {
				return true
			}
		}
	}
	return false
}

// counterKey shares one counter across every action a wildcard rule
// covers, and one per action otherwise.
func counterKey(r *Rule, req CheckRequest) string {
	action := r.Action
	if action == "" {
		action = "*"
	}
	return fmt.Sprintf("rl:%s:%s:%s:%s", r.TenantID, r.Scope, r.TargetID, action)
}
