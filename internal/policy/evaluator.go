package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type compiledPolicy struct {
	policy *Policy
	rule   compiledRule
	// compileErr is carried into the snapshot so a malformed stored
	// policy surfaces as an evaluation error, not a silent skip.
	compileErr error
}

type snapshot struct {
	epoch    uint64
	policies []compiledPolicy
}

// Evaluator answers authorization requests against the tenant's policy
// set. Policies are compiled once per snapshot; mutations bump the tenant
// epoch and the next request rebuilds the snapshot wholesale, so
// evaluation never observes a partially applied policy set.
type Evaluator struct {
	store Store
	now   func() time.Time

	mu     sync.RWMutex
	epochs map[string]uint64
	snaps  map[string]*snapshot
}

type EvaluatorOption func(*Evaluator)

func WithEvaluatorClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) { e.now = now }
}

func NewEvaluator(store Store, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		store:  store,
		now:    time.Now,
		epochs: make(map[string]uint64),
		snaps:  make(map[string]*snapshot),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate applies deny-overrides combining: any matching deny wins, else
// the highest-priority matching allow, else deny by default. A malformed
// policy or store failure returns an *EvaluationError and no decision.
func (e *Evaluator) Evaluate(ctx context.Context, req *Request) (Decision, error) {
	if req.TenantID == "" || req.Action == "" {
		return Decision{}, fmt.Errorf("%w: tenant and action are required", ErrInvalidInput)
	}
	if req.Now.IsZero() {
		req.Now = e.now().UTC()
	}

	snap, err := e.snapshotFor(ctx, req.TenantID)
	if err != nil {
		return Decision{}, &EvaluationError{Err: err}
	}

	var deny, allow *compiledPolicy
	for i := range snap.policies {
		cp := &snap.policies[i]
		if cp.policy.ResourceType != "" && cp.policy.ResourceType != req.ResourceType {
			continue
		}
		if cp.compileErr != nil {
			return Decision{}, &EvaluationError{PolicyID: cp.policy.ID, Err: cp.compileErr}
		}
		if !cp.rule.matches(req) {
			continue
		}
		switch cp.policy.Effect {
		case EffectDeny:
			if deny == nil || cp.policy.Priority > deny.policy.Priority {
				deny = cp
			}
		case EffectAllow:
			if allow == nil || cp.policy.Priority > allow.policy.Priority {
				allow = cp
			}
		default:
			return Decision{}, &EvaluationError{
				PolicyID: cp.policy.ID,
				Err:      fmt.Errorf("unknown effect %q", cp.policy.Effect),
			}
		}
	}

	if deny != nil {
		return Decision{
			Decision:   DecisionDeny,
			PolicyID:   deny.policy.ID,
			PolicyName: deny.policy.Name,
			Reason:     "explicitly denied",
		}, nil
	}
	if allow != nil {
		return Decision{
			Decision:   DecisionAllow,
			PolicyID:   allow.policy.ID,
			PolicyName: allow.policy.Name,
			Reason:     "allowed by policy",
		}, nil
	}
	return Decision{Decision: DecisionDeny, Reason: "no matching policy"}, nil
}

// Invalidate bumps the tenant's epoch. Callers invoke it after every
// policy mutation; concurrent evaluations keep using the old snapshot
// until the rebuild completes.
func (e *Evaluator) Invalidate(tenantID string) {
	e.mu.Lock()
	e.epochs[tenantID]++
	e.mu.Unlock()
}

func (e *Evaluator) snapshotFor(ctx context.Context, tenantID string) (*snapshot, error) {
	e.mu.RLock()
	epoch := e.epochs[tenantID]
	snap := e.snaps[tenantID]
	e.mu.RUnlock()
	if snap != nil && snap.epoch == epoch {
		return snap, nil
	}

	policies, err := e.store.Policies(ctx).ListActive(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	fresh := &snapshot{epoch: epoch, policies: make([]compiledPolicy, 0, len(policies))}
	for _, p := range policies {
		rule, cerr := compileRule(p.Rule)
		fresh.policies = append(fresh.policies, compiledPolicy{policy: p, rule: rule, compileErr: cerr})
	}
	sort.SliceStable(fresh.policies, func(i, j int) bool {
		return fresh.policies[i].policy.Priority > fresh.policies[j].policy.Priority
	})

	e.mu.Lock()
	// Another goroutine may have bumped the epoch while we loaded; keep
	// the stale snapshot out of the cache in that case but still answer
	// from it, since it reflects a consistent store read.
	if e.epochs[tenantID] == epoch {
		e.snaps[tenantID] = fresh
	}
	e.mu.Unlock()
	return fresh, nil
}

// EffectiveRoles resolves the identity's active role names.
func (e *Evaluator) EffectiveRoles(ctx context.Context, tenantID, identityID string) ([]string, error) {
	return e.store.RBAC(ctx).RoleNames(ctx, tenantID, identityID, e.now().UTC())
}

// EffectivePermissions resolves the identity's RBAC permission set for
// embedding into a Request.
func (e *Evaluator) EffectivePermissions(ctx context.Context, tenantID, identityID string) (map[string]struct{}, error) {
	keys, err := e.store.RBAC(ctx).PermissionKeys(ctx, tenantID, identityID, e.now().UTC())
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set, nil
}
