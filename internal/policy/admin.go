package policy

import (
	"context"
	"fmt"

	"agentiam.org/internal/ids"
)

// Publish validates and stores a new policy version, then invalidates the
// tenant snapshot. Rule text is compiled eagerly so malformed rules are
// rejected at write time rather than discovered during evaluation.
func (e *Evaluator) Publish(ctx context.Context, p *Policy) (*Policy, error) {
	if p.TenantID == "" || p.Name == "" {
		return nil, fmt.Errorf("%w: tenant and name are required", ErrInvalidInput)
	}
	if p.Effect != EffectAllow && p.Effect != EffectDeny {
		return nil, fmt.Errorf("%w: effect must be allow or deny", ErrInvalidInput)
	}
	if _, err := compileRule(p.Rule); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	p.ID = ids.New()
	p.Status = StatusActive
	now := e.now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := e.store.Policies(ctx).Create(ctx, p); err != nil {
		return nil, err
	}
	e.Invalidate(p.TenantID)
	return p, nil
}

// Find returns one policy version.
func (e *Evaluator) Find(ctx context.Context, tenantID, id string) (*Policy, error) {
	return e.store.Policies(ctx).Find(ctx, tenantID, id)
}

// List returns every version of every policy in the tenant.
func (e *Evaluator) List(ctx context.Context, tenantID string) ([]*Policy, error) {
	return e.store.Policies(ctx).List(ctx, tenantID)
}

// SetStatus disables or archives a policy version.
func (e *Evaluator) SetStatus(ctx context.Context, tenantID, id, status string) error {
	switch status {
	case StatusActive, StatusDisabled, StatusArchived:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	if err := e.store.Policies(ctx).SetStatus(ctx, tenantID, id, status); err != nil {
		return err
	}
	e.Invalidate(tenantID)
	return nil
}
