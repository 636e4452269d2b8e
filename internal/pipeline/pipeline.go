package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentiam.org/internal/audit"
	"agentiam.org/internal/credential"
	"agentiam.org/internal/identity"
	"agentiam.org/internal/obs"
	"agentiam.org/internal/policy"
	"agentiam.org/internal/ratelimit"
)

var (
	// ErrRateLimited is returned alongside a Response carrying the
	// limiter verdict, so the transport can attach retry headers.
	ErrRateLimited = errors.New("pipeline: rate limited")
	// ErrDelegationStale marks a principal whose delegation chain no
	// longer holds: a link was suspended, deleted or expired after the
	// token was minted.
	ErrDelegationStale = errors.New("pipeline: delegation chain no longer valid")
)

// Request is one authorization question arriving at the pipeline.
type Request struct {
	Token        string
	Action       string
	ResourceType string
	ResourceID   string
	Context      map[string]string
}

// RateLimit is the limiter slice of a response.
type RateLimit struct {
	Limited   bool
	Remaining int
	ResetAt   time.Time
	RuleID    string
	Scope     string
}

// Response is the pipeline's answer for requests that got far enough to
// have one.
type Response struct {
	Decision   string
	Reason     string
	PolicyID   string
	PolicyName string
	Principal  *credential.Principal
	RateLimit  *RateLimit
}

// Pipeline runs the full authorization sequence: credential validation,
// then rate limiting, then delegation freshness, capability bounds and
// policy evaluation, with an audit event at the end of every path.
// Validation runs before the limiter because identity- and role-scoped
// limit keys need the resolved principal; unauthenticated traffic is
// limited per IP at the transport edge instead. Failures
// before a decision record a decision=none event best-effort and return
// the underlying error; policy evaluation errors propagate as
// *policy.EvaluationError so the transport can fail closed without
// reporting a deny.
type Pipeline struct {
	validator  *credential.Validator
	manager    *identity.Manager
	identities identity.Store
	evaluator  *policy.Evaluator
	limiter    *ratelimit.Limiter
	trail      *audit.Trail
	now        func() time.Time

	limiterFailOpen bool
}

type Option func(*Pipeline)

func WithPipelineClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLimiterFailOpen lets authorization proceed when the limiter's
// backing store fails, logging a warning instead of rejecting. The
// default is fail-closed.
func WithLimiterFailOpen() Option {
	return func(p *Pipeline) { p.limiterFailOpen = true }
}

func New(
	validator *credential.Validator,
	manager *identity.Manager,
	identities identity.Store,
	evaluator *policy.Evaluator,
	limiter *ratelimit.Limiter,
	trail *audit.Trail,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		validator:  validator,
		manager:    manager,
		identities: identities,
		evaluator:  evaluator,
		limiter:    limiter,
		trail:      trail,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Authorize answers whether the bearer of req.Token may perform
// req.Action on the resource.
func (p *Pipeline) Authorize(ctx context.Context, req *Request) (*Response, error) {
	if req.Token == "" || req.Action == "" {
		return nil, fmt.Errorf("%w: token and action are required", credential.ErrInvalidInput)
	}

	principal, err := p.validator.Validate(ctx, req.Token)
	if err != nil {
		// No tenant to charge the failure to; nothing to audit against.
		return nil, err
	}

	roles, err := p.evaluator.EffectiveRoles(ctx, principal.TenantID, principal.IdentityID)
	if err != nil {
		p.recordFailure(ctx, principal, req, "role lookup failed")
		return nil, err
	}

	rl, err := p.limiter.Check(ctx, ratelimit.CheckRequest{
		TenantID:   principal.TenantID,
		IdentityID: principal.IdentityID,
		Roles:      roles,
		Action:     req.Action,
	})
	if err != nil {
		if !p.limiterFailOpen {
			p.recordFailure(ctx, principal, req, "rate limiter unavailable")
			return nil, err
		}
		obs.LogEvent("rate_limiter_degraded", map[string]any{
			"tenant_id": principal.TenantID, "error": err.Error(),
		})
		rl = ratelimit.Result{Allowed: true, Remaining: -1}
	}
	limit := &RateLimit{
		Limited:   !rl.Allowed,
		Remaining: rl.Remaining,
		ResetAt:   rl.ResetAt,
		RuleID:    rl.RuleID,
		Scope:     rl.Scope,
	}
	if !rl.Allowed {
		p.recordFailure(ctx, principal, req, "rate limited by "+rl.RuleID)
		return &Response{
			Decision:  policy.DecisionDeny,
			Reason:    "rate limited",
			Principal: principal,
			RateLimit: limit,
		}, ErrRateLimited
	}

	actor, err := p.checkDelegation(ctx, principal)
	if err != nil {
		p.recordFailure(ctx, principal, req, err.Error())
		return nil, err
	}

	if deny, reason := capabilityDeny(principal, req); deny {
		resp := &Response{
			Decision:  policy.DecisionDeny,
			Reason:    reason,
			Principal: principal,
			RateLimit: limit,
		}
		p.recordDecision(ctx, principal, req, resp)
		return resp, nil
	}

	perms, err := p.evaluator.EffectivePermissions(ctx, principal.TenantID, principal.IdentityID)
	if err != nil {
		p.recordFailure(ctx, principal, req, "permission lookup failed")
		return nil, err
	}
	decision, err := p.evaluator.Evaluate(ctx, &policy.Request{
		IdentityID:   principal.IdentityID,
		TenantID:     principal.TenantID,
		// principal.kind clauses match the identity family (human,
		// service, agent), not the credential form the caller used.
		Kind:         string(actor.Kind),
		Action:       req.Action,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Permissions:  perms,
		Context:      req.Context,
		Now:          p.now().UTC(),
	})
	if err != nil {
		p.recordFailure(ctx, principal, req, "policy evaluation failed")
		return nil, err
	}

	resp := &Response{
		Decision:   decision.Decision,
		Reason:     decision.Reason,
		PolicyID:   decision.PolicyID,
		PolicyName: decision.PolicyName,
		Principal:  principal,
		RateLimit:  limit,
	}
	p.recordDecision(ctx, principal, req, resp)
	return resp, nil
}

// checkDelegation re-validates the principal's delegation chain against
// current identity state and returns the resolved identity. A token
// outlives none of its ancestors.
func (p *Pipeline) checkDelegation(ctx context.Context, principal *credential.Principal) (*identity.Identity, error) {
	store := p.identities.Identities(ctx)
	now := p.now().UTC()

	id, err := store.Find(ctx, principal.IdentityID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, fmt.Errorf("%w: identity %s gone", ErrDelegationStale, principal.IdentityID)
		}
		return nil, err
	}
	chain, err := p.manager.ResolveChain(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDelegationStale, err)
	}
	for _, link := range append([]*identity.Identity{id}, chain...) {
		if link.Status != identity.StatusActive {
			return nil, fmt.Errorf("%w: %s is %s", ErrDelegationStale, link.ID, link.Status)
		}
		if p.manager.IsExpired(link, now) {
			return nil, fmt.Errorf("%w: %s expired", ErrDelegationStale, link.ID)
		}
	}
	return id, nil
}

// capabilityDeny enforces the token's own attenuation bounds before any
// policy runs: policies can only narrow further, never re-widen a
// delegated capability.
func capabilityDeny(principal *credential.Principal, req *Request) (bool, string) {
	if !principal.AllowsAction(req.Action) {
		return true, "action outside delegated capability"
	}
	if principal.ResourcePrefix != "" && !strings.HasPrefix(req.ResourceID, principal.ResourcePrefix) {
		return true, "resource outside delegated prefix"
	}
	return false, ""
}

func (p *Pipeline) recordDecision(ctx context.Context, principal *credential.Principal, req *Request, resp *Response) {
	obs.ObserveDecision(resp.Decision)
	err := p.trail.Record(ctx, &audit.Event{
		TenantID:     principal.TenantID,
		ActorID:      principal.IdentityID,
		Action:       req.Action,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Decision:     resp.Decision,
		TokenID:      principal.TokenID,
		Chain:        principal.Chain,
		Detail:       decisionDetail(resp),
	})
	if err != nil {
		obs.LogEvent("audit_record_failed", map[string]any{
			"tenant_id": principal.TenantID, "error": err.Error(),
		})
	}
}

// recordFailure writes a decision=none event for requests that never
// reached evaluation. Best effort: the failure is returned to the
// caller either way.
func (p *Pipeline) recordFailure(ctx context.Context, principal *credential.Principal, req *Request, detail string) {
	obs.ObserveDecision(audit.DecisionNone)
	err := p.trail.Record(ctx, &audit.Event{
		TenantID:     principal.TenantID,
		ActorID:      principal.IdentityID,
		Action:       req.Action,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Decision:     audit.DecisionNone,
		TokenID:      principal.TokenID,
		Chain:        principal.Chain,
		Detail:       detail,
	})
	if err != nil {
		obs.LogEvent("audit_record_failed", map[string]any{
			"tenant_id": principal.TenantID, "error": err.Error(),
		})
	}
}

func decisionDetail(resp *Response) string {
	if resp.PolicyID == "" {
		return resp.Reason
	}
	return resp.Reason + " policy=" + resp.PolicyID
}
