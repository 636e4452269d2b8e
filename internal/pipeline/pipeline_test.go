package pipeline

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
	"time"

	"agentiam.org/internal/audit"
	"agentiam.org/internal/credential"
	"agentiam.org/internal/identity"
	"agentiam.org/internal/policy"
	"agentiam.org/internal/ratelimit"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

var (
	rsaOnce sync.Once
	rsaKey  *rsa.PrivateKey
)

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	rsaOnce.Do(func() {
		var err error
		rsaKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate rsa key: %v", err)
		}
	})
	return rsaKey
}

type fixture struct {
	pipeline   *Pipeline
	manager    *identity.Manager
	identities *identity.InMemoryStore
	direct     *credential.Service
	policies   *policy.Evaluator
	rules      *ratelimit.InMemoryRules
	auditStore *audit.InMemoryStore
	trail      *audit.Trail
	clock      *time.Time

	root *identity.Identity
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := baseTime
	now := func() time.Time { return clock }

	ids := identity.NewInMemoryStore()
	auditStore := audit.NewInMemoryStore()
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	trail, err := audit.NewTrail(auditStore, seed, audit.WithTrailClock(now))
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	manager := identity.NewManager(ids, audit.NewRecorder(trail), identity.WithClock(now))

	revocations := credential.NewInMemoryRevocations()
	direct, err := credential.NewService(
		credential.NewInMemorySessions(), ids, revocations,
		credential.WithSigningKey(testRSAKey(t)),
		credential.WithClock(now),
	)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	authority, err := credential.NewAuthority("tenant-root", revocations,
		credential.WithAuthorityClock(now))
	if err != nil {
		t.Fatalf("authority: %v", err)
	}

	policyStore := policy.NewInMemoryStore()
	evaluator := policy.NewEvaluator(policyStore, policy.WithEvaluatorClock(now))
	rules := ratelimit.NewInMemoryRules()
	limiter := ratelimit.NewLimiter(rules, ratelimit.NewInMemoryCounters(),
		ratelimit.WithLimiterClock(now))

	f := &fixture{
		manager:    manager,
		identities: ids,
		direct:     direct,
		policies:   evaluator,
		rules:      rules,
		auditStore: auditStore,
		trail:      trail,
		clock:      &clock,
	}
	f.pipeline = New(
		credential.NewValidator(direct, authority),
		manager, ids, evaluator, limiter, trail,
		append([]Option{WithPipelineClock(now)}, opts...)...,
	)

	root, err := manager.Register(ctx, &identity.Identity{
		TenantID: "t1", Kind: identity.KindService, Name: "orchestrator",
	})
	if err != nil {
		t.Fatalf("register root: %v", err)
	}
	f.root = root
	return f
}

func (f *fixture) token(t *testing.T) string {
	t.Helper()
	pair, err := f.direct.IssuePair(context.Background(), f.root, nil)
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}
	return pair.AccessToken
}

func (f *fixture) allowReads(t *testing.T) {
	t.Helper()
	_, err := f.policies.Publish(context.Background(), &policy.Policy{
		TenantID: "t1", Name: "readers", Effect: policy.EffectAllow,
		ResourceType: "task", Rule: "action == read",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.trail.Close(ctx); err != nil {
		t.Fatalf("drain trail: %v", err)
	}
}

func TestAuthorizeAllowsAndAudits(t *testing.T) {
	f := newFixture(t)
	f.allowReads(t)

	resp, err := f.pipeline.Authorize(context.Background(), &Request{
		Token: f.token(t), Action: "read", ResourceType: "task", ResourceID: "task-1",
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.Decision != policy.DecisionAllow {
		t.Fatalf("decision = %s (%s)", resp.Decision, resp.Reason)
	}

	f.drain(t)
	events, err := f.auditStore.Query(context.Background(), audit.Filter{TenantID: "t1", Decision: audit.DecisionAllow})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 || events[0].ActorID != f.root.ID || events[0].Action != "read" {
		t.Fatalf("audit events = %+v", events)
	}
}

func TestAuthorizeDeniesByDefault(t *testing.T) {
	f := newFixture(t)

	resp, err := f.pipeline.Authorize(context.Background(), &Request{
		Token: f.token(t), Action: "delete", ResourceType: "task", ResourceID: "task-1",
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.Decision != policy.DecisionDeny || resp.PolicyID != "" {
		t.Fatalf("resp = %+v, want default deny", resp)
	}
}

func TestExpiredCredentialAborts(t *testing.T) {
	f := newFixture(t)
	f.allowReads(t)
	token := f.token(t)

	*f.clock = baseTime.Add(16 * time.Minute)
	_, err := f.pipeline.Authorize(context.Background(), &Request{
		Token: token, Action: "read", ResourceType: "task", ResourceID: "task-1",
	})
	if !errors.Is(err, credential.ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestSuspendedAncestorStalesDelegation(t *testing.T) {
	f := newFixture(t)
	f.allowReads(t)
	ctx := context.Background()

	agent, err := f.manager.Provision(ctx, identity.ProvisionRequest{
		ParentID: f.root.ID, Name: "worker", TaskID: "task-1",
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	pair, err := f.direct.IssuePair(ctx, agent, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	resp, err := f.pipeline.Authorize(ctx, &Request{
		Token: pair.AccessToken, Action: "read", ResourceType: "task", ResourceID: "task-1",
	})
	if err != nil || resp.Decision != policy.DecisionAllow {
		t.Fatalf("before suspension: resp=%+v err=%v", resp, err)
	}

	if err := f.manager.Transition(ctx, f.root.ID, identity.StatusSuspended); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	_, err = f.pipeline.Authorize(ctx, &Request{
		Token: pair.AccessToken, Action: "read", ResourceType: "task", ResourceID: "task-1",
	})
	if !errors.Is(err, ErrDelegationStale) {
		t.Fatalf("err = %v, want ErrDelegationStale", err)
	}

	f.drain(t)
	events, _ := f.auditStore.Query(ctx, audit.Filter{TenantID: "t1", Decision: audit.DecisionNone})
	if len(events) != 1 {
		t.Fatalf("want one decision=none failure event, got %d", len(events))
	}
}

func TestRateLimitRejectsWithVerdict(t *testing.T) {
	f := newFixture(t)
	f.allowReads(t)
	ctx := context.Background()
	if err := f.rules.Create(ctx, &ratelimit.Rule{
		ID: "r1", TenantID: "t1", Scope: ratelimit.ScopeIdentity,
		TargetID: f.root.ID, Action: "read", MaxCount: 1, Window: time.Minute,
	}); err != nil {
		t.Fatalf("rule: %v", err)
	}
	token := f.token(t)

	req := &Request{Token: token, Action: "read", ResourceType: "task", ResourceID: "task-1"}
	if resp, err := f.pipeline.Authorize(ctx, req); err != nil || resp.Decision != policy.DecisionAllow {
		t.Fatalf("first: resp=%+v err=%v", resp, err)
	}

	resp, err := f.pipeline.Authorize(ctx, req)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if resp == nil || !resp.RateLimit.Limited || resp.RateLimit.RuleID != "r1" {
		t.Fatalf("resp = %+v, want limiter verdict", resp)
	}
	if want := baseTime.Add(time.Minute); !resp.RateLimit.ResetAt.Equal(want) {
		t.Fatalf("reset = %v, want %v", resp.RateLimit.ResetAt, want)
	}
}

func TestEvaluationErrorIsNotADeny(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Seed a malformed rule directly, bypassing publish validation.
	store := policy.NewInMemoryStore()
	bad := &policy.Policy{
		ID: "p-bad", TenantID: "t1", Name: "broken", Effect: policy.EffectAllow,
		Status: policy.StatusActive, Rule: "action resembles read",
	}
	if err := store.Policies(ctx).Create(ctx, bad); err != nil {
		t.Fatalf("seed: %v", err)
	}
	clock := *f.clock
	evaluator := policy.NewEvaluator(store, policy.WithEvaluatorClock(func() time.Time { return clock }))
	f.pipeline.evaluator = evaluator

	_, err := f.pipeline.Authorize(ctx, &Request{
		Token: f.token(t), Action: "read", ResourceType: "task", ResourceID: "task-1",
	})
	var evalErr *policy.EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("err = %v, want *policy.EvaluationError", err)
	}
}

func TestPrincipalKindClauseMatchesIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.policies.Publish(ctx, &policy.Policy{
		TenantID: "t1", Name: "agents-read", Effect: policy.EffectAllow,
		Rule: "action == read && principal.kind == agent",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	agent, err := f.manager.Provision(ctx, identity.ProvisionRequest{
		ParentID: f.root.ID, Name: "worker", TaskID: "task-1",
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	pair, err := f.direct.IssuePair(ctx, agent, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	resp, err := f.pipeline.Authorize(ctx, &Request{
		Token: pair.AccessToken, Action: "read", ResourceType: "task", ResourceID: "task-1",
	})
	if err != nil {
		t.Fatalf("agent authorize: %v", err)
	}
	if resp.Decision != policy.DecisionAllow {
		t.Fatalf("agent decision = %s (%s), want allow", resp.Decision, resp.Reason)
	}

	// The root is a service identity; the kind clause must not match it.
	resp, err = f.pipeline.Authorize(ctx, &Request{
		Token: f.token(t), Action: "read", ResourceType: "task", ResourceID: "task-1",
	})
	if err != nil {
		t.Fatalf("service authorize: %v", err)
	}
	if resp.Decision != policy.DecisionDeny || resp.PolicyID != "" {
		t.Fatalf("service resp = %+v, want default deny", resp)
	}
}

func TestDecisionEventCarriesChainSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.policies.Publish(ctx, &policy.Policy{
		TenantID: "t1", Name: "everything", Effect: policy.EffectAllow, Rule: "",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	agent, err := f.manager.Provision(ctx, identity.ProvisionRequest{
		ParentID: f.root.ID, Name: "worker", TaskID: "task-1",
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	authority, err := credential.NewAuthority("tenant-root", credential.NewInMemoryRevocations(),
		credential.WithAuthorityClock(func() time.Time { return *f.clock }))
	if err != nil {
		t.Fatalf("authority: %v", err)
	}
	f.pipeline.validator = credential.NewValidator(f.direct, authority)
	minted, err := authority.Mint(credential.MintRequest{
		AgentID: agent.ID, TenantID: "t1", TaskID: "task-1",
		Actions: []string{"read"}, ResourcePrefix: "/data/",
		ExpiresAt: baseTime.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	resp, err := f.pipeline.Authorize(ctx, &Request{
		Token: minted.Token, Action: "read", ResourceType: "task", ResourceID: "/data/tasks/1",
	})
	if err != nil || resp.Decision != policy.DecisionAllow {
		t.Fatalf("authorize: resp=%+v err=%v", resp, err)
	}

	f.drain(t)
	events, err := f.auditStore.Query(ctx, audit.Filter{
		TenantID: "t1", Decision: audit.DecisionAllow, Action: "read",
	})
	if err != nil || len(events) != 1 {
		t.Fatalf("events=%+v err=%v", events, err)
	}
	if len(events[0].Chain) == 0 {
		t.Fatal("decision event lost the delegation chain snapshot")
	}
	if got, want := events[0].Chain, resp.Principal.Chain; len(got) != len(want) || got[0] != want[0] {
		t.Fatalf("chain = %v, want %v", got, want)
	}
}

func TestAttenuatedTokenBoundsBeatPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.policies.Publish(ctx, &policy.Policy{
		TenantID: "t1", Name: "everything", Effect: policy.EffectAllow, Rule: "",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	agent, err := f.manager.Provision(ctx, identity.ProvisionRequest{
		ParentID: f.root.ID, Name: "worker", TaskID: "task-1",
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	authority, err := credential.NewAuthority("tenant-root", credential.NewInMemoryRevocations(),
		credential.WithAuthorityClock(func() time.Time { return *f.clock }))
	if err != nil {
		t.Fatalf("authority: %v", err)
	}
	f.pipeline.validator = credential.NewValidator(f.direct, authority)

	minted, err := authority.Mint(credential.MintRequest{
		AgentID: agent.ID, TenantID: "t1", TaskID: "task-1",
		Actions: []string{"read"}, ResourcePrefix: "/data/",
		ExpiresAt: baseTime.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	cases := []struct {
		name     string
		action   string
		resource string
		want     string
	}{
		{"in bounds", "read", "/data/tasks/1", policy.DecisionAllow},
		{"action out of bounds", "write", "/data/tasks/1", policy.DecisionDeny},
		{"resource out of bounds", "read", "/other/1", policy.DecisionDeny},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := f.pipeline.Authorize(ctx, &Request{
				Token: minted.Token, Action: tc.action,
				ResourceType: "task", ResourceID: tc.resource,
			})
			if err != nil {
				t.Fatalf("authorize: %v", err)
			}
			if resp.Decision != tc.want {
				t.Fatalf("decision = %s (%s), want %s", resp.Decision, resp.Reason, tc.want)
			}
		})
	}
}
