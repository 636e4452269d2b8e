package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"agentiam.org/internal/ids"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestEvaluator(t *testing.T) (*Evaluator, *InMemoryStore) {
	t.Helper()
	store := NewInMemoryStore()
	ev := NewEvaluator(store, WithEvaluatorClock(func() time.Time { return testNow }))
	return ev, store
}

func mustPublish(t *testing.T, ev *Evaluator, p *Policy) *Policy {
	t.Helper()
	out, err := ev.Publish(context.Background(), p)
	if err != nil {
		t.Fatalf("publish %s: %v", p.Name, err)
	}
	return out
}

func TestDenyOverridesAllow(t *testing.T) {
	ev, _ := newTestEvaluator(t)
	mustPublish(t, ev, &Policy{
		TenantID: "t1", Name: "readers", Effect: EffectAllow,
		ResourceType: "task", Priority: 100,
		Rule: "action == read",
	})
	deny := mustPublish(t, ev, &Policy{
		TenantID: "t1", Name: "freeze", Effect: EffectDeny,
		ResourceType: "task", Priority: 0,
		Rule: "action == read",
	})

	dec, err := ev.Evaluate(context.Background(), &Request{
		TenantID: "t1", IdentityID: "i1", Action: "read", ResourceType: "task",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Decision != DecisionDeny {
		t.Fatalf("decision = %s, want deny", dec.Decision)
	}
	if dec.PolicyID != deny.ID {
		t.Fatalf("policy id = %s, want the deny policy %s", dec.PolicyID, deny.ID)
	}
}

func TestHighestPriorityAllowWins(t *testing.T) {
	ev, _ := newTestEvaluator(t)
	mustPublish(t, ev, &Policy{
		TenantID: "t1", Name: "broad", Effect: EffectAllow, Priority: 1,
		Rule: "action in [read, write]",
	})
	specific := mustPublish(t, ev, &Policy{
		TenantID: "t1", Name: "specific", Effect: EffectAllow, Priority: 50,
		ResourceType: "task", Rule: "action == read",
	})

	dec, err := ev.Evaluate(context.Background(), &Request{
		TenantID: "t1", Action: "read", ResourceType: "task",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Decision != DecisionAllow || dec.PolicyID != specific.ID {
		t.Fatalf("got %s from %s, want allow from %s", dec.Decision, dec.PolicyID, specific.ID)
	}
}

func TestDenyByDefault(t *testing.T) {
	ev, _ := newTestEvaluator(t)
	mustPublish(t, ev, &Policy{
		TenantID: "t1", Name: "readers", Effect: EffectAllow,
		ResourceType: "task", Rule: "action == read",
	})

	dec, err := ev.Evaluate(context.Background(), &Request{
		TenantID: "t1", Action: "delete", ResourceType: "task",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Decision != DecisionDeny || dec.PolicyID != "" {
		t.Fatalf("got %s from %q, want default deny with no policy", dec.Decision, dec.PolicyID)
	}
	if dec.Reason != "no matching policy" {
		t.Fatalf("reason = %q", dec.Reason)
	}
}

func TestMalformedStoredPolicyIsEvaluationError(t *testing.T) {
	ev, store := newTestEvaluator(t)
	// Bypass Publish to simulate a rule corrupted after write.
	bad := &Policy{
		ID: ids.New(), TenantID: "t1", Name: "broken", Effect: EffectAllow,
		Status: StatusActive, Rule: "action resembles read",
	}
	if err := store.Policies(context.Background()).Create(context.Background(), bad); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := ev.Evaluate(context.Background(), &Request{TenantID: "t1", Action: "read"})
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("err = %v, want *EvaluationError", err)
	}
	if evalErr.PolicyID != bad.ID {
		t.Fatalf("evaluation error names policy %s, want %s", evalErr.PolicyID, bad.ID)
	}
}

func TestPublishRejectsMalformedRule(t *testing.T) {
	ev, _ := newTestEvaluator(t)
	_, err := ev.Publish(context.Background(), &Policy{
		TenantID: "t1", Name: "bad", Effect: EffectAllow,
		Rule: "action ~= read",
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestSnapshotInvalidatedByPublish(t *testing.T) {
	ev, _ := newTestEvaluator(t)
	mustPublish(t, ev, &Policy{
		TenantID: "t1", Name: "readers", Effect: EffectAllow, Rule: "action == read",
	})
	req := &Request{TenantID: "t1", Action: "read"}

	dec, err := ev.Evaluate(context.Background(), req)
	if err != nil || dec.Decision != DecisionAllow {
		t.Fatalf("before publish: dec=%v err=%v", dec, err)
	}

	mustPublish(t, ev, &Policy{
		TenantID: "t1", Name: "lockdown", Effect: EffectDeny, Priority: 10, Rule: "",
	})
	dec, err = ev.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("after publish: %v", err)
	}
	if dec.Decision != DecisionDeny {
		t.Fatalf("snapshot not refreshed: got %s", dec.Decision)
	}
}

func TestNewVersionSupersedesOld(t *testing.T) {
	ev, store := newTestEvaluator(t)
	mustPublish(t, ev, &Policy{
		TenantID: "t1", Name: "readers", Effect: EffectAllow, Rule: "action == read",
	})
	v2 := mustPublish(t, ev, &Policy{
		TenantID: "t1", Name: "readers", Effect: EffectAllow, Rule: "action == write",
	})
	if v2.Version != 2 {
		t.Fatalf("version = %d, want 2", v2.Version)
	}

	active, err := store.Policies(context.Background()).ListActive(context.Background(), "t1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 || active[0].Version != 2 {
		t.Fatalf("active = %+v, want only version 2", active)
	}

	dec, err := ev.Evaluate(context.Background(), &Request{TenantID: "t1", Action: "read"})
	if err != nil || dec.Decision != DecisionDeny {
		t.Fatalf("old version still matches: dec=%v err=%v", dec, err)
	}
}

func TestPermissionClauseUsesRBAC(t *testing.T) {
	ev, store := newTestEvaluator(t)
	ctx := context.Background()
	rbac := store.RBAC(ctx)

	role := &Role{ID: ids.New(), TenantID: "t1", Name: "operator", CreatedAt: testNow}
	if err := rbac.CreateRole(ctx, role); err != nil {
		t.Fatalf("role: %v", err)
	}
	perm := &Permission{ID: ids.New(), Key: "task:read", CreatedAt: testNow}
	if err := rbac.CreatePermission(ctx, perm); err != nil {
		t.Fatalf("permission: %v", err)
	}
	if err := rbac.GrantPermission(ctx, role.ID, perm.ID); err != nil {
		t.Fatalf("grant: %v", err)
	}
	expired := testNow.Add(-time.Hour)
	if err := rbac.Assign(ctx, &Assignment{IdentityID: "i1", RoleID: role.ID, TenantID: "t1"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := rbac.Assign(ctx, &Assignment{IdentityID: "i2", RoleID: role.ID, TenantID: "t1", NotAfter: &expired}); err != nil {
		t.Fatalf("assign expired: %v", err)
	}

	mustPublish(t, ev, &Policy{
		TenantID: "t1", Name: "by-permission", Effect: EffectAllow,
		Rule: "action == read && principal.permission == task:read",
	})

	for _, tc := range []struct {
		identity string
		want     string
	}{
		{"i1", DecisionAllow},
		{"i2", DecisionDeny}, // assignment window lapsed
	} {
		perms, err := ev.EffectivePermissions(ctx, "t1", tc.identity)
		if err != nil {
			t.Fatalf("%s permissions: %v", tc.identity, err)
		}
		dec, err := ev.Evaluate(ctx, &Request{
			TenantID: "t1", IdentityID: tc.identity, Action: "read", Permissions: perms,
		})
		if err != nil {
			t.Fatalf("%s evaluate: %v", tc.identity, err)
		}
		if dec.Decision != tc.want {
			t.Fatalf("%s decision = %s, want %s", tc.identity, dec.Decision, tc.want)
		}
	}
}

func TestRuleClauses(t *testing.T) {
	req := &Request{
		TenantID: "t1", Kind: "agent", Action: "read",
		ResourceType: "task", ResourceID: "/data/tasks/42",
		Permissions: map[string]struct{}{"task:read": {}},
		Context:     map[string]string{"env": "prod"},
	}
	cases := []struct {
		name  string
		rule  string
		match bool
	}{
		{"empty rule matches all", "", true},
		{"action eq", "action == read", true},
		{"action eq miss", "action == write", false},
		{"action in", "action in [list, read]", true},
		{"resource prefix", "resource.id startswith /data/", true},
		{"resource prefix miss", "resource.id startswith /other/", false},
		{"kind", "principal.kind == agent", true},
		{"context quoted", `context.env == "prod"`, true},
		{"context miss", "context.env == staging", false},
		{"conjunction", "action == read && context.env == prod && principal.permission == task:read", true},
		{"conjunction one miss", "action == read && context.env == staging", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := compileRule(tc.rule)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			if got := r.matches(req); got != tc.match {
				t.Fatalf("matches = %v, want %v", got, tc.match)
			}
		})
	}
}

func TestCompileRejectsBadClauses(t *testing.T) {
	for _, rule := range []string{
		"action",
		"action ~= read",
		"unknown == x",
		"context. == x",
		"action in []",
		"principal.kind startswith ag",
	} {
		if _, err := compileRule(rule); err == nil {
			t.Fatalf("compile(%q) succeeded, want error", rule)
		}
	}
}
