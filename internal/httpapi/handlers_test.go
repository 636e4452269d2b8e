package httpapi

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"agentiam.org/internal/audit"
	"agentiam.org/internal/credential"
	"agentiam.org/internal/identity"
	"agentiam.org/internal/ids"
	"agentiam.org/internal/pipeline"
	"agentiam.org/internal/policy"
	"agentiam.org/internal/ratelimit"
)

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

type testAPI struct {
	api         *API
	server      *httptest.Server
	manager     *identity.Manager
	credentials *credential.Service
	policyStore *policy.InMemoryStore
	evaluator   *policy.Evaluator
	rules       *ratelimit.InMemoryRules
	trail       *audit.Trail

	root     *identity.Identity
	password string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()

	idStore := identity.NewInMemoryStore()
	auditStore := audit.NewInMemoryStore()
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	trail, err := audit.NewTrail(auditStore, seed)
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	manager := identity.NewManager(idStore, audit.NewRecorder(trail))

	revocations := credential.NewInMemoryRevocations()
	creds, err := credential.NewService(
		credential.NewInMemorySessions(), idStore, revocations,
		credential.WithSigningKey(testRSAKey(t)),
	)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	authority, err := credential.NewAuthority("tenant-root", revocations)
	if err != nil {
		t.Fatalf("authority: %v", err)
	}
	validator := credential.NewValidator(creds, authority)

	policyStore := policy.NewInMemoryStore()
	evaluator := policy.NewEvaluator(policyStore)
	rules := ratelimit.NewInMemoryRules()
	limiter := ratelimit.NewLimiter(rules, ratelimit.NewInMemoryCounters())
	pipe := pipeline.New(validator, manager, idStore, evaluator, limiter, trail)

	api := New(ReadyProbe{}, "test", Deps{
		Credentials: creds,
		Validator:   validator,
		Manager:     manager,
		Identities:  idStore,
		Evaluator:   evaluator,
		Limits:      rules,
		Pipeline:    pipe,
		Trail:       trail,
	})
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = trail.Close(ctx)
	})

	password := "correct horse battery"
	hash, err := credential.HashPassword(password)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	root, err := manager.Register(ctx, &identity.Identity{
		TenantID:     "t1",
		Kind:         identity.KindHuman,
		Name:         "operator",
		Email:        "op@example.com",
		PasswordHash: hash,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	return &testAPI{
		api:         api,
		server:      server,
		manager:     manager,
		credentials: creds,
		policyStore: policyStore,
		evaluator:   evaluator,
		rules:       rules,
		trail:       trail,
		root:        root,
		password:    password,
	}
}

func (ta *testAPI) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ta.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func (ta *testAPI) login(t *testing.T) tokenPairResponse {
	t.Helper()
	resp := ta.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{
		TenantID: "t1", Email: "op@example.com", Password: ta.password,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	return decodeBody[tokenPairResponse](t, resp)
}

// grant gives the root identity a role carrying the given permissions.
func (ta *testAPI) grant(t *testing.T, perms ...string) {
	t.Helper()
	ctx := context.Background()
	rbac := ta.policyStore.RBAC(ctx)
	role := &policy.Role{ID: ids.New(), TenantID: "t1", Name: "admin-" + ids.New(), CreatedAt: time.Now()}
	if err := rbac.CreateRole(ctx, role); err != nil {
		t.Fatalf("role: %v", err)
	}
	for _, key := range perms {
		perm := &policy.Permission{ID: ids.New(), Key: key, CreatedAt: time.Now()}
		if err := rbac.CreatePermission(ctx, perm); err != nil {
			t.Fatalf("permission: %v", err)
		}
		if err := rbac.GrantPermission(ctx, role.ID, perm.ID); err != nil {
			t.Fatalf("grant: %v", err)
		}
	}
	if err := rbac.Assign(ctx, &policy.Assignment{
		IdentityID: ta.root.ID, RoleID: role.ID, TenantID: "t1", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("assign: %v", err)
	}
}

func TestLoginAndRefreshFlow(t *testing.T) {
	ta := newTestAPI(t)
	pair := ta.login(t)
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("pair = %+v", pair)
	}

	resp := ta.do(t, http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: pair.RefreshToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d", resp.StatusCode)
	}
	next := decodeBody[tokenPairResponse](t, resp)
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}

	// The consumed refresh token is now a replay.
	resp = ta.do(t, http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: pair.RefreshToken})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replay status = %d, want 401", resp.StatusCode)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	ta := newTestAPI(t)
	resp := ta.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{
		TenantID: "t1", Email: "op@example.com", Password: "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestProtectedPathsRequireToken(t *testing.T) {
	ta := newTestAPI(t)
	resp := ta.do(t, http.MethodPost, "/v1/identities", "", provisionRequest{Name: "worker"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestProvisionAndChain(t *testing.T) {
	ta := newTestAPI(t)
	pair := ta.login(t)

	resp := ta.do(t, http.MethodPost, "/v1/identities", pair.AccessToken, provisionRequest{
		Name: "worker", TaskID: "task-7", TTL: "30m",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("provision status = %d", resp.StatusCode)
	}
	agent := decodeBody[identityResponse](t, resp)
	if agent.ParentID != ta.root.ID || agent.Kind != "agent" || agent.Depth != 1 {
		t.Fatalf("agent = %+v", agent)
	}

	resp = ta.do(t, http.MethodGet, "/v1/identities/"+agent.ID+"/chain", pair.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chain status = %d", resp.StatusCode)
	}
	chain := decodeBody[chainResponse](t, resp)
	if len(chain.Chain) != 2 || chain.Chain[0].ID != agent.ID || chain.Chain[1].ID != ta.root.ID {
		t.Fatalf("chain = %+v", chain.Chain)
	}
}

func TestDecisionEndpoint(t *testing.T) {
	ta := newTestAPI(t)
	pair := ta.login(t)

	if _, err := ta.evaluator.Publish(context.Background(), &policy.Policy{
		TenantID: "t1", Name: "readers", Effect: policy.EffectAllow,
		ResourceType: "task", Rule: "action == read",
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	resp := ta.do(t, http.MethodPost, "/v1/authz/decision", pair.AccessToken, decisionRequest{
		Action: "read", ResourceType: "task", ResourceID: "task-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	dec := decodeBody[decisionResponse](t, resp)
	if dec.Decision != "allow" {
		t.Fatalf("decision = %+v", dec)
	}

	resp = ta.do(t, http.MethodPost, "/v1/authz/decision", pair.AccessToken, decisionRequest{
		Action: "delete", ResourceType: "task", ResourceID: "task-1",
	})
	dec = decodeBody[decisionResponse](t, resp)
	if dec.Decision != "deny" {
		t.Fatalf("decision = %+v", dec)
	}
}

func TestDecisionRateLimitHeaders(t *testing.T) {
	ta := newTestAPI(t)
	pair := ta.login(t)
	if err := ta.rules.Create(context.Background(), &ratelimit.Rule{
		ID: "r-strict", TenantID: "t1", Scope: ratelimit.ScopeIdentity,
		TargetID: ta.root.ID, MaxCount: 1, Window: time.Minute,
	}); err != nil {
		t.Fatalf("rule: %v", err)
	}

	body := decisionRequest{Action: "read", ResourceType: "task", ResourceID: "task-1"}
	resp := ta.do(t, http.MethodPost, "/v1/authz/decision", pair.AccessToken, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("remaining header = %q", got)
	}

	resp = ta.do(t, http.MethodPost, "/v1/authz/decision", pair.AccessToken, body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("X-RateLimit-Reset") == "" || resp.Header.Get("X-RateLimit-Rule") != "r-strict" {
		t.Fatalf("limit headers = %v", resp.Header)
	}
}

func TestPolicyCRUDRequiresPermission(t *testing.T) {
	ta := newTestAPI(t)
	pair := ta.login(t)

	req := publishPolicyRequest{Name: "readers", Effect: "allow", Rule: "action == read"}
	resp := ta.do(t, http.MethodPost, "/v1/policies", pair.AccessToken, req)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("without permission: status = %d, want 403", resp.StatusCode)
	}

	ta.grant(t, "policy:manage")
	resp = ta.do(t, http.MethodPost, "/v1/policies", pair.AccessToken, req)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("with permission: status = %d", resp.StatusCode)
	}
	created := decodeBody[policyResponse](t, resp)
	if created.Version != 1 || created.Status != "active" {
		t.Fatalf("created = %+v", created)
	}

	resp = ta.do(t, http.MethodPost, "/v1/policies/"+created.ID+"/status", pair.AccessToken,
		policyStatusRequest{Status: "disabled"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("set status = %d", resp.StatusCode)
	}
}

func TestPolicyPublishRejectsBadRule(t *testing.T) {
	ta := newTestAPI(t)
	pair := ta.login(t)
	ta.grant(t, "policy:manage")

	resp := ta.do(t, http.MethodPost, "/v1/policies", pair.AccessToken, publishPolicyRequest{
		Name: "bad", Effect: "allow", Rule: "action ~= read",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAuditQueryAndVerify(t *testing.T) {
	ta := newTestAPI(t)
	pair := ta.login(t)
	ta.grant(t, "audit:read")

	// Provisioning writes a synchronous audit event.
	resp := ta.do(t, http.MethodPost, "/v1/identities", pair.AccessToken, provisionRequest{Name: "worker"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("provision status = %d", resp.StatusCode)
	}

	resp = ta.do(t, http.MethodGet, "/v1/audit/events?action=identity.provision", pair.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d", resp.StatusCode)
	}
	events := decodeBody[struct {
		Items []auditEventResponse `json:"items"`
	}](t, resp)
	if len(events.Items) != 1 || events.Items[0].Decision != "allow" {
		t.Fatalf("events = %+v", events.Items)
	}

	resp = ta.do(t, http.MethodPost, "/v1/audit/verify", pair.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d", resp.StatusCode)
	}
	verify := decodeBody[struct {
		OK      bool `json:"ok"`
		Checked int  `json:"checked"`
	}](t, resp)
	if !verify.OK || verify.Checked == 0 {
		t.Fatalf("verify = %+v", verify)
	}
}

func TestHealthAndReady(t *testing.T) {
	ta := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := ta.do(t, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
	}
}
