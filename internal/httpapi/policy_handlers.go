package httpapi

import (
	"net/http"
	"strings"
	"time"

	"agentiam.org/internal/ids"
	"agentiam.org/internal/policy"
	"agentiam.org/internal/ratelimit"
)

type publishPolicyRequest struct {
	Name         string `json:"name"`
	Effect       string `json:"effect"`
	ResourceType string `json:"resource_type"`
	Priority     int    `json:"priority"`
	Rule         string `json:"rule"`
}

type policyStatusRequest struct {
	Status string `json:"status"`
}

type policyResponse struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Name         string    `json:"name"`
	Effect       string    `json:"effect"`
	ResourceType string    `json:"resource_type,omitempty"`
	Priority     int       `json:"priority"`
	Version      int       `json:"version"`
	Status       string    `json:"status"`
	Rule         string    `json:"rule"`
	CreatedAt    time.Time `json:"created_at"`
}

func (a *API) handlePolicies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.publishPolicy(w, r)
	case http.MethodGet:
		a.listPolicies(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) publishPolicy(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.requirePermission(w, r, "policy:manage")
	if !ok {
		return
	}
	var req publishPolicyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	published, err := a.evaluator.Publish(r.Context(), &policy.Policy{
		TenantID:     principal.TenantID,
		Name:         req.Name,
		Effect:       req.Effect,
		ResourceType: req.ResourceType,
		Priority:     req.Priority,
		Rule:         req.Rule,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/policies/"+published.ID)
	writeJSON(w, http.StatusCreated, toPolicyResponse(published))
}

func (a *API) listPolicies(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.requirePermission(w, r, "policy:manage")
	if !ok {
		return
	}
	policies, err := a.evaluator.List(r.Context(), principal.TenantID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	out := make([]policyResponse, 0, len(policies))
	for _, p := range policies {
		out = append(out, toPolicyResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (a *API) handlePolicyResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/policies/"), "/")
	parts := strings.Split(path, "/")
	if path == "" || len(parts) > 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if len(parts) == 2 {
		if parts[1] != "status" {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		a.setPolicyStatus(w, r, parts[0])
		return
	}
	a.getPolicy(w, r, parts[0])
}

func (a *API) getPolicy(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := a.requirePermission(w, r, "policy:manage")
	if !ok {
		return
	}
	found, err := a.evaluator.Find(r.Context(), principal.TenantID, id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyResponse(found))
}

func (a *API) setPolicyStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.requirePermission(w, r, "policy:manage")
	if !ok {
		return
	}
	var req policyStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.evaluator.SetStatus(r.Context(), principal.TenantID, id, req.Status); err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createLimitRequest struct {
	Scope    string `json:"scope"`
	TargetID string `json:"target_id"`
	Action   string `json:"action"`
	MaxCount int    `json:"max_count"`
	Window   string `json:"window"`
}

func (a *API) handleLimits(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createLimit(w, r)
	case http.MethodGet:
		a.listLimits(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) createLimit(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.requirePermission(w, r, "limits:manage")
	if !ok {
		return
	}
	var req createLimitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	window, err := time.ParseDuration(req.Window)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "window must be a duration like 1m")
		return
	}
	rule := &ratelimit.Rule{
		ID:        ids.New(),
		TenantID:  principal.TenantID,
		Scope:     req.Scope,
		TargetID:  req.TargetID,
		Action:    req.Action,
		MaxCount:  req.MaxCount,
		Window:    window,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.limits.Create(r.Context(), rule); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (a *API) handleLimitResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	principal, ok := a.requirePermission(w, r, "limits:manage")
	if !ok {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/limits/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusBadRequest, "limit rule id required")
		return
	}
	if err := a.limits.Delete(r.Context(), principal.TenantID, id); err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listLimits(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.requirePermission(w, r, "limits:manage")
	if !ok {
		return
	}
	rules, err := a.limits.ListForTenant(r.Context(), principal.TenantID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rules})
}

func toPolicyResponse(p *policy.Policy) policyResponse {
	return policyResponse{
		ID:           p.ID,
		TenantID:     p.TenantID,
		Name:         p.Name,
		Effect:       p.Effect,
		ResourceType: p.ResourceType,
		Priority:     p.Priority,
		Version:      p.Version,
		Status:       p.Status,
		Rule:         p.Rule,
		CreatedAt:    p.CreatedAt,
	}
}
