package httpapi

import (
	"net/http"
	"strings"
	"time"

	"agentiam.org/internal/identity"
)

type provisionRequest struct {
	Name      string         `json:"name"`
	TaskID    string         `json:"task_id"`
	TaskScope map[string]any `json:"task_scope"`
	TTL       string         `json:"ttl"`
}

type identityResponse struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Kind      string     `json:"kind"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	ParentID  string     `json:"parent_id,omitempty"`
	TaskID    string     `json:"task_id,omitempty"`
	Depth     int        `json:"depth"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type chainResponse struct {
	Chain []identityResponse `json:"chain"`
}

type transitionRequest struct {
	Status string `json:"status"`
}

// handleIdentities provisions an agent under the authenticated caller.
// The caller is always the parent: delegation authority is never
// transferable through this endpoint.
func (a *API) handleIdentities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req provisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		var err error
		if ttl, err = time.ParseDuration(req.TTL); err != nil {
			writeError(w, r, http.StatusBadRequest, "ttl must be a duration like 30m")
			return
		}
	}

	agent, err := a.manager.Provision(r.Context(), identity.ProvisionRequest{
		TenantID:  principal.TenantID,
		ParentID:  principal.IdentityID,
		Name:      req.Name,
		TaskID:    req.TaskID,
		TaskScope: req.TaskScope,
		TTL:       ttl,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/identities/"+agent.ID)
	writeJSON(w, http.StatusCreated, toIdentityResponse(agent))
}

func (a *API) handleIdentityResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/identities/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1:
		a.getIdentity(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "chain":
		a.getChain(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "status":
		a.transitionIdentity(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getIdentity(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	found, err := a.identities.Identities(r.Context()).Find(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if found.TenantID != principal.TenantID {
		// Cross-tenant probes read as absent, not forbidden.
		writeError(w, r, http.StatusNotFound, "identity not found")
		return
	}
	writeJSON(w, http.StatusOK, toIdentityResponse(found))
}

func (a *API) getChain(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	found, err := a.identities.Identities(r.Context()).Find(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if found.TenantID != principal.TenantID {
		writeError(w, r, http.StatusNotFound, "identity not found")
		return
	}
	ancestors, err := a.manager.ResolveChain(r.Context(), found)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	resp := chainResponse{Chain: make([]identityResponse, 0, len(ancestors)+1)}
	resp.Chain = append(resp.Chain, toIdentityResponse(found))
	for _, anc := range ancestors {
		resp.Chain = append(resp.Chain, toIdentityResponse(anc))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) transitionIdentity(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, ok := a.requirePermission(w, r, "identity:manage"); !ok {
		return
	}
	var req transitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.manager.Transition(r.Context(), id, req.Status); err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toIdentityResponse(id *identity.Identity) identityResponse {
	return identityResponse{
		ID:        id.ID,
		TenantID:  id.TenantID,
		Kind:      string(id.Kind),
		Name:      id.Name,
		Status:    id.Status,
		ParentID:  id.ParentID,
		TaskID:    id.TaskID,
		Depth:     id.Depth,
		ExpiresAt: id.ExpiresAt,
		CreatedAt: id.CreatedAt,
	}
}
