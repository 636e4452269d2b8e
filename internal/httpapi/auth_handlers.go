package httpapi

import (
	"net/http"
	"strings"
	"time"

	"agentiam.org/internal/audit"
	"agentiam.org/internal/credential"
)

type loginRequest struct {
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type revokeRequest struct {
	TokenID string `json:"token_id"`
}

type tokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessTokenID    string    `json:"access_token_id"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.TenantID == "" || req.Email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "tenant_id, email and password are required")
		return
	}

	pair, id, err := a.credentials.Login(r.Context(), req.TenantID, req.Email, req.Password)
	if err != nil {
		// A uniform 401 for every login failure; the audit trail keeps
		// the distinction.
		a.recordAuth(r, req.TenantID, "", "auth.login", audit.DecisionDeny, err.Error())
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}
	a.recordAuth(r, id.TenantID, id.ID, "auth.login", audit.DecisionAllow, "")
	writeJSON(w, http.StatusOK, toPairResponse(pair))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := a.credentials.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPairResponse(pair))
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req revokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tokenID := req.TokenID
	if tokenID == "" {
		tokenID = principal.TokenID // revoke the presented token
	}
	if err := a.validator.Revoke(r.Context(), tokenID); err != nil {
		handleDomainError(w, r, err)
		return
	}
	a.recordAuth(r, principal.TenantID, principal.IdentityID, "auth.revoke", audit.DecisionAllow, "token="+tokenID)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) recordAuth(r *http.Request, tenantID, actorID, action, decision, detail string) {
	if a.trail == nil || tenantID == "" {
		return
	}
	_ = a.trail.Record(r.Context(), &audit.Event{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   action,
		Decision: decision,
		Detail:   detail,
	})
}

func toPairResponse(pair credential.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessTokenID:    pair.AccessTokenID,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
}
