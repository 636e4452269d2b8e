package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"agentiam.org/internal/credential"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

const principalKey ctxKey = "principal"
const rawTokenKey ctxKey = "raw_token"

func contextWithPrincipal(ctx context.Context, p *credential.Principal, token string) context.Context {
	ctx = context.WithValue(ctx, principalKey, p)
	return context.WithValue(ctx, rawTokenKey, token)
}

// PrincipalFromContext returns the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (*credential.Principal, bool) {
	p, ok := ctx.Value(principalKey).(*credential.Principal)
	return p, ok
}

func tokenFromContext(ctx context.Context) string {
	if t, ok := ctx.Value(rawTokenKey).(string); ok {
		return t
	}
	return ""
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.validator == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		principal, err := a.validator.Validate(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, credential.ErrExpired),
				errors.Is(err, credential.ErrRevoked),
				errors.Is(err, credential.ErrMalformed),
				errors.Is(err, credential.ErrInvalidSignature),
				errors.Is(err, credential.ErrTenantMismatch),
				errors.Is(err, credential.ErrAttenuationViolation):
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(contextWithPrincipal(r.Context(), principal, token)))
	})
}

// requirePermission checks the caller's effective RBAC permission set.
func (a *API) requirePermission(w http.ResponseWriter, r *http.Request, perm string) (*credential.Principal, bool) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	perms, err := a.evaluator.EffectivePermissions(r.Context(), principal.TenantID, principal.IdentityID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "permission lookup failed")
		return nil, false
	}
	if _, has := perms[perm]; !has {
		writeError(w, r, http.StatusForbidden, "missing permission "+perm)
		return nil, false
	}
	return principal, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
