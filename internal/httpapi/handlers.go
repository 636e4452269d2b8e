package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"agentiam.org/internal/audit"
	"agentiam.org/internal/credential"
	"agentiam.org/internal/identity"
	"agentiam.org/internal/obs"
	"agentiam.org/internal/pipeline"
	"agentiam.org/internal/policy"
	"agentiam.org/internal/ratelimit"
	"agentiam.org/internal/stream"
)

// ReadyProbe checks the service's backing store.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the authorization core.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	credentials *credential.Service
	validator   *credential.Validator
	manager     *identity.Manager
	identities  identity.Store
	evaluator   *policy.Evaluator
	limits      ratelimit.RuleStore
	pipeline    *pipeline.Pipeline
	trail       *audit.Trail
	events      *stream.Stream
}

// Deps carries the wired core components into the HTTP layer.
type Deps struct {
	Credentials *credential.Service
	Validator   *credential.Validator
	Manager     *identity.Manager
	Identities  identity.Store
	Evaluator   *policy.Evaluator
	Limits      ratelimit.RuleStore
	Pipeline    *pipeline.Pipeline
	Trail       *audit.Trail
	Events      *stream.Stream
}

func New(rp ReadyProbe, version string, deps Deps) *API {
	a := &API{
		mux:         http.NewServeMux(),
		readyProbe:  rp,
		version:     version,
		credentials: deps.Credentials,
		validator:   deps.Validator,
		manager:     deps.Manager,
		identities:  deps.Identities,
		evaluator:   deps.Evaluator,
		limits:      deps.Limits,
		pipeline:    deps.Pipeline,
		trail:       deps.Trail,
		events:      deps.Events,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// credentials
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/revoke", a.handleRevoke)

	// identities
	a.mux.HandleFunc("/v1/identities", a.handleIdentities)
	a.mux.HandleFunc("/v1/identities/", a.handleIdentityResource)

	// authorization decisions
	a.mux.HandleFunc("/v1/authz/decision", a.handleDecision)

	// policies and rate-limit rules
	a.mux.HandleFunc("/v1/policies", a.handlePolicies)
	a.mux.HandleFunc("/v1/policies/", a.handlePolicyResource)
	a.mux.HandleFunc("/v1/limits", a.handleLimits)
	a.mux.HandleFunc("/v1/limits/", a.handleLimitResource)

	// audit trail
	a.mux.HandleFunc("/v1/audit/events", a.handleAuditEvents)
	a.mux.HandleFunc("/v1/audit/verify", a.handleAuditVerify)
	a.mux.HandleFunc("/v1/audit/stream", a.handleAuditStream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware stack around the mux.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "agentiam-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "agentiam-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleDomainError maps core sentinel errors onto HTTP statuses.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, credential.ErrInvalidInput),
		errors.Is(err, identity.ErrInvalidInput),
		errors.Is(err, policy.ErrInvalidInput),
		errors.Is(err, ratelimit.ErrInvalidInput),
		errors.Is(err, audit.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, credential.ErrMalformed),
		errors.Is(err, credential.ErrInvalidSignature):
		writeError(w, r, http.StatusUnauthorized, "invalid credential")
	case errors.Is(err, credential.ErrExpired):
		writeError(w, r, http.StatusUnauthorized, "credential expired")
	case errors.Is(err, credential.ErrRevoked), errors.Is(err, credential.ErrReused):
		writeError(w, r, http.StatusUnauthorized, "credential revoked")
	case errors.Is(err, credential.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, pipeline.ErrDelegationStale):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, identity.ErrDepthExceeded),
		errors.Is(err, identity.ErrParentNotActive),
		errors.Is(err, identity.ErrTenantMismatch),
		errors.Is(err, identity.ErrBadTransition):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, identity.ErrAlreadyExists), errors.Is(err, policy.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, identity.ErrNotFound),
		errors.Is(err, credential.ErrNotFound),
		errors.Is(err, policy.ErrNotFound),
		errors.Is(err, ratelimit.ErrNotFound),
		errors.Is(err, audit.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
