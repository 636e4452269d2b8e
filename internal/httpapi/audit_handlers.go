package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"agentiam.org/internal/audit"
)

type auditEventResponse struct {
	ID           string    `json:"id"`
	Seq          uint64    `json:"seq"`
	ActorID      string    `json:"actor_id,omitempty"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Decision     string    `json:"decision"`
	TokenID      string    `json:"token_id,omitempty"`
	Chain        []string  `json:"chain,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	PrevHash     string    `json:"prev_hash,omitempty"`
	Hash         string    `json:"hash"`
}

func (a *API) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := a.requirePermission(w, r, "audit:read")
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		TenantID: principal.TenantID,
		ActorID:  q.Get("actor_id"),
		Decision: q.Get("decision"),
		Action:   q.Get("action"),
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = ts
	}
	if v := q.Get("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		filter.Until = ts
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	events, err := a.trail.Query(r.Context(), filter)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	out := make([]auditEventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, toAuditEventResponse(ev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func toAuditEventResponse(ev *audit.Event) auditEventResponse {
	return auditEventResponse{
		ID:           ev.ID,
		Seq:          ev.Seq,
		ActorID:      ev.ActorID,
		Action:       ev.Action,
		ResourceType: ev.ResourceType,
		ResourceID:   ev.ResourceID,
		Decision:     ev.Decision,
		TokenID:      ev.TokenID,
		Chain:        ev.Chain,
		Detail:       ev.Detail,
		Timestamp:    ev.Timestamp,
		PrevHash:     ev.PrevHash,
		Hash:         ev.Hash,
	}
}

// seqParam reads an optional chain-position query parameter; absent
// means unbounded (zero).
func seqParam(r *http.Request, name string) (uint64, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return n, true
}

// handleAuditStream serves the tenant's committed events as SSE until
// the client disconnects. Subscribers only see events appended after
// they connect; use /v1/audit/events for history.
func (a *API) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := a.requirePermission(w, r, "audit:read")
	if !ok {
		return
	}
	if a.events == nil {
		writeError(w, r, http.StatusNotImplemented, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for ev := range a.events.Subscribe(r.Context(), principal.TenantID) {
		payload, err := json.Marshal(toAuditEventResponse(ev))
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "id: %s\ndata: %s\n\n", ev.ID, payload)
		flusher.Flush()
	}
}

func (a *API) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.requirePermission(w, r, "audit:read")
	if !ok {
		return
	}
	from, okFrom := seqParam(r, "from")
	to, okTo := seqParam(r, "to")
	if !okFrom || !okTo {
		writeError(w, r, http.StatusBadRequest, "from and to must be positive integers")
		return
	}
	res, err := a.trail.VerifyChain(r.Context(), principal.TenantID, from, to)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              res.OK,
		"checked":         res.Checked,
		"broken_event_id": res.BrokenEventID,
		"reason":          res.Reason,
	})
}
