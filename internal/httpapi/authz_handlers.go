package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"agentiam.org/internal/pipeline"
	"agentiam.org/internal/policy"
)

type decisionRequest struct {
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Context      map[string]string `json:"context"`
}

type decisionResponse struct {
	Decision   string `json:"decision"`
	Reason     string `json:"reason,omitempty"`
	PolicyID   string `json:"policy_id,omitempty"`
	PolicyName string `json:"policy_name,omitempty"`
}

// handleDecision runs the full authorization pipeline for the bearer of
// the presented token.
func (a *API) handleDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token := tokenFromContext(r.Context())
	if token == "" {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req decisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.pipeline.Authorize(r.Context(), &pipeline.Request{
		Token:        token,
		Action:       req.Action,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Context:      req.Context,
	})
	if resp != nil && resp.RateLimit != nil {
		setRateLimitHeaders(w, resp.RateLimit)
	}
	if err != nil {
		if errors.Is(err, pipeline.ErrRateLimited) {
			writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		var evalErr *policy.EvaluationError
		if errors.As(err, &evalErr) {
			// Fail closed without reporting a policy deny.
			writeError(w, r, http.StatusInternalServerError, "policy evaluation failed")
			return
		}
		handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, decisionResponse{
		Decision:   resp.Decision,
		Reason:     resp.Reason,
		PolicyID:   resp.PolicyID,
		PolicyName: resp.PolicyName,
	})
}

func setRateLimitHeaders(w http.ResponseWriter, rl *pipeline.RateLimit) {
	if rl.Remaining >= 0 {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
	}
	if !rl.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
	}
	if rl.RuleID != "" {
		w.Header().Set("X-RateLimit-Rule", rl.RuleID)
	}
}
