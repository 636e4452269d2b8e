package policy

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("policy: not found")
	ErrInvalidInput = errors.New("policy: invalid input")
	ErrAlreadyExists = errors.New("policy: already exists")
)

// EvaluationError reports that a decision could not be reached because a
// stored policy is malformed or the store failed mid-evaluation. It is
// deliberately distinct from a deny decision so callers can fail closed
// without misattributing the outcome.
type EvaluationError struct {
	PolicyID string
	Err      error
}

func (e *EvaluationError) Error() string {
	if e.PolicyID != "" {
		return fmt.Sprintf("policy: evaluation failed for policy %s: %v", e.PolicyID, e.Err)
	}
	return fmt.Sprintf("policy: evaluation failed: %v", e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }
