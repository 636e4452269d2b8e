package identity

import "errors"

var (
	ErrNotFound        = errors.New("identity: not found")
	ErrAlreadyExists   = errors.New("identity: already exists")
	ErrInvalidInput    = errors.New("identity: invalid input")
	ErrDepthExceeded   = errors.New("identity: delegation depth exceeded")
	ErrParentNotActive = errors.New("identity: parent identity is not active")
	ErrTenantMismatch  = errors.New("identity: parent belongs to a different tenant")
	ErrBadTransition   = errors.New("identity: status transition not allowed")

	// ErrCycleDetected is a data-integrity violation: a delegation chain
	// that revisits an identity can only come from corrupted storage and is
	// never silently truncated.
	ErrCycleDetected = errors.New("identity: delegation chain cycle detected")
)
