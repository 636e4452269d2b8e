package credential

import "errors"

var (
	// ErrMalformed covers tokens that cannot be decoded at all.
	ErrMalformed = errors.New("credential: malformed token")

	// ErrExpired covers overall and per-block expiry.
	ErrExpired = errors.New("credential: token expired")

	// ErrRevoked is permanent for a given token id: revocation is monotonic.
	ErrRevoked = errors.New("credential: token revoked")

	// ErrReused signals a replayed single-use refresh credential. The whole
	// refresh family is revoked when this is detected.
	ErrReused = errors.New("credential: refresh token reused")

	// ErrAttenuationViolation signals a delegation block that widens the
	// inherited capability set.
	ErrAttenuationViolation = errors.New("credential: attenuation widens capability set")

	// ErrTenantMismatch signals blocks that disagree on tenant.
	ErrTenantMismatch = errors.New("credential: tenant mismatch across blocks")

	ErrInvalidSignature = errors.New("credential: invalid signature")
	ErrNotFound         = errors.New("credential: not found")
	ErrInvalidInput     = errors.New("credential: invalid input")
	ErrUnauthorized     = errors.New("credential: unauthorized")
)
