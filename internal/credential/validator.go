package credential

import (
	"context"
	"strings"
)

// Validator dispatches validation across the two credential families. Both
// arrive as opaque header-safe strings; direct credentials are compact JWTs
// (two dots), attenuated credentials are a single base64 segment.
type Validator struct {
	direct     *Service
	attenuated *Authority
}

// NewValidator combines the direct service and the delegation authority
// behind one validation contract.
func NewValidator(direct *Service, attenuated *Authority) *Validator {
	return &Validator{direct: direct, attenuated: attenuated}
}

// Validate authenticates a token from either family. One failing check
// anywhere invalidates the whole token.
func (v *Validator) Validate(ctx context.Context, token string) (*Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMalformed
	}
	if strings.Count(token, ".") == 2 {
		return v.direct.ValidateDirect(ctx, token)
	}
	return v.attenuated.Validate(ctx, token)
}

// Revoke marks a token id revoked in both the session store and the shared
// revocation set. Idempotent.
func (v *Validator) Revoke(ctx context.Context, tokenID string) error {
	return v.direct.Revoke(ctx, tokenID)
}
