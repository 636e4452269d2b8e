package credential

import "time"

// TokenKind labels the credential families.
type TokenKind string

const (
	KindDirect     TokenKind = "direct"
	KindAttenuated TokenKind = "attenuated"
	KindRefresh    TokenKind = "refresh"
)

// Session binds an issued token id to its identity. Revocation is
// monotonic: once RevokedAt is set it is never cleared.
type Session struct {
	ID              string
	TokenID         string
	IdentityID      string
	TenantID        string
	Kind            TokenKind
	Scope           []string
	DelegationChain []string
	TokenHash       string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	RevokedAt       *time.Time
	LastUsedAt      *time.Time
}

// Revoked reports whether the session has been revoked.
func (s *Session) Revoked() bool { return s.RevokedAt != nil }

// Principal is the output of credential validation: the authenticated
// subject plus the capability the token actually grants.
type Principal struct {
	IdentityID string
	TenantID   string
	TokenID    string
	Kind       TokenKind
	// Scope holds the granted actions: the token scope for direct
	// credentials, the effective (intersected) action set for attenuated
	// ones.
	Scope []string
	// ResourcePrefix bounds attenuated credentials to a resource subtree.
	// Empty for direct credentials.
	ResourcePrefix string
	// Chain is the delegation chain snapshot, leaf first. Empty for direct
	// credentials.
	Chain     []string
	ExpiresAt time.Time
}

// AllowsAction reports whether the principal's scope covers action. An
// empty scope on a direct credential means unrestricted (scope-less login
// token); attenuated credentials always carry an explicit action set.
func (p *Principal) AllowsAction(action string) bool {
	if p.Kind == KindDirect && len(p.Scope) == 0 {
		return true
	}
	for _, a := range p.Scope {
		if a == action {
			return true
		}
	}
	return false
}

// TokenPair represents access and refresh tokens along with expirations.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessTokenID    string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}
