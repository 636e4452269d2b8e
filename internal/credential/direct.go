package credential

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"agentiam.org/internal/identity"
	"agentiam.org/internal/ids"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 14 * 24 * time.Hour
	defaultIssuer     = "agentiam"
)

// Claims carries the verified content of a direct credential.
type Claims struct {
	Tenant    string   `json:"tenant"`
	Scope     []string `json:"scope,omitempty"`
	TokenType string   `json:"token_type"`
	jwt.RegisteredClaims
}

// Service issues and validates direct bearer credentials for human and
// service principals, with single-use refresh rotation.
type Service struct {
	sessions    SessionStore
	identities  identity.Store
	revocations RevocationChecker
	now         func() time.Time

	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	keyID      string
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithRS256Keys configures PEM-encoded RSA keys for signing and verifying.
func WithRS256Keys(privatePEM, publicPEM string) ServiceOption {
	return func(s *Service) error {
		priv, err := parseRSAPrivateKey(strings.TrimSpace(privatePEM))
		if err != nil {
			return fmt.Errorf("credential: parse private key: %w", err)
		}
		pub, err := parseRSAPublicKey(strings.TrimSpace(publicPEM))
		if err != nil {
			return fmt.Errorf("credential: parse public key: %w", err)
		}
		s.privateKey = priv
		s.publicKey = pub
		return nil
	}
}

// WithSigningKey injects an RSA keypair directly (tests, key managers).
func WithSigningKey(priv *rsa.PrivateKey) ServiceOption {
	return func(s *Service) error {
		if priv == nil {
			return errors.New("credential: nil signing key")
		}
		s.privateKey = priv
		s.publicKey = &priv.PublicKey
		return nil
	}
}

// WithKeyID sets the key identifier embedded into JWT headers.
func WithKeyID(kid string) ServiceOption {
	return func(s *Service) error {
		s.keyID = strings.TrimSpace(kid)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		if issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs the direct-credential service.
func NewService(sessions SessionStore, identities identity.Store, revocations RevocationChecker, opts ...ServiceOption) (*Service, error) {
	s := &Service{
		sessions:    sessions,
		identities:  identities,
		revocations: revocations,
		now:         time.Now,
		issuer:      defaultIssuer,
		accessTTL:   defaultAccessTTL,
		refreshTTL:  defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.privateKey == nil {
		return nil, errors.New("credential: signing keys are required")
	}
	return s, nil
}

// Login authenticates an email/password anchor and issues a token pair.
func (s *Service) Login(ctx context.Context, tenantID, email, password string) (TokenPair, *identity.Identity, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return TokenPair{}, nil, ErrUnauthorized
	}
	id, err := s.identities.Identities(ctx).FindByEmail(ctx, tenantID, email)
	if err != nil {
		return TokenPair{}, nil, ErrUnauthorized
	}
	now := s.now().UTC()
	if id.Status != identity.StatusActive || id.Expired(now) {
		return TokenPair{}, nil, ErrUnauthorized
	}
	if err := VerifyPassword(id.PasswordHash, password); err != nil {
		return TokenPair{}, nil, ErrUnauthorized
	}
	pair, err := s.IssuePair(ctx, id, nil)
	if err != nil {
		return TokenPair{}, nil, err
	}
	_ = s.identities.Identities(ctx).UpdateLastLogin(ctx, id.ID, now)
	return pair, id, nil
}

// IssuePair mints an access/refresh pair for an identity and records both
// sessions.
func (s *Service) IssuePair(ctx context.Context, id *identity.Identity, scope []string) (TokenPair, error) {
	now := s.now().UTC()

	accessToken, accessID, accessExp, err := s.signAccessToken(id, scope, now)
	if err != nil {
		return TokenPair{}, err
	}
	refreshString, refreshSession, err := s.newRefreshToken(id, now)
	if err != nil {
		return TokenPair{}, err
	}

	accessSession := &Session{
		ID:         ids.New(),
		TokenID:    accessID,
		IdentityID: id.ID,
		TenantID:   id.TenantID,
		Kind:       KindDirect,
		Scope:      scope,
		CreatedAt:  now,
		ExpiresAt:  accessExp,
	}
	if err := s.sessions.Create(ctx, accessSession); err != nil {
		return TokenPair{}, err
	}
	if err := s.sessions.Create(ctx, refreshSession); err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshString,
		AccessTokenID:    accessID,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshSession.ExpiresAt,
	}, nil
}

// Refresh exchanges a refresh credential for a fresh pair. The old
// credential is consumed atomically with the exchange; replaying it
// returns ErrReused and revokes every outstanding session of the identity.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	tokenID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, ErrMalformed
	}
	rec, err := s.sessions.FindByTokenID(ctx, tokenID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: unknown refresh token", ErrRevoked)
	}
	if rec.Kind != KindRefresh {
		return TokenPair{}, ErrMalformed
	}
	now := s.now().UTC()
	if !secureCompareHash(rec.TokenHash, secret) {
		return TokenPair{}, ErrUnauthorized
	}
	if rec.Revoked() {
		// The secret matched but the token was already consumed: replay.
		// Revoke the whole family so a stolen token cannot keep rotating.
		_, _ = s.sessions.RevokeAllForIdentity(ctx, rec.IdentityID, now)
		return TokenPair{}, ErrReused
	}
	if now.After(rec.ExpiresAt) {
		return TokenPair{}, ErrExpired
	}

	id, err := s.identities.Identities(ctx).Find(ctx, rec.IdentityID)
	if err != nil {
		return TokenPair{}, ErrUnauthorized
	}
	if id.Status != identity.StatusActive || id.Expired(now) {
		return TokenPair{}, ErrUnauthorized
	}

	// Consume before minting: a crash between the two leaves the caller
	// with no pair but never with two live refresh tokens.
	if err := s.sessions.MarkRevoked(ctx, rec.TokenID, now); err != nil {
		return TokenPair{}, err
	}
	return s.IssuePair(ctx, id, rec.Scope)
}

// ValidateDirect verifies a direct bearer credential and returns the
// authenticated principal.
func (s *Service) ValidateDirect(ctx context.Context, token string) (*Principal, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodRS256 {
			return nil, ErrInvalidSignature
		}
		return s.publicKey, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now().UTC() }), jwt.WithIssuer(s.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !parsed.Valid || claims.TokenType != "access" {
		return nil, ErrMalformed
	}
	if claims.Subject == "" || claims.Tenant == "" || claims.ID == "" {
		return nil, ErrMalformed
	}

	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("credential: revocation check: %w", err)
	}
	if revoked {
		return nil, ErrRevoked
	}

	_ = s.sessions.UpdateLastUsed(ctx, claims.ID, s.now().UTC())
	return &Principal{
		IdentityID: claims.Subject,
		TenantID:   claims.Tenant,
		TokenID:    claims.ID,
		Kind:       KindDirect,
		Scope:      claims.Scope,
		ExpiresAt:  claims.ExpiresAt.Time,
	}, nil
}

// Revoke marks a token id revoked. Idempotent; a second call is a no-op.
// Attenuated children of a revoked token stay valid; they derive trust from
// their own chain, not from a live link to the parent's revocation state.
func (s *Service) Revoke(ctx context.Context, tokenID string) error {
	now := s.now().UTC()
	ttl := defaultRefreshTTL
	if rec, err := s.sessions.FindByTokenID(ctx, tokenID); err == nil {
		if remaining := rec.ExpiresAt.Sub(now); remaining > 0 {
			ttl = remaining
		}
		if err := s.sessions.MarkRevoked(ctx, tokenID, now); err != nil {
			return err
		}
	}
	return s.revocations.Revoke(ctx, tokenID, ttl)
}

// RevokeAllForIdentity revokes every outstanding session of an identity.
func (s *Service) RevokeAllForIdentity(ctx context.Context, identityID string) (int64, error) {
	return s.sessions.RevokeAllForIdentity(ctx, identityID, s.now().UTC())
}

func (s *Service) signAccessToken(id *identity.Identity, scope []string, now time.Time) (string, string, time.Time, error) {
	exp := now.Add(s.accessTTL)
	jti := uuid.NewString()
	claims := Claims{
		Tenant:    id.TenantID,
		Scope:     scope,
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, jti, exp, nil
}

func (s *Service) newRefreshToken(id *identity.Identity, now time.Time) (string, *Session, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	tokenID := ids.New()
	sum := sha256.Sum256([]byte(secret))
	rec := &Session{
		ID:         ids.New(),
		TokenID:    tokenID,
		IdentityID: id.ID,
		TenantID:   id.TenantID,
		Kind:       KindRefresh,
		TokenHash:  hex.EncodeToString(sum[:]),
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.refreshTTL),
	}
	return tokenID + "." + secret, rec, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func secureCompareHash(expectedHash, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}

func parseRSAPrivateKey(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA private key")
	}
	return key, nil
}

func parseRSAPublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return key, nil
}
