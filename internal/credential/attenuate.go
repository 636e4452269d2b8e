package credential

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"agentiam.org/internal/ids"
)

// Capability is what a delegation block grants. Every block in a chain may
// only narrow the capability it inherits: remove actions, extend the
// resource prefix, shorten the expiry.
type Capability struct {
	Actions        []string
	ResourcePrefix string
	NotAfter       time.Time
}

// block is the cbor payload of one chain link. Root blocks carry the
// subject/task binding and the tenant delegation key id; every block
// declares the public key allowed to append the next one.
type block struct {
	BlockID        string   `cbor:"1,keyasint"`
	TenantID       string   `cbor:"2,keyasint"`
	SubjectID      string   `cbor:"3,keyasint,omitempty"`
	TaskID         string   `cbor:"4,keyasint,omitempty"`
	Actions        []string `cbor:"5,keyasint"`
	ResourcePrefix string   `cbor:"6,keyasint"`
	NotAfter       int64    `cbor:"7,keyasint"`
	NextKey        []byte   `cbor:"8,keyasint"`
	KeyID          string   `cbor:"9,keyasint,omitempty"`
}

type signedBlock struct {
	Payload   []byte `cbor:"1,keyasint"`
	Signature []byte `cbor:"2,keyasint"`
}

type envelope struct {
	Blocks []signedBlock `cbor:"1,keyasint"`
}

var encMode cbor.EncMode

func init() {
	// Core deterministic encoding: the signature covers the payload bytes,
	// so encoding must be stable across processes.
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// MintRequest binds a fresh attenuated credential to an agent identity.
type MintRequest struct {
	AgentID        string
	TenantID       string
	TaskID         string
	Actions        []string
	ResourcePrefix string
	ExpiresAt      time.Time
}

// MintResult is a freshly minted or attenuated token. AppendKey is the
// private key whose holder may append the next (narrower) block.
type MintResult struct {
	Token     string
	TokenID   string
	AppendKey ed25519.PrivateKey
	ExpiresAt time.Time
}

// Authority mints and validates attenuated delegation credentials for one
// tenant delegation root key. Verification is offline: it needs only the
// root public key and the revocation set.
type Authority struct {
	rootPriv    ed25519.PrivateKey
	rootPub     ed25519.PublicKey
	keyID       string
	revocations RevocationChecker
	now         func() time.Time
}

// AuthorityOption configures Authority behavior.
type AuthorityOption func(*Authority)

// WithAuthorityClock overrides the time source (useful for tests).
func WithAuthorityClock(fn func() time.Time) AuthorityOption {
	return func(a *Authority) {
		if fn != nil {
			a.now = fn
		}
	}
}

// NewAuthority creates an Authority with a freshly generated root keypair.
func NewAuthority(keyID string, revocations RevocationChecker, opts ...AuthorityOption) (*Authority, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("credential: generate root key: %w", err)
	}
	return newAuthority(keyID, priv, pub, revocations, opts...), nil
}

// NewAuthorityFromSeed restores an Authority from a 32-byte ed25519 seed,
// so multiple instances share one delegation root.
func NewAuthorityFromSeed(keyID string, seed []byte, revocations RevocationChecker, opts ...AuthorityOption) (*Authority, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("credential: root seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return newAuthority(keyID, priv, priv.Public().(ed25519.PublicKey), revocations, opts...), nil
}

func newAuthority(keyID string, priv ed25519.PrivateKey, pub ed25519.PublicKey, revocations RevocationChecker, opts ...AuthorityOption) *Authority {
	a := &Authority{
		rootPriv:    priv,
		rootPub:     pub,
		keyID:       keyID,
		revocations: revocations,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RootPublicKey returns the verification key for this authority.
func (a *Authority) RootPublicKey() ed25519.PublicKey { return a.rootPub }

// Mint creates the root block of a delegation chain, signed by the tenant
// delegation key.
func (a *Authority) Mint(req MintRequest) (MintResult, error) {
	now := a.now().UTC()
	if !req.ExpiresAt.After(now) {
		return MintResult{}, fmt.Errorf("%w: expiry must be in the future", ErrInvalidInput)
	}
	if req.AgentID == "" || req.TenantID == "" {
		return MintResult{}, fmt.Errorf("%w: agent and tenant are required", ErrInvalidInput)
	}
	if len(req.Actions) == 0 {
		return MintResult{}, fmt.Errorf("%w: at least one action is required", ErrInvalidInput)
	}

	nextPub, nextPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return MintResult{}, err
	}
	b := block{
		BlockID:        ids.New(),
		TenantID:       req.TenantID,
		SubjectID:      req.AgentID,
		TaskID:         req.TaskID,
		Actions:        normalizeActions(req.Actions),
		ResourcePrefix: req.ResourcePrefix,
		NotAfter:       req.ExpiresAt.Unix(),
		NextKey:        nextPub,
		KeyID:          a.keyID,
	}
	payload, err := encMode.Marshal(b)
	if err != nil {
		return MintResult{}, err
	}
	env := envelope{Blocks: []signedBlock{{
		Payload:   payload,
		Signature: ed25519.Sign(a.rootPriv, payload),
	}}}
	token, err := encodeToken(env)
	if err != nil {
		return MintResult{}, err
	}
	return MintResult{
		Token:     token,
		TokenID:   b.BlockID,
		AppendKey: nextPriv,
		ExpiresAt: req.ExpiresAt,
	}, nil
}

// Attenuate appends a narrower block to an existing token. The caller must
// hold the append key declared by the token's last block. Widening is
// rejected here as well as at validation time.
func (a *Authority) Attenuate(token string, appendKey ed25519.PrivateKey, narrow Capability) (MintResult, error) {
	env, blocks, err := decodeToken(token)
	if err != nil {
		return MintResult{}, err
	}
	last := blocks[len(blocks)-1]
	declared := ed25519.PublicKey(last.NextKey)
	if !declared.Equal(appendKey.Public().(ed25519.PublicKey)) {
		return MintResult{}, fmt.Errorf("%w: append key not authorized by chain", ErrInvalidSignature)
	}

	inherited := Capability{
		Actions:        last.Actions,
		ResourcePrefix: last.ResourcePrefix,
		NotAfter:       time.Unix(last.NotAfter, 0).UTC(),
	}
	if narrow.NotAfter.IsZero() {
		narrow.NotAfter = inherited.NotAfter
	}
	if narrow.ResourcePrefix == "" {
		narrow.ResourcePrefix = inherited.ResourcePrefix
	}
	if len(narrow.Actions) == 0 {
		narrow.Actions = inherited.Actions
	}
	if err := checkNarrowing(inherited, narrow); err != nil {
		return MintResult{}, err
	}

	nextPub, nextPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return MintResult{}, err
	}
	b := block{
		BlockID:        ids.New(),
		TenantID:       last.TenantID,
		Actions:        normalizeActions(narrow.Actions),
		ResourcePrefix: narrow.ResourcePrefix,
		NotAfter:       narrow.NotAfter.Unix(),
		NextKey:        nextPub,
	}
	payload, err := encMode.Marshal(b)
	if err != nil {
		return MintResult{}, err
	}
	prevSig := env.Blocks[len(env.Blocks)-1].Signature
	env.Blocks = append(env.Blocks, signedBlock{
		Payload:   payload,
		Signature: ed25519.Sign(appendKey, signingInput(prevSig, payload)),
	})
	out, err := encodeToken(env)
	if err != nil {
		return MintResult{}, err
	}
	return MintResult{
		Token:     out,
		TokenID:   b.BlockID,
		AppendKey: nextPriv,
		ExpiresAt: b.notAfterTime(),
	}, nil
}

// Validate verifies an attenuated credential: the signature chain, every
// block's expiry, tenant consistency, monotonic narrowing, and the leaf
// block's revocation state. The effective capability is the intersection of
// all block constraints.
//
// Only the leaf block id is checked against the revocation set: revoking a
// parent token does not cascade to credentials already attenuated from it.
func (a *Authority) Validate(ctx context.Context, token string) (*Principal, error) {
	env, blocks, err := decodeToken(token)
	if err != nil {
		return nil, err
	}
	root := blocks[0]
	if root.SubjectID == "" || root.TenantID == "" {
		return nil, fmt.Errorf("%w: root block missing subject binding", ErrMalformed)
	}
	if root.KeyID != a.keyID {
		return nil, fmt.Errorf("%w: unknown delegation key %q", ErrInvalidSignature, root.KeyID)
	}
	if !ed25519.Verify(a.rootPub, env.Blocks[0].Payload, env.Blocks[0].Signature) {
		return nil, ErrInvalidSignature
	}

	now := a.now().UTC()
	effective := Capability{
		Actions:        root.Actions,
		ResourcePrefix: root.ResourcePrefix,
		NotAfter:       root.notAfterTime(),
	}
	if now.After(effective.NotAfter) {
		return nil, ErrExpired
	}

	for i := 1; i < len(blocks); i++ {
		verifyKey := ed25519.PublicKey(blocks[i-1].NextKey)
		prevSig := env.Blocks[i-1].Signature
		if !ed25519.Verify(verifyKey, signingInput(prevSig, env.Blocks[i].Payload), env.Blocks[i].Signature) {
			return nil, ErrInvalidSignature
		}
		b := blocks[i]
		if b.TenantID != root.TenantID {
			return nil, ErrTenantMismatch
		}
		if now.After(b.notAfterTime()) {
			return nil, ErrExpired
		}
		granted := Capability{
			Actions:        b.Actions,
			ResourcePrefix: b.ResourcePrefix,
			NotAfter:       b.notAfterTime(),
		}
		if err := checkNarrowing(effective, granted); err != nil {
			return nil, err
		}
		effective = intersect(effective, granted)
	}

	leaf := blocks[len(blocks)-1]
	revoked, err := a.revocations.IsRevoked(ctx, leaf.BlockID)
	if err != nil {
		return nil, fmt.Errorf("credential: revocation check: %w", err)
	}
	if revoked {
		return nil, ErrRevoked
	}

	chain := make([]string, len(blocks))
	for i, b := range blocks {
		chain[len(blocks)-1-i] = b.BlockID
	}
	return &Principal{
		IdentityID:     root.SubjectID,
		TenantID:       root.TenantID,
		TokenID:        leaf.BlockID,
		Kind:           KindAttenuated,
		Scope:          effective.Actions,
		ResourcePrefix: effective.ResourcePrefix,
		Chain:          chain,
		ExpiresAt:      effective.NotAfter,
	}, nil
}

// Revoke marks a token's leaf block id revoked. Idempotent and monotonic.
func (a *Authority) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	return a.revocations.Revoke(ctx, tokenID, ttl)
}

func (b block) notAfterTime() time.Time { return time.Unix(b.NotAfter, 0).UTC() }

func checkNarrowing(parent, child Capability) error {
	parentSet := make(map[string]struct{}, len(parent.Actions))
	for _, a := range parent.Actions {
		parentSet[a] = struct{}{}
	}
	for _, a := range child.Actions {
		if _, ok := parentSet[a]; !ok {
			return fmt.Errorf("%w: action %q not granted by parent", ErrAttenuationViolation, a)
		}
	}
	if !strings.HasPrefix(child.ResourcePrefix, parent.ResourcePrefix) {
		return fmt.Errorf("%w: resource prefix %q escapes %q", ErrAttenuationViolation, child.ResourcePrefix, parent.ResourcePrefix)
	}
	if child.NotAfter.After(parent.NotAfter) {
		return fmt.Errorf("%w: expiry extends past parent", ErrAttenuationViolation)
	}
	return nil
}

func intersect(a, b Capability) Capability {
	set := make(map[string]struct{}, len(a.Actions))
	for _, x := range a.Actions {
		set[x] = struct{}{}
	}
	var actions []string
	for _, x := range b.Actions {
		if _, ok := set[x]; ok {
			actions = append(actions, x)
		}
	}
	prefix := a.ResourcePrefix
	if len(b.ResourcePrefix) > len(prefix) {
		prefix = b.ResourcePrefix
	}
	notAfter := a.NotAfter
	if b.NotAfter.Before(notAfter) {
		notAfter = b.NotAfter
	}
	return Capability{Actions: actions, ResourcePrefix: prefix, NotAfter: notAfter}
}

func normalizeActions(actions []string) []string {
	seen := make(map[string]struct{}, len(actions))
	var out []string
	for _, a := range actions {
		a = strings.TrimSpace(strings.ToLower(a))
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func signingInput(prevSig, payload []byte) []byte {
	in := make([]byte, 0, len(prevSig)+len(payload))
	in = append(in, prevSig...)
	in = append(in, payload...)
	return in
}

func encodeToken(env envelope) (string, error) {
	raw, err := encMode.Marshal(env)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeToken(token string) (envelope, []block, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return envelope{}, nil, ErrMalformed
	}
	var env envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return envelope{}, nil, ErrMalformed
	}
	if len(env.Blocks) == 0 {
		return envelope{}, nil, ErrMalformed
	}
	blocks := make([]block, len(env.Blocks))
	for i, sb := range env.Blocks {
		if err := cbor.Unmarshal(sb.Payload, &blocks[i]); err != nil {
			return envelope{}, nil, ErrMalformed
		}
	}
	return env, blocks, nil
}
