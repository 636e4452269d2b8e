package credential

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"agentiam.org/internal/ids"
)

var _ SessionStore = (*PGSessions)(nil)

// PGSessions implements SessionStore using PostgreSQL.
type PGSessions struct {
	db *sql.DB
}

func NewPGSessions(db *sql.DB) *PGSessions {
	return &PGSessions{db: db}
}

const sessionColumns = `id, token_id, identity_id, tenant_id, kind, scope,
	delegation_chain, token_hash, created_at, expires_at, revoked_at, last_used_at`

func (s *PGSessions) Create(ctx context.Context, rec *Session) error {
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	scope, _ := json.Marshal(rec.Scope)
	chain, _ := json.Marshal(rec.DelegationChain)
	_, err := s.db.ExecContext(ctx, `
		insert into sessions(id, token_id, identity_id, tenant_id, kind,
			scope, delegation_chain, token_hash, created_at, expires_at)
		values($1,$2,$3,$4,$5,$6,$7,nullif($8,''),$9,$10)`,
		rec.ID, rec.TokenID, rec.IdentityID, rec.TenantID, string(rec.Kind),
		scope, chain, rec.TokenHash, rec.CreatedAt, rec.ExpiresAt,
	)
	return err
}

func (s *PGSessions) FindByTokenID(ctx context.Context, tokenID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from sessions where token_id=$1`, tokenID)
	var (
		rec      Session
		kind     string
		scope    []byte
		chain    []byte
		hash     sql.NullString
		revoked  sql.NullTime
		lastUsed sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.TokenID, &rec.IdentityID, &rec.TenantID, &kind,
		&scope, &chain, &hash, &rec.CreatedAt, &rec.ExpiresAt, &revoked, &lastUsed)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.Kind = TokenKind(kind)
	rec.TokenHash = hash.String
	_ = json.Unmarshal(scope, &rec.Scope)
	_ = json.Unmarshal(chain, &rec.DelegationChain)
	if revoked.Valid {
		t := revoked.Time
		rec.RevokedAt = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		rec.LastUsedAt = &t
	}
	return &rec, nil
}

func (s *PGSessions) MarkRevoked(ctx context.Context, tokenID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update sessions set revoked_at=coalesce(revoked_at,$2) where token_id=$1`, tokenID, at)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGSessions) RevokeAllForIdentity(ctx context.Context, identityID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`update sessions set revoked_at=$2 where identity_id=$1 and revoked_at is null`, identityID, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PGSessions) UpdateLastUsed(ctx context.Context, tokenID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update sessions set last_used_at=$2 where token_id=$1`, tokenID, at)
	return err
}

func (s *PGSessions) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from sessions where expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
