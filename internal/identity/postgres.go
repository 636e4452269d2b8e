package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"agentiam.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Tenants(context.Context) TenantStore     { return &tenantStore{db: s.db} }
func (s *PGStore) Identities(context.Context) IdentityStore { return &identityStore{db: s.db} }

// Tenant store ------------------------------------------------------------
type tenantStore struct{ db *sql.DB }

func (s *tenantStore) Create(ctx context.Context, t *Tenant) error {
	if t.ID == "" {
		t.ID = ids.New()
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	_, err := s.db.ExecContext(ctx,
		`insert into tenants(id, name, slug, status) values($1,$2,$3,$4)`,
		t.ID, t.Name, t.Slug, t.Status,
	)
	return err
}

func (s *tenantStore) Find(ctx context.Context, id string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, name, slug, status, created_at, updated_at from tenants where id=$1`, id)
	var t Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.Slug, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// Identity store ----------------------------------------------------------
type identityStore struct{ db *sql.DB }

const identityColumns = `id, tenant_id, kind, name, email, status, parent_identity_id,
	task_id, task_scope, delegation_depth, expires_at, password_hash,
	created_at, updated_at, last_login_at`

func (s *identityStore) Create(ctx context.Context, id *Identity) error {
	if id.ID == "" {
		id.ID = ids.New()
	}
	scope, _ := json.Marshal(id.TaskScope)
	_, err := s.db.ExecContext(ctx, `
		insert into identities(id, tenant_id, kind, name, email, status,
			parent_identity_id, task_id, task_scope, delegation_depth,
			expires_at, password_hash)
		values($1,$2,$3,$4,nullif($5,''),$6,nullif($7,''),nullif($8,''),$9,$10,$11,nullif($12,''))`,
		id.ID, id.TenantID, string(id.Kind), id.Name, id.Email, id.Status,
		id.ParentID, id.TaskID, scope, id.Depth, id.ExpiresAt, id.PasswordHash,
	)
	return err
}

func (s *identityStore) Find(ctx context.Context, id string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities where id=$1`, id)
	return scanIdentity(row)
}

func (s *identityStore) FindByEmail(ctx context.Context, tenantID, email string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities where tenant_id=$1 and email=$2`, tenantID, email)
	return scanIdentity(row)
}

func (s *identityStore) ListByParent(ctx context.Context, parentID string) ([]*Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+identityColumns+` from identities where parent_identity_id=$1 order by created_at asc`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func (s *identityStore) UpdateStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`update identities set status=$2, updated_at=now() where id=$1`, id, status)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *identityStore) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update identities set last_login_at=$2, updated_at=now() where id=$1`, id, at)
	return err
}

func (s *identityStore) MarkExpiredAgents(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update identities set status=$1, updated_at=now()
		where kind=$2 and status=$3 and expires_at is not null and expires_at < $4`,
		StatusDeleted, string(KindAgent), StatusActive, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*Identity, error) {
	var (
		id        Identity
		kind      string
		email     sql.NullString
		parentID  sql.NullString
		taskID    sql.NullString
		scope     []byte
		expiresAt sql.NullTime
		pwHash    sql.NullString
		lastLogin sql.NullTime
	)
	err := row.Scan(&id.ID, &id.TenantID, &kind, &id.Name, &email, &id.Status,
		&parentID, &taskID, &scope, &id.Depth, &expiresAt, &pwHash,
		&id.CreatedAt, &id.UpdatedAt, &lastLogin)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	id.Kind = Kind(kind)
	id.Email = email.String
	id.ParentID = parentID.String
	id.TaskID = taskID.String
	id.PasswordHash = pwHash.String
	if len(scope) > 0 {
		_ = json.Unmarshal(scope, &id.TaskScope)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		id.ExpiresAt = &t
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		id.LastLoginAt = &t
	}
	return &id, nil
}
