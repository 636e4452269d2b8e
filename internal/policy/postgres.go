package policy

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PGStore implements Store over database/sql with the pgx stdlib driver.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore { return &PGStore{db: db} }

func (s *PGStore) Policies(context.Context) PolicyStore { return &pgPolicies{db: s.db} }
func (s *PGStore) RBAC(context.Context) RBACStore       { return &pgRBAC{db: s.db} }

type pgPolicies struct {
	db *sql.DB
}

const policyColumns = `id, tenant_id, name, effect, resource_type, priority, version, status, rule, created_at, updated_at`

func (p *pgPolicies) Create(ctx context.Context, pol *Policy) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var latest sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT max(version) FROM policies WHERE tenant_id = $1 AND name = $2`,
		pol.TenantID, pol.Name,
	).Scan(&latest)
	if err != nil {
		return err
	}
	pol.Version = 1
	if latest.Valid {
		pol.Version = int(latest.Int64) + 1
		_, err = tx.ExecContext(ctx,
			`UPDATE policies SET status = $1, updated_at = $2
			 WHERE tenant_id = $3 AND name = $4 AND status = $5`,
			StatusArchived, pol.UpdatedAt, pol.TenantID, pol.Name, StatusActive,
		)
		if err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO policies (`+policyColumns+`)
		 VALUES ($1, $2, $3, $4, nullif($5, ''), $6, $7, $8, $9, $10, $11)`,
		pol.ID, pol.TenantID, pol.Name, pol.Effect, pol.ResourceType,
		pol.Priority, pol.Version, pol.Status, pol.Rule, pol.CreatedAt, pol.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *pgPolicies) Find(ctx context.Context, tenantID, id string) (*Policy, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)
	return scanPolicy(row)
}

func (p *pgPolicies) ListActive(ctx context.Context, tenantID string) ([]*Policy, error) {
	return p.list(ctx,
		`SELECT `+policyColumns+` FROM policies
		 WHERE tenant_id = $1 AND status = $2
		 ORDER BY priority DESC, name ASC`,
		tenantID, StatusActive,
	)
}

func (p *pgPolicies) List(ctx context.Context, tenantID string) ([]*Policy, error) {
	return p.list(ctx,
		`SELECT `+policyColumns+` FROM policies
		 WHERE tenant_id = $1
		 ORDER BY priority DESC, name ASC, version DESC`,
		tenantID,
	)
}

func (p *pgPolicies) list(ctx context.Context, query string, args ...any) ([]*Policy, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Policy
	for rows.Next() {
		pol, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pol)
	}
	return out, rows.Err()
}

func (p *pgPolicies) SetStatus(ctx context.Context, tenantID, id, status string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE policies SET status = $1, updated_at = now() WHERE tenant_id = $2 AND id = $3`,
		status, tenantID, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*Policy, error) {
	var pol Policy
	var resourceType sql.NullString
	err := row.Scan(
		&pol.ID, &pol.TenantID, &pol.Name, &pol.Effect, &resourceType,
		&pol.Priority, &pol.Version, &pol.Status, &pol.Rule, &pol.CreatedAt, &pol.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	pol.ResourceType = resourceType.String
	return &pol, nil
}

type pgRBAC struct {
	db *sql.DB
}

func (r *pgRBAC) CreateRole(ctx context.Context, role *Role) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO roles (id, tenant_id, name, description, created_at)
		 VALUES ($1, $2, $3, nullif($4, ''), $5)`,
		role.ID, role.TenantID, role.Name, role.Description, role.CreatedAt,
	)
	return err
}

func (r *pgRBAC) CreatePermission(ctx context.Context, perm *Permission) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO permissions (id, key, description, created_at)
		 VALUES ($1, $2, nullif($3, ''), $4)`,
		perm.ID, perm.Key, perm.Description, perm.CreatedAt,
	)
	return err
}

func (r *pgRBAC) GrantPermission(ctx context.Context, roleID, permissionID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO role_permissions (role_id, permission_id)
		 VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		roleID, permissionID,
	)
	return err
}

func (r *pgRBAC) Assign(ctx context.Context, a *Assignment) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO role_assignments (identity_id, role_id, tenant_id, not_before, not_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (identity_id, role_id) DO UPDATE
		 SET not_before = excluded.not_before, not_after = excluded.not_after`,
		a.IdentityID, a.RoleID, a.TenantID, a.NotBefore, a.NotAfter, a.CreatedAt,
	)
	return err
}

func (r *pgRBAC) Unassign(ctx context.Context, identityID, roleID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM role_assignments WHERE identity_id = $1 AND role_id = $2`,
		identityID, roleID,
	)
	return err
}

func (r *pgRBAC) RoleNames(ctx context.Context, tenantID, identityID string, at time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT ro.name
		 FROM role_assignments a
		 JOIN roles ro ON ro.id = a.role_id
		 WHERE a.identity_id = $1 AND a.tenant_id = $2
		   AND (a.not_before IS NULL OR a.not_before <= $3)
		   AND (a.not_after IS NULL OR a.not_after >= $3)
		 ORDER BY ro.name`,
		identityID, tenantID, at,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (r *pgRBAC) PermissionKeys(ctx context.Context, tenantID, identityID string, at time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT p.key
		 FROM role_assignments a
		 JOIN role_permissions rp ON rp.role_id = a.role_id
		 JOIN permissions p ON p.id = rp.permission_id
		 WHERE a.identity_id = $1 AND a.tenant_id = $2
		   AND (a.not_before IS NULL OR a.not_before <= $3)
		   AND (a.not_after IS NULL OR a.not_after >= $3)
		 ORDER BY p.key`,
		identityID, tenantID, at,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
