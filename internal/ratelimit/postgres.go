package ratelimit

import (
	"context"
	"database/sql"
	"time"
)

// PGRules persists limiter rules. Counters stay in CounterStore
// implementations; only the rule definitions live in Postgres.
type PGRules struct {
	db *sql.DB
}

func NewPGRules(db *sql.DB) *PGRules { return &PGRules{db: db} }

func (s *PGRules) Create(ctx context.Context, r *Rule) error {
	if err := r.validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limit_rules (id, tenant_id, scope, target_id, action, max_count, window_ms, created_at)
		 VALUES ($1, $2, $3, $4, nullif($5, ''), $6, $7, $8)`,
		r.ID, r.TenantID, r.Scope, r.TargetID, r.Action,
		r.MaxCount, r.Window.Milliseconds(), r.CreatedAt,
	)
	return err
}

func (s *PGRules) Delete(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limit_rules WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
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

func (s *PGRules) ListForTenant(ctx context.Context, tenantID string) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, scope, target_id, coalesce(action, ''), max_count, window_ms, created_at
		 FROM rate_limit_rules WHERE tenant_id = $1 ORDER BY id`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Rule
	for rows.Next() {
		var r Rule
		var windowMS int64
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Scope, &r.TargetID, &r.Action,
			&r.MaxCount, &windowMS, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Window = time.Duration(windowMS) * time.Millisecond
		out = append(out, &r)
	}
	return out, rows.Err()
}
