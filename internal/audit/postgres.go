package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// PGStore persists audit chains in the audit_events table. The unique
// (tenant_id, seq) index is the forking guard Store.Append requires.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore { return &PGStore{db: db} }

const eventColumns = `id, tenant_id, seq, actor_id, action, resource_type, resource_id, decision, token_id, chain, detail, ts, prev_hash, hash, signature`

func (s *PGStore) Append(ctx context.Context, ev *Event) error {
	var chain any
	if len(ev.Chain) > 0 {
		chain, _ = json.Marshal(ev.Chain)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, nullif($4, ''), $5, nullif($6, ''), nullif($7, ''), $8, nullif($9, ''), $10, nullif($11, ''), $12, nullif($13, ''), $14, $15)`,
		ev.ID, ev.TenantID, ev.Seq, ev.ActorID, ev.Action, ev.ResourceType,
		ev.ResourceID, ev.Decision, ev.TokenID, chain, ev.Detail, ev.Timestamp,
		ev.PrevHash, ev.Hash, ev.Signature,
	)
	return err
}

func (s *PGStore) Last(ctx context.Context, tenantID string) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM audit_events
		 WHERE tenant_id = $1 ORDER BY seq DESC LIMIT 1`,
		tenantID,
	)
	return scanEvent(row)
}

func (s *PGStore) Query(ctx context.Context, f Filter) ([]*Event, error) {
	var (
		where = []string{"tenant_id = $1"}
		args  = []any{f.TenantID}
	)
	add := func(cond string, val any) {
		args = append(args, val)
		where = append(where, cond+" $"+strconv.Itoa(len(args)))
	}
	if f.ActorID != "" {
		add("actor_id =", f.ActorID)
	}
	if f.Decision != "" {
		add("decision =", f.Decision)
	}
	if f.Action != "" {
		add("action =", f.Action)
	}
	if f.FromSeq > 0 {
		add("seq >=", f.FromSeq)
	}
	if f.ToSeq > 0 {
		add("seq <=", f.ToSeq)
	}
	if !f.Since.IsZero() {
		add("ts >=", f.Since)
	}
	if !f.Until.IsZero() {
		add("ts <=", f.Until)
	}
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var ev Event
	var actor, rtype, rid, token, detail, prev sql.NullString
	var chain []byte
	err := row.Scan(
		&ev.ID, &ev.TenantID, &ev.Seq, &actor, &ev.Action, &rtype,
		&rid, &ev.Decision, &token, &chain, &detail, &ev.Timestamp,
		&prev, &ev.Hash, &ev.Signature,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(chain) > 0 {
		_ = json.Unmarshal(chain, &ev.Chain)
	}
	ev.ActorID = actor.String
	ev.ResourceType = rtype.String
	ev.ResourceID = rid.String
	ev.TokenID = token.String
	ev.Detail = detail.String
	ev.PrevHash = prev.String
	return &ev, nil
}
