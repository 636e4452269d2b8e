// Package pg bundles the Postgres-backed stores behind one connection
// pool.
package pg

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"agentiam.org/internal/audit"
	"agentiam.org/internal/credential"
	"agentiam.org/internal/identity"
	"agentiam.org/internal/policy"
	"agentiam.org/internal/ratelimit"
)

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Identities() *identity.PGStore { return identity.NewPGStore(s.db) }

func (s *Store) Sessions() *credential.PGSessions { return credential.NewPGSessions(s.db) }

func (s *Store) Policies() *policy.PGStore { return policy.NewPGStore(s.db) }

func (s *Store) Audit() *audit.PGStore { return audit.NewPGStore(s.db) }

func (s *Store) Limits() *ratelimit.PGRules { return ratelimit.NewPGRules(s.db) }
