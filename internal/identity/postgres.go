package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlIdentity = `
CREATE TABLE IF NOT EXISTS parley_identity (
    profile      TEXT        PRIMARY KEY,
    thread_id    TEXT        NOT NULL DEFAULT '',
    assistant_id TEXT        NOT NULL DEFAULT '',
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Postgres stores identities in PostgreSQL, one row per profile.
type Postgres struct {
	pool    *pgxpool.Pool
	profile string
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects to dsn, runs [Migrate] and returns a store for
// profile.
func NewPostgres(ctx context.Context, dsn, profile string) (*Postgres, error) {
	if profile == "" {
		return nil, errors.New("identity: profile must not be empty")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("identity: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("identity: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("identity: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool, profile: profile}, nil
}

// Migrate creates the identity table. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlIdentity); err != nil {
		return fmt.Errorf("identity: migrate: %w", err)
	}
	return nil
}

// Load returns the stored identity, or the zero Identity when the profile
// has none yet.
func (p *Postgres) Load(ctx context.Context) (Identity, error) {
	const q = `SELECT thread_id, assistant_id FROM parley_identity WHERE profile = $1`
	var id Identity
	err := p.pool.QueryRow(ctx, q, p.profile).Scan(&id.ThreadID, &id.AssistantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Identity{}, nil
	}
	if err != nil {
		return Identity{}, fmt.Errorf("identity: load: %w", err)
	}
	return id, nil
}

func (p *Postgres) SetThreadID(ctx context.Context, id string) error {
	const q = `
INSERT INTO parley_identity (profile, thread_id) VALUES ($1, $2)
ON CONFLICT (profile) DO UPDATE SET thread_id = EXCLUDED.thread_id, updated_at = now()`
	if _, err := p.pool.Exec(ctx, q, p.profile, id); err != nil {
		return fmt.Errorf("identity: set thread id: %w", err)
	}
	return nil
}

func (p *Postgres) SetAssistantID(ctx context.Context, id string) error {
	const q = `
INSERT INTO parley_identity (profile, assistant_id) VALUES ($1, $2)
ON CONFLICT (profile) DO UPDATE SET assistant_id = EXCLUDED.assistant_id, updated_at = now()`
	if _, err := p.pool.Exec(ctx, q, p.profile, id); err != nil {
		return fmt.Errorf("identity: set assistant id: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

// Close releases the connection pool.
func (p *Postgres) Close() { p.pool.Close() }
