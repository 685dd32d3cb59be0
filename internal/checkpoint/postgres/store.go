// Package postgres implements [checkpoint.Store] on PostgreSQL.
//
// The full session record is stored as a single JSONB value keyed by session
// identifier, with put-overwrites semantics. JSONB rather than a column per
// field keeps the record self-describing and lets the state schema evolve
// without migrations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/candorlabs/viva/internal/checkpoint"
)

// Compile-time interface assertion.
var _ checkpoint.Store = (*Store)(nil)

// Store is a PostgreSQL-backed [checkpoint.Store]. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, and ensures the session_checkpoints table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint store: ping: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// migrate ensures the checkpoint table exists.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS session_checkpoints (
		    session_id text PRIMARY KEY,
		    state      jsonb NOT NULL,
		    updated_at timestamptz NOT NULL DEFAULT now()
		)`
	_, err := pool.Exec(ctx, ddl)
	return err
}

// Load implements [checkpoint.Store].
func (s *Store) Load(ctx context.Context, sessionID string) (*checkpoint.State, error) {
	const q = `SELECT state FROM session_checkpoints WHERE session_id = $1`

	var raw []byte
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: load %q: %w", sessionID, err)
	}

	var state checkpoint.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("checkpoint store: decode %q: %w", sessionID, err)
	}
	return &state, nil
}

// Save implements [checkpoint.Store]. The record is upserted so put always
// overwrites.
func (s *Store) Save(ctx context.Context, state *checkpoint.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("checkpoint store: encode %q: %w", state.SessionID, err)
	}

	const q = `
		INSERT INTO session_checkpoints (session_id, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id)
		DO UPDATE SET state = EXCLUDED.state, updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, state.SessionID, raw); err != nil {
		return fmt.Errorf("checkpoint store: save %q: %w", state.SessionID, err)
	}
	return nil
}

// Ping probes the database connection. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [checkpoint.Store]. It releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
