// Package postgres implements [questionbank.Store] on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/candorlabs/viva/internal/questionbank"
)

// Compile-time interface assertion.
var _ questionbank.Store = (*Store)(nil)

// Store is a PostgreSQL-backed [questionbank.Store]. Content is read-only
// from the orchestrator's point of view; authoring happens out of band.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, and ensures the exam_items table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("questionbank store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("questionbank store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("questionbank store: ping: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("questionbank store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// migrate ensures the exam content table exists.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS exam_items (
		    exam_id          text NOT NULL,
		    position         int  NOT NULL,
		    item_id          text NOT NULL,
		    prompt           text NOT NULL,
		    topic            text NOT NULL DEFAULT '',
		    expected_seconds double precision NOT NULL DEFAULT 0,
		    rubric           text NOT NULL DEFAULT '',
		    PRIMARY KEY (exam_id, position)
		)`
	_, err := pool.Exec(ctx, ddl)
	return err
}

// Item implements [questionbank.Store].
func (s *Store) Item(ctx context.Context, examID string, position int) (*questionbank.Item, error) {
	const q = `
		SELECT item_id, position, prompt, topic, expected_seconds, rubric
		FROM   exam_items
		WHERE  exam_id = $1 AND position = $2`

	var item questionbank.Item
	err := s.pool.QueryRow(ctx, q, examID, position).Scan(
		&item.ID,
		&item.Position,
		&item.Prompt,
		&item.Topic,
		&item.ExpectedSeconds,
		&item.Rubric,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, questionbank.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("questionbank store: item %s/%d: %w", examID, position, err)
	}
	return &item, nil
}

// Count implements [questionbank.Store].
func (s *Store) Count(ctx context.Context, examID string) (int, error) {
	const q = `SELECT count(*) FROM exam_items WHERE exam_id = $1`

	var n int
	if err := s.pool.QueryRow(ctx, q, examID).Scan(&n); err != nil {
		return 0, fmt.Errorf("questionbank store: count %s: %w", examID, err)
	}
	if n == 0 {
		return 0, questionbank.ErrNotFound
	}
	return n, nil
}

// Ping probes the database connection. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [questionbank.Store]. It releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
