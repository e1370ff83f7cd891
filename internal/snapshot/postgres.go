package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the session_snapshots table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS session_snapshots (
    session_key TEXT PRIMARY KEY,
    blob        BYTEA NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Compile-time interface assertion.
var _ Store = (*PostgresStore)(nil)

// PostgresStore keeps each blob in one row of session_snapshots.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a store on db. The caller is responsible for
// calling [PostgresStore.Migrate] before first use.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("snapshot: migrate: %w", err)
	}
	return nil
}

// Save implements [Store].
func (s *PostgresStore) Save(ctx context.Context, key string, blob []byte) error {
	const q = `
		INSERT INTO session_snapshots (session_key, blob, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_key) DO UPDATE SET blob = EXCLUDED.blob, updated_at = now()`
	if _, err := s.db.Exec(ctx, q, key, blob); err != nil {
		return fmt.Errorf("snapshot: save %q: %w", key, err)
	}
	return nil
}

// Load implements [Store].
func (s *PostgresStore) Load(ctx context.Context, key string) ([]byte, error) {
	const q = `SELECT blob FROM session_snapshots WHERE session_key = $1`
	var blob []byte
	if err := s.db.QueryRow(ctx, q, key).Scan(&blob); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("snapshot: load %q: %w", key, err)
	}
	return blob, nil
}

// Delete implements [Store].
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	const q = `DELETE FROM session_snapshots WHERE session_key = $1`
	if _, err := s.db.Exec(ctx, q, key); err != nil {
		return fmt.Errorf("snapshot: delete %q: %w", key, err)
	}
	return nil
}
