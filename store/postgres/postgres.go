/*
Package postgres provides a PostgreSQL session-slot store.

PURPOSE:
  Deployments that run several API instances behind a load balancer cannot
  share a local SQLite file. This store keeps the session slots in a shared
  PostgreSQL database instead; reference tables stay in SQLite, they are
  read-only and imported on every instance.

INTERFACES IMPLEMENTED:
  generic.StateStore

DRIVER:
  database/sql over github.com/jackc/pgx/v5/stdlib, driver name "pgx".

USAGE:
  store, err := postgres.New(ctx, "postgres://user:pass@db:5432/accident")
  session := accident.OpenSession(ctx, store, accident.DefaultSlot)

SEE ALSO:
  - store/sqlite/sqlite.go: Default single-node store
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/finlegal/accident-engine/generic"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_slots (
	slot_key   TEXT PRIMARY KEY,
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store implements generic.StateStore on PostgreSQL.
type Store struct {
	db *sql.DB
}

// New connects, pings and migrates.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return NewWithDB(ctx, db)
}

// NewWithDB wraps an existing handle and migrates the schema.
func NewWithDB(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload::text FROM session_slots WHERE slot_key = $1`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.ErrSlotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load slot %s: %w", key, err)
	}
	return payload, nil
}

func (s *Store) Save(ctx context.Context, key string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_slots (slot_key, payload, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (slot_key) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()
	`, key, string(payload))
	if err != nil {
		return fmt.Errorf("failed to save slot %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_slots WHERE slot_key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete slot %s: %w", key, err)
	}
	return nil
}

var _ generic.StateStore = (*Store)(nil)
