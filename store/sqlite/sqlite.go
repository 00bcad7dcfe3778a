/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Keeps everything the engine persists in one local database file: session
  state slots and the reference tables (index series, minimum amounts) the
  stages read from.

INTERFACES IMPLEMENTED:
  generic.StateStore:      Session slots (Store)
  generic.IndexProvider:   One per series (SeriesProvider)
  generic.MinimumSchedule: Loaded per schedule name (LoadMinimums)

KEY TABLES:
  session_slots:   One serialized SessionState per key
  index_points:    (series, date) -> value, one row per published point
  minimum_amounts: (schedule, effective_date) -> amount

  Dates are stored as YYYY-MM-DD text so that lexical order is date order.
  Values are stored as decimal strings, never as REAL.

IMPORTS ARE IDEMPOTENT:
  SavePoints and SaveMinimums upsert on the natural key, so re-importing a
  published file only adds or corrects points.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. PostgreSQL deployments rely on the
  database instead (see store/postgres).

USAGE:
  store, err := sqlite.New("./data/accident.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  session := accident.OpenSession(ctx, store, accident.DefaultSlot)
  ripte := store.Series("ripte")

SEE ALSO:
  - generic/store.go: StateStore interface
  - generic/series.go: Lookup semantics
  - factory/tables.go: JSON import of reference tables
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/finlegal/accident-engine/generic"
)

// importStampLayout is fixed width so that MAX(imported_at) is the latest import.
const importStampLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements the storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Session state, one document per slot
	CREATE TABLE IF NOT EXISTS session_slots (
		slot_key TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Published index series (RIPTE, CER, tasa activa...)
	CREATE TABLE IF NOT EXISTS index_points (
		series TEXT NOT NULL,
		point_date TEXT NOT NULL,
		value TEXT NOT NULL,
		imported_at TEXT NOT NULL,
		PRIMARY KEY (series, point_date)
	);

	-- Legal minimum amounts by effective date
	CREATE TABLE IF NOT EXISTS minimum_amounts (
		schedule TEXT NOT NULL,
		effective_date TEXT NOT NULL,
		amount TEXT NOT NULL,
		reference TEXT,
		PRIMARY KEY (schedule, effective_date)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// STATE STORE (generic.StateStore interface)
// =============================================================================

// Load returns the payload saved under key.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM session_slots WHERE slot_key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.ErrSlotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load slot %s: %w", key, err)
	}
	return []byte(payload), nil
}

// Save replaces the payload under key.
func (s *Store) Save(ctx context.Context, key string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_slots (slot_key, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(slot_key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, key, string(payload), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save slot %s: %w", key, err)
	}
	return nil
}

// Delete removes the slot. Missing slots are ignored.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_slots WHERE slot_key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete slot %s: %w", key, err)
	}
	return nil
}

// =============================================================================
// INDEX SERIES
// =============================================================================

// SeriesInfo summarizes one stored series.
type SeriesInfo struct {
	Name   string            `json:"name"`
	Points int               `json:"points"`
	First  generic.TimePoint `json:"first"`
	Last   generic.TimePoint `json:"last"`
}

// SavePoints upserts points of a series atomically.
func (s *Store) SavePoints(ctx context.Context, series string, points []generic.RatePoint) error {
	if series == "" {
		return fmt.Errorf("series name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	now := time.Now().UTC().Format(importStampLayout)
	for _, p := range points {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO index_points (series, point_date, value, imported_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(series, point_date) DO UPDATE SET value = excluded.value, imported_at = excluded.imported_at
		`, series, p.Date.String(), p.Rate.String(), now)
		if err != nil {
			return fmt.Errorf("failed to save point %s/%s: %w", series, p.Date, err)
		}
	}

	return sqlTx.Commit()
}

// DeleteSeries removes every point of a series.
func (s *Store) DeleteSeries(ctx context.Context, series string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM index_points WHERE series = ?`, series)
	return err
}

// ListSeries returns one summary per stored series, by name.
func (s *Store) ListSeries(ctx context.Context) ([]SeriesInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT series, COUNT(*), MIN(point_date), MAX(point_date)
		FROM index_points GROUP BY series ORDER BY series
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list series: %w", err)
	}
	defer rows.Close()

	var infos []SeriesInfo
	for rows.Next() {
		var (
			info        SeriesInfo
			first, last string
		)
		if err := rows.Scan(&info.Name, &info.Points, &first, &last); err != nil {
			return nil, err
		}
		if info.First, err = generic.ParseTimePoint(first); err != nil {
			return nil, err
		}
		if info.Last, err = generic.ParseTimePoint(last); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Revision fingerprints the reference tables. It changes whenever points or
// minimum entries are added, corrected or removed, including by another
// process sharing the database file.
func (s *Store) Revision(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		points, minimums int
		lastImport       string
		minimumSum       string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM index_points),
			(SELECT COALESCE(MAX(imported_at), '') FROM index_points),
			(SELECT COUNT(*) FROM minimum_amounts),
			(SELECT COALESCE(GROUP_CONCAT(schedule || effective_date || amount, ';'), '') FROM minimum_amounts)
	`).Scan(&points, &lastImport, &minimums, &minimumSum)
	if err != nil {
		return "", fmt.Errorf("failed to read reference revision: %w", err)
	}
	return fmt.Sprintf("%d|%s|%d|%s", points, lastImport, minimums, minimumSum), nil
}

// LoadPoints returns points of series in [from, to] plus the latest point
// before from. Unknown series yield ErrSeriesNotFound.
func (s *Store) LoadPoints(ctx context.Context, series string, from, to generic.TimePoint) ([]generic.RatePoint, error) {
	if to.Before(from) {
		return nil, &generic.InvalidRangeError{Start: from, End: to}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM index_points WHERE series = ?`, series).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to query series %s: %w", series, err)
	}
	if count == 0 {
		return nil, fmt.Errorf("%s: %w", series, generic.ErrSeriesNotFound)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT point_date, value FROM (
			SELECT point_date, value FROM index_points
			WHERE series = ? AND point_date < ?
			ORDER BY point_date DESC LIMIT 1
		)
		UNION ALL
		SELECT point_date, value FROM index_points
		WHERE series = ? AND point_date >= ? AND point_date <= ?
		ORDER BY point_date
	`, series, from.String(), series, from.String(), to.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load series %s: %w", series, err)
	}
	defer rows.Close()

	return scanPoints(rows)
}

// Series returns an IndexProvider reading series from the store.
func (s *Store) Series(name string) *SeriesProvider {
	return &SeriesProvider{store: s, name: name}
}

// SeriesProvider adapts one stored series to generic.IndexProvider.
type SeriesProvider struct {
	store *Store
	name  string
}

func (p *SeriesProvider) Name() string { return p.name }

func (p *SeriesProvider) Lookup(ctx context.Context, from, to generic.TimePoint) ([]generic.RatePoint, error) {
	return p.store.LoadPoints(ctx, p.name, from, to)
}

var _ generic.IndexProvider = (*SeriesProvider)(nil)

func scanPoints(rows *sql.Rows) ([]generic.RatePoint, error) {
	var points []generic.RatePoint
	for rows.Next() {
		var date, value string
		if err := rows.Scan(&date, &value); err != nil {
			return nil, err
		}
		tp, err := generic.ParseTimePoint(date)
		if err != nil {
			return nil, err
		}
		rate, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("corrupt value %q at %s: %w", value, date, err)
		}
		points = append(points, generic.RatePoint{Date: tp, Rate: rate})
	}
	return points, rows.Err()
}

// =============================================================================
// MINIMUM AMOUNTS
// =============================================================================

// SaveMinimums upserts entries of a schedule atomically.
func (s *Store) SaveMinimums(ctx context.Context, schedule string, entries []generic.MinimumEntry) error {
	if schedule == "" {
		return fmt.Errorf("schedule name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, e := range entries {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO minimum_amounts (schedule, effective_date, amount, reference)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(schedule, effective_date) DO UPDATE SET amount = excluded.amount, reference = excluded.reference
		`, schedule, e.EffectiveDate.String(), e.Amount.String(), nullString(e.Reference))
		if err != nil {
			return fmt.Errorf("failed to save minimum %s/%s: %w", schedule, e.EffectiveDate, err)
		}
	}

	return sqlTx.Commit()
}

// LoadMinimums returns the full schedule. An unknown schedule is empty, so
// every lookup on it fails with NoMinimumDataError.
func (s *Store) LoadMinimums(ctx context.Context, schedule string) (*generic.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT effective_date, amount, reference FROM minimum_amounts
		WHERE schedule = ? ORDER BY effective_date
	`, schedule)
	if err != nil {
		return nil, fmt.Errorf("failed to load minimums %s: %w", schedule, err)
	}
	defer rows.Close()

	var entries []generic.MinimumEntry
	for rows.Next() {
		var (
			date, amount string
			reference    sql.NullString
		)
		if err := rows.Scan(&date, &amount, &reference); err != nil {
			return nil, err
		}
		tp, err := generic.ParseTimePoint(date)
		if err != nil {
			return nil, err
		}
		value, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("corrupt amount %q at %s: %w", amount, date, err)
		}
		entries = append(entries, generic.MinimumEntry{EffectiveDate: tp, Amount: value, Reference: reference.String})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return generic.NewSchedule(schedule, entries), nil
}

// Minimums returns a MinimumSchedule that queries the store on every lookup,
// so imports are visible without rebuilding the engine.
func (s *Store) Minimums(schedule string) *MinimumsProvider {
	return &MinimumsProvider{store: s, schedule: schedule}
}

// MinimumsProvider adapts one stored schedule to generic.MinimumSchedule.
// generic.MinimumSchedule carries no context, so lookups run under
// context.Background().
type MinimumsProvider struct {
	store    *Store
	schedule string
}

func (p *MinimumsProvider) EffectiveAt(at generic.TimePoint) (generic.MinimumEntry, error) {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()

	var (
		date, amount string
		reference    sql.NullString
	)
	err := p.store.db.QueryRowContext(context.Background(), `
		SELECT effective_date, amount, reference FROM minimum_amounts
		WHERE schedule = ? AND effective_date <= ?
		ORDER BY effective_date DESC LIMIT 1
	`, p.schedule, at.String()).Scan(&date, &amount, &reference)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.MinimumEntry{}, &generic.NoMinimumDataError{Schedule: p.schedule, At: at}
	}
	if err != nil {
		return generic.MinimumEntry{}, fmt.Errorf("failed to query minimums %s: %w", p.schedule, err)
	}

	tp, err := generic.ParseTimePoint(date)
	if err != nil {
		return generic.MinimumEntry{}, err
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return generic.MinimumEntry{}, fmt.Errorf("corrupt amount %q at %s: %w", amount, date, err)
	}
	return generic.MinimumEntry{EffectiveDate: tp, Amount: value, Reference: reference.String}, nil
}

var _ generic.MinimumSchedule = (*MinimumsProvider)(nil)

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	return s.clear(ctx, "session_slots", "index_points", "minimum_amounts")
}

// ResetReference clears the series and minimum tables, keeping sessions.
func (s *Store) ResetReference(ctx context.Context) error {
	return s.clear(ctx, "index_points", "minimum_amounts")
}

func (s *Store) clear(ctx context.Context, tables ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
