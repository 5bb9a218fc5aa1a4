/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements meter.Store plus the auth stores (UserStore, TokenStore) using
  SQLite. In production the same patterns apply to PostgreSQL - only minor
  SQL dialect differences.

KEY TABLES:
  users:          Accounts (unique email, bcrypt hash)
  tokens:         Issued token ids, deleted on logout
  billing_cycles: Tracking periods; at most one active per owner
  daily_readings: Meter observations; UNIQUE(cycle, date, time)

INVARIANT ENFORCEMENT AT THE SCHEMA LEVEL:
  - idx_readings_natural_key backs both the duplicate-reading conflict and
    the reconciliation upsert
  - Foreign keys cascade: deleting a user removes their cycles, deleting a
    cycle removes its readings

ORDERING:
  reading_date is stored as YYYY-MM-DD and reading_time as HH:MM, so a
  lexicographic ORDER BY over the two text columns is exactly the
  chronological order the engine requires.

CONCURRENCY:
  WAL mode, foreign_keys on. A sync.RWMutex serializes writers within the
  process; per-cycle exclusion of the check-then-act write path is handled
  above, in meter.Service.

USAGE:
  store, err := sqlite.New("./data/meter.db")  // ":memory:" for tests
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - meter/store.go: Store interface definition and contract notes
  - auth/auth.go:   UserStore and TokenStore definitions
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/wattwise/meter-engine/auth"
	"github.com/wattwise/meter-engine/meter"
)

// Store implements meter.Store, auth.UserStore, and auth.TokenStore.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (and migrates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every pooled connection to :memory: would get its own database.
	if dbPath == ":memory:" {
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

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tokens (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tokens_user ON tokens(user_id);

	CREATE TABLE IF NOT EXISTS billing_cycles (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		start_date TEXT NOT NULL,
		start_reading TEXT NOT NULL,
		end_date TEXT,
		end_reading TEXT,
		is_active INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cycles_owner ON billing_cycles(owner_id);
	CREATE INDEX IF NOT EXISTS idx_cycles_owner_active ON billing_cycles(owner_id, is_active);

	CREATE TABLE IF NOT EXISTS daily_readings (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		billing_cycle_id TEXT NOT NULL REFERENCES billing_cycles(id) ON DELETE CASCADE,
		reading_date TEXT NOT NULL,
		reading_time TEXT NOT NULL,
		reading_value TEXT NOT NULL,
		notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: one reading per (cycle, date, time). Backs both the
	-- duplicate-reading conflict and the offline-sync natural-key upsert.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_readings_natural_key
		ON daily_readings(billing_cycle_id, reading_date, reading_time);

	CREATE INDEX IF NOT EXISTS idx_readings_owner ON daily_readings(owner_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// CYCLE STORE (meter.Store interface)
// =============================================================================

// ActivateCycle deactivates every cycle of the owner and inserts the new one
// as active, in one transaction. An interrupted run rolls back; two cycles
// can never end up active.
func (s *Store) ActivateCycle(ctx context.Context, cycle meter.Cycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE billing_cycles SET is_active = 0, updated_at = ? WHERE owner_id = ? AND is_active = 1",
		timeString(time.Now().UTC()), cycle.OwnerID,
	); err != nil {
		return fmt.Errorf("failed to deactivate cycles: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO billing_cycles
		(id, owner_id, name, start_date, start_reading, end_date, end_reading, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		cycle.ID, cycle.OwnerID, cycle.Name,
		dateString(cycle.StartDate), cycle.StartReading.String(),
		nullDate(cycle.EndDate), nullDecimal(cycle.EndReading),
		timeString(cycle.CreatedAt), timeString(cycle.UpdatedAt),
	); err != nil {
		return fmt.Errorf("failed to insert cycle: %w", err)
	}

	return tx.Commit()
}

func (s *Store) UpdateCycle(ctx context.Context, cycle meter.Cycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE billing_cycles
		SET name = ?, start_date = ?, start_reading = ?, end_date = ?, end_reading = ?, updated_at = ?
		WHERE id = ?`,
		cycle.Name, dateString(cycle.StartDate), cycle.StartReading.String(),
		nullDate(cycle.EndDate), nullDecimal(cycle.EndReading),
		timeString(cycle.UpdatedAt), cycle.ID,
	)
	return err
}

func (s *Store) GetCycle(ctx context.Context, id meter.CycleID) (*meter.Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, selectCycle+" WHERE id = ?", id)
	return scanCycleRow(row)
}

func (s *Store) ListCycles(ctx context.Context, owner meter.UserID) ([]meter.Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, selectCycle+" WHERE owner_id = ? ORDER BY created_at DESC", owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []meter.Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

func (s *Store) ActiveCycle(ctx context.Context, owner meter.UserID) (*meter.Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, selectCycle+" WHERE owner_id = ? AND is_active = 1", owner)
	return scanCycleRow(row)
}

func (s *Store) DeleteCycle(ctx context.Context, owner meter.UserID, id meter.CycleID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM billing_cycles WHERE id = ? AND owner_id = ?", id, owner)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

const selectCycle = `
	SELECT id, owner_id, name, start_date, start_reading, end_date, end_reading, is_active, created_at, updated_at
	FROM billing_cycles`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCycle(r rowScanner) (meter.Cycle, error) {
	var (
		c                    meter.Cycle
		startDate            string
		startReading         string
		endDate, endReading  sql.NullString
		createdAt, updatedAt string
	)

	err := r.Scan(&c.ID, &c.OwnerID, &c.Name, &startDate, &startReading,
		&endDate, &endReading, &c.Active, &createdAt, &updatedAt)
	if err != nil {
		return c, err
	}

	c.StartDate, _ = time.Parse("2006-01-02", startDate)
	c.StartReading = mustDecimal(startReading)
	if endDate.Valid {
		t, _ := time.Parse("2006-01-02", endDate.String)
		c.EndDate = &t
	}
	if endReading.Valid {
		d := mustDecimal(endReading.String)
		c.EndReading = &d
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return c, nil
}

func scanCycleRow(row *sql.Row) (*meter.Cycle, error) {
	c, err := scanCycle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// =============================================================================
// READING STORE (meter.Store interface)
// =============================================================================

const selectReading = `
	SELECT id, owner_id, billing_cycle_id, reading_date, reading_time, reading_value, notes, created_at, updated_at
	FROM daily_readings`

func (s *Store) ListReadings(ctx context.Context, cycleID meter.CycleID) ([]meter.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		selectReading+" WHERE billing_cycle_id = ? ORDER BY reading_date ASC, reading_time ASC", cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []meter.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

func (s *Store) GetReading(ctx context.Context, id meter.ReadingID) (*meter.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, selectReading+" WHERE id = ?", id)
	return scanReadingRow(row)
}

func (s *Store) FindReadingAt(ctx context.Context, cycleID meter.CycleID, at meter.Stamp) (*meter.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		selectReading+" WHERE billing_cycle_id = ? AND reading_date = ? AND reading_time = ?",
		cycleID, at.DateString(), at.ClockString())
	return scanReadingRow(row)
}

func (s *Store) InsertReading(ctx context.Context, r meter.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_readings
		(id, owner_id, billing_cycle_id, reading_date, reading_time, reading_value, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OwnerID, r.CycleID, r.At.DateString(), r.At.ClockString(),
		r.Value.String(), nullString(r.Notes),
		timeString(r.CreatedAt), timeString(r.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return meter.ErrDuplicateReading
		}
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	return nil
}

func (s *Store) UpdateReading(ctx context.Context, r meter.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE daily_readings
		SET reading_date = ?, reading_time = ?, reading_value = ?, notes = ?, updated_at = ?
		WHERE id = ?`,
		r.At.DateString(), r.At.ClockString(), r.Value.String(),
		nullString(r.Notes), timeString(r.UpdatedAt), r.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return meter.ErrDuplicateReading
		}
		return fmt.Errorf("failed to update reading: %w", err)
	}
	return nil
}

// UpsertReading writes by natural key: on conflict with an existing
// (cycle, date, time) row, value and notes are overwritten and the existing
// row id survives. The stored row is read back and returned.
func (s *Store) UpsertReading(ctx context.Context, r meter.Reading) (*meter.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_readings
		(id, owner_id, billing_cycle_id, reading_date, reading_time, reading_value, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(billing_cycle_id, reading_date, reading_time) DO UPDATE SET
			reading_value = excluded.reading_value,
			notes = excluded.notes,
			updated_at = excluded.updated_at`,
		r.ID, r.OwnerID, r.CycleID, r.At.DateString(), r.At.ClockString(),
		r.Value.String(), nullString(r.Notes),
		timeString(r.CreatedAt), timeString(r.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert reading: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		selectReading+" WHERE billing_cycle_id = ? AND reading_date = ? AND reading_time = ?",
		r.CycleID, r.At.DateString(), r.At.ClockString())
	return scanReadingRow(row)
}

func (s *Store) DeleteReading(ctx context.Context, owner meter.UserID, id meter.ReadingID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM daily_readings WHERE id = ? AND owner_id = ?", id, owner)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanReading(r rowScanner) (meter.Reading, error) {
	var (
		rd                   meter.Reading
		date, clock, value   string
		notes                sql.NullString
		createdAt, updatedAt string
	)

	err := r.Scan(&rd.ID, &rd.OwnerID, &rd.CycleID, &date, &clock, &value,
		&notes, &createdAt, &updatedAt)
	if err != nil {
		return rd, err
	}

	rd.At, err = meter.ParseStamp(date, clock)
	if err != nil {
		return rd, fmt.Errorf("failed to parse stored stamp: %w", err)
	}
	rd.Value = mustDecimal(value)
	rd.Notes = notes.String
	rd.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rd.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return rd, nil
}

func scanReadingRow(row *sql.Row) (*meter.Reading, error) {
	r, err := scanReading(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// =============================================================================
// USER STORE (auth.UserStore interface)
// =============================================================================

func (s *Store) CreateUser(ctx context.Context, u auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, name, email, password_hash, created_at) VALUES (?, ?, ?, ?, ?)",
		u.ID, u.Name, u.Email, u.PasswordHash, timeString(u.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return auth.ErrEmailTaken
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, name, email, password_hash, created_at FROM users WHERE email = ?", email))
}

func (s *Store) UserByID(ctx context.Context, id string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, name, email, password_hash, created_at FROM users WHERE id = ?", id))
}

func scanUser(row *sql.Row) (*auth.User, error) {
	var u auth.User
	var createdAt string

	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &u, nil
}

// =============================================================================
// TOKEN STORE (auth.TokenStore interface)
// =============================================================================

func (s *Store) SaveToken(ctx context.Context, t auth.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Opportunistic cleanup: expired rows never verify again, so drop them
	// here instead of letting the table grow forever.
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM tokens WHERE expires_at <= ?", timeString(time.Now().UTC())); err != nil {
		return fmt.Errorf("failed to purge expired tokens: %w", err)
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO tokens (id, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)",
		t.ID, t.UserID, timeString(t.ExpiresAt), timeString(t.CreatedAt))
	return err
}

func (s *Store) TokenExists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tokens WHERE id = ? AND expires_at > ?",
		id, timeString(time.Now().UTC())).Scan(&count)
	return count > 0, err
}

func (s *Store) DeleteToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM tokens WHERE id = ?", id)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func dateString(t time.Time) string { return t.Format("2006-01-02") }
func timeString(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func nullDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return dateString(*t)
}

func nullDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
