package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"github.com/mattn/go-sqlite3"

	"bottle-rewards-api/internal/apperr"
)

// DB wraps the database connection and implements every store the core
// collaborates with: users, reward catalog, disposal/claim log, queue and
// bot configuration.
type DB struct {
	conn *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewDB creates a new database connection and initializes the schema.
//
// Transactions are opened with BEGIN IMMEDIATE so that a claim commit takes
// the write lock before it reads the ledger; concurrent writers wait on the
// busy timeout instead of failing.
func NewDB(dbPath string) (*DB, error) {
	params := url.Values{}
	params.Set("_foreign_keys", "1")
	params.Set("_busy_timeout", "5000")
	params.Set("_journal_mode", "WAL")
	params.Set("_txlock", "immediate")

	conn, err := sql.Open("sqlite3", dbPath+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the store is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return classify("ping", db.conn.PingContext(ctx))
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL,
			email TEXT NOT NULL,
			level TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS rewards (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL,
			points_required INTEGER NOT NULL CHECK (points_required >= 0),
			stocks INTEGER NOT NULL CHECK (stocks >= 0),
			category TEXT NOT NULL,
			valid_from TEXT NOT NULL,
			valid_until TEXT NOT NULL,
			status TEXT NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS disposals (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			bottle_count INTEGER NOT NULL CHECK (bottle_count >= 1),
			points_accumulated INTEGER NOT NULL CHECK (points_accumulated >= 0),
			occurred_at INTEGER NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS reward_claims (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			reward_id TEXT NOT NULL REFERENCES rewards(id),
			points_spent INTEGER NOT NULL CHECK (points_spent >= 0),
			claimed_at INTEGER NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS queue_entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			lat REAL NOT NULL,
			lon REAL NOT NULL,
			location_name TEXT NOT NULL,
			requested_at INTEGER NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bot_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			location_name TEXT NOT NULL,
			lat REAL NOT NULL,
			lon REAL NOT NULL,
			base_weight REAL NOT NULL,
			base_unit TEXT NOT NULL,
			equivalent_in_points INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_disposals_user ON disposals(user_id, archived)`,
		`CREATE INDEX IF NOT EXISTS idx_claims_user ON reward_claims(user_id, archived)`,
		`CREATE INDEX IF NOT EXISTS idx_claims_reward ON reward_claims(reward_id)`,
		`CREATE INDEX IF NOT EXISTS idx_users_level ON users(level, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_order ON queue_entries(status, requested_at, seq)`,
		// At most one entry may be in progress.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_single_active
			ON queue_entries(status) WHERE status = 'in_progress'`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// withTx runs fn inside a transaction, committing on success.
func (db *DB) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify(op+": begin", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify(op+": commit", err)
	}
	return nil
}

// classify maps driver and context failures to error kinds. Errors that are
// already classified pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if apperr.KindOf(err) != apperr.KindInternal {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Transient(op+" timed out", err)
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return apperr.Transient(op+" failed: store busy", err)
		case sqlite3.ErrConstraint:
			return &constraintError{op: op, err: err}
		}
	}

	return fmt.Errorf("failed to %s: %w", op, err)
}

// constraintError is a lost race surfaced by a uniqueness or check constraint.
type constraintError struct {
	op  string
	err error
}

func (e *constraintError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.op, e.err)
}

func (e *constraintError) Unwrap() error { return e.err }

func (e *constraintError) Kind() apperr.Kind { return apperr.KindConflict }

func (e *constraintError) Is(target error) bool { return target == error(apperr.ErrConflict) }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
