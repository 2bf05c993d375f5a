// Package sqlite is the persistence layer: accounts, the global metrics
// singleton, the transfer audit log, reconciliation cycle records and the
// error log, all in one SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DBFileName is the database file created inside the data directory.
const DBFileName = "karmic.db"

// MaxTransactionItems is the largest number of writes accepted by a single
// CommitBatch call.
const MaxTransactionItems = 25

// DB wraps the SQLite connection.
type DB struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database inside dir and applies migrations.
//
// The connection is configured with:
//   - WAL mode for concurrent reads during writes
//   - 5-second busy timeout for lock contention
//   - a single open connection, so writes never race for the lock
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(dir, DBFileName)

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	db := &DB{db: sqlDB, path: path}
	if err := db.migrate(context.Background()); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.db == nil {
		return nil
	}
	return db.db.Close()
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// ─── Migrations ─────────────────────────────────────────────────────────────

// Migrations returns the schema statements in order. Each string is a single
// SQL statement (SQLite executes one at a time). Index i is schema version i+1.
func Migrations() []string {
	return []string{
		// Accounts: balances plus per-account reconciliation marker
		`CREATE TABLE IF NOT EXISTS accounts (
			id                 TEXT PRIMARY KEY,
			accrual_balance    REAL NOT NULL DEFAULT 0 CHECK (accrual_balance >= 0 AND accrual_balance <= 10),
			reputation_balance REAL NOT NULL DEFAULT 0 CHECK (reputation_balance >= 0),
			last_reconciled_at INTEGER NOT NULL DEFAULT 0,
			version            INTEGER NOT NULL DEFAULT 0,
			created_at         INTEGER NOT NULL
		)`,

		// Global metrics singleton
		`CREATE TABLE IF NOT EXISTS global_metrics (
			id                        INTEGER PRIMARY KEY CHECK (id = 1),
			program_start             INTEGER NOT NULL DEFAULT 0,
			accrual_rate_per_minute   REAL NOT NULL DEFAULT 0 CHECK (accrual_rate_per_minute >= 0),
			decay_rate_per_minute     REAL NOT NULL DEFAULT 0 CHECK (decay_rate_per_minute >= 0),
			last_global_reconciled_at INTEGER NOT NULL DEFAULT 0,
			version                   INTEGER NOT NULL DEFAULT 0
		)`,

		// Transfer audit log (append-only)
		`CREATE TABLE IF NOT EXISTS transfers (
			id              TEXT PRIMARY KEY,
			from_account_id TEXT NOT NULL,
			to_account_id   TEXT NOT NULL,
			amount          REAL NOT NULL CHECK (amount > 0),
			reason          TEXT NOT NULL DEFAULT '',
			timestamp       INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_from ON transfers(from_account_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_to ON transfers(to_account_id, timestamp)`,

		// Reconciliation cycle summaries
		`CREATE TABLE IF NOT EXISTS reconciliation_cycles (
			id                TEXT PRIMARY KEY,
			started_at        INTEGER NOT NULL,
			as_of             INTEGER NOT NULL,
			elapsed_minutes   INTEGER NOT NULL DEFAULT 0,
			outcome           TEXT NOT NULL,
			batched           INTEGER NOT NULL DEFAULT 0,
			caught_up         INTEGER NOT NULL DEFAULT 0,
			catch_up_failed   INTEGER NOT NULL DEFAULT 0,
			skipped           INTEGER NOT NULL DEFAULT 0,
			batches_committed INTEGER NOT NULL DEFAULT 0,
			error             TEXT NOT NULL DEFAULT ''
		)`,

		// Operational error log
		`CREATE TABLE IF NOT EXISTS error_logs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at INTEGER NOT NULL,
			message    TEXT NOT NULL,
			details    TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_error_logs_created ON error_logs(created_at)`,
	}
}

// migrate applies every statement newer than PRAGMA user_version.
func (db *DB) migrate(ctx context.Context) error {
	var version int
	if err := db.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	stmts := Migrations()
	if version >= len(stmts) {
		return nil
	}

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := version; i < len(stmts); i++ {
		if _, err := tx.ExecContext(ctx, stmts[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", len(stmts))); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return tx.Commit()
}

// SchemaVersion returns the applied migration count.
func (db *DB) SchemaVersion() (int, error) {
	var v int
	err := db.db.QueryRow("PRAGMA user_version").Scan(&v)
	return v, err
}
