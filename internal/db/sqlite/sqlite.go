// Package sqlite opens the embedded SQL store used as an alternative member budget backend.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const schemaVersion = 1

const ddlMeta = `CREATE TABLE IF NOT EXISTS schema_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

const ddlUserTokenBudgets = `CREATE TABLE IF NOT EXISTS user_token_budgets (
	user_id      TEXT PRIMARY KEY,
	token_budget INTEGER NOT NULL CHECK (token_budget >= 0),
	tokens_used  INTEGER NOT NULL DEFAULT 0 CHECK (tokens_used >= 0),
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

const ddlTokenUsageLog = `CREATE TABLE IF NOT EXISTS token_usage_log (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id           TEXT NOT NULL,
	chat_id           TEXT NOT NULL DEFAULT '',
	model_id          TEXT NOT NULL DEFAULT '',
	prompt_tokens     INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens      INTEGER NOT NULL,
	estimated_cost    REAL NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

const ddlTokenUsageLogIndex = `CREATE INDEX IF NOT EXISTS idx_token_usage_log_user
	ON token_usage_log(user_id, created_at)`

const ddlFeatureFlags = `CREATE TABLE IF NOT EXISTS feature_flags (
	key           TEXT PRIMARY KEY,
	numeric_value INTEGER,
	enabled       INTEGER NOT NULL DEFAULT 0,
	updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// Open opens (creating if needed) a SQLite database at path and migrates it.
// Driver name is "sqlite" (modernc.org/sqlite, pure Go).
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// One connection: writers are serialized, so a transaction is the only
	// writer while it runs.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if err := Migrate(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return sqlDB, nil
}

// Migrate creates the schema once per schema version.
func Migrate(ctx context.Context, sqlDB *sql.DB) error {
	if _, err := sqlDB.ExecContext(ctx, ddlMeta); err != nil {
		return fmt.Errorf("sqlite migrate: meta table: %w", err)
	}

	var version int
	row := sqlDB.QueryRowContext(ctx, `SELECT CAST(value AS INTEGER) FROM schema_meta WHERE key = 'schema_version'`)
	_ = row.Scan(&version) // row is absent on a fresh database

	if version >= schemaVersion {
		return nil
	}

	for _, ddl := range []string{
		ddlUserTokenBudgets,
		ddlTokenUsageLog,
		ddlTokenUsageLogIndex,
		ddlFeatureFlags,
	} {
		if _, err := sqlDB.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}

	_, err := sqlDB.ExecContext(ctx, `INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, schemaVersion)
	if err != nil {
		return fmt.Errorf("sqlite migrate: schema_version upsert: %w", err)
	}
	return nil
}
