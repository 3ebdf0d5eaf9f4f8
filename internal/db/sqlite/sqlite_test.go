package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpen_MigratesSchema(t *testing.T) {
	ctx := context.Background()
	sqlDB, err := Open(ctx, filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, table := range []string{"user_token_budgets", "token_usage_log", "feature_flags"} {
		var name string
		err := sqlDB.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	ctx := context.Background()
	sqlDB, err := Open(ctx, filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := Migrate(ctx, sqlDB); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var version int
	if err := sqlDB.QueryRowContext(ctx,
		`SELECT CAST(value AS INTEGER) FROM schema_meta WHERE key = 'schema_version'`).Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("schema_version = %d, want %d", version, schemaVersion)
	}
}
