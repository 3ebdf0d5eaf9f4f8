package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/kailas-cloud/tokenguard/internal/db"
	"github.com/kailas-cloud/tokenguard/internal/domain"
)

const flagKeyPrefix = domain.KeyPrefix + "flag:"

// hashStore is the consumer interface for Redis-backed flags (ISP).
type hashStore interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
}

// RedisStore reads numeric feature flags from hashes tokenguard:flag:{key}
// with fields numeric_value and enabled.
type RedisStore struct {
	store hashStore
}

// NewRedisStore creates a Redis-backed flag store.
func NewRedisStore(s hashStore) *RedisStore {
	return &RedisStore{store: s}
}

// NumericValue returns the flag's numeric value. Absent, disabled or
// non-numeric flags yield domain.ErrNotFound.
func (r *RedisStore) NumericValue(ctx context.Context, key string) (int64, error) {
	fields, err := r.store.HGetAll(ctx, flagKeyPrefix+key)
	if err != nil {
		return 0, fmt.Errorf("flag %s: %w", key, err)
	}
	if len(fields) == 0 || !parseEnabled(fields["enabled"]) {
		return 0, domain.ErrNotFound
	}
	v, err := strconv.ParseInt(fields["numeric_value"], 10, 64)
	if err != nil {
		return 0, domain.ErrNotFound
	}
	return v, nil
}

// SetNumeric writes a flag (admin path).
func (r *RedisStore) SetNumeric(ctx context.Context, key string, value int64, enabled bool) error {
	err := r.store.HSet(ctx, flagKeyPrefix+key, map[string]string{
		"numeric_value": strconv.FormatInt(value, 10),
		"enabled":       strconv.FormatBool(enabled),
	})
	if err != nil {
		return fmt.Errorf("flag %s: %w", key, err)
	}
	return nil
}

func parseEnabled(s string) bool {
	switch s {
	case "1", "true", "TRUE", "True":
		return true
	}
	return false
}

// SQLStore reads numeric feature flags from the feature_flags table.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a SQL-backed flag store.
func NewSQLStore(sqlDB *sql.DB) *SQLStore {
	return &SQLStore{db: sqlDB}
}

// NumericValue returns the flag's numeric value, filtered to enabled flags.
func (s *SQLStore) NumericValue(ctx context.Context, key string) (int64, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT numeric_value FROM feature_flags WHERE key = ? AND enabled = 1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, &db.Error{Op: db.OpQuery, Err: fmt.Errorf("flag %s: %w", key, err)}
	}
	if !v.Valid {
		return 0, domain.ErrNotFound
	}
	return v.Int64, nil
}

// SetNumeric upserts a flag (admin path).
func (s *SQLStore) SetNumeric(ctx context.Context, key string, value int64, enabled bool) error {
	flag := 0
	if enabled {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO feature_flags (key, numeric_value, enabled) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET numeric_value = excluded.numeric_value,
			enabled = excluded.enabled, updated_at = CURRENT_TIMESTAMP`, key, value, flag)
	if err != nil {
		return &db.Error{Op: db.OpExec, Err: fmt.Errorf("flag %s: %w", key, err)}
	}
	return nil
}
