package guest

import (
	"context"
	"errors"
	"fmt"

	"github.com/kailas-cloud/tokenguard/internal/db"
	"github.com/kailas-cloud/tokenguard/internal/domain"
)

// kvStore is the consumer interface for Redis-backed guest storage (ISP).
type kvStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Redis is a Storage shared by every replica, for deployments where guest
// sessions are not pinned to one process.
type Redis struct {
	store kvStore
}

// NewRedis creates a Redis-backed storage.
func NewRedis(s kvStore) *Redis {
	return &Redis{store: s}
}

// GetItem returns the value stored under key in namespace.
func (r *Redis) GetItem(ctx context.Context, namespace, key string) (string, bool, error) {
	raw, err := r.store.Get(ctx, domain.KeyPrefix+itemKey(namespace, key))
	if errors.Is(err, db.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("guest storage get %s: %w", key, err)
	}
	return string(raw), true, nil
}

// SetItem stores value under key in namespace.
func (r *Redis) SetItem(ctx context.Context, namespace, key, value string) error {
	if err := r.store.Set(ctx, domain.KeyPrefix+itemKey(namespace, key), []byte(value)); err != nil {
		return fmt.Errorf("guest storage set %s: %w", key, err)
	}
	return nil
}
