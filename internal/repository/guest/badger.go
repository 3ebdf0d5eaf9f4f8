package guest

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Badger is a Storage on top of an embedded BadgerDB.
type Badger struct {
	db *badger.DB
}

// NewBadger wraps an open BadgerDB. The caller owns its lifecycle.
func NewBadger(db *badger.DB) *Badger {
	return &Badger{db: db}
}

// GetItem returns the value stored under key in namespace.
func (b *Badger) GetItem(_ context.Context, namespace, key string) (string, bool, error) {
	var value string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(itemKey(namespace, key)))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value = string(raw)
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("guest storage get %s: %w", key, err)
	}
	return value, true, nil
}

// SetItem stores value under key in namespace.
func (b *Badger) SetItem(_ context.Context, namespace, key, value string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(itemKey(namespace, key)), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("guest storage set %s: %w", key, err)
	}
	return nil
}
