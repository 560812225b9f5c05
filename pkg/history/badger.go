package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefixHistory = "history:"

// BadgerStorage keeps histories in an embedded BadgerDB.
type BadgerStorage struct {
	db *badger.DB
}

// NewBadgerStorage opens a BadgerDB at dbPath. An empty path opens an
// in-memory database.
func NewBadgerStorage(dbPath string) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(dbPath)
	if dbPath == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerStorage{db: db}, nil
}

// Close closes the database.
func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

func historyKey(id ID) []byte {
	return []byte(keyPrefixHistory + id.String())
}

// History implements Storage.
func (s *BadgerStorage) History(_ context.Context, id ID) (History, error) {
	var items []Item
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		items, err = readItems(txn, historyKey(id))
		return err
	})
	if err != nil {
		return History{}, fmt.Errorf("failed to read history %s: %w", id, err)
	}
	return History{Items: items}, nil
}

// RegisterAttempt implements Storage.
func (s *BadgerStorage) RegisterAttempt(ctx context.Context, id ID, item Item) (History, error) {
	var items []Item
	err := s.retryUpdate(ctx, func(txn *badger.Txn) error {
		key := historyKey(id)
		existing, err := readItems(txn, key)
		if err != nil {
			return err
		}
		existing = append(existing, item)
		if err := writeItems(txn, key, existing); err != nil {
			return err
		}
		items = existing
		return nil
	})
	if err != nil {
		return History{}, fmt.Errorf("failed to register attempt for %s: %w", id, err)
	}
	return History{Items: items}, nil
}

// Migrate implements Storage.
func (s *BadgerStorage) Migrate(ctx context.Context, from, to ID) error {
	err := s.retryUpdate(ctx, func(txn *badger.Txn) error {
		return migrateTxn(txn, from, to)
	})
	if err != nil {
		return fmt.Errorf("failed to migrate history %s to %s: %w", from, to, err)
	}
	return nil
}

// Apply implements Storage. All changes share one transaction.
func (s *BadgerStorage) Apply(ctx context.Context, changes Changes) error {
	if changes.IsEmpty() {
		return nil
	}
	err := s.retryUpdate(ctx, func(txn *badger.Txn) error {
		for _, a := range changes.Attempts {
			key := historyKey(a.ID)
			items, err := readItems(txn, key)
			if err != nil {
				return err
			}
			if err := writeItems(txn, key, append(items, a.Item)); err != nil {
				return err
			}
		}
		for _, m := range changes.Migrations {
			if err := migrateTxn(txn, m.From, m.To); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply history changes: %w", err)
	}
	return nil
}

func migrateTxn(txn *badger.Txn, from, to ID) error {
	fromKey := historyKey(from)
	if _, err := txn.Get(fromKey); errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	items, err := readItems(txn, fromKey)
	if err != nil {
		return err
	}
	if err := writeItems(txn, historyKey(to), items); err != nil {
		return err
	}
	return txn.Delete(fromKey)
}

// retryUpdate retries an update on transaction conflicts.
func (s *BadgerStorage) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := s.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
}

func readItems(txn *badger.Txn, key []byte) ([]Item, error) {
	entry, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return []Item{}, nil
	}
	if err != nil {
		return nil, err
	}

	var items []Item
	err = entry.Value(func(val []byte) error {
		return json.Unmarshal(val, &items)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	return items, nil
}

func writeItems(txn *badger.Txn, key []byte, items []Item) error {
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	return txn.Set(key, data)
}
