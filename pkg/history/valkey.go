package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultValkeyTTL = 24 * time.Hour

	// maxWatchRetries bounds how often Apply reruns after a watched key
	// changed under it.
	maxWatchRetries = 10
)

// ValkeyStorage keeps each history as a Valkey list of JSON items.
type ValkeyStorage struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// ValkeyConfig holds Valkey connection settings.
type ValkeyConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// NewValkeyStorage connects to Valkey and returns a history storage.
func NewValkeyStorage(ctx context.Context, cfg ValkeyConfig) (*ValkeyStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}
	return NewValkeyStorageWithClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewValkeyStorageWithClient creates a storage with an existing client (for testing).
func NewValkeyStorageWithClient(client *redis.Client, keyPrefix string, ttl time.Duration) *ValkeyStorage {
	if keyPrefix == "" {
		keyPrefix = "runs-queue:"
	}
	if ttl <= 0 {
		ttl = defaultValkeyTTL
	}
	return &ValkeyStorage{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

func (s *ValkeyStorage) historyKey(id ID) string {
	return s.keyPrefix + "history:" + id.String()
}

// History implements Storage.
func (s *ValkeyStorage) History(ctx context.Context, id ID) (History, error) {
	raw, err := s.client.LRange(ctx, s.historyKey(id), 0, -1).Result()
	if err != nil {
		return History{}, fmt.Errorf("failed to read history %s: %w", id, err)
	}
	return decodeItems(raw)
}

// RegisterAttempt implements Storage.
func (s *ValkeyStorage) RegisterAttempt(ctx context.Context, id ID, item Item) (History, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return History{}, fmt.Errorf("failed to marshal history item: %w", err)
	}

	key := s.historyKey(id)

	// TxPipeline wraps in MULTI/EXEC so the read sees exactly our append
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	items := pipe.LRange(ctx, key, 0, -1)
	pipe.Expire(ctx, key, s.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return History{}, fmt.Errorf("failed to register attempt for %s: %w", id, err)
	}
	return decodeItems(items.Val())
}

// Migrate implements Storage.
func (s *ValkeyStorage) Migrate(ctx context.Context, from, to ID) error {
	if err := s.Apply(ctx, Changes{Migrations: []Migration{{From: from, To: to}}}); err != nil {
		return fmt.Errorf("failed to migrate history %s to %s: %w", from, to, err)
	}
	return nil
}

// Apply implements Storage. The batch runs in one MULTI/EXEC. Migration
// sources the batch does not write are watched, so their existence check
// holds when the transaction executes.
func (s *ValkeyStorage) Apply(ctx context.Context, changes Changes) error {
	if changes.IsEmpty() {
		return nil
	}

	values := make([][]byte, len(changes.Attempts))
	written := make(map[string]bool, len(changes.Attempts))
	for i, a := range changes.Attempts {
		data, err := json.Marshal(a.Item)
		if err != nil {
			return fmt.Errorf("failed to marshal history item: %w", err)
		}
		values[i] = data
		written[s.historyKey(a.ID)] = true
	}
	var watched []string
	for _, m := range changes.Migrations {
		if key := s.historyKey(m.From); !written[key] {
			watched = append(watched, key)
		}
	}

	apply := func(tx *redis.Tx) error {
		exists := make(map[string]bool, len(written)+len(watched))
		for key := range written {
			exists[key] = true
		}
		for _, key := range watched {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			exists[key] = n > 0
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, a := range changes.Attempts {
				key := s.historyKey(a.ID)
				pipe.RPush(ctx, key, values[i])
				pipe.Expire(ctx, key, s.ttl)
			}
			for _, m := range changes.Migrations {
				from, to := s.historyKey(m.From), s.historyKey(m.To)
				if !exists[from] {
					continue
				}
				pipe.Rename(ctx, from, to)
				pipe.Expire(ctx, to, s.ttl)
				exists[from], exists[to] = false, true
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, apply, watched...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to apply history changes: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to apply history changes after %d attempts: %w", maxWatchRetries, redis.TxFailedErr)
}

// Ping checks the Valkey connection.
func (s *ValkeyStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Valkey client connection.
func (s *ValkeyStorage) Close() error {
	return s.client.Close()
}

func decodeItems(raw []string) (History, error) {
	h := History{Items: make([]Item, 0, len(raw))}
	for _, r := range raw {
		var item Item
		if err := json.Unmarshal([]byte(r), &item); err != nil {
			return History{}, fmt.Errorf("failed to unmarshal history item: %w", err)
		}
		h.Items = append(h.Items, item)
	}
	return h, nil
}
