package history

import (
	"context"
	"slices"
	"sync"
)

// Storage persists attempt histories. Implementations must be safe for
// concurrent use.
type Storage interface {
	// History returns the recorded attempts for id. Unknown ids yield an
	// empty history.
	History(ctx context.Context, id ID) (History, error)
	// RegisterAttempt appends item to the history of id and returns the
	// updated history.
	RegisterAttempt(ctx context.Context, id ID, item Item) (History, error)
	// Migrate moves the history stored under from to to, replacing any
	// value of to. When from has no history, to is left untouched.
	Migrate(ctx context.Context, from, to ID) error
	// Apply writes every attempt of changes, then performs every migration,
	// as one unit. On error none of the changes is visible.
	Apply(ctx context.Context, changes Changes) error
}

// Attempt is one item appended to the history of ID.
type Attempt struct {
	ID   ID
	Item Item
}

// Migration moves the history of From to To. It sees the attempts of the
// same Changes.
type Migration struct {
	From ID
	To   ID
}

// Changes is a batch of history writes applied atomically.
type Changes struct {
	Attempts   []Attempt
	Migrations []Migration
}

// IsEmpty reports whether the batch writes nothing.
func (c Changes) IsEmpty() bool {
	return len(c.Attempts) == 0 && len(c.Migrations) == 0
}

// MemoryStorage keeps histories in process memory.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries map[ID][]Item
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{entries: make(map[ID][]Item)}
}

// History implements Storage.
func (s *MemoryStorage) History(_ context.Context, id ID) (History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return History{Items: slices.Clone(s.entries[id])}, nil
}

// RegisterAttempt implements Storage.
func (s *MemoryStorage) RegisterAttempt(_ context.Context, id ID, item Item) (History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = append(s.entries[id], item)
	return History{Items: slices.Clone(s.entries[id])}, nil
}

// Migrate implements Storage.
func (s *MemoryStorage) Migrate(_ context.Context, from, to ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.migrateLocked(from, to)
	return nil
}

// Apply implements Storage.
func (s *MemoryStorage) Apply(_ context.Context, changes Changes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range changes.Attempts {
		s.entries[a.ID] = append(s.entries[a.ID], a.Item)
	}
	for _, m := range changes.Migrations {
		s.migrateLocked(m.From, m.To)
	}
	return nil
}

func (s *MemoryStorage) migrateLocked(from, to ID) {
	items, ok := s.entries[from]
	if !ok {
		return
	}
	delete(s.entries, from)
	s.entries[to] = items
}

// Len returns the number of keys with recorded history.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

var (
	_ Storage = (*MemoryStorage)(nil)
	_ Storage = (*ValkeyStorage)(nil)
	_ Storage = (*BadgerStorage)(nil)
)
