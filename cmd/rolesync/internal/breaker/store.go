package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// UpdateFunc computes a key's next value from its current one. current is nil
// when the key is missing or expired. Returning a nil value leaves the key
// unchanged. A store may call it more than once per Update, so it must not
// have side effects beyond its return values.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is the key-value persistence the breaker depends on. Values are opaque
// bytes; Get returns ErrNotFound for missing or expired keys.
//
// Update must be atomic per key across every client of the store: no write to
// key may land between the read fn sees and the write of its result.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
	Delete(ctx context.Context, keys ...string) error
}

// MemoryStore is an in-process Store for tests and single-process development.
type MemoryStore struct {
	mu    sync.Mutex
	clock clock.Clock
	items map[string]memoryItem
	err   error
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryStore creates an empty store. A nil clock uses wall time.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{clock: clk, items: make(map[string]memoryItem)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	v, ok := s.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// Update runs fn with the store locked.
func (s *MemoryStore) Update(_ context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	current, _ := s.lookup(key)
	next, err := fn(current)
	if err != nil || next == nil {
		return err
	}
	item := memoryItem{value: append([]byte(nil), next...)}
	if ttl > 0 {
		item.expiresAt = s.clock.Now().Add(ttl)
	}
	s.items[key] = item
	return nil
}

// lookup returns a copy of key's live value. Callers hold mu.
func (s *MemoryStore) lookup(key string) ([]byte, bool) {
	item, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if !item.expiresAt.IsZero() && !s.clock.Now().Before(item.expiresAt) {
		delete(s.items, key)
		return nil, false
	}
	return append([]byte(nil), item.value...), true
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, k := range keys {
		delete(s.items, k)
	}
	return nil
}

// SetErr makes every call return err, simulating an unavailable store.
// Pass nil to end the outage.
func (s *MemoryStore) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
