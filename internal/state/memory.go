package state

import (
	"context"
	"errors"
	"sync"
	"time"
)

type memItem struct {
	value     []byte
	expiresAt time.Time
}

func (it memItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

// MemoryStore is a process-local Store. Expired entries are evicted lazily on
// access or in bulk by Sweep.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

// NewMemoryStore returns an empty store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{items: make(map[string]memItem), now: now}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, errors.New("state: key must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	if it.expired(m.now()) {
		delete(m.items, key)
		return nil, false, nil
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, true, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("state: key must not be empty")
	}
	it := memItem{value: make([]byte, len(value))}
	copy(it.value, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	if ttl > 0 {
		it.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = it
	return nil
}

// Update runs fn under the store lock, so it never conflicts.
func (m *MemoryStore) Update(_ context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	if key == "" {
		return errors.New("state: key must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var current []byte
	it, found := m.items[key]
	if found && it.expired(now) {
		delete(m.items, key)
		found = false
	}
	if found {
		current = make([]byte, len(it.value))
		copy(current, it.value)
	}
	next, err := fn(current, found)
	if err != nil {
		return err
	}
	stored := memItem{value: make([]byte, len(next))}
	copy(stored.value, next)
	if ttl > 0 {
		stored.expiresAt = now.Add(ttl)
	}
	m.items[key] = stored
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Sweep drops every expired entry and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, it := range m.items {
		if it.expired(now) {
			delete(m.items, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
