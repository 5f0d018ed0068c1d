package store

import (
	"context"
	"fmt"
	"path"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

type memoryEntry struct {
	value   string
	expires time.Time
}

// MemoryStore is an in-process KVStore for single-node runs and tests.
// ListKeys supports the same glob syntax as the valkey KEYS command for
// the patterns used here.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]memoryEntry
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]memoryEntry), now: time.Now}
}

// SetClock replaces the clock used for expiry.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// get returns a live entry. Callers hold mu.
func (m *MemoryStore) get(key string) (memoryEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return e, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.data, key)
		return e, false
	}
	return e, true
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) SetValue(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = memoryEntry{value: value}
	return nil
}

func (m *MemoryStore) SetValueWithTTL(_ context.Context, key, value string, ttlSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = memoryEntry{value: value, expires: m.expiry(time.Duration(ttlSeconds) * time.Second)}
	return nil
}

func (m *MemoryStore) GetValue(_ context.Context, key string) (ValkeyResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok {
		return ValkeyResponse{}, fmt.Errorf("key '%s': %w", key, ErrKeyNotFound)
	}
	return ValkeyResponse{Message: ValkeyValue{Value: e.value}}, nil
}

func (m *MemoryStore) ListKeys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if _, ok := m.get(k); !ok {
			continue
		}
		matched, err := path.Match(pattern, k)
		if err != nil {
			return nil, fmt.Errorf("bad pattern '%s': %w", pattern, err)
		}
		if matched {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) DeleteValue(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.get(key); ok {
		return false, nil
	}
	m.data[key] = memoryEntry{value: value, expires: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryStore) CompareAndDelete(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok || e.value != value {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *MemoryStore) CompareAndExpire(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok || e.value != value {
		return false, nil
	}
	e.expires = m.expiry(ttl)
	m.data[key] = e
	return true, nil
}

func (m *MemoryStore) SetUnlessField(_ context.Context, key, value, field string, refused ...string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.get(key); ok && gjson.Valid(e.value) {
		if cur := gjson.Get(e.value, field); cur.Exists() && slices.Contains(refused, cur.String()) {
			return false, nil
		}
	}
	m.data[key] = memoryEntry{value: value}
	return true, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
