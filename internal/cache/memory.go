package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Suitable for testing and
// single-instance deployments.
type MemoryStore struct {
	prefix string

	mu      sync.Mutex
	entries map[string]memEntry
	locks   map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      []byte
	expiresAt time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// NewMemoryStore creates an empty MemoryStore. prefix is prepended to
// every key.
func NewMemoryStore(prefix string) *MemoryStore {
	return &MemoryStore{
		prefix:  prefix,
		entries: make(map[string]memEntry),
		locks:   make(map[string]memEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// Save stores value under key.
func (s *MemoryStore) Save(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := encode(key, value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[s.prefix+key] = memEntry{data: data, expiresAt: s.expiry(ttl)}
	s.mu.Unlock()
	return nil
}

// Load returns the value under key.
func (s *MemoryStore) Load(_ context.Context, key string) (any, error) {
	s.mu.Lock()
	entry, ok := s.entries[s.prefix+key]
	if ok && entry.expired(s.now()) {
		delete(s.entries, s.prefix+key)
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	return decode(key, entry.data)
}

// Delete removes key.
func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[s.prefix+key]
	delete(s.entries, s.prefix+key)
	return ok && !entry.expired(s.now()), nil
}

// Lock acquires key for ttl.
func (s *MemoryStore) Lock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.locks[s.prefix+key]; ok && !held.expired(s.now()) {
		return "", false, nil
	}
	token := newToken()
	s.locks[s.prefix+key] = memEntry{data: []byte(token), expiresAt: s.expiry(ttl)}
	return token, true, nil
}

// Unlock releases key if token owns it.
func (s *MemoryStore) Unlock(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.locks[s.prefix+key]
	if !ok || held.expired(s.now()) || string(held.data) != token {
		return ErrLockNotHeld
	}
	delete(s.locks, s.prefix+key)
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of stored entries, including expired ones not yet
// evicted. For testing.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
