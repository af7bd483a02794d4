package audit

import (
	"context"
	"sync"
)

// DefaultCapacity is the number of records a MemoryStore keeps when no
// capacity is given.
const DefaultCapacity = 10000

// MemoryStore keeps the most recent records in a ring buffer.
type MemoryStore struct {
	mu       sync.RWMutex
	records  []Record
	next     int
	full     bool
	sequence int64
}

// NewMemoryStore creates a store that keeps at most capacity records.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{records: make([]Record, capacity)}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, r Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequence++
	r.ID = s.sequence
	s.records[s.next] = r
	s.next = (s.next + 1) % len(s.records)
	if s.next == 0 {
		s.full = true
	}
	return r, nil
}

// Recent implements Store.
func (s *MemoryStore) Recent(_ context.Context, f Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := f.limit()
	var out []Record
	for i := 0; i < s.size() && len(out) < limit; i++ {
		idx := (s.next - 1 - i + len(s.records)) % len(s.records)
		if r := s.records[idx]; f.matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Len returns the number of records held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size()
}

func (s *MemoryStore) size() int {
	if s.full {
		return len(s.records)
	}
	return s.next
}

// HealthCheck implements Store.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}
