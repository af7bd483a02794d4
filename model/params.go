package model

import (
	"sort"
	"sync"
)

// Params is the parameter bag of one invocation. It is mutable until Lock is
// called; afterwards every mutating method returns ErrParamsLocked and Map
// returns a copy. It is safe for concurrent use.
type Params struct {
	mu     sync.RWMutex
	values map[string]any
	locked bool
}

// NewParams creates a Params bag holding a shallow copy of values.
func NewParams(values map[string]any) *Params {
	p := &Params{values: make(map[string]any, len(values))}
	for k, v := range values {
		p.values[k] = v
	}
	return p
}

// Get returns the value stored under key and whether the key is present.
func (p *Params) Get(key string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[key]
	return v, ok
}

// String returns the value under key if it is a string.
func (p *Params) String(key string) string {
	v, _ := p.Get(key)
	s, _ := v.(string)
	return s
}

// Has reports whether key is present.
func (p *Params) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

// Set stores value under key.
func (p *Params) Set(key string, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.locked {
		return ErrParamsLocked
	}
	p.values[key] = value
	return nil
}

// Delete removes key.
func (p *Params) Delete(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.locked {
		return ErrParamsLocked
	}
	delete(p.values, key)
	return nil
}

// Replace swaps the whole contents for values.
func (p *Params) Replace(values map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.locked {
		return ErrParamsLocked
	}
	p.values = make(map[string]any, len(values))
	for k, v := range values {
		p.values[k] = v
	}
	return nil
}

// Lock freezes the bag. Lock is idempotent.
func (p *Params) Lock() {
	p.mu.Lock()
	p.locked = true
	p.mu.Unlock()
}

// Locked reports whether Lock has been called.
func (p *Params) Locked() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.locked
}

// Map returns a shallow copy of the contents.
func (p *Params) Map() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]any, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// Keys returns the present keys, sorted.
func (p *Params) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of keys.
func (p *Params) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.values)
}
