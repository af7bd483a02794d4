// Package middleware holds the named pre- and post-processors that wrap
// action runs, and the built-in middleware relay ships with.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/relay/model"
)

// ErrUnknownMiddleware is returned when an action references a middleware
// name that was never registered.
var ErrUnknownMiddleware = errors.New("unknown middleware")

// CompleteFunc runs once an invocation has a completion status, whatever
// path led there. It releases what a pre-processor acquired.
type CompleteFunc func(ctx context.Context, data *model.ActionData) error

// Middleware is a named cross-cutting record. Global middleware applies to
// every action; other middleware applies only to actions that name it.
// Any hook may be nil. Post runs only after a successful run; Complete
// runs for every invocation that resolved the middleware chain.
type Middleware struct {
	Name     string
	Priority int
	Global   bool
	Pre      model.HookFunc
	Post     model.HookFunc
	Complete CompleteFunc
}

type entry struct {
	Middleware
	seq int
}

// Registry stores middleware by name and keeps the global execution order:
// ascending priority, ties broken by registration order.
type Registry struct {
	mu              sync.RWMutex
	defaultPriority int
	byName          map[string]entry
	global          []Middleware
	seq             int
}

// NewRegistry creates a Registry. Middleware registered with a zero
// priority gets defaultPriority.
func NewRegistry(defaultPriority int) *Registry {
	return &Registry{
		defaultPriority: defaultPriority,
		byName:          make(map[string]entry),
	}
}

// Register adds m. Names must be unique.
func (r *Registry) Register(m Middleware) error {
	if m.Name == "" {
		return fmt.Errorf("middleware name is required")
	}
	if m.Priority == 0 {
		m.Priority = r.defaultPriority
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[m.Name]; exists {
		return fmt.Errorf("middleware %q already registered", m.Name)
	}
	r.seq++
	r.byName[m.Name] = entry{Middleware: m, seq: r.seq}
	r.sortGlobal()
	return nil
}

// sortGlobal recomputes the global order. Callers hold r.mu.
func (r *Registry) sortGlobal() {
	entries := make([]entry, 0, len(r.byName))
	for _, e := range r.byName {
		if e.Global {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority < entries[j].Priority
		}
		return entries[i].seq < entries[j].seq
	})
	global := make([]Middleware, len(entries))
	for i, e := range entries {
		global[i] = e.Middleware
	}
	r.global = global
}

// Get returns the middleware registered under name.
func (r *Registry) Get(name string) (Middleware, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	return e.Middleware, ok
}

// Global returns the global middleware in execution order.
func (r *Registry) Global() []Middleware {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Middleware(nil), r.global...)
}

// Chain returns the middleware to run for an action: every global
// middleware in priority order, followed by the action's named middleware in
// the order listed. A global middleware named by the action runs once.
func (r *Registry) Chain(names []string) ([]Middleware, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := append([]Middleware(nil), r.global...)
	for _, name := range names {
		e, ok := r.byName[name]
		if !ok {
			return nil, fmt.Errorf("%q: %w", name, ErrUnknownMiddleware)
		}
		if e.Global {
			continue
		}
		chain = append(chain, e.Middleware)
	}
	return chain, nil
}

// Names returns every registered middleware name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
