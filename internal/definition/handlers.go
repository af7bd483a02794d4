package definition

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/relay/model"
)

// HandlerRegistry stores named run functions that action manifests bind to
// through their handler field. It is safe for concurrent use after initial
// registration.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]model.RunFunc
}

// NewHandlerRegistry creates a new empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]model.RunFunc),
	}
}

// Register adds a run function under name. Panics if the name is already
// registered, since this indicates a wiring mistake at startup.
func (r *HandlerRegistry) Register(name string, run model.RunFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("definition: handler %q already registered", name))
	}
	r.handlers[name] = run
}

// Get returns the run function registered under name.
func (r *HandlerRegistry) Get(name string) (model.RunFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns all registered handler names, sorted alphabetically.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
