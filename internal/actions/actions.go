// Package actions holds the actions every relay server ships with. They are
// registered as Go definitions and their run functions are also exposed
// by handler name so action manifests can bind to them.
package actions

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"time"

	"github.com/pitabwire/relay/internal/cache"
	"github.com/pitabwire/relay/internal/definition"
	"github.com/pitabwire/relay/internal/docs"
	"github.com/pitabwire/relay/model"
)

// Handler names.
const (
	StatusHandler            = "status"
	CacheTestHandler         = "cacheTest"
	RandomNumberHandler      = "randomNumber"
	SleepTestHandler         = "sleepTest"
	ShowDocumentationHandler = "showDocumentation"
)

// MaxSleep bounds the sleepTest duration.
const MaxSleep = time.Minute

// Deps are the collaborators the built-in actions read from.
type Deps struct {
	Registry   *definition.Registry
	Cache      cache.Store
	ServerName string
	Version    string
	StartedAt  time.Time

	// MaxMemoryMB is the heap size above which status reports a problem.
	MaxMemoryMB float64
	// CacheTTL is the lifetime of the value written by cacheTest.
	CacheTTL time.Duration
}

// Actions implements the built-in actions.
type Actions struct {
	deps Deps
}

// New creates the built-in actions.
func New(deps Deps) *Actions {
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	if deps.MaxMemoryMB <= 0 {
		deps.MaxMemoryMB = 500
	}
	if deps.CacheTTL <= 0 {
		deps.CacheTTL = time.Minute
	}
	return &Actions{deps: deps}
}

// RegisterHandlers exposes every run function by handler name.
func (a *Actions) RegisterHandlers(h *definition.HandlerRegistry) {
	h.Register(StatusHandler, a.Status)
	h.Register(CacheTestHandler, a.CacheTest)
	h.Register(RandomNumberHandler, a.RandomNumber)
	h.Register(SleepTestHandler, a.SleepTest)
	h.Register(ShowDocumentationHandler, a.ShowDocumentation)
}

// Definitions returns the built-in action definitions with their run
// functions bound.
func (a *Actions) Definitions() []model.ActionDefinition {
	return []model.ActionDefinition{
		{
			Name:        "status",
			Version:     model.DefaultVersion,
			Description: "I will return some basic information about the API",
			Handler:     StatusHandler,
			Run:         a.Status,
			OutputExample: map[string]any{
				"id":         "relay",
				"uptime":     10469,
				"nodeStatus": "Node Healthy",
				"problems":   []any{},
			},
		},
		{
			Name:        "cacheTest",
			Version:     model.DefaultVersion,
			Description: "I will test the internal cache functions of the API",
			Handler:     CacheTestHandler,
			Run:         a.CacheTest,
			Inputs: map[string]model.InputContract{
				"key": {
					Required:   true,
					Formatters: []model.Formatter{model.FormatWith(cacheKey)},
				},
				"value": {
					Required:   true,
					Formatters: []model.Formatter{model.FormatterRef("api.formatters.toString")},
					Validators: []model.Validator{model.ValidateWith(atLeastThreeLetters)},
				},
			},
			OutputExample: map[string]any{
				"cacheTestResults": map[string]any{
					"saveResp":   true,
					"loadResp":   map[string]any{"key": "cacheTest_key", "value": "value"},
					"deleteResp": true,
				},
			},
		},
		{
			Name:        "randomNumber",
			Version:     model.DefaultVersion,
			Description: "I am an API method which will generate a random number",
			Handler:     RandomNumberHandler,
			Run:         a.RandomNumber,
			OutputExample: map[string]any{
				"randomNumber":       0.123,
				"stringRandomNumber": "Your random number is 0.123",
			},
		},
		{
			Name:        "sleepTest",
			Version:     model.DefaultVersion,
			Description: "I will sleep and then return",
			Handler:     SleepTestHandler,
			Run:         a.SleepTest,
			Inputs: map[string]model.InputContract{
				"sleepDuration": {
					Default:    1000,
					Formatters: []model.Formatter{model.FormatterRef("api.formatters.toInteger")},
					Validators: []model.Validator{model.ValidateWith(sleepInRange)},
				},
			},
			OutputExample: map[string]any{
				"sleepStarted":  1420953571322,
				"sleepEnded":    1420953572327,
				"sleepDelta":    1005,
				"sleepDuration": 1000,
			},
		},
		{
			Name:        "showDocumentation",
			Version:     model.DefaultVersion,
			Description: "return API documentation",
			Handler:     ShowDocumentationHandler,
			Run:         a.ShowDocumentation,
		},
	}
}

// Register adds every built-in definition to reg.
func (a *Actions) Register(reg *definition.Registry) error {
	for _, def := range a.Definitions() {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("registering %s: %w", def.Name, err)
		}
	}
	return nil
}

// Status reports uptime, memory use and any problems the node detects.
func (a *Actions) Status(_ context.Context, _ *model.ActionData) (map[string]any, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	consumedMB := math.Round(float64(mem.HeapAlloc)/1024/1024*100) / 100

	problems := []string{}
	if consumedMB > a.deps.MaxMemoryMB {
		problems = append(problems, fmt.Sprintf("Using more than %v MB of RAM/HEAP", a.deps.MaxMemoryMB))
	}
	registered := 0
	if a.deps.Registry != nil {
		registered = a.deps.Registry.Len()
	}
	nodeStatus := "Node Healthy"
	if len(problems) > 0 {
		nodeStatus = "Node Unhealthy"
	}

	return map[string]any{
		"id":                a.deps.ServerName,
		"name":              a.deps.ServerName,
		"version":           a.deps.Version,
		"uptime":            time.Since(a.deps.StartedAt).Milliseconds(),
		"consumedMemoryMB":  consumedMB,
		"goroutines":        runtime.NumGoroutine(),
		"actionsRegistered": registered,
		"problems":          problems,
		"nodeStatus":        nodeStatus,
	}, nil
}

// CacheTest saves, loads and deletes a value in the cache.
func (a *Actions) CacheTest(ctx context.Context, data *model.ActionData) (map[string]any, error) {
	if a.deps.Cache == nil {
		return nil, errors.New("no cache is configured")
	}
	key := data.Params.String("key")
	value := data.Params.String("value")

	if err := a.deps.Cache.Save(ctx, key, value, a.deps.CacheTTL); err != nil {
		return nil, fmt.Errorf("cache save: %w", err)
	}
	loaded, err := a.deps.Cache.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("cache load: %w", err)
	}
	deleted, err := a.deps.Cache.Delete(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("cache delete: %w", err)
	}

	return map[string]any{
		"cacheTestResults": map[string]any{
			"saveResp":   true,
			"loadResp":   map[string]any{"key": key, "value": loaded},
			"deleteResp": deleted,
		},
	}, nil
}

// RandomNumber returns a random number in [0, 1).
func (a *Actions) RandomNumber(_ context.Context, _ *model.ActionData) (map[string]any, error) {
	n := rand.Float64()
	return map[string]any{
		"randomNumber":       n,
		"stringRandomNumber": fmt.Sprintf("Your random number is %v", n),
	}, nil
}

// SleepTest waits sleepDuration milliseconds. It returns early with the
// context's error if the context ends first.
func (a *Actions) SleepTest(ctx context.Context, data *model.ActionData) (map[string]any, error) {
	raw, _ := data.Params.Get("sleepDuration")
	ms, err := millis(raw)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	ended := time.Now()

	return map[string]any{
		"sleepStarted":  started.UnixMilli(),
		"sleepEnded":    ended.UnixMilli(),
		"sleepDelta":    ended.Sub(started).Milliseconds(),
		"sleepDuration": ms,
	}, nil
}

// ShowDocumentation returns the documentation of every registered action.
func (a *Actions) ShowDocumentation(_ context.Context, _ *model.ActionData) (map[string]any, error) {
	if a.deps.Registry == nil {
		return map[string]any{"documentation": map[string]any{}}, nil
	}
	return map[string]any{"documentation": docs.Documentation(a.deps.Registry)}, nil
}

func cacheKey(_ context.Context, v any, _ *model.ActionData) (any, error) {
	return fmt.Sprintf("cacheTest_%v", v), nil
}

func atLeastThreeLetters(_ context.Context, v any, _ *model.ActionData) error {
	s, _ := v.(string)
	if len([]rune(s)) < 3 {
		return errors.New("inputs should be at least 3 letters long")
	}
	return nil
}

func sleepInRange(_ context.Context, v any, _ *model.ActionData) error {
	ms, err := millis(v)
	if err != nil {
		return err
	}
	if ms < 0 || time.Duration(ms)*time.Millisecond > MaxSleep {
		return fmt.Errorf("sleepDuration must be between 0 and %d", MaxSleep.Milliseconds())
	}
	return nil
}

func millis(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	}
	return 0, fmt.Errorf("sleepDuration %v is not a number", v)
}
