// Package processor runs action invocations end to end: version
// resolution, concurrency and shutdown guards, middleware, parameter
// validation and the action's run, mapping every outcome onto one
// completion status.
package processor

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/pitabwire/relay/internal/config"
	"github.com/pitabwire/relay/internal/definition"
	"github.com/pitabwire/relay/internal/middleware"
	"github.com/pitabwire/relay/internal/params"
	"github.com/pitabwire/relay/model"
)

// Observer receives every completed invocation. Implementations record
// metrics, audit trails or other telemetry and must not modify data.
type Observer interface {
	ActionCompleted(ctx context.Context, data *model.ActionData)
}

// StartObserver is optionally implemented by observers that also want to
// know when an invocation begins.
type StartObserver interface {
	ActionStarted(ctx context.Context, data *model.ActionData)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, data *model.ActionData)

// ActionCompleted calls f.
func (f ObserverFunc) ActionCompleted(ctx context.Context, data *model.ActionData) {
	f(ctx, data)
}

// Dispatcher holds everything invocations share: the action and middleware
// registries, the validation engine, error builders and telemetry. It
// creates one Processor per invocation and tracks in-flight work so
// Shutdown can wait for it.
type Dispatcher struct {
	actions    *definition.Registry
	middleware *middleware.Registry
	engine     *params.Engine
	messages   Messages
	logger     *zap.Logger
	tracer     trace.Tracer
	observers  []Observer

	simultaneous     int64
	filteredParams   []string
	filteredResponse []string
	logResponses     bool

	mu       sync.Mutex
	running  bool
	inflight sync.WaitGroup
}

// Option configures optional dispatcher dependencies.
type Option func(*Dispatcher)

// WithLogger sets the completion logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithTracer sets the tracer used for the per-invocation span.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = tracer }
}

// WithObserver adds a completion observer.
func WithObserver(obs Observer) Option {
	return func(d *Dispatcher) { d.observers = append(d.observers, obs) }
}

// WithMessages replaces error builders. Nil builders keep their defaults.
func WithMessages(m Messages) Option {
	return func(d *Dispatcher) { d.messages = m.withDefaults() }
}

// WithEngine sets the parameter validation engine.
func WithEngine(e *params.Engine) Option {
	return func(d *Dispatcher) { d.engine = e }
}

// WithGeneralConfig applies the pipeline settings of the general config
// section: the simultaneous action limit, log filtering and, unless
// WithEngine is also given, the validation engine options.
func WithGeneralConfig(cfg config.GeneralConfig) Option {
	return func(d *Dispatcher) {
		if cfg.SimultaneousActions > 0 {
			d.simultaneous = int64(cfg.SimultaneousActions)
		}
		d.filteredParams = cfg.FilteredParams
		d.filteredResponse = cfg.FilteredResponse
		d.logResponses = cfg.EnableResponseLogging
		if d.engine == nil {
			d.engine = params.NewEngine(params.OptionsFromConfig(cfg))
		}
	}
}

// NewDispatcher creates a running Dispatcher.
func NewDispatcher(actions *definition.Registry, mw *middleware.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		actions:    actions,
		middleware: mw,
		messages:   DefaultMessages(),
		running:    true,
	}
	for _, opt := range opts {
		opt(d)
	}
	defaults := config.Defaults().General
	if d.simultaneous == 0 {
		d.simultaneous = int64(defaults.SimultaneousActions)
	}
	if d.engine == nil {
		d.engine = params.NewEngine(params.OptionsFromConfig(defaults))
	}
	if d.middleware == nil {
		d.middleware = middleware.NewRegistry(defaults.DefaultMiddlewarePriority)
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.tracer == nil {
		d.tracer = noop.NewTracerProvider().Tracer("")
	}
	return d
}

// Actions returns the action registry.
func (d *Dispatcher) Actions() *definition.Registry {
	return d.actions
}

// Messages returns the error builders in use.
func (d *Dispatcher) Messages() Messages {
	return d.messages
}

// Running reports whether new invocations are accepted.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Start resumes accepting invocations after Shutdown.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
}

// Shutdown stops accepting invocations; later ones complete with
// server_shutting_down. It then waits for in-flight invocations to complete
// or for ctx to end. Running actions are not cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enter registers an in-flight invocation if the dispatcher is running.
func (d *Dispatcher) enter() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return false
	}
	d.inflight.Add(1)
	return true
}

func (d *Dispatcher) exit() {
	d.inflight.Done()
}

// NewProcessor creates the processor for one invocation on conn. params are
// the raw caller-supplied params and are copied.
func (d *Dispatcher) NewProcessor(conn *model.Connection, params map[string]any) *Processor {
	return &Processor{
		d:    d,
		data: model.NewActionData(conn, params),
	}
}

// Process runs one invocation synchronously. action and apiVersion may be
// empty to read them from params.
func (d *Dispatcher) Process(ctx context.Context, conn *model.Connection, params map[string]any, action, apiVersion string) *model.ActionData {
	return d.NewProcessor(conn, params).ProcessAction(ctx, action, apiVersion)
}
