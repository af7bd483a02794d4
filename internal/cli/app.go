package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/relay/internal/actions"
	"github.com/pitabwire/relay/internal/audit"
	"github.com/pitabwire/relay/internal/cache"
	"github.com/pitabwire/relay/internal/config"
	"github.com/pitabwire/relay/internal/connection"
	"github.com/pitabwire/relay/internal/definition"
	"github.com/pitabwire/relay/internal/middleware"
	"github.com/pitabwire/relay/internal/observability"
	"github.com/pitabwire/relay/internal/params"
	"github.com/pitabwire/relay/internal/processor"
)

// App holds the wired components of a relay node.
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	Registry   *definition.Registry
	Cache      cache.Store
	Audit      audit.Store
	Dispatcher *processor.Dispatcher
	Verbs      *connection.Handler

	builtins *actions.Actions
	loader   *definition.Loader
	closers  []func()
}

// appOptions select the optional parts of the wiring.
type appOptions struct {
	registerer prometheus.Registerer
	withAudit  bool
}

// NewApp wires the registry, stores, middleware and dispatcher from cfg.
// Built-in actions are registered first, then manifests from
// cfg.Actions.ManifestDirectories.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts appOptions) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{Config: cfg, Logger: logger}
	if opts.registerer != nil {
		app.Metrics = observability.InitMetrics(opts.registerer)
	}

	store, closeCache, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	app.closers = append(app.closers, func() {
		if err := closeCache(); err != nil {
			logger.Warn("closing cache", zap.Error(err))
		}
	})
	if app.Metrics != nil {
		store = cache.Instrument(store, app.Metrics)
	}
	app.Cache = store

	functions := params.NewFunctions()
	app.Registry = definition.NewRegistry(functions, definition.NewValidator(cfg.General.GlobalSafeParams))

	app.builtins = actions.New(actions.Deps{
		Registry:   app.Registry,
		Cache:      store,
		ServerName: cfg.General.ServerName,
		Version:    observability.Version,
		CacheTTL:   cfg.Cache.DefaultTTL,
	})
	handlers := definition.NewHandlerRegistry()
	app.builtins.RegisterHandlers(handlers)
	app.loader = definition.NewLoader(handlers)

	if err := app.ReloadActions(); err != nil {
		app.Close()
		return nil, err
	}

	mw := middleware.NewRegistry(cfg.General.DefaultMiddlewarePriority)
	for _, m := range []middleware.Middleware{
		middleware.NewTiming(cfg.General.ServerName),
		middleware.NewActionLock(store, cfg.Cache.LockTTL),
		middleware.NewJWTAuth(cfg.Identity, jwksClient(cfg.Identity, logger)),
	} {
		if err := mw.Register(m); err != nil {
			app.Close()
			return nil, fmt.Errorf("middleware %s: %w", m.Name, err)
		}
	}

	dispatcherOpts := []processor.Option{
		processor.WithLogger(logger),
		processor.WithTracer(observability.Tracer()),
		processor.WithGeneralConfig(cfg.General),
	}
	if app.Metrics != nil {
		dispatcherOpts = append(dispatcherOpts, processor.WithObserver(app.Metrics))
	}

	if opts.withAudit && cfg.Audit.Enabled {
		auditStore, closeAudit, err := audit.New(ctx, cfg.Audit)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("audit: %w", err)
		}
		app.closers = append(app.closers, closeAudit)
		app.Audit = auditStore
		dispatcherOpts = append(dispatcherOpts, processor.WithObserver(audit.NewObserver(auditStore, logger, cfg.General.FilteredParams)))
	}

	app.Dispatcher = processor.NewDispatcher(app.Registry, mw, dispatcherOpts...)

	var verbOpts []connection.Option
	if app.Metrics != nil {
		verbOpts = append(verbOpts, connection.WithRecorder(app.Metrics))
	}
	app.Verbs = connection.NewHandler(app.Dispatcher, verbOpts...)

	return app, nil
}

// ReloadActions re-reads the manifest directories and atomically replaces
// the registry contents with the built-ins plus the manifests. The registry
// is unchanged when loading fails.
func (a *App) ReloadActions() error {
	manifests, err := a.loader.LoadAll(a.Config.Actions.ManifestDirectories)
	if err == nil {
		defs := append(a.builtins.Definitions(), definition.Definitions(manifests)...)
		err = a.Registry.Replace(defs)
	}

	if a.Metrics != nil {
		if err != nil {
			a.Metrics.RecordActionReload("failure")
		} else {
			a.Metrics.RecordActionReload("success")
			a.Metrics.SetActionsRegistered(a.Registry.Len())
		}
	}
	if err != nil {
		return fmt.Errorf("loading actions: %w", err)
	}

	a.Logger.Info("actions loaded",
		zap.Int("actions", a.Registry.Len()),
		zap.Int("manifests", len(manifests)),
		zap.String("checksum", a.Registry.Checksum()),
	)
	return nil
}

// Close releases the stores in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// jwksClient returns nil when tokens are verified with the shared secret.
func jwksClient(cfg config.IdentityConfig, logger *zap.Logger) *middleware.JWKSClient {
	if cfg.JWKSURL == "" {
		return nil
	}
	ttl := cfg.JWKSCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return middleware.NewJWKSClient(cfg.JWKSURL, ttl, logger)
}
