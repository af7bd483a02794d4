package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/relay/internal/observability"
	"github.com/pitabwire/relay/internal/transport"
)

// NewServeCommand creates the serve command, which runs the HTTP, WebSocket
// and NATS transports until SIGINT or SIGTERM. SIGHUP reloads the action
// manifests.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the action server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), rootOpts)
		},
	}
}

func runServe(parent context.Context, rootOpts *RootOptions) error {
	cfg, logger, err := rootOpts.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, cfg.General.ServerName, observability.Version)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	app, err := NewApp(ctx, cfg, logger, appOptions{registerer: registry, withAudit: true})
	if err != nil {
		return err
	}
	defer app.Close()

	readiness := observability.ReadinessChecks{
		ActionsLoaded: func() bool { return app.Registry.Len() > 0 },
		Accepting:     app.Dispatcher.Running,
		Cache:         app.Cache,
	}
	if app.Audit != nil {
		readiness.Audit = app.Audit
	}

	var natsServer *transport.NATSServer
	if cfg.NATS.Enabled {
		nc, err := transport.Connect(cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		natsServer = transport.NewNATSServer(nc, app.Dispatcher, cfg.NATS, logger, app.Metrics)
		if err := natsServer.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		readiness.NATS = natsServer
	}

	var ws *transport.WebSocketServer
	if cfg.WebSocket.Enabled {
		ws = transport.NewWebSocketServer(cfg.WebSocket, app.Verbs, logger, app.Metrics, cfg.Server.CORS.AllowedOrigins)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:     cfg,
		Dispatcher: app.Dispatcher,
		Verbs:      app.Verbs,
		Logger:     logger,
		Metrics:    app.Metrics,
		Gatherer:   registry,
		Readiness:  readiness,
		WebSocket:  ws,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := app.ReloadActions(); err != nil {
					logger.Error("action reload failed", zap.Error(err))
				}
			}
		}
	}()

	logger.Info("relay starting",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", observability.Version),
		zap.String("commit", observability.Commit),
		zap.Int("actions", app.Registry.Len()),
		zap.Bool("websocket", cfg.WebSocket.Enabled),
		zap.Bool("nats", cfg.NATS.Enabled),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		serveErr = err
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// New invocations now complete with server_shutting_down.
	if err := app.Dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("in-flight actions did not finish", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if ws != nil {
		ws.Close()
	}
	if natsServer != nil {
		if err := natsServer.Stop(); err != nil {
			logger.Warn("nats unsubscribe failed", zap.Error(err))
		}
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return serveErr
}
