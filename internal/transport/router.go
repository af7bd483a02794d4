package transport

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/relay/internal/config"
	"github.com/pitabwire/relay/internal/connection"
	"github.com/pitabwire/relay/internal/docs"
	"github.com/pitabwire/relay/internal/observability"
	"github.com/pitabwire/relay/internal/processor"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config     *config.Config
	Dispatcher *processor.Dispatcher
	Verbs      *connection.Handler
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	Gatherer   prometheus.Gatherer
	Readiness  observability.ReadinessChecks
	// WebSocket is mounted at Config.WebSocket.Path when set.
	WebSocket *WebSocketServer
}

// NewRouter creates a chi.Router with the middleware pipeline, the probe
// endpoints and the action routes. Actions are reachable at
// <prefix>/{action} and <prefix>/{apiVersion}/{action} for every method.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}
	r.Use(RequestLogging(logger))

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Gatherer != nil && deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler(deps.Gatherer))
	}
	if deps.WebSocket != nil {
		r.Method(http.MethodGet, deps.Config.WebSocket.Path, deps.WebSocket)
	}

	var recorder ConnectionRecorder
	if deps.Metrics != nil {
		recorder = deps.Metrics
	}
	web := NewWebHandler(deps.Dispatcher, logger, recorder)
	prefix := strings.TrimSuffix(deps.Config.Server.PathPrefix, "/")

	actions := func(r chi.Router) {
		r.Get("/openapi.json", handleOpenAPI(deps.Dispatcher, deps.Config.General.ServerName, prefix))
		for _, method := range actionMethods {
			r.Method(method, "/{action}", web)
			r.Method(method, "/{apiVersion}/{action}", web)
		}
	}
	if prefix == "" {
		r.Group(actions)
	} else {
		r.Route(prefix, actions)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteNotFound(w, "route not found")
	})

	return r
}

var actionMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
}

func handleOpenAPI(d *processor.Dispatcher, title, prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		doc := docs.Build(d.Actions(), docs.Info{
			Title:      title,
			Version:    observability.Version,
			PathPrefix: prefix,
		})
		WriteJSON(w, http.StatusOK, doc)
	}
}
