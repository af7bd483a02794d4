package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pitabwire/relay/internal/config"
	"github.com/pitabwire/relay/internal/connection"
	"github.com/pitabwire/relay/internal/observability"
	"github.com/pitabwire/relay/internal/processor"
	"github.com/pitabwire/relay/model"
)

// VersionHeader selects the action version on NATS requests.
const VersionHeader = "Api-Version"

// ErrNATSDisconnected is reported by HealthCheck while the connection is down.
var ErrNATSDisconnected = errors.New("nats: not connected")

// Connect opens a NATS connection with reconnect handling and logging.
func Connect(cfg config.NATSConfig, logger *zap.Logger) (*comms.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	nc, err := comms.Connect(cfg.URL,
		comms.Name(cfg.Name),
		comms.Timeout(timeout),
		comms.ReconnectWait(2*time.Second),
		comms.MaxReconnects(60),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		comms.ClosedHandler(func(*comms.Conn) {
			logger.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}
	logger.Info("nats connected", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// NATSServer answers action requests published to <prefix>.<action> or
// <prefix>.<apiVersion>.<action>. Versions containing dots are passed in the
// Api-Version header instead. The request payload is a JSON object of
// params and the reply is the rendered response.
type NATSServer struct {
	nc         *comms.Conn
	dispatcher *processor.Dispatcher
	cfg        config.NATSConfig
	logger     *zap.Logger
	recorder   ConnectionRecorder

	mu       sync.Mutex
	sub      *comms.Subscription
	stopped  bool
	inflight sync.WaitGroup
}

// NewNATSServer creates a NATSServer on an open connection. recorder may be nil.
func NewNATSServer(nc *comms.Conn, d *processor.Dispatcher, cfg config.NATSConfig, logger *zap.Logger, recorder ConnectionRecorder) *NATSServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSServer{nc: nc, dispatcher: d, cfg: cfg, logger: logger, recorder: recorder}
}

// Subject returns the wildcard subject the server subscribes to.
func (s *NATSServer) Subject() string {
	return s.cfg.SubjectPrefix + ".>"
}

// Start subscribes in the configured queue group. ctx bounds every request.
func (s *NATSServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil
	}
	s.stopped = false

	sub, err := s.nc.QueueSubscribe(s.Subject(), s.cfg.QueueGroup, func(msg *comms.Msg) {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.inflight.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.inflight.Done()
			s.handle(ctx, msg)
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.Subject(), err)
	}
	s.sub = sub
	s.logger.Info("nats transport subscribed",
		zap.String("subject", s.Subject()),
		zap.String("queue", s.cfg.QueueGroup),
	)
	return nil
}

// Stop drains the subscription and waits for running requests.
func (s *NATSServer) Stop() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.stopped = true
	s.mu.Unlock()

	if sub == nil {
		return nil
	}
	err := sub.Unsubscribe()
	s.inflight.Wait()
	return err
}

// HealthCheck reports whether the NATS connection is up.
func (s *NATSServer) HealthCheck(_ context.Context) error {
	if s.nc.Status() != comms.CONNECTED {
		return ErrNATSDisconnected
	}
	return nil
}

func (s *NATSServer) handle(ctx context.Context, msg *comms.Msg) {
	action, apiVersion, ok := s.route(msg.Subject)
	if !ok {
		s.respond(msg, map[string]any{
			"status": model.StatusUnknownAction.String(),
			"error":  "no action in subject " + msg.Subject,
		})
		return
	}

	params := make(map[string]any)
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &params); err != nil {
			s.respond(msg, map[string]any{
				"status": model.StatusGenericError.String(),
				"error":  "request payload must be a JSON object",
			})
			return
		}
	}
	if v := headerValue(msg, VersionHeader); v != "" && apiVersion == "" {
		apiVersion = v
	}

	conn := model.NewConnection(model.ConnectionOptions{
		ID:   uuid.NewString(),
		Type: TypeNATS,
		Meta: map[string]string{
			"authorization": headerValue(msg, "Authorization"),
			"subject":       msg.Subject,
			"reply":         msg.Reply,
		},
	})
	if s.recorder != nil {
		s.recorder.ConnectionOpened(TypeNATS)
		defer s.recorder.ConnectionClosed(TypeNATS)
	}

	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reqCtx = observability.WithLogger(reqCtx, observability.ConnectionLogger(reqCtx, s.logger, conn))

	data := s.dispatcher.Process(reqCtx, conn, params, action, apiVersion)
	s.respond(msg, connection.ActionReply(data, conn.NextMessageID()))
}

// route splits a subject into action and optional version.
func (s *NATSServer) route(subject string) (action, apiVersion string, ok bool) {
	rest, found := strings.CutPrefix(subject, s.cfg.SubjectPrefix+".")
	if !found || rest == "" {
		return "", "", false
	}
	parts := strings.Split(rest, ".")
	switch len(parts) {
	case 1:
		return parts[0], "", true
	case 2:
		return parts[1], parts[0], true
	default:
		return "", "", false
	}
}

func (s *NATSServer) respond(msg *comms.Msg, reply map[string]any) {
	if msg.Reply == "" {
		return
	}
	body, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("encoding nats reply", zap.Error(err))
		return
	}
	if err := msg.Respond(body); err != nil {
		s.logger.Warn("nats reply not sent", zap.Error(err), zap.String("subject", msg.Subject))
	}
}

func headerValue(msg *comms.Msg, key string) string {
	if msg.Header == nil {
		return ""
	}
	return msg.Header.Get(key)
}
