package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pitabwire/relay/internal/config"
	"github.com/pitabwire/relay/internal/connection"
	"github.com/pitabwire/relay/internal/observability"
	"github.com/pitabwire/relay/model"
)

// Frame contexts written to WebSocket clients.
const (
	WelcomeContext = "welcome"
	UserContext    = "user"
)

const defaultWriteTimeout = 10 * time.Second

// WebSocketServer upgrades HTTP requests to persistent connections. Each
// text frame is decoded as a connection.Message. Verbs run inline so their
// effects are ordered; actions run concurrently and reply when complete.
type WebSocketServer struct {
	cfg      config.WebSocketConfig
	verbs    *connection.Handler
	logger   *zap.Logger
	recorder ConnectionRecorder
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

// NewWebSocketServer creates a WebSocketServer. allowedOrigins follows the
// CORS configuration; when empty only same-host origins are accepted.
func NewWebSocketServer(cfg config.WebSocketConfig, verbs *connection.Handler, logger *zap.Logger, recorder ConnectionRecorder, allowedOrigins []string) *WebSocketServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	s := &WebSocketServer{
		cfg:      cfg,
		verbs:    verbs,
		logger:   logger,
		recorder: recorder,
		conns:    make(map[*wsConn]struct{}),
	}
	if len(allowedOrigins) > 0 {
		origins := make(map[string]bool, len(allowedOrigins))
		for _, o := range allowedOrigins {
			origins[o] = true
		}
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || origins["*"] || origins[origin]
		}
	}
	return s
}

// ServeHTTP upgrades the request and serves the connection until the client
// disconnects, sends a quit verb or the server closes.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	if s.cfg.ReadLimit > 0 {
		ws.SetReadLimit(s.cfg.ReadLimit)
	}

	wc := &wsConn{ws: ws, timeout: s.cfg.WriteTimeout}
	ip, port := remoteAddr(r)
	conn := model.NewConnection(model.ConnectionOptions{
		ID:         uuid.NewString(),
		Type:       TypeWebSocket,
		RemoteIP:   ip,
		RemotePort: port,
		Meta: map[string]string{
			"authorization":  r.Header.Get("Authorization"),
			"user-agent":     r.UserAgent(),
			"correlation_id": CorrelationIDFrom(r.Context()),
		},
		Sender: wc,
	})

	if !s.track(wc) {
		_ = wc.close(websocket.CloseGoingAway, "server shutting down")
		_ = ws.Close()
		return
	}
	if s.recorder != nil {
		s.recorder.ConnectionOpened(TypeWebSocket)
	}

	logger := observability.ConnectionLogger(r.Context(), s.logger, conn)
	ctx, cancel := context.WithCancel(observability.WithLogger(context.WithoutCancel(r.Context()), logger))

	var inflight sync.WaitGroup
	defer func() {
		cancel()
		inflight.Wait()
		s.verbs.Rooms().LeaveAll(conn)
		s.untrack(wc)
		_ = ws.Close()
		if s.recorder != nil {
			s.recorder.ConnectionClosed(TypeWebSocket)
		}
		logger.Debug("websocket connection closed")
	}()

	if err := wc.write(map[string]any{
		"context": WelcomeContext,
		"welcome": "connected",
		"id":      conn.ID,
	}); err != nil {
		return
	}

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}

		var msg connection.Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			if err := wc.write(map[string]any{
				"context": connection.ReplyContext,
				"status":  "error",
				"error":   "message must be a JSON object",
			}); err != nil {
				return
			}
			continue
		}

		if msg.Event == "" || msg.Event == connection.VerbAction {
			if msg.MessageID == "" {
				msg.MessageID = conn.NextMessageID()
			}
			inflight.Add(1)
			go func(msg connection.Message) {
				defer inflight.Done()
				reply, _ := s.verbs.Handle(ctx, conn, msg)
				if err := wc.write(reply); err != nil {
					logger.Debug("websocket reply not sent", zap.Error(err))
				}
			}(msg)
			continue
		}

		reply, quit := s.verbs.Handle(ctx, conn, msg)
		if err := wc.write(reply); err != nil {
			return
		}
		if quit {
			_ = wc.close(websocket.CloseNormalClosure, "bye")
			return
		}
	}
}

// Close disconnects every open connection.
func (s *WebSocketServer) Close() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for wc := range conns {
		_ = wc.close(websocket.CloseGoingAway, "server shutting down")
		_ = wc.ws.Close()
	}
}

// Count returns the number of open connections.
func (s *WebSocketServer) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *WebSocketServer) track(wc *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[wc] = struct{}{}
	return true
}

func (s *WebSocketServer) untrack(wc *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, wc)
}

// wsConn serializes writes to one gorilla connection.
type wsConn struct {
	ws      *websocket.Conn
	timeout time.Duration
	mu      sync.Mutex
}

// SendMessage pushes an unsolicited message to the client.
func (c *wsConn) SendMessage(_ context.Context, message any, messageID string) error {
	return c.write(map[string]any{
		"context":   UserContext,
		"message":   message,
		"messageId": messageID,
	})
}

func (c *wsConn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.ws.WriteJSON(v)
}

func (c *wsConn) close(code int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(c.timeout))
}
