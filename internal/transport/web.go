package transport

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/relay/internal/observability"
	"github.com/pitabwire/relay/internal/processor"
	"github.com/pitabwire/relay/model"
)

// Connection types created by the transports.
const (
	TypeWeb       = "web"
	TypeWebSocket = "websocket"
	TypeNATS      = "nats"
	TypeInProc    = "inproc"
)

// FingerprintCookie identifies a browser across requests.
const FingerprintCookie = "relay_fingerprint"

const maxBodyBytes = 10 << 20

// ConnectionRecorder is notified when connections open and close.
type ConnectionRecorder interface {
	ConnectionOpened(connType string)
	ConnectionClosed(connType string)
}

// WebHandler runs one action per HTTP request.
type WebHandler struct {
	dispatcher *processor.Dispatcher
	logger     *zap.Logger
	recorder   ConnectionRecorder
}

// NewWebHandler creates a WebHandler. recorder may be nil.
func NewWebHandler(d *processor.Dispatcher, logger *zap.Logger, recorder ConnectionRecorder) *WebHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebHandler{dispatcher: d, logger: logger, recorder: recorder}
}

// ServeHTTP reads params from the query string, form and JSON body, in
// increasing precedence, and from the {apiVersion} and {action} route
// params.
func (h *WebHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params, err := requestParams(r)
	if err != nil {
		WriteError(w, model.NewBadRequestError(err.Error()))
		return
	}

	conn := h.connection(w, r)
	if h.recorder != nil {
		h.recorder.ConnectionOpened(TypeWeb)
		defer h.recorder.ConnectionClosed(TypeWeb)
	}

	ctx := observability.WithLogger(r.Context(), observability.ConnectionLogger(r.Context(), h.logger, conn))
	data := h.dispatcher.Process(ctx, conn, params, chi.URLParam(r, "action"), chi.URLParam(r, "apiVersion"))
	WriteAction(w, data)
}

func (h *WebHandler) connection(w http.ResponseWriter, r *http.Request) *model.Connection {
	fingerprint := ""
	if c, err := r.Cookie(FingerprintCookie); err == nil && c.Value != "" {
		fingerprint = c.Value
	} else {
		fingerprint = uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     FingerprintCookie,
			Value:    fingerprint,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	ip, port := remoteAddr(r)
	return model.NewConnection(model.ConnectionOptions{
		ID:          uuid.NewString(),
		Fingerprint: fingerprint,
		Type:        TypeWeb,
		RemoteIP:    ip,
		RemotePort:  port,
		Meta: map[string]string{
			"authorization":  r.Header.Get("Authorization"),
			"user-agent":     r.UserAgent(),
			"method":         r.Method,
			"correlation_id": CorrelationIDFrom(r.Context()),
		},
	})
}

// requestParams merges query, form and JSON body params.
func requestParams(r *http.Request) (map[string]any, error) {
	params := make(map[string]any)
	mergeValues(params, r.URL.Query())

	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return params, nil
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json", "":
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		if len(strings.TrimSpace(string(body))) == 0 {
			return params, nil
		}
		var decoded map[string]any
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, errors.New("request body must be a JSON object")
		}
		for k, v := range decoded {
			params[k] = v
		}
	case "application/x-www-form-urlencoded":
		r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		mergeValues(params, r.PostForm)
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			return nil, err
		}
		mergeValues(params, r.MultipartForm.Value)
	}
	return params, nil
}

func mergeValues(params map[string]any, values map[string][]string) {
	for k, vs := range values {
		switch len(vs) {
		case 0:
		case 1:
			params[k] = vs[0]
		default:
			list := make([]any, len(vs))
			for i, v := range vs {
				list[i] = v
			}
			params[k] = list
		}
	}
}

// remoteAddr prefers the first X-Forwarded-For hop over the socket peer.
func remoteAddr(r *http.Request) (string, int) {
	host, portStr, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	port, _ := strconv.Atoi(portStr)
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		host = strings.TrimSpace(first)
	}
	return host, port
}
