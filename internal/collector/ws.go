package collector

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	apierrors "github.com/metorial/telemetry-hub/internal/errors"
	"github.com/metorial/telemetry-hub/internal/session"
	"github.com/metorial/telemetry-hub/internal/transport"
)

type WebSocketOptions struct {
	MaxFrameSize int64
	// PingInterval drives WebSocket-level keepalive for dashboards. Agents
	// are probed by the session manager instead.
	PingInterval time.Duration
}

type WebSocketServer struct {
	manager  *session.Manager
	logger   *slog.Logger
	opts     WebSocketOptions
	upgrader websocket.Upgrader
}

func NewWebSocketServer(manager *session.Manager, logger *slog.Logger, opts WebSocketOptions) *WebSocketServer {
	if opts.PingInterval <= 0 {
		opts.PingInterval = session.DefaultProbeInterval
	}
	return &WebSocketServer{
		manager: manager,
		logger:  logger,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *WebSocketServer) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/agents", s.handleAgent).Methods(http.MethodGet)
	r.HandleFunc("/dashboard", s.handleDashboard).Methods(http.MethodGet)
}

// credentialFromRequest accepts the key as a bearer token, an X-API-Key
// header or an apiKey query parameter, in that order.
func credentialFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return transport.BearerToken(auth)
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return r.URL.Query().Get("apiKey")
}

func (s *WebSocketServer) handleAgent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hello := session.ProducerHello{
		HostID:     firstNonEmpty(q.Get("hostId"), r.Header.Get("X-Host-ID")),
		Group:      firstNonEmpty(q.Get("group"), r.Header.Get("X-Host-Group")),
		Credential: credentialFromRequest(r),
	}

	if err := s.manager.Authenticate(hello.Credential); err != nil {
		s.logger.Warn("websocket agent refused", "hostId", hello.HostID, "remote", r.RemoteAddr, "error", err)
		writeError(w, r, apierrors.HTTPStatus(apierrors.ErrCodeUnauthorized), apierrors.ErrCodeUnauthorized, "invalid or missing api key")
		return
	}
	if hello.HostID == "" {
		writeError(w, r, http.StatusBadRequest, apierrors.ErrCodeInvalidRequest, "hostId is required")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := transport.NewWSConn(ws, s.opts.MaxFrameSize)
	if err := s.manager.ServeProducer(r.Context(), conn, hello); err != nil {
		s.logger.Info("agent session ended", "hostId", hello.HostID, "error", err)
	}
}

func (s *WebSocketServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := transport.NewWSConn(ws, s.opts.MaxFrameSize)
	done := make(chan struct{})
	defer close(done)
	conn.KeepAlive(s.opts.PingInterval, 2*s.opts.PingInterval, done)

	if err := s.manager.ServeConsumer(r.Context(), conn); err != nil {
		s.logger.Info("dashboard session ended", "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
