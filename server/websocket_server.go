package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/room4-2/voicebridge/config"
	"github.com/room4-2/voicebridge/session"
)

// ClientServer is the browser-facing listener: /ws upgrades to the duplex
// audio channel, /health and /metrics are plain HTTP, and anything else falls
// through to the static handler.
type ClientServer struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	relay          session.Relay
	config         *config.Config
	log            *zap.Logger

	listener net.Listener
}

// NewClientServer builds the client listener. static may be nil; unmatched
// paths then return 404.
func NewClientServer(cfg *config.Config, sessionManager *session.Manager, relay session.Relay, static http.Handler, logger *zap.Logger) *ClientServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ClientServer{
		sessionManager: sessionManager,
		relay:          relay,
		config:         cfg,
		log:            logger.With(zap.String("component", "client_server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    64 * 1024, // 64KB for audio chunks
			WriteBufferSize:   64 * 1024,
			EnableCompression: false, // raw PCM doesn't compress well enough to matter
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	if static != nil {
		mux.Handle("/", static)
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.ClientHost, cfg.ClientPort),
		Handler: mux,
		// No ReadTimeout/WriteTimeout — these interfere with long-lived
		// WebSocket connections. The WebSocket layer handles its own
		// deadlines.
	}

	return s
}

// Listen binds the listener without serving yet, so bind failures surface
// before the process claims to be running.
func (s *ClientServer) Listen() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("bind client listener %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address. Only valid after Listen.
func (s *ClientServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until the server shuts down.
func (s *ClientServer) Serve() error {
	if s.config.TLSCertFile != "" {
		s.log.Info("🚀 client listener serving (TLS)", zap.String("addr", s.listener.Addr().String()))
		err := s.httpServer.ServeTLS(s.listener, s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
	s.log.Info("🚀 client listener serving", zap.String("addr", s.listener.Addr().String()))
	if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting and closes the HTTP side.
func (s *ClientServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *ClientServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	clientSession, err := s.sessionManager.CreateSession(r.Context(), conn, s.relay)
	if err != nil {
		s.log.Warn("failed to create session", zap.Error(err))
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "session limit reached"))
		conn.Close()
		return
	}

	s.log.Info("✅ client connected", zap.String("session", clientSession.ID[:8]))
	clientSession.Start()

	<-clientSession.CloseChan
	s.sessionManager.RemoveSession(context.Background(), clientSession.ID)
	s.log.Info("🔌 client disconnected", zap.String("session", clientSession.ID[:8]))
}

func (s *ClientServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","clients":%d}`, s.sessionManager.Count())
}
