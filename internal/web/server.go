package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/asheshgoplani/wa-deck/internal/events"
	"github.com/asheshgoplani/wa-deck/internal/logging"
	"github.com/asheshgoplani/wa-deck/internal/media"
	"github.com/asheshgoplani/wa-deck/internal/metrics"
	"github.com/asheshgoplani/wa-deck/internal/session"
)

var webLog = logging.ForComponent(logging.CompHTTP)

// Config defines runtime options for the HTTP server.
type Config struct {
	ListenAddr string
	// APIKey guards every route except /healthz. Empty disables auth.
	APIKey            string
	ReadHeaderTimeout time.Duration

	Manager *session.Manager
	Media   *media.Store
	// Hub, Push and Metrics are optional.
	Hub     *events.Hub
	Push    *events.Push
	Metrics *metrics.Metrics
	Version string
}

// Server is the client and admin HTTP surface.
type Server struct {
	cfg        Config
	apiKey     atomic.Pointer[string]
	httpServer *http.Server
	manager    *session.Manager
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer wires routes and middleware.
func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:5000"
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}

	s := &Server{cfg: cfg, manager: cfg.Manager}
	s.SetAPIKey(cfg.APIKey)
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.admin(s.cfg.Metrics.Handler().ServeHTTP))

	mux.Handle("GET /screen", s.client(false, s.handleScreen))
	mux.Handle("GET /auth", s.client(false, s.handleQR))
	mux.Handle("GET /auth/plain", s.client(false, s.handleQRPlain))
	mux.Handle("GET /auth/here", s.client(false, s.handleOpenHere))
	mux.Handle("PUT /client", s.client(false, s.handleCreateClient))
	mux.Handle("DELETE /client", s.client(false, s.handleDeleteClient))
	mux.Handle("POST /chats", s.client(true, s.handleNewChat))
	mux.Handle("GET /chats", s.client(true, s.handleChats))
	mux.Handle("GET /chats/{chatID}/messages", s.client(true, s.handleMessages))
	mux.Handle("POST /chats/{chatID}/messages", s.client(true, s.handleSendMessage))

	mux.Handle("GET /admin/clients", s.admin(s.handleListClients))
	mux.Handle("PUT /admin/clients", s.admin(s.handleRunClients))
	mux.Handle("DELETE /admin/clients", s.admin(s.handleKillClients))
	mux.Handle("GET /admin/logs", s.admin(s.handleLogs))
	mux.Handle("GET /events", s.admin(s.handleEvents))
	mux.Handle("GET /admin/push/config", s.admin(s.handlePushConfig))
	mux.Handle("POST /admin/push/subscribe", s.admin(s.handlePushSubscribe))
	mux.Handle("POST /admin/push/unsubscribe", s.admin(s.handlePushUnsubscribe))

	handler := withRequestID(withAccessLog(s.cfg.Metrics, withRecover(mux)))

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          logging.NewStdLogger(logging.CompHTTP),
	}
	return s
}

// SetAPIKey swaps the key checked by the auth middleware.
func (s *Server) SetAPIKey(key string) {
	s.apiKey.Store(&key)
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown. Returns nil on graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("http_listening", slog.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	err := s.httpServer.Serve(l)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	// Signal long-lived handlers (SSE) to stop promptly.
	s.cancelBase()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	// Streaming connections may still block graceful shutdown. Force close
	// as a fallback so Ctrl+C exits promptly.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintln(w, "Welcome to the wa-deck API")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"version":  s.cfg.Version,
		"sessions": s.manager.Registry().Len(),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, auth=%t)", s.httpServer.Addr, *s.apiKey.Load() != "")
}
