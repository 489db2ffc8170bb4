// Package webserver exposes the session registry over HTTP: a JSON API,
// websocket and SSE observers, share export and the static UI.
package webserver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsprackett/agent-relay/internal/config"
	"github.com/zsprackett/agent-relay/internal/hub"
	"github.com/zsprackett/agent-relay/internal/session"
	"github.com/zsprackett/agent-relay/internal/share"
	"github.com/zsprackett/agent-relay/internal/storage"
)

type Options struct {
	Config   config.ServerConfig
	Registry *session.Registry
	Share    *share.Service
	// Slugs names published shares unless the session's agent provides its
	// own generator. May be nil.
	Slugs  share.SlugGenerator
	Info   share.ServerInfo
	Logger *slog.Logger
}

type Server struct {
	opts     Options
	registry *session.Registry
	hub      *hub.Hub
	provider storage.Provider
	logger   *slog.Logger

	runCtx   context.Context
	stopRuns context.CancelFunc
	runs     sync.WaitGroup

	closing   chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	srv   *http.Server
	ln    net.Listener
	conns map[*websocket.Conn]struct{}
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Share == nil {
		opts.Share = share.New(share.Config{StaticPath: opts.Config.StaticPath}, opts.Registry.Provider(), share.WithLogger(opts.Logger))
	}
	runCtx, stopRuns := context.WithCancel(context.Background())
	return &Server{
		opts:     opts,
		registry: opts.Registry,
		hub:      opts.Registry.Hub(),
		provider: opts.Registry.Provider(),
		logger:   opts.Logger,
		runCtx:   runCtx,
		stopRuns: stopRuns,
		closing:  make(chan struct{}),
		conns:    make(map[*websocket.Conn]struct{}),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/storage", s.handleStorage)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleSessionEvents)
	mux.HandleFunc("POST /api/sessions/{id}/query", s.handleQuery)
	mux.HandleFunc("POST /api/sessions/{id}/abort", s.handleAbort)
	mux.HandleFunc("POST /api/sessions/{id}/share", s.handleShare)
	mux.HandleFunc("GET /api/share/config", s.handleShareConfig)
	mux.HandleFunc("GET /api/sessions/{id}/ws", s.handleWebsocket)
	mux.HandleFunc("GET /api/sessions/{id}/sse", s.handleSSE)

	if s.opts.Config.StaticPath != "" {
		mux.Handle("GET /", http.FileServer(staticFiles(s.opts.Config.StaticPath)))
	}

	auth := s.opts.Config.Auth
	if !auth.Enabled() {
		return mux
	}
	return jwtMiddleware(auth.JWTSecret, []string{"/api/health", "/api/auth/login"}, mux)
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	cfg := s.opts.Config
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	tlsCfg, err := tlsConfig(cfg.TLS)
	if err != nil {
		ln.Close()
		return err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	s.mu.Lock()
	s.srv = srv
	s.ln = ln
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("webserver: serve failed", "err", err)
		}
	}()
	s.logger.Info("webserver: listening", "addr", ln.Addr().String(), "tls", cfg.TLS.Mode != "", "auth", cfg.Auth.Enabled())
	return nil
}

// Addr is the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting requests, disconnects observers, cleans up every
// live session and closes storage.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })

	var errs []error
	s.mu.Lock()
	srv := s.srv
	for conn := range s.conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	s.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	report := s.registry.ShutdownAll(ctx)
	for id, err := range report.Failed {
		errs = append(errs, fmt.Errorf("session %s: %w", id, err))
	}
	s.stopRuns()
	s.waitRuns(ctx)

	if s.provider != nil {
		if err := s.provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	s.logger.Info("webserver: stopped", "sessions", len(report.Cleaned)+len(report.Failed))
	return errors.Join(errs...)
}

func (s *Server) waitRuns(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("webserver: abandoning runs still in progress")
	}
}

func (s *Server) track(conn *websocket.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// sessionFor returns the live session, resuming it from storage if it is
// only persisted.
func (s *Server) sessionFor(ctx context.Context, id string) (*session.Session, error) {
	if sess, ok := s.registry.Get(id); ok {
		return sess, nil
	}
	if s.provider == nil {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	if _, err := s.provider.GetSessionMetadata(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
		}
		return nil, err
	}
	sess, err := s.registry.Create(ctx, session.Config{ID: id})
	if errors.Is(err, session.ErrSessionExists) {
		if live, ok := s.registry.Get(id); ok {
			return live, nil
		}
	}
	return sess, err
}

// exists reports whether id is live or persisted.
func (s *Server) exists(ctx context.Context, id string) bool {
	if _, ok := s.registry.Get(id); ok {
		return true
	}
	if s.provider == nil {
		return false
	}
	_, err := s.provider.GetSessionMetadata(ctx, id)
	return err == nil
}

// startRun drives a query in the background. Runs outlive the request that
// started them and end when the session is stopped or the server shuts down.
func (s *Server) startRun(sess *session.Session, query string) error {
	if sess.Running() {
		return session.ErrBusy
	}
	select {
	case <-s.closing:
		return session.ErrClosed
	default:
	}
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		err := sess.Run(s.runCtx, query)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrClosed):
			s.logger.Debug("webserver: query rejected", "session", sess.ID, "err", err)
		default:
			s.logger.Warn("webserver: query failed", "session", sess.ID, "err", err)
		}
	}()
	return nil
}

func (s *Server) slugGenerator(id string) share.SlugGenerator {
	if sess, ok := s.registry.Get(id); ok {
		if gen, ok := sess.Agent().(share.SlugGenerator); ok {
			return gen
		}
	}
	return s.opts.Slugs
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps registry errors onto HTTP statuses.
func statusFor(err error) int {
	var cfgErr *session.ConfigurationError
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, hub.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionExists), errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
