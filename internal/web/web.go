package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"deskcal/internal/backend"
	"deskcal/internal/calendar"
	"deskcal/internal/config"
	appLog "deskcal/internal/log"
	"deskcal/internal/model"
)

// staleAfter is how old a snapshot may get before a read triggers a refresh.
// The cron job in `deskcal serve` normally keeps snapshots younger than this.
const staleAfter = 5 * time.Minute

// Server exposes the sync engine to the desktop widget over HTTP.
type Server struct {
	cfg      *config.Holder
	hub      *Hub
	mux      *http.ServeMux
	registry atomic.Pointer[calendar.Registry]

	nowFunc func() time.Time
}

// NewServer constructs a new Server. hub may be nil when notifications are
// not wanted.
func NewServer(cfg *config.Holder, registry *calendar.Registry, hub *Hub) *Server {
	s := &Server{
		cfg:     cfg,
		hub:     hub,
		mux:     http.NewServeMux(),
		nowFunc: time.Now,
	}
	s.registry.Store(registry)
	s.registerRoutes()
	return s
}

// SetRegistry swaps the plugin set, e.g. after a configuration reload.
func (s *Server) SetRegistry(r *calendar.Registry) {
	s.registry.Store(r)
}

// Handler returns the underlying http.Handler for this server. Basic Auth is
// evaluated per request so a config reload can turn it on or off.
func (s *Server) Handler() http.Handler {
	return s.basicAuthMiddleware(s.mux)
}

// basicAuth returns the configured credentials, or nil when auth is off.
func (s *Server) basicAuth() *config.BasicAuthConfig {
	cfg := s.cfg.Config()
	if cfg == nil || cfg.BasicAuth == nil {
		return nil
	}
	// Empty username or password means disabled.
	if cfg.BasicAuth.Username == "" || cfg.BasicAuth.Password == "" {
		return nil
	}
	return cfg.BasicAuth
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := s.basicAuth()
		if auth == nil || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, auth.Username) || !secureCompare(p, auth.Password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="deskcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listen := s.cfg.Config().Listen
	srv := &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+listen, "basic_auth", s.basicAuth() != nil)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if s.hub != nil {
		s.hub.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/plugins", s.handlePlugins)
	s.mux.HandleFunc("GET /api/plugins/{id}/events", s.handleEvents)
	s.mux.HandleFunc("POST /api/plugins/{id}/events", s.handleCreate)
	s.mux.HandleFunc("PUT /api/plugins/{id}/events/{eventID}", s.handleUpdate)
	s.mux.HandleFunc("DELETE /api/plugins/{id}/events/{eventID}", s.handleDelete)
	s.mux.HandleFunc("PUT /api/plugins/{id}/events/{eventID}/instances/{key}", s.handleUpdateInstance)
	s.mux.HandleFunc("DELETE /api/plugins/{id}/events/{eventID}/instances/{key}", s.handleDeleteInstance)
	s.mux.HandleFunc("POST /api/plugins/{id}/events/{eventID}/exdates/{key}/restore", s.handleRestore)
	s.mux.HandleFunc("POST /api/plugins/{id}/sync", s.handleSync)
	if s.hub != nil {
		s.mux.Handle("GET /api/notifications", s.hub)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// horizon resolves the visible range from ?days= and ?backfill=, falling
// back to the configured values.
func (s *Server) horizon(r *http.Request) model.Horizon {
	cfg := s.cfg.Config()
	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), cfg.DaysInFuture)
	if days <= 0 {
		days = cfg.DaysInFuture
	}
	backfill := parseIntDefault(q.Get("backfill"), cfg.DaysInPast)
	if backfill < 0 {
		backfill = 0
	}
	return model.Horizon{DaysInFuture: days, DaysInPast: backfill}
}

// plugin resolves {id}, writing a 404 when it is unknown.
func (s *Server) plugin(w http.ResponseWriter, r *http.Request) (*calendar.Plugin, bool) {
	id := r.PathValue("id")
	p, ok := s.registry.Load().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown plugin "+strconv.Quote(id))
		return nil, false
	}
	return p, true
}

// statusFor maps engine errors onto HTTP statuses. Credential failures are
// the upstream's problem, not the caller's, so they are not answered with
// 401 (which would prompt for the API's own Basic Auth).
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrReadOnly):
		return http.StatusForbidden
	case errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrSync):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
