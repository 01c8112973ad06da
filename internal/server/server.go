// Package server is the HTTP boundary: a JSON API over the session core, an
// SSE event stream, and a WebSocket event stream. It binds to loopback by
// default; there is no auth layer beyond the PIN permission type.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/kilnhq/kiln/internal/bus"
	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/permission"
	"github.com/kilnhq/kiln/internal/session"
)

// Options wires the server's collaborators.
type Options struct {
	Config   *config.Service
	Bus      *bus.Bus
	Sessions *session.Manager
	Runner   *session.Runner
	Broker   *permission.Broker
}

// Server serves the JSON API and the event streams.
type Server struct {
	cfg      *config.Service
	bus      *bus.Bus
	sessions *session.Manager
	runner   *session.Runner
	broker   *permission.Broker

	upgrader websocket.Upgrader
	limiter  *rate.Limiter

	httpServer *http.Server
}

func New(opts Options) *Server {
	s := &Server{
		cfg:      opts.Config,
		bus:      opts.Bus,
		sessions: opts.Sessions,
		runner:   opts.Runner,
		broker:   opts.Broker,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	if rpm := opts.Config.Get().Server.RateLimitRPM; rpm > 0 {
		burst := rpm / 10
		if burst < 5 {
			burst = 5
		}
		s.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60), burst)
	}
	return s
}

// checkOrigin validates browser origins for WebSocket upgrades. No configured
// origins, or a request without an Origin header, passes.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Get().Server.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("websocket origin rejected", "origin", origin)
	return false
}

// BuildMux registers all routes.
func (s *Server) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /event", s.handleSSE)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	api := func(pattern string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, s.limited(h))
	}
	api("POST /session", s.handleSessionCreate)
	api("GET /session", s.handleSessionList)
	api("GET /session/{id}", s.handleSessionGet)
	api("DELETE /session/{id}", s.handleSessionDelete)
	api("POST /session/{id}/prompt", s.handlePrompt)
	api("POST /session/{id}/abort", s.handleAbort)
	api("POST /session/{id}/revert", s.handleRevert)
	api("POST /session/{id}/compact", s.handleCompact)
	api("POST /session/{id}/agent", s.handleAgentSwitch)
	api("GET /session/{id}/message", s.handleMessageList)
	api("GET /session/{id}/permission", s.handlePermissionList)
	api("POST /permission/respond", s.handlePermissionRespond)
	api("GET /todo/{sessionID}", s.handleTodoGet)
	api("POST /todo/{sessionID}", s.handleTodoPut)

	return mux
}

func (s *Server) limited(h http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		h(w, r)
	}
}

// Start serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.cfg.Get().Server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.BuildMux()}

	slog.Info("server starting", "addr", addr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}

// writeError maps core sentinels to HTTP statuses.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionLocked):
		return http.StatusConflict
	case errors.Is(err, session.ErrAgentNotFound):
		return http.StatusBadRequest
	case errors.Is(err, permission.ErrInvalidPIN):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
