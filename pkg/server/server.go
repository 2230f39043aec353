// Package server exposes the runtime over HTTP: agent and conversation
// CRUD, tool listing, auth, artifacts and the SSE streaming endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/maestro/pkg/agent"
	"github.com/kadirpekel/maestro/pkg/artifacts"
	"github.com/kadirpekel/maestro/pkg/auth"
	"github.com/kadirpekel/maestro/pkg/config"
	"github.com/kadirpekel/maestro/pkg/conversation"
	"github.com/kadirpekel/maestro/pkg/observability"
	"github.com/kadirpekel/maestro/pkg/store"
	"github.com/kadirpekel/maestro/pkg/streaming"
	"github.com/kadirpekel/maestro/pkg/tool"
)

// Options wires the server's collaborators.
type Options struct {
	Config    *config.Config
	Agents    *agent.Registry
	Tools     *tool.Registry
	Conv      *conversation.Manager
	Stream    *streaming.Handler
	Auth      *auth.Service
	Artifacts *artifacts.Store
	Metrics   *observability.Metrics

	// Degraded is true when the process runs without persistence.
	Degraded bool
}

// Server is the HTTP surface.
type Server struct {
	opts   Options
	router chi.Router
	http   *http.Server
}

// New assembles the router.
func New(opts Options) *Server {
	s := &Server{opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(opts.Metrics.Middleware)
	if opts.Auth != nil {
		r.Use(opts.Auth.Middleware)
	}

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Route("/api-keys", func(r chi.Router) {
			r.Post("/", s.handleCreateAPIKey)
			r.Get("/", s.handleListAPIKeys)
			r.Delete("/{id}", s.handleRevokeAPIKey)
		})
	})

	r.Route("/agents", func(r chi.Router) {
		r.Post("/", s.handleCreateAgent)
		r.Get("/", s.handleListAgents)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetAgent)
			r.Put("/", s.handleUpdateAgent)
			r.Delete("/", s.handleDeleteAgent)
			r.Put("/config", s.handleUpdateAgentConfig)
			r.Post("/tools/attach", s.handleAttachTools)
			r.Post("/tools/detach", s.handleDetachTools)
			r.Post("/stop", s.handleStopAgent)
		})
	})

	r.Get("/tools", s.handleListTools)

	r.Route("/conversations", func(r chi.Router) {
		r.Post("/start", s.handleStartConversation)
		r.Get("/agent/{agent_id}", s.handleListConversations)
		r.Get("/{session_id}", s.handleGetConversation)
		r.Delete("/{session_id}", s.handleDeleteConversation)
	})

	r.Route("/streaming", func(r chi.Router) {
		r.Post("/start", s.handleStreamStart)
		r.Post("/send", s.handleStreamSend)
	})

	r.Route("/artifacts", func(r chi.Router) {
		r.Get("/", s.handleListArtifacts)
		r.Post("/", s.handleSaveArtifact)
		r.Get("/{name}", s.handleGetArtifact)
	})

	s.router = r
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then drains with a shutdown grace
// period.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.Config.Server.Host, s.opts.Config.Server.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.opts.Config.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"degraded": s.opts.Degraded,
	})
}

// respond writes a JSON body with the given status.
func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			slog.Warn("Failed to encode response", "error", err)
		}
	}
}

// respondError maps internal errors to the public error kinds and HTTP
// status codes.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal"

	switch {
	case errors.Is(err, agent.ErrAgentNotFound),
		errors.Is(err, conversation.ErrSessionNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, artifacts.ErrNotFound),
		errors.Is(err, auth.ErrAPIKeyNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, agent.ErrValidation),
		errors.Is(err, artifacts.ErrInvalidName),
		errors.Is(err, artifacts.ErrExtBlocked),
		errors.Is(err, artifacts.ErrTooLarge):
		status, kind = http.StatusBadRequest, "validation"
	case errors.Is(err, tool.ErrToolUnavailable):
		status, kind = http.StatusBadRequest, "tool_unavailable"
	case errors.Is(err, agent.ErrCyclicAgentTool):
		status, kind = http.StatusBadRequest, "cyclic_agent_tool"
	case errors.Is(err, agent.ErrSubAgentUnavailable):
		status, kind = http.StatusBadRequest, "sub_agent_unavailable"
	case errors.Is(err, streaming.ErrTurnInProgress):
		status, kind = http.StatusConflict, "turn_in_progress"
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken):
		status, kind = http.StatusUnauthorized, "unauthorized"
	}

	respond(w, status, map[string]string{
		"error": err.Error(),
		"kind":  kind,
	})
}

// decode parses a JSON request body.
func decode(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", agent.ErrValidation, err)
	}
	return nil
}

// queryInt parses an integer query parameter, 0 when absent or malformed.
func queryInt(r *http.Request, name string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 0 {
		return 0
	}
	return v
}
