// Package api implements the engine's HTTP surface: the turn endpoint
// (SSE), session control, usage reporting, and the live event monitor.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/helderperez-dev/navreach-desktop-sub003/internal/buildinfo"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/events"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/llm"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/remote"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/session"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/tools"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ClientFactory builds a provider client for a resolved config.
// Replaced in tests.
type ClientFactory func(cfg llm.EffectiveConfig, logger *slog.Logger) (llm.Client, error)

// ProviderFallback supplies local credentials for a provider, used when
// neither the request nor the control plane carries them.
type ProviderFallback struct {
	APIKey  string
	BaseURL string
}

// Options wires the server's collaborators.
type Options struct {
	Listen    string
	Sessions  *session.Manager
	Remote    *remote.Client
	Guard     *usage.Guard
	Store     *usage.Store
	Bus       *events.Bus
	Providers []tools.Provider
	// Fallbacks maps provider type to locally configured credentials.
	Fallbacks map[string]ProviderFallback
	Logger    *slog.Logger
	NewClient ClientFactory
}

// Server is the engine's HTTP server.
type Server struct {
	listen    string
	sessions  *session.Manager
	remote    *remote.Client
	guard     *usage.Guard
	store     *usage.Store
	bus       *events.Bus
	providers []tools.Provider
	fallbacks map[string]ProviderFallback
	logger    *slog.Logger
	newClient ClientFactory
	server    *http.Server
}

// NewServer creates the API server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factory := opts.NewClient
	if factory == nil {
		factory = llm.NewClient
	}
	return &Server{
		listen:    opts.Listen,
		sessions:  opts.Sessions,
		remote:    opts.Remote,
		guard:     opts.Guard,
		store:     opts.Store,
		bus:       opts.Bus,
		providers: opts.Providers,
		fallbacks: opts.Fallbacks,
		logger:    logger.With("component", "api"),
		newClient: factory,
	}
}

// Handler returns the routed handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/turn", s.handleTurn)
	mux.HandleFunc("POST /v1/sessions/{id}/stop", s.handleStop)
	mux.HandleFunc("PUT /v1/sessions/{id}/credentials", s.handleCredentials)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. Blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.listen,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No write timeout: turn streams are long-lived.
	}
	s.logger.Info("starting API server", "listen", s.listen)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": msg}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":   "healthy",
		"sessions": s.sessions.Len(),
		"uptime":   buildinfo.Uptime().String(),
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleStop raises the session stop flag. Always acknowledged, even
// when no turn is running; stopping an unknown session is reported but
// still a 200 so the UI can treat stop as fire-and-forget.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	found := s.sessions.Stop(id)
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSession,
		Kind:      events.KindStopRequested,
		Data:      map[string]any{"session_id": id},
	})
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"acknowledged": true, "known_session": found}, s.logger)
}

// credentialsRequest is the credential refresh payload. Applied to the
// next tool/model call, never retroactively.
type credentialsRequest struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AccessToken == "" {
		s.errorResponse(w, http.StatusBadRequest, "accessToken is required")
		return
	}
	s.sessions.UpdateCredentials(id, session.Credentials{
		Token: req.AccessToken,
		Extra: map[string]string{"refresh_token": req.RefreshToken},
	})
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"updated": true}, s.logger)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"today_actions": s.guard.Used(),
		"remaining":     s.guard.Remaining(),
	}
	if s.store != nil {
		now := time.Now().UTC()
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		if sum, err := s.store.Summary(dayStart, dayStart.Add(24*time.Hour)); err == nil {
			resp["today_tokens_in"] = sum.TotalInputTokens
			resp["today_tokens_out"] = sum.TotalOutputTokens
			resp["today_model_calls"] = sum.TotalRecords
		} else {
			s.logger.Warn("usage summary failed", "error", err)
		}
		if byModel, err := s.store.SummaryByModel(dayStart, dayStart.Add(24*time.Hour)); err == nil {
			models := make(map[string]any, len(byModel))
			for model, sum := range byModel {
				models[model] = map[string]any{
					"calls":      sum.TotalRecords,
					"tokens_in":  sum.TotalInputTokens,
					"tokens_out": sum.TotalOutputTokens,
				}
			}
			resp["by_model"] = models
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// sessionGateway returns the session's sticky gateway. The model
// config is recomputed per request, so a turn that resolves to a
// different provider or model gets a fresh client; the degradation
// state is per session and is carried over.
func (s *Server) sessionGateway(sess *session.Session, cfg llm.EffectiveConfig) (*llm.Gateway, error) {
	prev := sess.Gateway()
	if prev != nil && prev.Config() == cfg {
		return prev, nil
	}
	client, err := s.newClient(cfg, s.logger)
	if err != nil {
		return nil, fmt.Errorf("create provider client: %w", err)
	}
	gw := llm.NewGateway(client, cfg, s.logger)
	gw.CarryState(prev)
	sess.SetGateway(gw)
	return gw, nil
}
