package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/helderperez-dev/navreach-desktop-sub003/internal/agent"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/events"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/llm"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/playbook"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/session"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/stream"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/tools"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/usage"
)

// TurnRequest is one conversational turn from the UI.
type TurnRequest struct {
	SessionID    string           `json:"sessionId"`
	Conversation []llm.Message    `json:"conversation"`
	ModelConfig  *llm.ModelConfig `json:"modelConfig"`
	// ProviderConfig carries locally stored credentials for the
	// selected provider.
	ProviderConfig *struct {
		APIKey  string `json:"apiKey"`
		BaseURL string `json:"baseUrl"`
	} `json:"providerConfig"`
	SystemPrompt  string              `json:"systemPrompt,omitempty"`
	ToolsEnabled  bool                `json:"toolsEnabled"`
	MaxIterations int                 `json:"maxIterations"`
	InfiniteMode  bool                `json:"infiniteMode"`
	Speed         string              `json:"speed,omitempty"`
	Credentials   *credentialsRequest `json:"credentials,omitempty"`
	IsPlaybookRun bool                `json:"isPlaybookRun"`
	PlaybookID    string              `json:"playbookId,omitempty"`
}

// handleTurn runs one turn and streams its events over SSE. Setup
// failures are reported as plain HTTP errors; once the stream opens,
// every outcome ends with a done event instead.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Conversation) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "conversation is empty")
		return
	}
	if req.SessionID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "generate session id")
			return
		}
		req.SessionID = id.String()
	}

	sess := s.sessions.GetOrCreate(req.SessionID)
	// A stale stop from a previous turn must not kill this one.
	sess.ClearStop()
	if req.Speed != "" {
		sess.SetSpeed(req.Speed)
	}
	if req.Credentials != nil && req.Credentials.AccessToken != "" {
		sess.SetCredentials(session.Credentials{
			Token: req.Credentials.AccessToken,
			Extra: map[string]string{"refresh_token": req.Credentials.RefreshToken},
		})
	}
	token := sess.Credentials().Token

	// Cloud lookups are best effort: run on local settings when the
	// control plane is down or not configured.
	override, sysDefault := s.fetchModelSources(r, token)
	if profile := s.fetchQuotaProfile(r, token); profile != nil {
		s.guard.SetProfile(*profile)
	}

	reqCfg := req.ModelConfig
	if req.ProviderConfig != nil {
		if reqCfg == nil {
			reqCfg = &llm.ModelConfig{}
		}
		if reqCfg.APIKey == "" {
			reqCfg.APIKey = req.ProviderConfig.APIKey
		}
		if reqCfg.BaseURL == "" {
			reqCfg.BaseURL = req.ProviderConfig.BaseURL
		}
	}
	effective, err := llm.Resolve(reqCfg, override, sysDefault)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if fb, ok := s.fallbacks[effective.ProviderType]; ok {
		if effective.APIKey == "" {
			effective.APIKey = fb.APIKey
		}
		if effective.BaseURL == "" {
			effective.BaseURL = fb.BaseURL
		}
	}

	gw, err := s.sessionGateway(sess, effective)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	requestID, _ := uuid.NewV7()
	emitter := stream.NewEmitter(256)
	gw.OnDowngrade = func(from, to llm.Mode) {
		emitter.Text("Adjusting to a model compatibility issue; continuing with reduced capabilities.")
		s.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceGateway,
			Kind:      events.KindDowngrade,
			Data: map[string]any{
				"request_id": requestID.String(),
				"from":       from.String(),
				"to":         to.String(),
			},
		})
	}

	systemPrompt := req.SystemPrompt

	var providers []tools.Provider
	if req.ToolsEnabled {
		providers = append(providers, s.providers...)
	}

	// The playbook control tool exists only for playbook runs; outside
	// them it must be absent so it cannot be miscalled.
	if req.IsPlaybookRun && req.PlaybookID != "" {
		graph, err := s.remote.PlaybookGraph(r.Context(), token, req.PlaybookID)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "fetch playbook: "+err.Error())
			return
		}
		relay := playbook.NewRelay(graph, requestID.String(), nil, s.bus, s.logger)
		providers = append(providers, relay.Provider())
		if systemPrompt != "" {
			systemPrompt += "\n\n"
		}
		systemPrompt += graph.Instructions()
	}

	conv := &llm.Conversation{}
	if systemPrompt != "" {
		conv.Append(llm.Message{Role: "system", Content: systemPrompt})
	}
	conv.Append(req.Conversation...)

	params := agent.Params{
		RequestID:     requestID.String(),
		Session:       sess,
		Conversation:  conv,
		Gateway:       gw,
		Registry:      tools.NewRegistry(s.logger, providers...),
		Guard:         s.guard,
		Emitter:       emitter,
		Bus:           s.bus,
		Store:         s.store,
		Logger:        s.logger,
		Speed:         tools.Speed(sess.Speed()),
		MaxIterations: req.MaxIterations,
		InfiniteMode:  req.InfiniteMode,
	}

	go agent.NewLoop(s.logger).Run(r.Context(), params)
	s.streamSSE(w, emitter)
}

// streamSSE drains the emitter onto the response as server-sent
// events. The channel closes after the done event.
func (s *Server) streamSSE(w http.ResponseWriter, emitter *stream.Emitter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for ev := range emitter.Events() {
		if _, err := w.Write([]byte("data: ")); err != nil {
			// Client is gone; keep draining so the loop can finish.
			continue
		}
		if err := enc.Encode(ev); err != nil {
			continue
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			continue
		}
		flusher.Flush()
	}
}

func (s *Server) fetchModelSources(r *http.Request, token string) (override, sysDefault *llm.ModelConfig) {
	if s.remote == nil {
		return nil, nil
	}
	var err error
	if override, err = s.remote.ModelOverride(r.Context(), token); err != nil {
		s.logger.Debug("model override lookup failed", "error", err)
		override = nil
	}
	if sysDefault, err = s.remote.SystemDefault(r.Context(), token); err != nil {
		s.logger.Debug("system default lookup failed", "error", err)
		sysDefault = nil
	}
	return override, sysDefault
}

func (s *Server) fetchQuotaProfile(r *http.Request, token string) *usage.Profile {
	if s.remote == nil {
		return nil
	}
	profile, err := s.remote.QuotaProfile(r.Context(), token)
	if err != nil {
		s.logger.Debug("quota profile lookup failed", "error", err)
		return nil
	}
	return profile
}
