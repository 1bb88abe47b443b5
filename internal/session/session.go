// Package session tracks per-automation-session state that outlives a
// single turn: the cooperative stop flag, rotating credentials, and the
// session's sticky model gateway.
package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/helderperez-dev/navreach-desktop-sub003/internal/llm"
)

// Credentials carries the secrets a session uses for remote calls.
// Updated atomically so a rotation lands between tool calls without
// interrupting a running turn.
type Credentials struct {
	// Token authenticates against the cloud control plane.
	Token string
	// Extra holds provider- or integration-specific secrets keyed by
	// name.
	Extra map[string]string
}

// Session is one automation session. A session may span many turns;
// gateway degradation and the stop flag persist across them.
type Session struct {
	ID        string
	CreatedAt time.Time

	stop  atomic.Bool
	creds atomic.Pointer[Credentials]

	// mu guards the extension fields below.
	mu      sync.Mutex
	gateway *llm.Gateway
	speed   string
}

// RequestStop raises the cooperative stop flag. Idempotent: stopping a
// session that is already stopping, or that has no running turn, is a
// no-op that still succeeds.
func (s *Session) RequestStop() {
	s.stop.Store(true)
}

// StopRequested reports whether a stop has been requested. The turn
// loop polls this at the top of each iteration and after each tool
// call.
func (s *Session) StopRequested() bool {
	return s.stop.Load()
}

// ClearStop resets the stop flag. Called when a new turn begins so a
// stale stop from a previous turn does not kill it immediately.
func (s *Session) ClearStop() {
	s.stop.Store(false)
}

// SetCredentials atomically replaces the session credentials.
func (s *Session) SetCredentials(c Credentials) {
	s.creds.Store(&c)
}

// Credentials returns the current credentials, or the zero value if
// none were set.
func (s *Session) Credentials() Credentials {
	if c := s.creds.Load(); c != nil {
		return *c
	}
	return Credentials{}
}

// SetGateway attaches the session's model gateway. The gateway is
// created on the session's first turn and reused afterwards so that
// capability downgrades stick for the session's lifetime.
func (s *Session) SetGateway(gw *llm.Gateway) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gateway = gw
}

// Gateway returns the attached gateway, or nil before the first turn.
func (s *Session) Gateway() *llm.Gateway {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gateway
}

// SetSpeed records the session pacing setting.
func (s *Session) SetSpeed(speed string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speed = speed
}

// Speed returns the session pacing setting, empty if never set.
func (s *Session) Speed() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// Manager owns the live session table.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewManager creates an empty session manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "session"),
	}
}

// GetOrCreate returns the session for id, creating it on first use.
func (m *Manager) GetOrCreate(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	s := &Session{ID: id, CreatedAt: time.Now()}
	m.sessions[id] = s
	m.logger.Debug("session created", "session_id", id)
	return s
}

// Get returns the session for id if it exists.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Stop raises the stop flag on a session. Returns false when the
// session does not exist; stopping an idle session still returns true.
func (m *Manager) Stop(id string) bool {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	s.RequestStop()
	m.logger.Info("stop requested", "session_id", id)
	return true
}

// UpdateCredentials replaces a session's credentials, creating the
// session if needed so credentials can be staged before the first turn.
func (m *Manager) UpdateCredentials(id string, c Credentials) {
	s := m.GetOrCreate(id)
	s.SetCredentials(c)
	m.logger.Info("credentials updated", "session_id", id)
}

// Remove drops a session from the table.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
