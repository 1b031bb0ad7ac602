// Package session tracks the HTTP transport's client sessions. Stdio has
// exactly one implicit session; HTTP clients are issued a session ID on
// initialize and present it on every subsequent request.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	sessionIDPrefix = "ses_"

	// DefaultIdleTimeout is how long a session may go without traffic
	// before the sweeper reclaims it.
	DefaultIdleTimeout = time.Hour

	sweepInterval = 5 * time.Minute
)

// Session is one client's identity and liveness record. AgentID,
// AgentType, and Metadata come from the transport headers at creation.
type Session struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agentId"`
	AgentType string          `json:"agentType"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	LastSeen  time.Time       `json:"lastSeen"`

	Initialized bool `json:"initialized"`
}

// Manager is the thread-safe session table with background idle reaping.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	idleTimeout time.Duration
	now         func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithIdleTimeout overrides the idle reclamation deadline.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

// WithClock overrides the clock in tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a session manager and starts its idle sweeper.
func NewManager(logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sessions:    make(map[string]*Session),
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
		cancel:      cancel,
		done:        make(chan struct{}),
		logger:      logger.With("component", "session.Manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.sweep(ctx)
	return m
}

// Create registers a new session from the transport's identity headers.
func (m *Manager) Create(agentID, agentType string, metadata json.RawMessage) *Session {
	now := m.now().UTC()
	s := &Session{
		ID:        sessionIDPrefix + ulid.Make().String(),
		AgentID:   agentID,
		AgentType: agentType,
		Metadata:  metadata,
		CreatedAt: now,
		LastSeen:  now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Info("session created", "session_id", s.ID, "agent_id", agentID)
	return s
}

// Get returns the session and refreshes its liveness.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	s.LastSeen = m.now().UTC()
	return s, true
}

// MarkInitialized records that the session completed the initialize
// handshake. Requests before that point are rejected by the pipeline.
func (m *Manager) MarkInitialized(id string) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		s.Initialized = true
	}
	m.mu.Unlock()
}

// IsInitialized reports whether the session completed the handshake. The
// read holds the table lock; callers must not read Session.Initialized
// through a shared pointer while other goroutines may be initializing.
func (m *Manager) IsInitialized(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return ok && s.Initialized
}

// Delete removes a session. Returns false if it did not exist.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		m.logger.Info("session deleted", "session_id", id)
	}
	return ok
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close stops the idle sweeper.
func (m *Manager) Close() {
	m.cancel()
	<-m.done
}

// sweep reclaims sessions idle past the deadline.
func (m *Manager) sweep(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	cutoff := m.now().UTC().Add(-m.idleTimeout)

	m.mu.Lock()
	var reaped []string
	for id, s := range m.sessions {
		if s.LastSeen.Before(cutoff) {
			delete(m.sessions, id)
			reaped = append(reaped, id)
		}
	}
	m.mu.Unlock()

	for _, id := range reaped {
		m.logger.Info("session reclaimed after idle timeout", "session_id", id)
	}
}
