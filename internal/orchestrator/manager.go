package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/deepknow/omniagent/internal/config"
	"github.com/deepknow/omniagent/internal/observe"
)

// Sentinel errors surfaced by session lookup and admission. The HTTP layer
// maps these to the canonical business error codes.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrCapacity        = errors.New("session capacity exceeded")
)

// Manager owns every session in the process. It enforces the capacity bound
// at admission, promotes expired sessions lazily on lookup, and runs a
// background sweep that reaps expired and closed sessions.
type Manager struct {
	maxSessions     int
	cleanupInterval time.Duration
	defaultTimeout  int
	metrics         *observe.Metrics
	now             func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// ManagerOption configures a Manager during construction.
type ManagerOption func(*Manager)

// WithClock overrides the manager's time source. Tests use this to drive
// expiry deterministically.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a Manager from the session section of the application
// config. metrics may be nil in tests.
func NewManager(cfg config.SessionConfig, metrics *observe.Metrics, opts ...ManagerOption) *Manager {
	m := &Manager{
		maxSessions:     cfg.MaxSessions,
		cleanupInterval: time.Duration(cfg.CleanupIntervalSeconds) * time.Second,
		defaultTimeout:  cfg.DefaultTimeoutSeconds,
		metrics:         metrics,
		now:             time.Now,
		sessions:        make(map[string]*Session),
		done:            make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create admits a new session for clientID. When the table is full it first
// sweeps expired and closed sessions; if still full, admission fails with
// [ErrCapacity]. The session gets a fresh trace ID and is ACTIVE on return.
func (m *Manager) Create(ctx context.Context, clientID string, cfg *SessionConfig, metadata map[string]string) (*Session, error) {
	var sc SessionConfig
	if cfg != nil {
		sc = *cfg
	}
	if sc.TimeoutSeconds <= 0 {
		sc.TimeoutSeconds = m.defaultTimeout
	}

	m.mu.Lock()
	if len(m.sessions) >= m.maxSessions {
		m.sweepLocked()
	}
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.RecordSessionRejected(ctx, "capacity")
		}
		return nil, ErrCapacity
	}

	sess := newSession(clientID, observe.NewTraceID(), sc, metadata, m.now())
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionsCreated.Add(ctx, 1)
		m.metrics.ActiveSessions.Add(ctx, 1)
	}
	observe.Logger(ctx).Info("session created",
		"session_id", sess.ID,
		"client_id", clientID,
		"timeout_seconds", sc.TimeoutSeconds,
	)
	return sess, nil
}

// Get returns the session by ID regardless of its state. An expired session
// is lazily promoted to EXPIRED before being returned.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.isExpiredAt(m.now()) && sess.Status() != SessionClosed {
		sess.setStatus(SessionExpired)
	}
	return sess, nil
}

// GetActive returns the session only when it is ACTIVE and not expired.
// An expired session yields [ErrSessionExpired].
func (m *Manager) GetActive(id string) (*Session, error) {
	sess, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if sess.isExpiredAt(m.now()) {
		return nil, ErrSessionExpired
	}
	if !sess.isActiveAt(m.now()) {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Close transitions the session to CLOSED and records its tenure. The
// session stays in the table until the next sweep or an explicit Delete.
func (m *Manager) Close(ctx context.Context, id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	if sess.Status() == SessionClosed {
		return nil
	}
	sess.setStatus(SessionClosed)

	tenure := m.now().Sub(sess.CreatedAt())
	if m.metrics != nil {
		m.metrics.RecordSessionClosed(ctx, "client")
		m.metrics.ActiveSessions.Add(ctx, -1)
	}
	observe.Logger(ctx).Info("session closed",
		"session_id", id,
		"duration_ms", tenure.Milliseconds(),
		"tasks_count", sess.Stats().TasksCount,
	)
	return nil
}

// Delete removes the session from the table.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

// List returns sessions filtered by clientID and status; empty filter values
// match everything.
func (m *Manager) List(clientID string, status SessionStatus) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if clientID != "" && sess.ClientID != clientID {
			continue
		}
		if status != "" && sess.Status() != status {
			continue
		}
		out = append(out, sess)
	}
	return out
}

// Count returns the number of sessions currently in the table.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Start launches the background sweep goroutine. Stop cancels it.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.sweepLoop()
}

// Stop cancels the background sweep and waits for it to exit. Safe to call
// multiple times.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			removed := m.sweepLocked()
			m.mu.Unlock()
			if removed > 0 {
				slog.Debug("session sweep", "removed", removed)
			}
		}
	}
}

// sweepLocked removes expired and closed sessions. Caller holds m.mu.
// Closed sessions already gave back their active-session slot in Close;
// expired ones give it back here.
func (m *Manager) sweepLocked() int {
	now := m.now()
	removed := 0
	for id, sess := range m.sessions {
		status := sess.Status()
		if status != SessionClosed && !sess.isExpiredAt(now) {
			continue
		}
		delete(m.sessions, id)
		removed++
		if status != SessionClosed && m.metrics != nil {
			m.metrics.RecordSessionClosed(context.Background(), "expired")
			m.metrics.ActiveSessions.Add(context.Background(), -1)
		}
	}
	return removed
}
