package orchestrator

import (
	"sync"
	"time"

	"github.com/deepknow/omniagent/pkg/types"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionCreated SessionStatus = "CREATED"
	SessionActive  SessionStatus = "ACTIVE"
	SessionPaused  SessionStatus = "PAUSED"
	SessionClosed  SessionStatus = "CLOSED"
	SessionExpired SessionStatus = "EXPIRED"
)

// STTConfig is the per-session speech recognition configuration.
type STTConfig struct {
	Provider          string   `json:"provider,omitempty" yaml:"provider"`
	Model             string   `json:"model,omitempty" yaml:"model"`
	Language          string   `json:"language,omitempty" yaml:"language"`
	SampleRate        int      `json:"sample_rate,omitempty" yaml:"sample_rate"`
	EnablePunctuation bool     `json:"enable_punctuation,omitempty" yaml:"enable_punctuation"`
	Hotwords          []string `json:"hotwords,omitempty" yaml:"hotwords"`
}

// LLMConfig is the per-session language model configuration.
type LLMConfig struct {
	Provider      string  `json:"provider,omitempty" yaml:"provider"`
	Model         string  `json:"model,omitempty" yaml:"model"`
	Temperature   float64 `json:"temperature,omitempty" yaml:"temperature"`
	MaxTokens     int     `json:"max_tokens,omitempty" yaml:"max_tokens"`
	SystemMessage string  `json:"system_message,omitempty" yaml:"system_message"`
}

// SessionConfig bundles everything a session needs to drive its providers.
type SessionConfig struct {
	STT            STTConfig `json:"stt" yaml:"stt"`
	LLM            LLMConfig `json:"llm" yaml:"llm"`
	TimeoutSeconds int       `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
}

// Stats holds per-session usage counters. Counters are written under the
// session mutex by the session's owning handler.
type Stats struct {
	TasksCount  int64 `json:"tasks_count"`
	STTRequests int64 `json:"stt_requests"`
	LLMRequests int64 `json:"llm_requests"`
	TotalTokens int64 `json:"total_tokens"`
	ErrorsCount int64 `json:"errors_count"`
}

// Session is a long-lived multi-turn container of tasks. It holds the
// provider configuration, the derived conversation context, and usage
// counters. Expiry is absolute: ExpiresAt is fixed at creation and Touch
// never extends it.
type Session struct {
	ID       string
	ClientID string
	TraceID  string

	mu        sync.RWMutex
	config    SessionConfig
	status    SessionStatus
	tasks     []*Task
	context   []types.Message
	stats     Stats
	metadata  map[string]string
	createdAt time.Time
	updatedAt time.Time
	expiresAt time.Time
}

// newSession is called by the Manager under its lock; timeout has already
// been defaulted.
func newSession(clientID, traceID string, cfg SessionConfig, metadata map[string]string, now time.Time) *Session {
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	return &Session{
		ID:        newSessionID(),
		ClientID:  clientID,
		TraceID:   traceID,
		config:    cfg,
		status:    SessionActive,
		metadata:  meta,
		createdAt: now,
		updatedAt: now,
		expiresAt: now.Add(time.Duration(cfg.TimeoutSeconds) * time.Second),
	}
}

// Config returns a snapshot of the session configuration.
func (s *Session) Config() SessionConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// SetConfig replaces the session configuration. The timeout is not
// re-applied: expiry stays anchored to creation time.
func (s *Session) SetConfig(cfg SessionConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.TimeoutSeconds = s.config.TimeoutSeconds
	s.config = cfg
	s.updatedAt = time.Now()
}

// Status returns the current lifecycle state.
func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) setStatus(status SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.updatedAt = time.Now()
}

// Touch bumps UpdatedAt only. It never extends ExpiresAt.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updatedAt = time.Now()
}

// ExpiresAt returns the absolute expiry instant.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

// CreatedAt returns the creation instant.
func (s *Session) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

// isExpiredAt reports whether the session has passed its absolute expiry.
func (s *Session) isExpiredAt(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !now.Before(s.expiresAt)
}

// isActiveAt reports whether the session is ACTIVE and not yet expired.
func (s *Session) isActiveAt(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status == SessionActive && now.Before(s.expiresAt)
}

// CreateTask appends a new task to the session and bumps the task counter.
// The task receives a snapshot of the current derived context.
func (s *Session) CreateTask(instruction string, modalities []Modality) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := NewTask(instruction, modalities, s.context)
	s.tasks = append(s.tasks, task)
	s.stats.TasksCount++
	s.updatedAt = time.Now()
	return task
}

// Tasks returns a copy of the task list.
func (s *Session) Tasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Task(nil), s.tasks...)
}

// Context returns a copy of the derived conversation context: the
// concatenation of each committed (user, assistant) exchange.
func (s *Session) Context() []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Message(nil), s.context...)
}

// AppendExchange commits one completed (user, assistant) pair to the derived
// context. Uncommitted turns (cancelled mid-stream) must never reach here.
func (s *Session) AppendExchange(user, assistant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.context = append(s.context,
		types.Message{Role: types.RoleUser, Content: user},
		types.Message{Role: types.RoleAssistant, Content: assistant},
	)
	s.updatedAt = time.Now()
}

// Stats returns a snapshot of the usage counters.
func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// AddSTTRequest increments the STT request counter.
func (s *Session) AddSTTRequest() {
	s.mu.Lock()
	s.stats.STTRequests++
	s.mu.Unlock()
}

// AddLLMRequest increments the LLM request counter and adds tokens to the
// usage total.
func (s *Session) AddLLMRequest(tokens int) {
	s.mu.Lock()
	s.stats.LLMRequests++
	s.stats.TotalTokens += int64(tokens)
	s.mu.Unlock()
}

// AddError increments the error counter.
func (s *Session) AddError() {
	s.mu.Lock()
	s.stats.ErrorsCount++
	s.mu.Unlock()
}

// Descriptor is the JSON representation of a session returned by the REST
// API.
type Descriptor struct {
	SessionID  string            `json:"session_id"`
	ClientID   string            `json:"client_id"`
	TraceID    string            `json:"trace_id"`
	Status     SessionStatus     `json:"status"`
	Config     SessionConfig     `json:"config"`
	Stats      Stats             `json:"stats"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
	TasksCount int               `json:"tasks_count"`
}

// Describe returns a point-in-time descriptor of the session.
func (s *Session) Describe() Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		meta[k] = v
	}
	return Descriptor{
		SessionID:  s.ID,
		ClientID:   s.ClientID,
		TraceID:    s.TraceID,
		Status:     s.status,
		Config:     s.config,
		Stats:      s.stats,
		Metadata:   meta,
		CreatedAt:  s.createdAt,
		UpdatedAt:  s.updatedAt,
		ExpiresAt:  s.expiresAt,
		TasksCount: len(s.tasks),
	}
}
