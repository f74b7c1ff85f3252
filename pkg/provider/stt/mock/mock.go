// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// SessionConfig. Use Session to feed controlled Event values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartSession(ctx, cfg)
//	sess.EventsCh <- stt.Event{Kind: stt.EventFinal, Result: stt.Result{Text: "hi", IsFinal: true}}
package mock

import (
	"context"
	"sync"

	"github.com/deepknow/omniagent/pkg/provider/stt"
)

// StartSessionCall records a single invocation of Provider.StartSession.
type StartSessionCall struct {
	// Ctx is the context passed to StartSession.
	Ctx context.Context
	// Cfg is the SessionConfig passed to StartSession.
	Cfg stt.SessionConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartSession. If nil,
	// StartSession returns a fresh default Session.
	Session stt.SessionHandle

	// SessionFn, if non-nil, produces the handle per call and takes
	// precedence over Session. The call index starts at 0.
	SessionFn func(call int) stt.SessionHandle

	// StartSessionErr, if non-nil, is returned as the error from StartSession.
	StartSessionErr error

	// StartSessionCalls records every call to StartSession.
	StartSessionCalls []StartSessionCall
}

// StartSession records the call and returns the configured handle.
func (p *Provider) StartSession(ctx context.Context, cfg stt.SessionConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := len(p.StartSessionCalls)
	p.StartSessionCalls = append(p.StartSessionCalls, StartSessionCall{Ctx: ctx, Cfg: cfg})
	if p.StartSessionErr != nil {
		return nil, p.StartSessionErr
	}
	if p.SessionFn != nil {
		return p.SessionFn(call), nil
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// StartSessionCallCount returns the number of StartSession calls. Thread-safe.
func (p *Provider) StartSessionCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartSessionCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartSessionCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// Session is a mock implementation of stt.SessionHandle.
// Tests send the Event values they want the consumer to receive on EventsCh.
// Stop closes EventsCh exactly once unless CloseOnStop is false.
type Session struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events(). Tests own the sending
	// side; Stop closes it (when CloseOnStop is true) so consumers observe
	// end-of-session.
	EventsCh chan stt.Event

	// CloseOnStop controls whether Stop closes EventsCh. Defaults to true in
	// NewSession. Tests that close the channel themselves set it to false.
	CloseOnStop bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// StopErr, if non-nil, is returned by the first Stop call.
	StopErr error

	// --- Call records ---

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// StopCallCount is the number of times Stop was called.
	StopCallCount int

	stopped bool
}

// NewSession returns a Session with a buffered events channel that is closed
// by Stop.
func NewSession() *Session {
	return &Session{
		EventsCh:    make(chan stt.Event, 64),
		CloseOnStop: true,
	}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// Events returns EventsCh.
func (s *Session) Events() <-chan stt.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EventsCh
}

// Stop records the call, closes EventsCh on first invocation (when
// CloseOnStop is set), and returns StopErr. Repeated calls are no-ops.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCallCount++
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.CloseOnStop {
		close(s.EventsCh)
	}
	return s.StopErr
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.StopCallCount = 0
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
