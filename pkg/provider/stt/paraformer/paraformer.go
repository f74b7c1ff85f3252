// Package paraformer provides a DashScope Paraformer-backed STT provider
// using the DashScope streaming WebSocket API. It implements the
// stt.Provider interface.
package paraformer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/deepknow/omniagent/pkg/provider/stt"
)

const (
	dashscopeEndpoint = "wss://dashscope.aliyuncs.com/api-ws/v1/inference"
	defaultModel      = "paraformer-realtime-v2"
	defaultLanguage   = "zh-CN"
	defaultSampleRate = 16000

	// defaultKeepaliveInterval is how long a session may stay silent before a
	// silence frame is injected. DashScope tears down recognition tasks that
	// receive no audio for roughly 23 seconds; one frame every 10 seconds
	// keeps the task alive without affecting recognition output.
	defaultKeepaliveInterval = 10 * time.Second

	// silenceFrameMS is the duration of each injected keep-alive frame.
	silenceFrameMS = 100
)

// Option is a functional option for configuring the Paraformer Provider.
type Option func(*Provider)

// WithModel sets the recognition model (e.g., "paraformer-realtime-v2").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default language hint for recognition (e.g., "zh-CN").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the provider-level default audio sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithEndpoint overrides the DashScope WebSocket endpoint. Useful for tests
// and for region-specific deployments.
func WithEndpoint(url string) Option {
	return func(p *Provider) {
		p.endpoint = url
	}
}

// WithKeepaliveInterval overrides the silence-injection interval.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(p *Provider) {
		p.keepalive = d
	}
}

// Provider implements stt.Provider backed by the DashScope streaming API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
	endpoint   string
	keepalive  time.Duration
}

// New creates a new Paraformer Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("paraformer: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		endpoint:   dashscopeEndpoint,
		keepalive:  defaultKeepaliveInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartSession opens a streaming recognition task with DashScope.
// It respects cfg.Model, cfg.SampleRate, cfg.Language, and the recognition
// hint fields; zero values fall back to the provider-level defaults.
func (p *Provider) StartSession(ctx context.Context, cfg stt.SessionConfig) (stt.SessionHandle, error) {
	headers := http.Header{}
	headers.Set("Authorization", "bearer "+p.apiKey)
	headers.Set("X-DashScope-DataInspection", "enable")

	conn, _, err := websocket.Dial(ctx, p.endpoint, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("paraformer: dial: %w", err)
	}

	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}

	sess := &session{
		conn:      conn,
		taskID:    strings.ReplaceAll(uuid.NewString(), "-", ""),
		events:    make(chan stt.Event, 64),
		audio:     make(chan []byte, 256),
		started:   make(chan struct{}),
		done:      make(chan struct{}),
		keepalive: p.keepalive,
		silence:   make([]byte, sr/1000*silenceFrameMS*2),
		now:       time.Now,
	}
	sess.lastAudio = sess.now()

	if err := sess.sendRunTask(ctx, p.runTaskParameters(cfg, sr)); err != nil {
		conn.Close(websocket.StatusInternalError, "run-task failed")
		return nil, fmt.Errorf("paraformer: run-task: %w", err)
	}

	sess.wg.Add(3)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)
	go sess.keepaliveLoop(ctx)

	return sess, nil
}

// runTaskParameters builds the recognition parameter block for the run-task
// directive from the session config, falling back to provider defaults.
func (p *Provider) runTaskParameters(cfg stt.SessionConfig, sampleRate int) taskPayload {
	model := cfg.Model
	if model == "" {
		model = p.model
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	params := map[string]any{
		"format":                     "pcm",
		"sample_rate":                sampleRate,
		"language_hints":             []string{languageHint(lang)},
		"punctuation_prediction":     cfg.EnablePunctuation,
		"inverse_text_normalization": cfg.EnableITN,
	}
	if cfg.MaxSentenceSilenceMS > 0 {
		params["max_sentence_silence"] = cfg.MaxSentenceSilenceMS
	}
	if cfg.EnableWords {
		params["enable_words"] = true
	}
	if len(cfg.Hotwords) > 0 {
		params["hotwords"] = cfg.Hotwords
	}

	return taskPayload{
		TaskGroup:  "audio",
		Task:       "asr",
		Function:   "recognition",
		Model:      model,
		Parameters: params,
		Input:      map[string]any{},
	}
}

// languageHint reduces a BCP-47 tag to the bare language subtag DashScope
// expects ("zh-CN" → "zh").
func languageHint(tag string) string {
	if i := strings.IndexByte(tag, '-'); i > 0 {
		return tag[:i]
	}
	return tag
}

// ---- wire messages ----

type messageHeader struct {
	Action       string `json:"action,omitempty"`
	Event        string `json:"event,omitempty"`
	TaskID       string `json:"task_id"`
	Streaming    string `json:"streaming,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type taskPayload struct {
	TaskGroup  string         `json:"task_group,omitempty"`
	Task       string         `json:"task,omitempty"`
	Function   string         `json:"function,omitempty"`
	Model      string         `json:"model,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
}

type clientMessage struct {
	Header  messageHeader `json:"header"`
	Payload taskPayload   `json:"payload"`
}

// serverMessage is the JSON structure received from DashScope.
type serverMessage struct {
	Header  messageHeader `json:"header"`
	Payload struct {
		Output struct {
			Sentence struct {
				Text      string   `json:"text"`
				BeginTime int64    `json:"begin_time"`
				EndTime   *int64   `json:"end_time"`
				Words     []struct {
					Text      string `json:"text"`
					BeginTime int64  `json:"begin_time"`
					EndTime   int64  `json:"end_time"`
				} `json:"words"`
			} `json:"sentence"`
		} `json:"output"`
	} `json:"payload"`
}

// ---- session ----

// session is a live Paraformer recognition task. It implements
// stt.SessionHandle.
type session struct {
	conn   *websocket.Conn
	taskID string

	events  chan stt.Event
	audio   chan []byte
	started chan struct{}

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	keepalive time.Duration
	silence   []byte
	now       func() time.Time
	tick      <-chan time.Time // nil outside tests; replaces the real ticker

	mu        sync.Mutex
	lastAudio time.Time
}

// sendRunTask sends the run-task directive that opens the recognition task.
func (s *session) sendRunTask(ctx context.Context, payload taskPayload) error {
	msg := clientMessage{
		Header: messageHeader{
			Action:    "run-task",
			TaskID:    s.taskID,
			Streaming: "duplex",
		},
		Payload: payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// SendAudio queues a PCM audio chunk for delivery to DashScope. Sending on a
// stopped session is a silent no-op: a send racing a concurrent Stop is
// dropped, not failed.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	select {
	case s.audio <- chunk:
		s.mu.Lock()
		s.lastAudio = s.now()
		s.mu.Unlock()
		return nil
	case <-s.done:
		return nil
	}
}

// Events returns the channel of session events.
func (s *session) Events() <-chan stt.Event { return s.events }

// Stop terminates the recognition task cleanly. It sends the finish-task
// directive so DashScope flushes trailing finals, waits for the read loop to
// observe task-finished, then closes the connection. Repeated calls are
// no-ops.
func (s *session) Stop() error {
	s.once.Do(func() {
		close(s.done)
		msg := clientMessage{
			Header: messageHeader{
				Action:    "finish-task",
				TaskID:    s.taskID,
				Streaming: "duplex",
			},
			Payload: taskPayload{Input: map[string]any{}},
		}
		if data, err := json.Marshal(msg); err == nil {
			_ = s.conn.Write(context.Background(), websocket.MessageText, data)
		}
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session stopped")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary frames upstream.
// Audio is held back until the task-started acknowledgement arrives.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	select {
	case <-s.started:
	case <-s.done:
		return
	case <-ctx.Done():
		return
	}

	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				// The task may already have stopped; treat the frame as
				// dropped. The read loop surfaces real transport errors.
				return
			}
		case <-s.done:
			// Drain buffered audio so trailing speech is still recognised.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// keepaliveLoop injects one silence frame whenever the session has been idle
// for the keep-alive interval. Injected frames deliberately do not refresh
// lastAudio through SendAudio, so a fully silent session receives exactly one
// frame per interval.
func (s *session) keepaliveLoop(ctx context.Context) {
	defer s.wg.Done()

	tick := s.tick
	if tick == nil {
		ticker := time.NewTicker(s.keepalive)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			s.mu.Lock()
			idle := s.now().Sub(s.lastAudio)
			s.mu.Unlock()
			if idle < s.keepalive {
				continue
			}
			select {
			case s.audio <- s.silence:
			case <-s.done:
				return
			default:
				// Audio queue is full; real audio is flowing, nothing to keep alive.
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// readLoop receives JSON messages from DashScope and dispatches them to the
// events channel. It exits on task-finished, task-failed, or a transport
// error, closing the events channel on the way out.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				// Normal teardown; the connection was closed under us.
			default:
				s.emit(ctx, stt.Event{Kind: stt.EventError, Err: fmt.Errorf("paraformer: read: %w", err)})
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Header.Event {
		case "task-started":
			close(s.started)
			s.emit(ctx, stt.Event{Kind: stt.EventReady})

		case "result-generated":
			if ev, ok := parseSentence(msg); ok {
				s.emit(ctx, ev)
			}

		case "task-finished":
			return

		case "task-failed":
			s.emit(ctx, stt.Event{Kind: stt.EventError, Err: fmt.Errorf(
				"paraformer: task failed: %s: %s", msg.Header.ErrorCode, msg.Header.ErrorMessage)})
			return
		}
	}
}

// emit delivers an event unless the consumer is gone.
func (s *session) emit(ctx context.Context, ev stt.Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// parseSentence converts a result-generated message into a partial or final
// event. A sentence is final once the upstream reports a positive end time.
func parseSentence(msg serverMessage) (stt.Event, bool) {
	sent := msg.Payload.Output.Sentence
	if sent.Text == "" {
		return stt.Event{}, false
	}

	res := stt.Result{
		Text:        sent.Text,
		StartTimeMS: sent.BeginTime,
	}
	if sent.EndTime != nil && *sent.EndTime > 0 {
		res.IsFinal = true
		res.EndTimeMS = *sent.EndTime
	}
	for _, w := range sent.Words {
		res.Words = append(res.Words, stt.WordDetail{
			Word:        w.Text,
			StartTimeMS: w.BeginTime,
			EndTimeMS:   w.EndTime,
		})
	}

	kind := stt.EventPartial
	if res.IsFinal {
		kind = stt.EventFinal
	}
	return stt.Event{Kind: kind, Result: res}, true
}
