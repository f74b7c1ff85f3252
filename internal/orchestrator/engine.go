package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deepknow/omniagent/internal/config"
	"github.com/deepknow/omniagent/internal/observe"
	"github.com/deepknow/omniagent/internal/transcript"
	"github.com/deepknow/omniagent/pkg/provider/llm"
	"github.com/deepknow/omniagent/pkg/provider/stt"
	"github.com/deepknow/omniagent/pkg/types"
)

// execEventBuf is the buffer depth of the channel returned by
// [Orchestrator.Execute].
const execEventBuf = 64

// ErrSTT marks speech recognition failures so callers can tell them apart
// from generation failures.
var ErrSTT = errors.New("speech recognition failed")

// Orchestrator drives tasks through perception, trigger, and reasoning for
// the non-streaming flows: unary chat, SSE chat, one-shot recognition, and
// the unary multimodal Process call.
type Orchestrator struct {
	llmP      llm.Provider
	sttP      stt.Provider
	policy    Policy
	corrector *transcript.Corrector
	metrics   *observe.Metrics
	defaults  config.DefaultsConfig
}

// Option configures an Orchestrator during construction.
type Option func(*Orchestrator)

// WithCorrector installs a hotword corrector applied to final transcripts.
func WithCorrector(c *transcript.Corrector) Option {
	return func(o *Orchestrator) { o.corrector = c }
}

// WithMetrics installs the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithDefaults sets fallback generation and recognition parameters.
func WithDefaults(d config.DefaultsConfig) Option {
	return func(o *Orchestrator) { o.defaults = d }
}

// New builds an Orchestrator over the given providers. policy may be nil, in
// which case the plain rule policy is used.
func New(llmP llm.Provider, sttP stt.Provider, policy Policy, opts ...Option) *Orchestrator {
	if policy == nil {
		policy = RulePolicy{}
	}
	o := &Orchestrator{llmP: llmP, sttP: sttP, policy: policy}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Policy returns the trigger policy the orchestrator was built with.
func (o *Orchestrator) Policy() Policy { return o.policy }

// Corrector returns the hotword corrector, nil when none is installed.
func (o *Orchestrator) Corrector() *transcript.Corrector { return o.corrector }

// Override carries per-request generation parameter overrides. Nil pointer
// fields leave the session or default value in place.
type Override struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// completionRequest assembles an LLM request from the session configuration,
// the application defaults, and an optional per-request override.
func (o *Orchestrator) completionRequest(sess *Session, messages []types.Message, ov *Override) llm.CompletionRequest {
	cfg := sess.Config().LLM

	req := llm.CompletionRequest{
		Messages:     messages,
		Model:        cfg.Model,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
		SystemPrompt: cfg.SystemMessage,
	}
	if req.Temperature == 0 {
		req.Temperature = o.defaults.LLM.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = o.defaults.LLM.MaxTokens
	}
	if req.SystemPrompt == "" {
		req.SystemPrompt = o.defaults.LLM.SystemPrompt
	}
	if ov != nil {
		if ov.Model != "" {
			req.Model = ov.Model
		}
		if ov.Temperature != nil {
			req.Temperature = *ov.Temperature
		}
		if ov.MaxTokens != nil {
			req.MaxTokens = *ov.MaxTokens
		}
	}
	return req
}

// sttSessionConfig assembles an STT session config from the session
// configuration and the application defaults.
func (o *Orchestrator) sttSessionConfig(cfg STTConfig) stt.SessionConfig {
	sc := stt.SessionConfig{
		Model:             cfg.Model,
		Language:          cfg.Language,
		SampleRate:        cfg.SampleRate,
		EnablePunctuation: cfg.EnablePunctuation,
		EnableITN:         o.defaults.STT.EnableITN,
		Hotwords:          cfg.Hotwords,
	}
	if sc.Language == "" {
		sc.Language = o.defaults.STT.Language
	}
	if sc.SampleRate == 0 {
		sc.SampleRate = o.defaults.STT.SampleRate
	}
	if sc.MaxSentenceSilenceMS == 0 {
		sc.MaxSentenceSilenceMS = o.defaults.STT.MaxSentenceSilenceMS
	}
	if len(sc.Hotwords) == 0 && o.corrector != nil {
		sc.Hotwords = o.corrector.Hotwords()
	}
	return sc
}

// correctFinal runs a final transcript through the hotword corrector when
// one is installed.
func (o *Orchestrator) correctFinal(text string, hotwords []string) string {
	if o.corrector == nil || text == "" {
		return text
	}
	if len(hotwords) > 0 {
		// Session-scoped hotwords take precedence over the global list.
		c := transcript.NewCorrector(nil, hotwords)
		corrected, _ := c.Correct(text)
		return corrected
	}
	corrected, _ := o.corrector.Correct(text)
	return corrected
}

// Chat performs one unary chat exchange on the session: session context plus
// the user message in, full assistant reply out. The (user, assistant) pair
// is committed to the session context on success.
func (o *Orchestrator) Chat(ctx context.Context, sess *Session, content string, ov *Override) (*llm.CompletionResponse, error) {
	msgs := append(sess.Context(), types.Message{Role: types.RoleUser, Content: content})
	req := o.completionRequest(sess, msgs, ov)

	resp, err := o.llmP.Complete(ctx, req)
	if err != nil {
		sess.AddError()
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	sess.AddLLMRequest(resp.Usage.TotalTokens)
	sess.AppendExchange(content, resp.Content)
	return resp, nil
}

// ChatStream performs one streaming chat exchange on the session. Chunks are
// forwarded to the returned channel; when the stream finishes cleanly the
// (user, assistant) pair is committed to the session context. A mid-stream
// failure arrives as a chunk with FinishReason "error" and the turn is not
// committed.
func (o *Orchestrator) ChatStream(ctx context.Context, sess *Session, content string, ov *Override) (<-chan llm.Chunk, error) {
	msgs := append(sess.Context(), types.Message{Role: types.RoleUser, Content: content})
	req := o.completionRequest(sess, msgs, ov)

	upstream, err := o.llmP.StreamCompletion(ctx, req)
	if err != nil {
		sess.AddError()
		return nil, fmt.Errorf("chat stream: %w", err)
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		start := time.Now()
		first := true
		var full strings.Builder
		failed := false

		for chunk := range upstream {
			if first && chunk.Text != "" {
				if o.metrics != nil {
					o.metrics.LLMFirstChunk.Record(ctx, time.Since(start).Seconds())
				}
				first = false
			}
			full.WriteString(chunk.Text)
			if chunk.FinishReason == "error" {
				failed = true
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}

		if failed {
			sess.AddError()
			return
		}
		sess.AddLLMRequest(0)
		sess.AppendExchange(content, full.String())
	}()
	return out, nil
}

// Recognize transcribes a complete audio buffer via the one-shot STT path
// and applies hotword correction to the result.
func (o *Orchestrator) Recognize(ctx context.Context, cfg STTConfig, audio []byte) (string, error) {
	sc := o.sttSessionConfig(cfg)

	start := time.Now()
	text, err := stt.TranscribeOnce(ctx, o.sttP, sc, audio)
	if o.metrics != nil {
		o.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSTT, err)
	}
	return o.correctFinal(text, cfg.Hotwords), nil
}

// Input is one element of a unary multimodal Process request.
type Input struct {
	// Type is "text" or "audio".
	Type string `json:"type"`

	// Content carries the text for text inputs.
	Content string `json:"content,omitempty"`

	// Audio carries raw PCM bytes for audio inputs (base64 in JSON).
	Audio []byte `json:"audio,omitempty"`

	// SampleRate overrides the session's STT sample rate for this input.
	SampleRate int `json:"sample_rate,omitempty"`
}

// ProcessResult is the outcome of a unary multimodal Process call.
type ProcessResult struct {
	Outputs         []types.Message `json:"outputs"`
	FinishReason    string          `json:"finish_reason"`
	TranscribedText string          `json:"transcribed_text"`
	Usage           llm.Usage       `json:"usage"`
}

// Process handles a unary multimodal request: audio inputs are transcribed
// one-shot, text inputs pass through, the combined perception drives a
// single LLM completion. An empty input list returns finish_reason
// "no_input" without touching the LLM.
func (o *Orchestrator) Process(ctx context.Context, sess *Session, inputs []Input, ov *Override) (*ProcessResult, error) {
	if len(inputs) == 0 {
		return &ProcessResult{Outputs: []types.Message{}, FinishReason: "no_input"}, nil
	}

	modalities := make([]Modality, 0, 2)
	for _, in := range inputs {
		switch in.Type {
		case "audio":
			modalities = append(modalities, ModalityAudio)
		default:
			modalities = append(modalities, ModalityText)
		}
	}
	task := sess.CreateTask("", modalities)
	task.UpdateStatus(TaskPerceiving)

	sttCfg := sess.Config().STT
	var transcribed []string
	for _, in := range inputs {
		switch in.Type {
		case "audio":
			cfg := sttCfg
			if in.SampleRate > 0 {
				cfg.SampleRate = in.SampleRate
			}
			sess.AddSTTRequest()
			text, err := o.Recognize(ctx, cfg, in.Audio)
			if err != nil {
				sess.AddError()
				task.Fail(err.Error())
				return nil, fmt.Errorf("transcribe input: %w", err)
			}
			transcribed = append(transcribed, text)
			if strings.TrimSpace(text) != "" {
				task.AddPerception(NewPerceptionEvent(ModalityAudio, StageFinal, text, 1.0))
			}
		default:
			if in.Content != "" {
				task.AddPerception(NewPerceptionEvent(ModalityText, StageFinal, in.Content, 1.0))
			}
		}
	}

	msgs := task.Messages()
	if len(msgs) == 0 || msgs[len(msgs)-1].Role != types.RoleUser {
		// Every input was empty after transcription.
		task.Complete("")
		return &ProcessResult{
			Outputs:         []types.Message{},
			FinishReason:    "no_input",
			TranscribedText: strings.Join(transcribed, " "),
		}, nil
	}

	task.UpdateStatus(TaskThinking)
	req := o.completionRequest(sess, msgs, ov)
	resp, err := o.llmP.Complete(ctx, req)
	if err != nil {
		sess.AddError()
		task.Fail(err.Error())
		return nil, fmt.Errorf("process completion: %w", err)
	}

	userContent := msgs[len(msgs)-1].Content
	sess.AddLLMRequest(resp.Usage.TotalTokens)
	sess.AppendExchange(userContent, resp.Content)
	task.Complete(resp.Content)

	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	return &ProcessResult{
		Outputs:         []types.Message{{Role: types.RoleAssistant, Content: resp.Content}},
		FinishReason:    finish,
		TranscribedText: strings.Join(transcribed, " "),
		Usage:           resp.Usage,
	}, nil
}

// ExecEventType classifies events yielded by [Orchestrator.Execute].
type ExecEventType string

const (
	ExecPerception ExecEventType = "perception"
	ExecThinking   ExecEventType = "thinking"
	ExecComplete   ExecEventType = "complete"
	ExecError      ExecEventType = "error"
)

// ExecEvent is one incremental result of driving a task.
type ExecEvent struct {
	Type       ExecEventType
	Perception *PerceptionEvent
	Delta      string
	Result     string
	Err        error
}

// Execute drives a task through perception, trigger, and reasoning, yielding
// incremental events on the returned channel. audioFrames may be nil when
// the task has no audio modality; when non-nil, the caller closes it to end
// the audio phase. The channel is closed after the terminal complete or
// error event.
func (o *Orchestrator) Execute(ctx context.Context, sess *Session, task *Task, audioFrames <-chan []byte) (<-chan ExecEvent, error) {
	hasAudio := false
	for _, m := range task.InputModalities {
		if m == ModalityAudio {
			hasAudio = true
		}
	}

	out := make(chan ExecEvent, execEventBuf)
	go func() {
		defer close(out)
		var err error
		if hasAudio && audioFrames != nil {
			err = o.runAudio(ctx, sess, task, audioFrames, out)
		} else {
			err = o.runDirect(ctx, sess, task, out)
		}
		if err != nil {
			sess.AddError()
			task.Fail(err.Error())
			emit(ctx, out, ExecEvent{Type: ExecError, Err: err})
			return
		}
		task.Complete(task.Result())
		emit(ctx, out, ExecEvent{Type: ExecComplete, Result: task.Result()})
	}()
	return out, nil
}

// runDirect handles text-only and modality-less tasks: the instruction (or
// text perception) is sent straight to the LLM.
func (o *Orchestrator) runDirect(ctx context.Context, sess *Session, task *Task, out chan<- ExecEvent) error {
	task.UpdateStatus(TaskPerceiving)
	if task.Instruction != "" {
		ev := NewPerceptionEvent(ModalityText, StageFinal, task.Instruction, 1.0)
		task.AddPerception(ev)
		emit(ctx, out, ExecEvent{Type: ExecPerception, Perception: &ev})
	}
	return o.reason(ctx, sess, task, out)
}

// runAudio feeds the audio frames through an STT session and reasons over
// each triggering final. The STT handle is stopped on every exit path.
func (o *Orchestrator) runAudio(ctx context.Context, sess *Session, task *Task, audioFrames <-chan []byte, out chan<- ExecEvent) error {
	task.UpdateStatus(TaskPerceiving)
	sess.AddSTTRequest()

	cfg := o.sttSessionConfig(sess.Config().STT)
	handle, err := o.sttP.StartSession(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start stt session: %w", err)
	}
	defer handle.Stop()

	// Forward caller frames until the input channel closes, then stop the
	// recognizer so its event channel drains and closes.
	go func() {
		for frame := range audioFrames {
			if err := handle.SendAudio(frame); err != nil {
				observe.Logger(ctx).Warn("send audio failed", "error", err)
				return
			}
		}
		handle.Stop()
	}()

	hotwords := sess.Config().STT.Hotwords
	for ev := range handle.Events() {
		switch ev.Kind {
		case stt.EventReady:
			continue
		case stt.EventError:
			return fmt.Errorf("stt session: %w", ev.Err)
		case stt.EventPartial:
			pe := NewPerceptionEvent(ModalityAudio, StagePartial, ev.Result.Text, ev.Result.Confidence)
			emit(ctx, out, ExecEvent{Type: ExecPerception, Perception: &pe})
		case stt.EventFinal:
			text := o.correctFinal(ev.Result.Text, hotwords)
			pe := NewPerceptionEvent(ModalityAudio, StageFinal, text, ev.Result.Confidence)
			task.AddPerception(pe)
			emit(ctx, out, ExecEvent{Type: ExecPerception, Perception: &pe})

			if o.policy.ShouldInvoke(ctx, task, pe) {
				if err := o.reason(ctx, sess, task, out); err != nil {
					return err
				}
				task.UpdateStatus(TaskPerceiving)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// reason runs one LLM pass over the task's rendered messages, streaming
// deltas as thinking events, then commits the exchange to the session
// context, records a reasoning step, and clears the perception buffer.
func (o *Orchestrator) reason(ctx context.Context, sess *Session, task *Task, out chan<- ExecEvent) error {
	msgs := task.Messages()
	if len(msgs) == 0 || msgs[len(msgs)-1].Role != types.RoleUser {
		return nil
	}
	userContent := msgs[len(msgs)-1].Content

	task.UpdateStatus(TaskThinking)
	start := time.Now()

	req := o.completionRequest(sess, msgs, nil)
	chunks, err := o.llmP.StreamCompletion(ctx, req)
	if err != nil {
		return fmt.Errorf("llm stream: %w", err)
	}

	var full strings.Builder
	for chunk := range chunks {
		if chunk.FinishReason == "error" {
			return fmt.Errorf("llm stream: %s", chunk.Text)
		}
		if chunk.Text != "" {
			full.WriteString(chunk.Text)
			emit(ctx, out, ExecEvent{Type: ExecThinking, Delta: chunk.Text})
		}
	}

	elapsed := time.Since(start)
	if o.metrics != nil {
		o.metrics.TurnDuration.Record(ctx, elapsed.Seconds())
	}
	task.AddStep(Step{
		Type:       StepReasoning,
		Trigger:    userContent,
		Thought:    full.String(),
		DurationMS: elapsed.Milliseconds(),
	})
	sess.AddLLMRequest(0)
	sess.AppendExchange(userContent, full.String())
	task.ClearPerception()

	// Remember the latest answer so Execute can surface it as the task
	// result after the audio phase ends.
	task.mu.Lock()
	task.result = full.String()
	task.mu.Unlock()
	return nil
}

// emit pushes an event unless the context is already cancelled.
func emit(ctx context.Context, out chan<- ExecEvent, ev ExecEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
