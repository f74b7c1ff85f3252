package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deepknow/omniagent/internal/config"
	"github.com/deepknow/omniagent/internal/observe"
	"github.com/deepknow/omniagent/internal/orchestrator"
	"github.com/deepknow/omniagent/internal/transcript"
	"github.com/deepknow/omniagent/pkg/provider/llm"
	"github.com/deepknow/omniagent/pkg/provider/stt"
	"github.com/deepknow/omniagent/pkg/types"
)

const (
	defaultOutputCap    = 256
	defaultLLMQueueCap  = 16
	defaultDrainTimeout = 30 * time.Second
)

// errCancelled marks a client-initiated cancel; Serve swallows it.
var errCancelled = errors.New("stream cancelled by client")

// Transport abstracts the bidirectional frame connection. The WebSocket
// endpoint wraps a real connection; tests drive the handler with in-memory
// channel transports. ReadFrame and WriteFrame must honour ctx cancellation.
type Transport interface {
	ReadFrame(ctx context.Context) (*ClientFrame, error)
	WriteFrame(ctx context.Context, frame *ServerFrame) error
}

// Handler serves bidirectional multimodal streams. One Serve call handles
// one stream; the Handler itself is stateless across streams and safe for
// concurrent use.
type Handler struct {
	sessions  *orchestrator.Manager
	sttP      stt.Provider
	llmP      llm.Provider
	policy    orchestrator.Policy
	corrector *transcript.Corrector
	metrics   *observe.Metrics
	defaults  config.DefaultsConfig

	outputCap    int
	llmQueueCap  int
	drainTimeout time.Duration
}

// Option configures a Handler during construction.
type Option func(*Handler)

// WithCorrector installs a hotword corrector applied to final transcripts.
func WithCorrector(c *transcript.Corrector) Option {
	return func(h *Handler) { h.corrector = c }
}

// WithMetrics installs the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithDefaults sets fallback generation and recognition parameters.
func WithDefaults(d config.DefaultsConfig) Option {
	return func(h *Handler) { h.defaults = d }
}

// WithQueueCapacities bounds the output and pending-sentence queues from the
// stream section of the application config. Zero values keep the defaults.
func WithQueueCapacities(cfg config.StreamConfig) Option {
	return func(h *Handler) {
		if cfg.OutputQueueCapacity > 0 {
			h.outputCap = cfg.OutputQueueCapacity
		}
		if cfg.LLMQueueCapacity > 0 {
			h.llmQueueCap = cfg.LLMQueueCapacity
		}
	}
}

// WithDrainTimeout bounds how long END_AUDIO waits for in-flight LLM turns
// before emitting the terminal Complete.
func WithDrainTimeout(d time.Duration) Option {
	return func(h *Handler) { h.drainTimeout = d }
}

// NewHandler builds a stream Handler. policy may be nil, defaulting to the
// plain rule policy.
func NewHandler(sessions *orchestrator.Manager, sttP stt.Provider, llmP llm.Provider, policy orchestrator.Policy, opts ...Option) *Handler {
	if policy == nil {
		policy = orchestrator.RulePolicy{}
	}
	h := &Handler{
		sessions:     sessions,
		sttP:         sttP,
		llmP:         llmP,
		policy:       policy,
		outputCap:    defaultOutputCap,
		llmQueueCap:  defaultLLMQueueCap,
		drainTimeout: defaultDrainTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// turnState is the per-stream mutable state. history and answerIndex are
// owned by the LLM worker; the queues connect the three roles.
type turnState struct {
	sess     *orchestrator.Session
	startCfg StartConfig
	hotwords []string

	pending chan string       // FIFO of final transcripts awaiting the LLM worker
	output  chan *ServerFrame // FIFO feeding the single response sender

	history     []types.Message
	answerIndex int

	sttFatal  chan struct{}
	fatalOnce sync.Once

	pumpDone   chan struct{}
	workerDone chan struct{}
}

func (st *turnState) markSTTFatal() {
	st.fatalOnce.Do(func() { close(st.sttFatal) })
}

// Serve handles one bidirectional stream on transport. It returns when the
// stream ends normally (END_AUDIO), the client cancels, the transport drops,
// or an unrecoverable error occurs.
func (h *Handler) Serve(ctx context.Context, transport Transport) error {
	first, err := transport.ReadFrame(ctx)
	if err != nil {
		return fmt.Errorf("read start frame: %w", err)
	}
	if first.Type != FrameStart || first.Start == nil {
		frame := errorFrame(types.CodeInvalidParam, "first frame must be start", false)
		_ = transport.WriteFrame(ctx, frame)
		return fmt.Errorf("first frame is %q, want start", first.Type)
	}
	start := first.Start

	sess, ephemeral, err := h.resolveSession(ctx, start)
	if err != nil {
		code := types.CodeSessionMissing
		switch {
		case errors.Is(err, orchestrator.ErrSessionExpired):
			code = types.CodeSessionExpired
		case errors.Is(err, orchestrator.ErrCapacity):
			code = types.CodeQuotaExceeded
		}
		_ = transport.WriteFrame(ctx, errorFrame(code, err.Error(), false))
		return err
	}
	if ephemeral {
		defer h.sessions.Close(ctx, sess.ID)
	}

	handle, err := h.sttP.StartSession(ctx, h.sttConfig(sess, start.Config))
	if err != nil {
		_ = transport.WriteFrame(ctx, errorFrame(types.CodeSTTError, err.Error(), false))
		return fmt.Errorf("start stt session: %w", err)
	}
	defer handle.Stop()

	if h.metrics != nil {
		h.metrics.ActiveStreams.Add(ctx, 1)
		defer h.metrics.ActiveStreams.Add(ctx, -1)
	}

	st := &turnState{
		sess:       sess,
		startCfg:   start.Config,
		hotwords:   h.mergedHotwords(sess, start.Config),
		pending:    make(chan string, h.llmQueueCap),
		output:     make(chan *ServerFrame, h.outputCap),
		sttFatal:   make(chan struct{}),
		pumpDone:   make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	st.history = sess.Context()

	streamCtx, streamCancel := context.WithCancel(ctx)
	defer streamCancel()

	// Ready is the first frame on the wire; it goes into the queue before
	// the sender starts so nothing can overtake it.
	st.output <- readyFrame(sess.ID, "stream ready")
	sess.AddSTTRequest()

	// Initial audio goes to the recognizer up front. Initial text is queued
	// by the STT pump once it runs, so the bounded sentence queue always has
	// a live consumer regardless of how many inputs the Start frame carries.
	initialTexts, err := h.sendInitialAudio(handle, start.InitialInputs)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(streamCtx)
	g.Go(func() error { return h.sender(gctx, transport, st) })
	g.Go(func() error { defer close(st.workerDone); return h.llmWorker(gctx, st) })
	g.Go(func() error { defer close(st.pumpDone); return h.sttPump(gctx, st, handle, initialTexts) })

	readErr := h.readLoop(gctx, transport, st, handle, streamCancel)

	// The reader has finished its teardown; wait for the group.
	if err := g.Wait(); err != nil && readErr == nil {
		readErr = err
	}
	if errors.Is(readErr, errCancelled) {
		return nil
	}
	return readErr
}

// resolveSession attaches to the session named on the Start frame or creates
// an ephemeral one for the lifetime of the stream.
func (h *Handler) resolveSession(ctx context.Context, start *StartPayload) (*orchestrator.Session, bool, error) {
	if start.SessionID != "" {
		sess, err := h.sessions.GetActive(start.SessionID)
		if err != nil {
			return nil, false, err
		}
		return sess, false, nil
	}
	cfg := &orchestrator.SessionConfig{
		STT: orchestrator.STTConfig{
			Model:      start.Config.STTModel,
			Language:   start.Config.Language,
			SampleRate: start.Config.SampleRate,
			Hotwords:   start.Config.Hotwords,
		},
		LLM: orchestrator.LLMConfig{
			Model:         start.Config.LLMModel,
			Temperature:   start.Config.Temperature,
			MaxTokens:     start.Config.MaxTokens,
			SystemMessage: start.Config.SystemPrompt,
		},
	}
	sess, err := h.sessions.Create(ctx, "stream", cfg, nil)
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// sttConfig merges start-frame overrides, session config, and application
// defaults into the recognizer session config.
func (h *Handler) sttConfig(sess *orchestrator.Session, start StartConfig) stt.SessionConfig {
	sc := sess.Config().STT
	cfg := stt.SessionConfig{
		Model:                sc.Model,
		Language:             sc.Language,
		SampleRate:           sc.SampleRate,
		EnablePunctuation:    sc.EnablePunctuation,
		EnableITN:            h.defaults.STT.EnableITN,
		Hotwords:             sc.Hotwords,
		MaxSentenceSilenceMS: h.defaults.STT.MaxSentenceSilenceMS,
	}
	if start.STTModel != "" {
		cfg.Model = start.STTModel
	}
	if start.Language != "" {
		cfg.Language = start.Language
	}
	if start.SampleRate > 0 {
		cfg.SampleRate = start.SampleRate
	}
	if len(start.Hotwords) > 0 {
		cfg.Hotwords = start.Hotwords
	}
	if cfg.Language == "" {
		cfg.Language = h.defaults.STT.Language
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = h.defaults.STT.SampleRate
	}
	if len(cfg.Hotwords) == 0 && h.corrector != nil {
		cfg.Hotwords = h.corrector.Hotwords()
	}
	return cfg
}

// mergedHotwords picks the hotword list for transcript correction: start
// frame first, then session config, then the global corrector vocabulary.
func (h *Handler) mergedHotwords(sess *orchestrator.Session, start StartConfig) []string {
	if len(start.Hotwords) > 0 {
		return start.Hotwords
	}
	if sc := sess.Config().STT; len(sc.Hotwords) > 0 {
		return sc.Hotwords
	}
	return nil
}

// sendInitialAudio forwards the Start frame's audio inputs to the recognizer
// and collects its non-empty text inputs for the STT pump to queue.
func (h *Handler) sendInitialAudio(handle stt.SessionHandle, inputs []InitialInput) ([]string, error) {
	var texts []string
	for _, in := range inputs {
		switch in.Type {
		case "text":
			if trimmed := strings.TrimSpace(in.Content); trimmed != "" {
				texts = append(texts, trimmed)
			}
		case "audio":
			if err := handle.SendAudio(in.Audio); err != nil {
				return nil, fmt.Errorf("send initial audio: %w", err)
			}
		}
	}
	return texts, nil
}

// readLoop is the request reader role: it consumes client frames until the
// stream ends and is responsible for teardown fan-out. On END_AUDIO it stops
// the recognizer, waits bounded for the worker to drain, emits the terminal
// Complete, and closes the output queue. On CANCEL or transport error it
// cancels everything and terminates promptly without flushing.
func (h *Handler) readLoop(ctx context.Context, transport Transport, st *turnState, handle stt.SessionHandle, cancel context.CancelFunc) error {
	started := time.Now()

	readerCtx, readerCancel := context.WithCancel(ctx)
	defer readerCancel()
	go func() {
		select {
		case <-st.sttFatal:
			readerCancel()
		case <-readerCtx.Done():
		}
	}()

	for {
		frame, err := transport.ReadFrame(readerCtx)
		if err != nil {
			select {
			case <-st.sttFatal:
				// The pump already emitted the Error frame; shut down so the
				// sender can flush it.
				handle.Stop()
				if h.awaitDrain(st) {
					close(st.output)
				} else {
					cancel()
				}
				return fmt.Errorf("stt session failed")
			default:
			}
			cancel()
			handle.Stop()
			h.awaitDrain(st)
			if errors.Is(err, context.Canceled) && ctx.Err() == nil {
				return errCancelled
			}
			return fmt.Errorf("read frame: %w", err)
		}

		switch frame.Type {
		case FrameAudio:
			if frame.Audio == nil {
				continue
			}
			if err := handle.SendAudio(frame.Audio.Data); err != nil {
				observe.Logger(ctx).Warn("send audio failed", "error", err)
				continue
			}
			if h.metrics != nil {
				h.metrics.AudioFrames.Add(ctx, 1)
			}

		case FrameControl:
			if frame.Control == nil {
				continue
			}
			switch frame.Control.Command {
			case ControlFlush:
				// The recognizer finalises on its own silence window; there
				// is nothing to force here.
				observe.Logger(ctx).Debug("flush requested")

			case ControlEndAudio:
				handle.Stop()
				if !h.awaitDrain(st) {
					cancel()
					return fmt.Errorf("drain timed out after end_audio")
				}
				send(ctx, st.output, completeFrame(FinishStop, CompleteMetadata{
					LatencyMS: time.Since(started).Milliseconds(),
				}))
				close(st.output)
				return nil

			case ControlCancel:
				cancel()
				handle.Stop()
				h.awaitDrain(st)
				return errCancelled

			default:
				send(ctx, st.output, errorFrame(types.CodeInvalidParam,
					"unknown control command: "+frame.Control.Command, true))
			}

		case FrameStart:
			send(ctx, st.output, errorFrame(types.CodeInvalidParam, "stream already started", true))

		default:
			send(ctx, st.output, errorFrame(types.CodeInvalidParam, "unknown frame type: "+frame.Type, true))
		}
	}
}

// awaitDrain waits bounded for the STT pump and LLM worker to finish. The
// pump ends when the recognizer's event channel closes; the worker ends when
// the pending queue closes and the in-flight turn completes or aborts. It
// reports whether both finished; the output queue may only be closed when
// they did.
func (h *Handler) awaitDrain(st *turnState) bool {
	timeout := time.After(h.drainTimeout)
	select {
	case <-st.pumpDone:
	case <-timeout:
		return false
	}
	select {
	case <-st.workerDone:
		return true
	case <-timeout:
		return false
	}
}

// sttPump forwards recognizer events into the output queue and feeds
// triggering finals to the sentence queue. It owns all sends on pending and
// its close, so it also queues the Start frame's text inputs ahead of any
// recognition result.
func (h *Handler) sttPump(ctx context.Context, st *turnState, handle stt.SessionHandle, initialTexts []string) error {
	defer close(st.pending)

	for _, text := range initialTexts {
		select {
		case st.pending <- text:
		case <-ctx.Done():
			return nil
		}
	}

	for ev := range handle.Events() {
		switch ev.Kind {
		case stt.EventReady:
			continue

		case stt.EventPartial:
			send(ctx, st.output, sttFrame(ev.Result.Text, false, ev.Result.Confidence))

		case stt.EventFinal:
			text := h.correctFinal(ev.Result.Text, st.hotwords)
			send(ctx, st.output, sttFrame(text, true, ev.Result.Confidence))

			trimmed := strings.TrimSpace(text)
			if trimmed == "" {
				continue
			}
			pe := orchestrator.NewPerceptionEvent(orchestrator.ModalityAudio, orchestrator.StageFinal, trimmed, ev.Result.Confidence)
			if !h.policy.ShouldInvoke(ctx, nil, pe) {
				continue
			}
			select {
			case st.pending <- trimmed:
			case <-ctx.Done():
				return nil
			}

		case stt.EventError:
			msg := "stt session failed"
			if ev.Err != nil {
				msg = ev.Err.Error()
			}
			send(ctx, st.output, errorFrame(types.CodeSTTError, msg, false))
			st.sess.AddError()
			st.markSTTFatal()
			return nil
		}
	}
	return nil
}

// llmWorker is the single background generation role: it pops sentences in
// FIFO order and runs one turn at a time, so turns can never interleave.
func (h *Handler) llmWorker(ctx context.Context, st *turnState) error {
	for sentence := range st.pending {
		h.runTurn(ctx, st, sentence)
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

// runTurn streams one LLM generation for sentence. On success it commits the
// (user, assistant) pair to both the stream history and the session context
// and emits the sentence_complete frame. On failure or cancellation the turn
// is abandoned without a commit.
func (h *Handler) runTurn(ctx context.Context, st *turnState, sentence string) {
	start := time.Now()
	cfg := st.sess.Config().LLM

	req := llm.CompletionRequest{
		Messages:     append(append([]types.Message(nil), st.history...), types.Message{Role: types.RoleUser, Content: sentence}),
		Model:        cfg.Model,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
		SystemPrompt: cfg.SystemMessage,
	}
	if st.startCfg.LLMModel != "" {
		req.Model = st.startCfg.LLMModel
	}
	if st.startCfg.Temperature != 0 {
		req.Temperature = st.startCfg.Temperature
	}
	if st.startCfg.MaxTokens != 0 {
		req.MaxTokens = st.startCfg.MaxTokens
	}
	if st.startCfg.SystemPrompt != "" {
		req.SystemPrompt = st.startCfg.SystemPrompt
	}
	if req.Temperature == 0 {
		req.Temperature = h.defaults.LLM.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = h.defaults.LLM.MaxTokens
	}
	if req.SystemPrompt == "" {
		req.SystemPrompt = h.defaults.LLM.SystemPrompt
	}

	chunks, err := h.llmP.StreamCompletion(ctx, req)
	if err != nil {
		st.sess.AddError()
		send(ctx, st.output, errorFrame(types.CodeLLMTurnError, err.Error(), true))
		return
	}

	index := 0
	firstChunk := true
	var full strings.Builder
	for chunk := range chunks {
		if chunk.FinishReason == "error" {
			st.sess.AddError()
			send(ctx, st.output, errorFrame(types.CodeLLMTurnError, chunk.Text, true))
			return
		}
		if chunk.Text == "" {
			continue
		}
		if firstChunk {
			if h.metrics != nil {
				h.metrics.LLMFirstChunk.Record(ctx, time.Since(start).Seconds())
			}
			firstChunk = false
		}
		full.WriteString(chunk.Text)
		if !send(ctx, st.output, llmFrame(chunk.Text, index)) {
			return
		}
		index++
	}
	if ctx.Err() != nil {
		// Cancelled mid-turn: the partial turn is abandoned, history stays
		// uncommitted.
		return
	}

	st.history = append(st.history,
		types.Message{Role: types.RoleUser, Content: sentence},
		types.Message{Role: types.RoleAssistant, Content: full.String()},
	)
	st.sess.AddLLMRequest(0)
	st.sess.AppendExchange(sentence, full.String())
	st.answerIndex++

	elapsed := time.Since(start)
	if h.metrics != nil {
		h.metrics.TurnDuration.Record(ctx, elapsed.Seconds())
	}
	send(ctx, st.output, completeFrame(FinishSentenceComplete, CompleteMetadata{
		TranscribedText: sentence,
		LatencyMS:       elapsed.Milliseconds(),
	}))
}

// sender is the single wire writer: it drains the output queue in FIFO
// order.
func (h *Handler) sender(ctx context.Context, transport Transport, st *turnState) error {
	for {
		select {
		case frame, ok := <-st.output:
			if !ok {
				return nil
			}
			if err := transport.WriteFrame(ctx, frame); err != nil {
				return fmt.Errorf("write frame: %w", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// correctFinal applies hotword correction to a final transcript.
func (h *Handler) correctFinal(text string, hotwords []string) string {
	if h.corrector == nil || text == "" {
		return text
	}
	if len(hotwords) > 0 {
		c := transcript.NewCorrector(nil, hotwords)
		corrected, _ := c.Correct(text)
		return corrected
	}
	corrected, _ := h.corrector.Correct(text)
	return corrected
}

// send enqueues a frame, blocking for back-pressure. It reports false when
// the stream context ended first.
func send(ctx context.Context, out chan<- *ServerFrame, frame *ServerFrame) bool {
	select {
	case out <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}
