// Package stream implements the bidirectional multimodal hot path: audio
// frames flow in over a single transport while STT partials, STT finals, LLM
// deltas, and completion events flow out as one strictly ordered frame
// stream. Each final sentence automatically triggers an LLM turn that runs
// concurrently with continued audio ingestion.
package stream

// Client frame types.
const (
	FrameStart   = "start"
	FrameAudio   = "audio"
	FrameControl = "control"
)

// Control commands.
const (
	ControlFlush    = "flush"
	ControlEndAudio = "end_audio"
	ControlCancel   = "cancel"
)

// Server frame types.
const (
	FrameReady    = "ready"
	FrameStt      = "stt"
	FrameLlm      = "llm"
	FrameComplete = "complete"
	FrameError    = "error"
)

// Terminal finish reasons emitted on Complete frames.
const (
	FinishSentenceComplete = "sentence_complete"
	FinishStop             = "stop"
)

// StartConfig is the per-stream configuration snapshot carried on the Start
// frame. Zero values fall back to the session configuration, then to the
// application defaults.
type StartConfig struct {
	STTModel     string   `json:"stt_model,omitempty"`
	LLMModel     string   `json:"llm_model,omitempty"`
	Language     string   `json:"language,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Temperature  float64  `json:"temperature,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	SampleRate   int      `json:"sample_rate,omitempty"`
	Hotwords     []string `json:"hotwords,omitempty"`
}

// InitialInput is a text or audio input delivered with the Start frame,
// processed before any streamed audio.
type InitialInput struct {
	// Type is "text" or "audio".
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Audio   []byte `json:"audio,omitempty"`
}

// ClientFrame is the inbound tagged union. Exactly one payload matching Type
// is set.
type ClientFrame struct {
	Type    string          `json:"type"`
	Start   *StartPayload   `json:"start,omitempty"`
	Audio   *AudioPayload   `json:"audio,omitempty"`
	Control *ControlPayload `json:"control,omitempty"`
}

// StartPayload opens a stream. SessionID is optional; when empty an
// ephemeral session is created for the lifetime of the stream.
type StartPayload struct {
	SessionID     string         `json:"session_id,omitempty"`
	Config        StartConfig    `json:"config"`
	InitialInputs []InitialInput `json:"initial_inputs,omitempty"`
}

// AudioPayload carries one chunk of raw PCM (base64 on the JSON wire).
type AudioPayload struct {
	Data []byte `json:"data"`
}

// ControlPayload carries a flush, end_audio, or cancel command.
type ControlPayload struct {
	Command string `json:"command"`
}

// ServerFrame is the outbound tagged union. Exactly one payload matching
// Type is set.
type ServerFrame struct {
	Type     string           `json:"type"`
	Ready    *ReadyPayload    `json:"ready,omitempty"`
	Stt      *SttPayload      `json:"stt,omitempty"`
	Llm      *LlmPayload      `json:"llm,omitempty"`
	Complete *CompletePayload `json:"complete,omitempty"`
	Error    *ErrorPayload    `json:"error,omitempty"`
}

// ReadyPayload acknowledges stream initialisation.
type ReadyPayload struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message,omitempty"`
}

// SttPayload carries one transcription result, partial or final.
type SttPayload struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence,omitempty"`
}

// LlmPayload carries one generation delta. Index is the per-turn token
// index, monotonic from 0 within a turn.
type LlmPayload struct {
	Delta string `json:"delta"`
	Index int    `json:"index"`
}

// CompleteMetadata annotates a Complete frame.
type CompleteMetadata struct {
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	TranscribedText  string `json:"transcribed_text,omitempty"`
	LatencyMS        int64  `json:"latency_ms,omitempty"`
}

// CompletePayload marks the end of one LLM turn (finish_reason
// "sentence_complete") or of the whole stream ("stop").
type CompletePayload struct {
	FinishReason string           `json:"finish_reason"`
	Metadata     CompleteMetadata `json:"metadata"`
}

// ErrorPayload reports a failure. Recoverable errors leave the stream open;
// unrecoverable ones are followed by stream termination.
type ErrorPayload struct {
	Code        int    `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func readyFrame(sessionID, msg string) *ServerFrame {
	return &ServerFrame{Type: FrameReady, Ready: &ReadyPayload{SessionID: sessionID, Message: msg}}
}

func sttFrame(text string, final bool, confidence float64) *ServerFrame {
	return &ServerFrame{Type: FrameStt, Stt: &SttPayload{Text: text, IsFinal: final, Confidence: confidence}}
}

func llmFrame(delta string, index int) *ServerFrame {
	return &ServerFrame{Type: FrameLlm, Llm: &LlmPayload{Delta: delta, Index: index}}
}

func completeFrame(reason string, meta CompleteMetadata) *ServerFrame {
	return &ServerFrame{Type: FrameComplete, Complete: &CompletePayload{FinishReason: reason, Metadata: meta}}
}

func errorFrame(code int, msg string, recoverable bool) *ServerFrame {
	return &ServerFrame{Type: FrameError, Error: &ErrorPayload{Code: code, Message: msg, Recoverable: recoverable}}
}
