// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., DashScope
// Paraformer, Deepgram, or a local whisper.cpp model) and exposes a uniform
// streaming interface. The central abstraction is SessionHandle: once opened,
// a session accepts raw PCM audio frames and emits a single stream of typed
// Event values — a Ready marker once the upstream recogniser is accepting
// audio, low-latency partials for responsiveness, authoritative finals for
// the conversation log, and at most one terminal error.
//
// Implementations must be safe for concurrent use. Audio input and the event
// output channel are goroutine-safe by construction.
package stt

import "context"

// SessionConfig describes the audio format and recognition hints for a new
// STT session. All fields must be compatible with what the underlying
// provider supports; see each provider's documentation for valid ranges.
type SessionConfig struct {
	// Model selects the recognition model (e.g., "paraformer-realtime-v2").
	// Empty means the provider default.
	Model string

	// Language is the BCP-47 language tag for recognition (e.g., "zh-CN",
	// "en-US"). An empty string lets the provider auto-detect, if supported.
	Language string

	// SampleRate is the audio sample rate in Hz. 16000 is the STT-optimised
	// default for mono 16-bit PCM.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT providers). Implementors may downmix stereo internally.
	Channels int

	// EnablePunctuation asks the recogniser to insert punctuation marks.
	EnablePunctuation bool

	// EnableITN asks the recogniser for inverse text normalisation
	// ("twenty five" → "25").
	EnableITN bool

	// Hotwords is a list of vocabulary hints that increase recognition
	// probability for uncommon words such as product names. Finals are also
	// run through a phonetic corrector against this list.
	Hotwords []string

	// MaxSentenceSilenceMS is the silence duration in milliseconds after
	// which the recogniser closes the current sentence. Zero means the
	// provider default.
	MaxSentenceSilenceMS int

	// EnableWords asks for per-word timing detail on results.
	EnableWords bool
}

// EventKind discriminates the Event tagged union.
type EventKind int

const (
	// EventReady signals that the upstream recogniser has accepted the
	// session and is ready for audio. Emitted at most once, before any
	// result events.
	EventReady EventKind = iota

	// EventPartial carries an interim (mutable) recognition result.
	EventPartial

	// EventFinal carries a committed recognition result. Within one
	// recognition pass, no partial follows its final.
	EventFinal

	// EventError carries a terminal session error. The event channel is
	// closed after an error event; the session will produce no further
	// results.
	EventError
)

// String returns the lowercase name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the tagged union emitted on a session's Events channel.
type Event struct {
	// Kind discriminates the union.
	Kind EventKind

	// Result is populated for EventPartial and EventFinal.
	Result Result

	// Err is populated for EventError.
	Err error
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Stop when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk should match the SampleRate, Channels, and
	// bit-depth agreed in SessionConfig.
	//
	// Calling SendAudio on a stopped session is a silent no-op returning nil:
	// a send racing a concurrent Stop is dropped, not failed.
	SendAudio(chunk []byte) error

	// Events returns the read-only channel of session events. The channel is
	// closed when the session ends, whether by Stop, upstream completion, or
	// a terminal error.
	Events() <-chan Event

	// Stop terminates the session, flushes any pending audio so trailing
	// finals can still be delivered, and releases all associated resources.
	// After the flush completes the Events channel is closed. Calling Stop
	// more than once is safe and returns nil.
	Stop() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per client stream).
type Provider interface {
	// StartSession opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio once it emits EventReady; audio sent earlier
	// is buffered.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Stop when
	// done.
	StartSession(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
