// Package config provides the configuration schema, loader, and provider
// registry for the OmniAgent gateway.
package config

// LogLevel controls log verbosity for the OmniAgent server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// TriggerMode selects how the gateway decides whether a finalised utterance
// should be answered by the LLM.
type TriggerMode string

const (
	// TriggerAlways invokes the LLM for every non-empty final utterance.
	TriggerAlways TriggerMode = "always"

	// TriggerRule applies lexical rules (wake words, sentence length).
	TriggerRule TriggerMode = "rule"

	// TriggerLLM asks a small judge model whether the utterance is addressed
	// to the assistant, falling back to a length rule on judge failure.
	TriggerLLM TriggerMode = "llm"
)

// IsValid reports whether m is a recognised trigger mode.
func (m TriggerMode) IsValid() bool {
	switch m {
	case TriggerAlways, TriggerRule, TriggerLLM:
		return true
	}
	return false
}

// Config is the root configuration structure for OmniAgent.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
	Stream    StreamConfig    `yaml:"stream"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
	Trigger   TriggerConfig   `yaml:"trigger"`

	// Hotwords lists domain vocabulary passed to the STT provider as
	// recognition hints and used by the phonetic transcript corrector.
	Hotwords []string `yaml:"hotwords"`
}

// ServerConfig holds network and logging settings for the OmniAgent server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// APIKeys lists accepted client API keys for the Authorization header.
	// Empty means authentication is disabled (development mode).
	APIKeys []string `yaml:"api_keys"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`

	// TriggerLLM optionally names a separate (usually cheaper) model used
	// only for trigger-policy judgements. When empty, the main LLM entry is
	// reused.
	TriggerLLM ProviderEntry `yaml:"trigger_llm"`

	// LLMFallbacks lists additional LLM backends tried in order when the
	// primary fails or its circuit breaker is open.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	// STTFallbacks lists additional STT backends tried in order when the
	// primary cannot open a recognition session.
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "paraformer").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "qwen-turbo",
	// "paraformer-realtime-v2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// SessionConfig governs session admission and lifecycle.
type SessionConfig struct {
	// MaxSessions caps the number of concurrently live sessions. A create
	// request beyond the cap is rejected after a sweep of expired sessions.
	MaxSessions int `yaml:"max_sessions"`

	// CleanupIntervalSeconds is how often the background sweeper removes
	// expired sessions.
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`

	// DefaultTimeoutSeconds is the session time-to-live. Expiry is absolute:
	// activity on a session does not extend it.
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
}

// StreamConfig tunes the bidirectional stream hot path.
type StreamConfig struct {
	// OutputQueueCapacity bounds the per-stream outbound frame queue.
	OutputQueueCapacity int `yaml:"output_queue_capacity"`

	// LLMQueueCapacity bounds the per-stream queue of pending LLM requests.
	LLMQueueCapacity int `yaml:"llm_queue_capacity"`
}

// DefaultsConfig carries fallback generation and recognition parameters used
// when a request or session does not specify its own.
type DefaultsConfig struct {
	LLM LLMDefaults `yaml:"llm"`
	STT STTDefaults `yaml:"stt"`
}

// LLMDefaults holds fallback LLM generation parameters.
type LLMDefaults struct {
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
	SystemPrompt string  `yaml:"system_prompt"`
}

// STTDefaults holds fallback audio-format and recognition parameters.
type STTDefaults struct {
	SampleRate           int    `yaml:"sample_rate"`
	Language             string `yaml:"language"`
	EnablePunctuation    bool   `yaml:"enable_punctuation"`
	EnableITN            bool   `yaml:"enable_itn"`
	MaxSentenceSilenceMS int    `yaml:"max_sentence_silence_ms"`
}

// TriggerConfig selects and tunes the trigger policy for streamed utterances.
type TriggerConfig struct {
	// Mode picks the policy. Default: "always".
	Mode TriggerMode `yaml:"mode"`

	// WakeWords lists phrases that force invocation in rule mode.
	WakeWords []string `yaml:"wake_words"`

	// MinLength is the minimum trimmed utterance length (in runes) that
	// triggers invocation when no wake word matched. Default: 6.
	MinLength int `yaml:"min_length"`
}
