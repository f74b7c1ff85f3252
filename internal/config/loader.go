package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default values applied by [ApplyDefaults] when the corresponding field is
// unset in the YAML file.
const (
	DefaultListenAddr          = ":8080"
	DefaultMaxSessions         = 100
	DefaultCleanupInterval     = 60
	DefaultSessionTimeout      = 3600
	DefaultOutputQueueCapacity = 256
	DefaultLLMQueueCapacity    = 16
	DefaultSampleRate          = 16000
	DefaultTriggerMinLength    = 6
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "qwen"},
	"stt": {"paraformer", "deepgram", "whisper"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. ${VAR} references are expanded from the environment before
// parsing so secrets can stay out of the file. Useful in tests where configs
// are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields of cfg with the documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Session.MaxSessions == 0 {
		cfg.Session.MaxSessions = DefaultMaxSessions
	}
	if cfg.Session.CleanupIntervalSeconds == 0 {
		cfg.Session.CleanupIntervalSeconds = DefaultCleanupInterval
	}
	if cfg.Session.DefaultTimeoutSeconds == 0 {
		cfg.Session.DefaultTimeoutSeconds = DefaultSessionTimeout
	}
	if cfg.Stream.OutputQueueCapacity == 0 {
		cfg.Stream.OutputQueueCapacity = DefaultOutputQueueCapacity
	}
	if cfg.Stream.LLMQueueCapacity == 0 {
		cfg.Stream.LLMQueueCapacity = DefaultLLMQueueCapacity
	}
	if cfg.Defaults.STT.SampleRate == 0 {
		cfg.Defaults.STT.SampleRate = DefaultSampleRate
	}
	if cfg.Trigger.Mode == "" {
		cfg.Trigger.Mode = TriggerAlways
	}
	if cfg.Trigger.MinLength == 0 {
		cfg.Trigger.MinLength = DefaultTriggerMinLength
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.TriggerLLM.Name)
	for _, entry := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm", entry.Name)
	}
	for _, entry := range cfg.Providers.STTFallbacks {
		validateProviderName("stt", entry.Name)
	}

	// Provider availability warnings
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; chat and process endpoints will be unavailable")
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; recognition and streaming endpoints will be unavailable")
	}

	// Session limits
	if cfg.Session.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("session.max_sessions %d must not be negative", cfg.Session.MaxSessions))
	}
	if cfg.Session.CleanupIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.cleanup_interval_seconds %d must not be negative", cfg.Session.CleanupIntervalSeconds))
	}
	if cfg.Session.DefaultTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.default_timeout_seconds %d must not be negative", cfg.Session.DefaultTimeoutSeconds))
	}

	// Stream queues
	if cfg.Stream.OutputQueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("stream.output_queue_capacity %d must not be negative", cfg.Stream.OutputQueueCapacity))
	}
	if cfg.Stream.LLMQueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("stream.llm_queue_capacity %d must not be negative", cfg.Stream.LLMQueueCapacity))
	}

	// Generation defaults
	if t := cfg.Defaults.LLM.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("defaults.llm.temperature %.2f is out of range [0, 2]", t))
	}
	if cfg.Defaults.LLM.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("defaults.llm.max_tokens %d must not be negative", cfg.Defaults.LLM.MaxTokens))
	}
	if cfg.Defaults.STT.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("defaults.stt.sample_rate %d must not be negative", cfg.Defaults.STT.SampleRate))
	}

	// Trigger
	if cfg.Trigger.Mode != "" && !cfg.Trigger.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("trigger.mode %q is invalid; valid values: always, rule, llm", cfg.Trigger.Mode))
	}
	if cfg.Trigger.Mode == TriggerLLM && cfg.Providers.LLM.Name == "" && cfg.Providers.TriggerLLM.Name == "" {
		errs = append(errs, errors.New("trigger.mode \"llm\" requires providers.llm or providers.trigger_llm"))
	}
	if cfg.Trigger.Mode == TriggerRule && len(cfg.Trigger.WakeWords) == 0 {
		slog.Warn("trigger.mode is \"rule\" but no wake_words are configured; only the length rule will apply")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
