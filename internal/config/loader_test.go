package config

import (
	"strings"
	"testing"
)

const validYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
providers:
  llm:
    name: openai
    api_key: sk-test
    base_url: https://dashscope.aliyuncs.com/compatible-mode/v1
    model: qwen-turbo
  stt:
    name: paraformer
    api_key: sk-test
    model: paraformer-realtime-v2
session:
  max_sessions: 50
  cleanup_interval_seconds: 30
  default_timeout_seconds: 600
stream:
  output_queue_capacity: 128
defaults:
  llm:
    temperature: 0.7
    max_tokens: 1024
    system_prompt: "You are a helpful assistant."
  stt:
    sample_rate: 16000
    language: zh-CN
    enable_punctuation: true
trigger:
  mode: rule
  wake_words: ["小助手"]
  min_length: 6
hotwords: ["OmniAgent", "DashScope"]
`

func TestLoadFromReaderValid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Providers.LLM.Model != "qwen-turbo" {
		t.Errorf("llm model = %q", cfg.Providers.LLM.Model)
	}
	if cfg.Session.MaxSessions != 50 {
		t.Errorf("max_sessions = %d", cfg.Session.MaxSessions)
	}
	if cfg.Stream.OutputQueueCapacity != 128 {
		t.Errorf("output_queue_capacity = %d", cfg.Stream.OutputQueueCapacity)
	}
	if cfg.Trigger.Mode != TriggerRule {
		t.Errorf("trigger mode = %q", cfg.Trigger.Mode)
	}
	if len(cfg.Hotwords) != 2 {
		t.Errorf("hotwords = %v", cfg.Hotwords)
	}
}

func TestLoadFromReaderAppliesDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader("providers:\n  llm:\n    name: openai\n  stt:\n    name: paraformer\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != DefaultListenAddr {
		t.Errorf("listen_addr = %q, want %q", cfg.Server.ListenAddr, DefaultListenAddr)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Session.MaxSessions != DefaultMaxSessions {
		t.Errorf("max_sessions = %d, want %d", cfg.Session.MaxSessions, DefaultMaxSessions)
	}
	if cfg.Session.DefaultTimeoutSeconds != DefaultSessionTimeout {
		t.Errorf("default_timeout_seconds = %d, want %d", cfg.Session.DefaultTimeoutSeconds, DefaultSessionTimeout)
	}
	if cfg.Stream.OutputQueueCapacity != DefaultOutputQueueCapacity {
		t.Errorf("output_queue_capacity = %d, want %d", cfg.Stream.OutputQueueCapacity, DefaultOutputQueueCapacity)
	}
	if cfg.Stream.LLMQueueCapacity != DefaultLLMQueueCapacity {
		t.Errorf("llm_queue_capacity = %d, want %d", cfg.Stream.LLMQueueCapacity, DefaultLLMQueueCapacity)
	}
	if cfg.Defaults.STT.SampleRate != DefaultSampleRate {
		t.Errorf("sample_rate = %d, want %d", cfg.Defaults.STT.SampleRate, DefaultSampleRate)
	}
	if cfg.Trigger.Mode != TriggerAlways {
		t.Errorf("trigger mode = %q, want always", cfg.Trigger.Mode)
	}
	if cfg.Trigger.MinLength != DefaultTriggerMinLength {
		t.Errorf("trigger min_length = %d, want %d", cfg.Trigger.MinLength, DefaultTriggerMinLength)
	}
}

func TestLoadFromReaderUnknownField(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("serverr:\n  listen_addr: \":8080\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Server.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestValidateInvalidTriggerMode(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Trigger.Mode = "sometimes"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid trigger mode")
	}
}

func TestValidateLLMTriggerRequiresProvider(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Trigger.Mode = TriggerLLM
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error: llm trigger mode without any LLM provider")
	}

	cfg.Providers.TriggerLLM = ProviderEntry{Name: "openai", Model: "qwen-turbo"}
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error with trigger_llm configured: %v", err)
	}
}

func TestValidateNegativeLimits(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Session.MaxSessions = -1
	cfg.Stream.OutputQueueCapacity = -5
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected joined validation errors")
	}
	msg := err.Error()
	if !strings.Contains(msg, "max_sessions") {
		t.Errorf("error %q missing max_sessions", msg)
	}
	if !strings.Contains(msg, "output_queue_capacity") {
		t.Errorf("error %q missing output_queue_capacity", msg)
	}
}

func TestValidateTemperatureRange(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Defaults.LLM.Temperature = 3.5
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for out-of-range temperature")
	}
}

func TestValidateTLSRequiresBothFiles(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Server.TLS = &TLSConfig{CertFile: "/etc/tls/cert.pem"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error when key_file is missing")
	}
}

func TestLoadFromReaderExpandsEnv(t *testing.T) {
	t.Setenv("TEST_OMNIAGENT_KEY", "sk-from-env")
	yaml := `
providers:
  llm:
    name: openai
    api_key: "${TEST_OMNIAGENT_KEY}"
    model: qwen-turbo
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if got := cfg.Providers.LLM.APIKey; got != "sk-from-env" {
		t.Errorf("api_key = %q, want sk-from-env", got)
	}
}
