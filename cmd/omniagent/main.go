// Command omniagent is the main entry point for the OmniAgent multimodal
// gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"

	"github.com/deepknow/omniagent/internal/config"
	"github.com/deepknow/omniagent/internal/observe"
	"github.com/deepknow/omniagent/internal/orchestrator"
	"github.com/deepknow/omniagent/internal/resilience"
	"github.com/deepknow/omniagent/internal/server"
	"github.com/deepknow/omniagent/internal/stream"
	"github.com/deepknow/omniagent/internal/transcript"
	"github.com/deepknow/omniagent/pkg/provider/llm"
	"github.com/deepknow/omniagent/pkg/provider/llm/anyllm"
	oallm "github.com/deepknow/omniagent/pkg/provider/llm/openai"
	"github.com/deepknow/omniagent/pkg/provider/stt"
	"github.com/deepknow/omniagent/pkg/provider/stt/deepgram"
	"github.com/deepknow/omniagent/pkg/provider/stt/paraformer"
	"github.com/deepknow/omniagent/pkg/provider/stt/whisper"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// Environment files are optional; real env vars win.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "omniagent: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "omniagent: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var logLevel slog.LevelVar
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &logLevel}))
	slog.SetDefault(logger)

	slog.Info("omniagent starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "omniagent",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	llmP, sttP, judgeLLM, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Pipeline components ───────────────────────────────────────────────────
	corrector := transcript.NewCorrector(nil, cfg.Hotwords)

	judgeModel := cfg.Providers.TriggerLLM.Model
	if judgeModel == "" {
		judgeModel = cfg.Providers.LLM.Model
	}
	policy := orchestrator.PolicyFromConfig(cfg.Trigger, judgeLLM, judgeModel)

	manager := orchestrator.NewManager(cfg.Session, metrics)
	manager.Start()
	defer manager.Stop()

	orch := orchestrator.New(llmP, sttP, policy,
		orchestrator.WithCorrector(corrector),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithDefaults(cfg.Defaults),
	)
	streams := stream.NewHandler(manager, sttP, llmP, policy,
		stream.WithCorrector(corrector),
		stream.WithMetrics(metrics),
		stream.WithDefaults(cfg.Defaults),
		stream.WithQueueCapacities(cfg.Stream),
	)
	srv := server.New(cfg.Server, manager, orch, streams, metrics, version)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.Empty() {
			return
		}
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.HotwordsChanged {
			corrector.SetHotwords(d.NewHotwords)
			slog.Info("hotword vocabulary reloaded", "count", len(d.NewHotwords))
		}
		if d.TriggerChanged {
			slog.Warn("trigger config changed; restart required to apply", "mode", d.NewTrigger.Mode)
		}
		if d.LLMDefaultsChanged {
			slog.Warn("llm defaults changed; restart required to apply")
		}
	})
	if err != nil {
		slog.Warn("config hot reload unavailable", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai and qwen (an OpenAI-compatible endpoint) use the native client;
	// everything else goes through the any-llm adapter.
	for _, providerName := range []string{"openai", "qwen"} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []oallm.Option
			if entry.BaseURL != "" {
				opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
			}
			return oallm.New(entry.APIKey, entry.Model, opts...)
		})
	}

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("paraformer", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []paraformer.Option
		if entry.Model != "" {
			opts = append(opts, paraformer.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, paraformer.WithEndpoint(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, paraformer.WithLanguage(lang))
		}
		return paraformer.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(modelPath, opts...)
	})
}

// buildProviders instantiates the providers named in cfg. The trigger judge
// reuses the main LLM when no separate trigger_llm entry is configured.
func buildProviders(cfg *config.Config, reg *config.Registry) (llm.Provider, stt.Provider, llm.Provider, error) {
	var llmP llm.Provider
	var sttP stt.Provider
	var judge llm.Provider

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		llmP = p
		slog.Info("provider created", "kind", "llm", "name", name, "model", cfg.Providers.LLM.Model)

		if len(cfg.Providers.LLMFallbacks) > 0 {
			fb := resilience.NewLLMFallback(llmP, name, resilience.FallbackConfig{})
			for _, entry := range cfg.Providers.LLMFallbacks {
				alt, err := reg.CreateLLM(entry)
				if err != nil {
					return nil, nil, nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
				}
				fb.AddFallback(entry.Name, alt)
				slog.Info("provider created", "kind", "llm_fallback", "name", entry.Name, "model", entry.Model)
			}
			llmP = fb
		}
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		sttP = p
		slog.Info("provider created", "kind", "stt", "name", name, "model", cfg.Providers.STT.Model)

		if len(cfg.Providers.STTFallbacks) > 0 {
			fb := resilience.NewSTTFallback(sttP, name, resilience.FallbackConfig{})
			for _, entry := range cfg.Providers.STTFallbacks {
				alt, err := reg.CreateSTT(entry)
				if err != nil {
					return nil, nil, nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
				}
				fb.AddFallback(entry.Name, alt)
				slog.Info("provider created", "kind", "stt_fallback", "name", entry.Name, "model", entry.Model)
			}
			sttP = fb
		}
	}

	judge = llmP
	if name := cfg.Providers.TriggerLLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.TriggerLLM)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create trigger llm provider %q: %w", name, err)
		}
		judge = p
		slog.Info("provider created", "kind", "trigger_llm", "name", name, "model", cfg.Providers.TriggerLLM.Model)
	}

	return llmP, sttP, judge, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        OmniAgent — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("Trigger LLM", cfg.Providers.TriggerLLM.Name, cfg.Providers.TriggerLLM.Model)
	fmt.Printf("║  Trigger mode    : %-19s ║\n", cfg.Trigger.Mode)
	fmt.Printf("║  Max sessions    : %-19d ║\n", cfg.Session.MaxSessions)
	fmt.Printf("║  Hotwords        : %-19d ║\n", len(cfg.Hotwords))
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
