package orchestrator

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/deepknow/omniagent/internal/config"
	"github.com/deepknow/omniagent/internal/observe"
	"github.com/deepknow/omniagent/pkg/provider/llm"
	"github.com/deepknow/omniagent/pkg/types"
)

// Policy decides whether a perception event is actionable and must spawn an
// LLM generation.
type Policy interface {
	ShouldInvoke(ctx context.Context, task *Task, ev PerceptionEvent) bool
}

// AlwaysPolicy invokes on every FINAL event regardless of content.
type AlwaysPolicy struct{}

// ShouldInvoke returns true for every non-error FINAL event.
func (AlwaysPolicy) ShouldInvoke(_ context.Context, _ *Task, ev PerceptionEvent) bool {
	return ev.Stage == StageFinal
}

// RulePolicy is a pure function of (modality, stage, trimmed content).
// When WakeWords is non-empty, audio finals additionally require one of the
// wake words to appear in the transcript (case-insensitive).
type RulePolicy struct {
	WakeWords []string

	// MinLength is the minimum rune count an audio final must reach when the
	// policy is used as a judge fallback. Zero means any non-empty transcript
	// triggers.
	MinLength int
}

// ShouldInvoke applies the trigger rules in order: errors never trigger;
// text and image finals always trigger; audio finals trigger on a non-empty
// trimmed transcript (subject to wake words and MinLength); everything else
// is ignored.
func (p RulePolicy) ShouldInvoke(_ context.Context, _ *Task, ev PerceptionEvent) bool {
	if ev.Stage == StageError {
		return false
	}
	if ev.Stage != StageFinal {
		return false
	}
	switch ev.Modality {
	case ModalityText, ModalityImage:
		return true
	case ModalityAudio:
		trimmed := strings.TrimSpace(ev.Content)
		if trimmed == "" {
			return false
		}
		if p.MinLength > 0 && utf8.RuneCountInString(trimmed) < p.MinLength {
			return false
		}
		if len(p.WakeWords) > 0 {
			lower := strings.ToLower(trimmed)
			for _, w := range p.WakeWords {
				if w != "" && strings.Contains(lower, strings.ToLower(w)) {
					return true
				}
			}
			return false
		}
		return true
	default:
		return false
	}
}

// judgePrompt asks the model for a bare YES/NO verdict on whether a
// transcript is a complete, actionable utterance.
const judgePrompt = "你是一个语音交互判断器。判断下面的语音转写是否是一句完整的、需要回应的话。只回答 YES 或 NO。"

const (
	judgeTemperature = 0.1
	judgeMaxTokens   = 10
	judgeTimeout     = 3 * time.Second
)

// JudgePolicy asks a small LLM whether an audio final is actionable. On any
// judge failure it falls back to Fallback (a rule heuristic), so a broken
// judge degrades gracefully instead of muting the stream. Non-audio events
// are decided by the rules directly.
type JudgePolicy struct {
	LLM      llm.Provider
	Model    string
	Fallback RulePolicy
}

// ShouldInvoke consults the judge model for audio finals and the plain rules
// for everything else.
func (p JudgePolicy) ShouldInvoke(ctx context.Context, task *Task, ev PerceptionEvent) bool {
	if ev.Modality != ModalityAudio || ev.Stage != StageFinal {
		return p.Fallback.ShouldInvoke(ctx, task, ev)
	}
	trimmed := strings.TrimSpace(ev.Content)
	if trimmed == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, judgeTimeout)
	defer cancel()

	resp, err := p.LLM.Complete(ctx, llm.CompletionRequest{
		Messages: []types.Message{
			{Role: types.RoleUser, Content: trimmed},
		},
		Model:        p.Model,
		SystemPrompt: judgePrompt,
		Temperature:  judgeTemperature,
		MaxTokens:    judgeMaxTokens,
	})
	if err != nil || resp == nil {
		observe.Logger(ctx).Warn("trigger judge failed, falling back to rules", "error", err)
		return p.Fallback.ShouldInvoke(ctx, task, ev)
	}

	verdict := strings.ToUpper(strings.TrimSpace(resp.Content))
	return strings.HasPrefix(verdict, "YES")
}

// PolicyFromConfig builds the trigger policy named by the config. judge may
// be nil when the mode does not need an LLM; llm-judge mode with a nil judge
// degrades to the rule fallback.
func PolicyFromConfig(cfg config.TriggerConfig, judge llm.Provider, judgeModel string) Policy {
	switch cfg.Mode {
	case config.TriggerAlways:
		return AlwaysPolicy{}
	case config.TriggerLLM:
		// The fallback applies the minimum-length heuristic so that a broken
		// judge does not fire on filler like "嗯" or "uh-huh".
		fallback := RulePolicy{WakeWords: cfg.WakeWords, MinLength: cfg.MinLength}
		if judge == nil {
			return fallback
		}
		return JudgePolicy{LLM: judge, Model: judgeModel, Fallback: fallback}
	default:
		// Plain rule mode: any non-empty transcript triggers.
		return RulePolicy{WakeWords: cfg.WakeWords}
	}
}
