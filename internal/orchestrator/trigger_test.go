package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/deepknow/omniagent/internal/config"
	"github.com/deepknow/omniagent/pkg/provider/llm"
	llmmock "github.com/deepknow/omniagent/pkg/provider/llm/mock"
)

func ev(m Modality, s Stage, content string) PerceptionEvent {
	return PerceptionEvent{EventID: "evt_test0000", Modality: m, Stage: s, Content: content}
}

func TestRulePolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy RulePolicy
		ev     PerceptionEvent
		want   bool
	}{
		{"error stage never triggers", RulePolicy{}, ev(ModalityAudio, StageError, "x"), false},
		{"partial never triggers", RulePolicy{}, ev(ModalityAudio, StagePartial, "你好"), false},
		{"text final triggers", RulePolicy{}, ev(ModalityText, StageFinal, "hello"), true},
		{"image final triggers", RulePolicy{}, ev(ModalityImage, StageFinal, "一只猫"), true},
		{"video final ignored", RulePolicy{}, ev(ModalityVideo, StageFinal, "clip"), false},
		{"audio final with content triggers", RulePolicy{}, ev(ModalityAudio, StageFinal, "今天天气怎么样"), true},
		{"audio final whitespace only", RulePolicy{}, ev(ModalityAudio, StageFinal, "   "), false},
		{"audio final empty", RulePolicy{}, ev(ModalityAudio, StageFinal, ""), false},
		{"min length rejects short", RulePolicy{MinLength: 6}, ev(ModalityAudio, StageFinal, "你好"), false},
		{"min length passes long", RulePolicy{MinLength: 6}, ev(ModalityAudio, StageFinal, "今天天气怎么样"), true},
		{"wake word present", RulePolicy{WakeWords: []string{"小欧"}}, ev(ModalityAudio, StageFinal, "小欧，开灯"), true},
		{"wake word absent", RulePolicy{WakeWords: []string{"小欧"}}, ev(ModalityAudio, StageFinal, "开灯"), false},
		{"wake word case insensitive", RulePolicy{WakeWords: []string{"Omni"}}, ev(ModalityAudio, StageFinal, "hey omni lights on"), true},
		{"wake word does not apply to text", RulePolicy{WakeWords: []string{"小欧"}}, ev(ModalityText, StageFinal, "开灯"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.ShouldInvoke(context.Background(), nil, tt.ev); got != tt.want {
				t.Errorf("ShouldInvoke = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRulePolicyIsDeterministic(t *testing.T) {
	p := RulePolicy{MinLength: 6}
	e := ev(ModalityAudio, StageFinal, "  今天天气怎么样  ")
	first := p.ShouldInvoke(context.Background(), nil, e)
	for i := 0; i < 10; i++ {
		if got := p.ShouldInvoke(context.Background(), nil, e); got != first {
			t.Fatal("ShouldInvoke is not deterministic")
		}
	}
}

func TestAlwaysPolicy(t *testing.T) {
	p := AlwaysPolicy{}
	if !p.ShouldInvoke(context.Background(), nil, ev(ModalityAudio, StageFinal, "")) {
		t.Error("always policy must trigger on finals")
	}
	if p.ShouldInvoke(context.Background(), nil, ev(ModalityAudio, StagePartial, "x")) {
		t.Error("always policy must not trigger on partials")
	}
	if p.ShouldInvoke(context.Background(), nil, ev(ModalityAudio, StageError, "x")) {
		t.Error("always policy must not trigger on errors")
	}
}

func TestJudgePolicyVerdicts(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"yes verdict", "YES", true},
		{"yes with noise", "yes, it is actionable", true},
		{"no verdict", "NO", false},
		{"garbage verdict", "maybe?", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			judge := &llmmock.Provider{
				CompleteResponse: &llm.CompletionResponse{Content: tt.content},
			}
			p := JudgePolicy{LLM: judge, Fallback: RulePolicy{MinLength: 6}}
			got := p.ShouldInvoke(context.Background(), nil, ev(ModalityAudio, StageFinal, "帮我查一下明天的航班"))
			if got != tt.want {
				t.Errorf("ShouldInvoke = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJudgePolicyRequestShape(t *testing.T) {
	judge := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "YES"},
	}
	p := JudgePolicy{LLM: judge, Model: "qwen-turbo", Fallback: RulePolicy{}}
	p.ShouldInvoke(context.Background(), nil, ev(ModalityAudio, StageFinal, "开灯"))

	if len(judge.CompleteCalls) != 1 {
		t.Fatalf("judge calls = %d, want 1", len(judge.CompleteCalls))
	}
	req := judge.CompleteCalls[0].Req
	if req.Model != "qwen-turbo" {
		t.Errorf("model = %q", req.Model)
	}
	if req.MaxTokens != judgeMaxTokens || req.Temperature != judgeTemperature {
		t.Errorf("generation params = (%d, %f)", req.MaxTokens, req.Temperature)
	}
	if req.SystemPrompt == "" {
		t.Error("judge system prompt missing")
	}
}

func TestJudgePolicyFallsBackOnError(t *testing.T) {
	judge := &llmmock.Provider{CompleteErr: errors.New("upstream down")}
	p := JudgePolicy{LLM: judge, Fallback: RulePolicy{MinLength: 6}}

	// The fallback heuristic gates by length: short filler is dropped, a
	// full utterance passes.
	if p.ShouldInvoke(context.Background(), nil, ev(ModalityAudio, StageFinal, "嗯")) {
		t.Error("short utterance must not trigger via fallback")
	}
	if !p.ShouldInvoke(context.Background(), nil, ev(ModalityAudio, StageFinal, "今天天气怎么样")) {
		t.Error("long utterance must trigger via fallback")
	}
}

func TestJudgePolicySkipsNonAudio(t *testing.T) {
	judge := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "NO"}}
	p := JudgePolicy{LLM: judge, Fallback: RulePolicy{}}

	if !p.ShouldInvoke(context.Background(), nil, ev(ModalityText, StageFinal, "hello")) {
		t.Error("text finals bypass the judge")
	}
	if len(judge.CompleteCalls) != 0 {
		t.Errorf("judge was consulted %d times for text", len(judge.CompleteCalls))
	}
}

func TestPolicyFromConfig(t *testing.T) {
	judge := &llmmock.Provider{}

	if _, ok := PolicyFromConfig(config.TriggerConfig{Mode: config.TriggerAlways}, nil, "").(AlwaysPolicy); !ok {
		t.Error("always mode must yield AlwaysPolicy")
	}
	if _, ok := PolicyFromConfig(config.TriggerConfig{Mode: config.TriggerRule}, nil, "").(RulePolicy); !ok {
		t.Error("rule mode must yield RulePolicy")
	}
	if _, ok := PolicyFromConfig(config.TriggerConfig{Mode: config.TriggerLLM, MinLength: 6}, judge, "m").(JudgePolicy); !ok {
		t.Error("llm mode must yield JudgePolicy")
	}
	if _, ok := PolicyFromConfig(config.TriggerConfig{Mode: config.TriggerLLM}, nil, "").(RulePolicy); !ok {
		t.Error("llm mode without a judge must degrade to RulePolicy")
	}
}

func TestRuleModeIgnoresMinLength(t *testing.T) {
	p := PolicyFromConfig(config.TriggerConfig{Mode: config.TriggerRule, MinLength: 6}, nil, "")
	if !p.ShouldInvoke(context.Background(), nil, ev(ModalityAudio, StageFinal, "你好")) {
		t.Error("rule mode triggers on any non-empty transcript")
	}
}
