package orchestrator

import (
	"strings"
	"testing"

	"github.com/deepknow/omniagent/pkg/types"
)

func TestMessagesRendersModalities(t *testing.T) {
	task := NewTask("", []Modality{ModalityAudio}, nil)
	task.AddPerception(NewPerceptionEvent(ModalityAudio, StageFinal, "今天天气怎么样", 0.95))
	task.AddPerception(NewPerceptionEvent(ModalityImage, StageFinal, "一只猫", 0.9))
	task.AddPerception(NewPerceptionEvent(ModalityText, StageFinal, "顺便问一下时间", 1.0))

	msgs := task.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].Role != types.RoleUser {
		t.Errorf("role = %q, want user", msgs[0].Role)
	}
	want := strings.Join([]string{
		"[语音识别] 今天天气怎么样",
		"[图像识别] 一只猫",
		"顺便问一下时间",
	}, "\n")
	if msgs[0].Content != want {
		t.Errorf("content = %q, want %q", msgs[0].Content, want)
	}
}

func TestMessagesPrependsContext(t *testing.T) {
	context := []types.Message{
		{Role: types.RoleUser, Content: "你好"},
		{Role: types.RoleAssistant, Content: "你好！有什么可以帮你？"},
	}
	task := NewTask("", []Modality{ModalityAudio}, context)
	task.AddPerception(NewPerceptionEvent(ModalityAudio, StageFinal, "讲个笑话", 0.9))

	msgs := task.Messages()
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	if msgs[0].Content != "你好" || msgs[1].Role != types.RoleAssistant {
		t.Errorf("context not preserved: %+v", msgs[:2])
	}
	if msgs[2].Content != "[语音识别] 讲个笑话" {
		t.Errorf("user message = %q", msgs[2].Content)
	}
}

func TestMessagesEmptyBufferUsesInstruction(t *testing.T) {
	task := NewTask("翻译这句话", []Modality{ModalityText}, nil)
	msgs := task.Messages()
	if len(msgs) != 1 || msgs[0].Content != "翻译这句话" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestMessagesEmptyTaskYieldsNothing(t *testing.T) {
	task := NewTask("", nil, nil)
	if msgs := task.Messages(); len(msgs) != 0 {
		t.Errorf("messages = %+v, want none", msgs)
	}
}

func TestAddPerceptionIgnoresPartials(t *testing.T) {
	task := NewTask("", []Modality{ModalityAudio}, nil)
	task.AddPerception(NewPerceptionEvent(ModalityAudio, StagePartial, "今天", 0.5))
	task.AddPerception(NewPerceptionEvent(ModalityAudio, StageFinal, "今天天气", 0.9))

	if got := len(task.Perception()); got != 1 {
		t.Errorf("buffered events = %d, want 1 (finals only)", got)
	}
}

func TestClearPerception(t *testing.T) {
	task := NewTask("", []Modality{ModalityAudio}, nil)
	task.AddPerception(NewPerceptionEvent(ModalityAudio, StageFinal, "你好", 0.9))
	task.ClearPerception()
	if got := len(task.Perception()); got != 0 {
		t.Errorf("buffered events = %d, want 0", got)
	}
}

func TestTerminalStatusIsSticky(t *testing.T) {
	task := NewTask("", nil, nil)
	task.Complete("done")
	task.Fail("boom")
	task.UpdateStatus(TaskPerceiving)

	if task.Status() != TaskCompleted {
		t.Errorf("status = %s, want COMPLETED", task.Status())
	}
	if task.Result() != "done" {
		t.Errorf("result = %q", task.Result())
	}
	if task.ErrText() != "" {
		t.Errorf("errText = %q, want empty", task.ErrText())
	}
}

func TestCancelIsTerminal(t *testing.T) {
	task := NewTask("", nil, nil)
	task.Cancel()
	task.Complete("late")
	if task.Status() != TaskCancelled {
		t.Errorf("status = %s, want CANCELLED", task.Status())
	}
}

func TestAddStepAssignsID(t *testing.T) {
	task := NewTask("", nil, nil)
	task.AddStep(Step{Type: StepReasoning, Thought: "thinking"})

	steps := task.Steps()
	if len(steps) != 1 {
		t.Fatalf("steps = %d, want 1", len(steps))
	}
	if !strings.HasPrefix(steps[0].StepID, "evt_") {
		t.Errorf("step ID = %q", steps[0].StepID)
	}
}

func TestIDFormats(t *testing.T) {
	if id := newSessionID(); len(id) != len("sess_")+16 || !strings.HasPrefix(id, "sess_") {
		t.Errorf("session ID = %q", id)
	}
	if id := newTaskID(); len(id) != len("task_")+12 || !strings.HasPrefix(id, "task_") {
		t.Errorf("task ID = %q", id)
	}
	if id := newEventID(); len(id) != len("evt_")+8 || !strings.HasPrefix(id, "evt_") {
		t.Errorf("event ID = %q", id)
	}
	if newTaskID() == newTaskID() {
		t.Error("task IDs must be unique")
	}
}
