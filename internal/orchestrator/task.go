package orchestrator

import (
	"strings"
	"sync"
	"time"

	"github.com/deepknow/omniagent/pkg/types"
)

// TaskStatus is the lifecycle state of a task. Transitions are monotonic
// except for the PERCEIVING and THINKING cycle inside one streaming task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskPerceiving TaskStatus = "PERCEIVING"
	TaskThinking   TaskStatus = "THINKING"
	TaskActing     TaskStatus = "ACTING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskCancelled  TaskStatus = "CANCELLED"
)

// terminal reports whether s is a final state that cannot be left again.
func (s TaskStatus) terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// StepType classifies one entry of a task's execution trace.
type StepType string

const (
	StepPerception StepType = "PERCEPTION"
	StepReasoning  StepType = "REASONING"
	StepAction     StepType = "ACTION"
	StepOutput     StepType = "OUTPUT"
)

// Step is one append-only entry in a task's execution trace.
type Step struct {
	StepID      string   `json:"step_id"`
	Type        StepType `json:"type"`
	Trigger     string   `json:"trigger,omitempty"`
	Thought     string   `json:"thought,omitempty"`
	Action      string   `json:"action,omitempty"`
	Observation string   `json:"observation,omitempty"`
	DurationMS  int64    `json:"duration_ms"`
}

// Task is one unit of work inside a session: an instruction, the perception
// buffer it accumulates, the execution trace, and a terminal result or error.
// A task is mutated only by its owning handler; the mutex guards against the
// occasional cross-goroutine status read.
type Task struct {
	ID              string
	Instruction     string
	InputModalities []Modality

	mu         sync.RWMutex
	status     TaskStatus
	perception []PerceptionEvent
	steps      []Step
	context    []types.Message
	result     string
	errText    string
	createdAt  time.Time
	updatedAt  time.Time
}

// NewTask creates a pending task. context is an optional snapshot of prior
// conversation messages used when rendering the LLM input.
func NewTask(instruction string, modalities []Modality, context []types.Message) *Task {
	now := time.Now()
	return &Task{
		ID:              newTaskID(),
		Instruction:     instruction,
		InputModalities: append([]Modality(nil), modalities...),
		status:          TaskPending,
		context:         append([]types.Message(nil), context...),
		createdAt:       now,
		updatedAt:       now,
	}
}

// Status returns the current lifecycle state.
func (t *Task) Status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// UpdateStatus moves the task to status. Terminal states are sticky: once
// the task is COMPLETED, FAILED, or CANCELLED the call is a no-op.
func (t *Task) UpdateStatus(status TaskStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.terminal() {
		return
	}
	t.status = status
	t.updatedAt = time.Now()
}

// AddPerception appends a FINAL event to the perception buffer. Partials are
// previews and never buffered.
func (t *Task) AddPerception(ev PerceptionEvent) {
	if ev.Stage != StageFinal {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.perception = append(t.perception, ev)
	t.updatedAt = time.Now()
}

// ClearPerception empties the perception buffer after a reasoning pass has
// consumed it.
func (t *Task) ClearPerception() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.perception = nil
}

// Perception returns a copy of the buffered FINAL events.
func (t *Task) Perception() []PerceptionEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]PerceptionEvent(nil), t.perception...)
}

// AddStep appends one entry to the execution trace, assigning it an ID.
func (t *Task) AddStep(step Step) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if step.StepID == "" {
		step.StepID = newEventID()
	}
	t.steps = append(t.steps, step)
	t.updatedAt = time.Now()
}

// Steps returns a copy of the execution trace.
func (t *Task) Steps() []Step {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Step(nil), t.steps...)
}

// Complete marks the task COMPLETED with its result. The terminal state is
// set once; later Complete or Fail calls are no-ops.
func (t *Task) Complete(result string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.terminal() {
		return
	}
	t.status = TaskCompleted
	t.result = result
	t.updatedAt = time.Now()
}

// Fail marks the task FAILED with the error text. No-op when already
// terminal.
func (t *Task) Fail(errText string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.terminal() {
		return
	}
	t.status = TaskFailed
	t.errText = errText
	t.updatedAt = time.Now()
}

// Cancel marks the task CANCELLED. No-op when already terminal.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.terminal() {
		return
	}
	t.status = TaskCancelled
	t.updatedAt = time.Now()
}

// Result returns the terminal result text, empty until Complete.
func (t *Task) Result() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.result
}

// ErrText returns the terminal error text, empty until Fail.
func (t *Task) ErrText() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.errText
}

// Messages renders the LLM input for this task: the optional context
// snapshot followed by one synthesized user message built from the
// perception buffer. Audio transcripts are prefixed with "[语音识别]", image
// captions with "[图像识别]", text passes through; lines are newline-joined.
// With an empty buffer the instruction itself becomes the user message.
func (t *Task) Messages() []types.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	msgs := append([]types.Message(nil), t.context...)

	lines := make([]string, 0, len(t.perception))
	for _, ev := range t.perception {
		switch ev.Modality {
		case ModalityAudio:
			lines = append(lines, "[语音识别] "+ev.Content)
		case ModalityImage:
			lines = append(lines, "[图像识别] "+ev.Content)
		default:
			lines = append(lines, ev.Content)
		}
	}

	content := strings.Join(lines, "\n")
	if content == "" {
		content = t.Instruction
	}
	if content != "" {
		msgs = append(msgs, types.Message{Role: types.RoleUser, Content: content})
	}
	return msgs
}
