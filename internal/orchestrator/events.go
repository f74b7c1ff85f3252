// Package orchestrator contains the session and task domain core of
// OmniAgent: perception events, tasks, sessions, the session manager with
// bounded admission and TTL expiry, the trigger policy, and the
// non-streaming execution driver that glues STT and LLM providers together.
package orchestrator

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Modality classifies the input channel a perception event came from.
type Modality string

const (
	ModalityText  Modality = "TEXT"
	ModalityAudio Modality = "AUDIO"
	ModalityImage Modality = "IMAGE"
	ModalityVideo Modality = "VIDEO"
)

// Stage marks how committed a perception event is. For one recognition pass,
// zero or more PARTIALs precede at most one FINAL; once a FINAL is emitted no
// further PARTIALs follow for that pass.
type Stage string

const (
	StagePartial Stage = "PARTIAL"
	StageFinal   Stage = "FINAL"
	StageError   Stage = "ERROR"
)

// PerceptionEvent is the canonical unified input token. STT results, text
// inputs, and image captions are all normalised into this shape before they
// reach the trigger policy and the task perception buffer.
type PerceptionEvent struct {
	EventID    string   `json:"event_id"`
	Modality   Modality `json:"modality"`
	Stage      Stage    `json:"stage"`
	Content    string   `json:"content"`
	Confidence float64  `json:"confidence"`

	// Timestamp is in milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`
}

// NewPerceptionEvent builds an event with a fresh ID and the current
// timestamp.
func NewPerceptionEvent(modality Modality, stage Stage, content string, confidence float64) PerceptionEvent {
	return PerceptionEvent{
		EventID:    newEventID(),
		Modality:   modality,
		Stage:      stage,
		Content:    content,
		Confidence: confidence,
		Timestamp:  time.Now().UnixMilli(),
	}
}

// ID prefixes and hex lengths. The hex tail is drawn from a v4 UUID, which
// keeps IDs opaque without needing a separate entropy source.
const (
	sessionIDHexLen = 16
	taskIDHexLen    = 12
	eventIDHexLen   = 8
)

func newHexID(prefix string, n int) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + raw[:n]
}

func newSessionID() string { return newHexID("sess_", sessionIDHexLen) }
func newTaskID() string    { return newHexID("task_", taskIDHexLen) }
func newEventID() string   { return newHexID("evt_", eventIDHexLen) }
