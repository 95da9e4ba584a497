package wizard

import (
	"time"

	"storyarchive/internal/recorder"
	"storyarchive/pkg/domain"
)

type EventType string

const (
	EventStep          EventType = "step"
	EventDraft         EventType = "draft"
	EventRecorder      EventType = "recorder"
	EventTranscription EventType = "transcription"
	EventSuggestions   EventType = "suggestions"
	EventTranslation   EventType = "translation"
	EventNotice        EventType = "notice"
	EventSubmitted     EventType = "submitted"
	EventReset         EventType = "reset"
)

// Event is published on every observable wizard change.
type Event struct {
	Type     EventType          `json:"type"`
	WizardID string             `json:"wizardId"`
	Step     StepName           `json:"step,omitempty"`
	Recorder *recorder.Snapshot `json:"recorder,omitempty"`
	Outcome  *Outcome           `json:"outcome,omitempty"`
	Notice   *Notice            `json:"notice,omitempty"`
	Story    *domain.Story      `json:"story,omitempty"`
}

type Status string

const (
	StatusNone    Status = ""
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

func (s Status) terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// Outcome is the latest result of one kind of external call.
type Outcome struct {
	Status   Status   `json:"status"`
	Text     string   `json:"text,omitempty"`
	Language string   `json:"language,omitempty"`
	Summary  string   `json:"summary,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Error    string   `json:"error,omitempty"`
	// input is the transcript a suggestion was requested for.
	input string
}

// Notice is a dismissible, user-visible failure report.
type Notice struct {
	ID      uint64    `json:"id"`
	Op      string    `json:"op"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}
