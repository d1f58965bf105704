package session

import (
	"time"

	"github.com/harun/tandem/pkg/agent"
)

// EventType names a session log entry.
type EventType string

const (
	EventSessionCreated    EventType = "session_created"
	EventUserMessage       EventType = "user_message"
	EventInstructorMessage EventType = "instructor_message"
	EventToolResults       EventType = "tool_results"
	EventRoundComplete     EventType = "round_complete"
	EventStatusChange      EventType = "status_change"
	EventSessionEnded      EventType = "session_ended"
	EventCLISessionLinked  EventType = "cli_session_linked"
)

// Event is one line of a session log. Only the fields relevant to Type are
// set. Unknown types decode fine and are ignored by Replay.
type Event struct {
	Type         EventType      `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	SessionID    string         `json:"session_id,omitempty"`
	WorkDir      string         `json:"work_dir,omitempty"`
	Model        string         `json:"model,omitempty"`
	Message      *agent.Message `json:"message,omitempty"`
	Round        int            `json:"round,omitempty"`
	Status       Status         `json:"status,omitempty"`
	CLISessionID string         `json:"cli_session_id,omitempty"`
}

func NewSessionCreated(id, workDir, model string, at time.Time) Event {
	return Event{Type: EventSessionCreated, Timestamp: at, SessionID: id, WorkDir: workDir, Model: model}
}

func NewUserMessage(msg agent.Message) Event {
	return Event{Type: EventUserMessage, Timestamp: msg.Timestamp, Message: &msg}
}

func NewInstructorMessage(msg agent.Message) Event {
	return Event{Type: EventInstructorMessage, Timestamp: msg.Timestamp, Message: &msg}
}

func NewToolResults(msg agent.Message) Event {
	return Event{Type: EventToolResults, Timestamp: msg.Timestamp, Message: &msg}
}

func NewRoundComplete(round int, at time.Time) Event {
	return Event{Type: EventRoundComplete, Timestamp: at, Round: round}
}

func NewStatusChange(status Status, at time.Time) Event {
	return Event{Type: EventStatusChange, Timestamp: at, Status: status}
}

func NewSessionEnded(at time.Time) Event {
	return Event{Type: EventSessionEnded, Timestamp: at}
}

func NewCLISessionLinked(token string, at time.Time) Event {
	return Event{Type: EventCLISessionLinked, Timestamp: at, CLISessionID: token}
}
