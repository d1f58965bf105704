package orchestrator

import (
	"time"
)

// Kind discriminates sink messages.
type Kind string

const (
	KindStatusUpdate      Kind = "status_update"
	KindThinking          Kind = "thinking"
	KindInstructorMessage Kind = "instructor_message"
	KindWorkerMessage     Kind = "worker_message"
	KindToolUse           Kind = "tool_use"
	KindToolResult        Kind = "tool_result"
	KindWaitingInput      Kind = "waiting_input"
	KindRoundComplete     Kind = "round_complete"
	KindDone              Kind = "done"
	KindSystemMessage     Kind = "system_message"
	KindError             Kind = "error"
)

// System message levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
)

// Message is one protocol message delivered to observers of a session.
type Message struct {
	Type      Kind                   `json:"type"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Sink receives the messages a run produces, in order. Delivery is best
// effort; Emit must not block the run for long.
type Sink interface {
	Emit(sessionID string, msg Message)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(sessionID string, msg Message)

// Emit implements Sink.
func (f SinkFunc) Emit(sessionID string, msg Message) { f(sessionID, msg) }

type nopSink struct{}

func (nopSink) Emit(string, Message) {}

// MultiSink fans messages out to several sinks.
type MultiSink []Sink

// Emit implements Sink.
func (m MultiSink) Emit(sessionID string, msg Message) {
	for _, s := range m {
		s.Emit(sessionID, msg)
	}
}

func (o *Orchestrator) emit(sessionID string, kind Kind, payload map[string]interface{}) {
	o.sink.Emit(sessionID, Message{
		Type:      kind,
		SessionID: sessionID,
		Timestamp: o.now(),
		Payload:   payload,
	})
}

func (o *Orchestrator) emitSystem(sessionID, level, text string) {
	o.emit(sessionID, KindSystemMessage, map[string]interface{}{"level": level, "text": text})
}
