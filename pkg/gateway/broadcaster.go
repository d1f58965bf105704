package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/tandem/pkg/orchestrator"
)

var _ orchestrator.Sink = (*EventBroadcaster)(nil)

// EventBroadcaster fans orchestrator messages out to the WebSocket clients
// watching each session. It is the orchestrator's sink in a running server.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a broadcaster over clients.
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Clients returns the registry the broadcaster writes to.
func (b *EventBroadcaster) Clients() *ClientRegistry {
	return b.clients
}

// Emit implements orchestrator.Sink.
func (b *EventBroadcaster) Emit(sessionID string, msg orchestrator.Message) {
	b.Send(sessionID, EventMessage{
		Type:      string(msg.Type),
		SessionID: sessionID,
		Timestamp: msg.Timestamp,
		Payload:   msg.Payload,
	})
}

// Send delivers msg to the clients of one session.
func (b *EventBroadcaster) Send(sessionID string, msg EventMessage) {
	msg.SessionID = sessionID
	b.deliver(b.clients.ForSession(sessionID), msg)
}

// Broadcast delivers msg to every client regardless of session.
func (b *EventBroadcaster) Broadcast(msg EventMessage) {
	b.deliver(b.clients.GetAll(), msg)
}

func (b *EventBroadcaster) deliver(clients []*Client, msg EventMessage) {
	if msg.Seq == 0 {
		msg.Seq = b.nextSeq()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("type", msg.Type).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return
	}

	failed := 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			// The read loop notices the broken connection and unregisters it.
			b.logger.Warn().
				Err(err).
				Str("client_id", client.ID).
				Str("type", msg.Type).
				Int64("seq", msg.Seq).
				Msg("Failed to deliver event")
			failed++
		}
	}

	b.logger.Debug().
		Str("type", msg.Type).
		Str("session_id", msg.SessionID).
		Int64("seq", msg.Seq).
		Int("clients", len(clients)).
		Int("failed", failed).
		Msg("Event delivered")
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}
