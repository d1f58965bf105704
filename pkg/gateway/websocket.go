package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/time/rate"

	"github.com/harun/tandem/pkg/session"
)

// handleWebSocket attaches a browser to one session: GET /ws?session={id}.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		writeError(w, errShuttingDown)
		return
	}

	sessionID := r.URL.Query().Get("session")
	if err := session.ValidateID(sessionID); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.sessions.Load(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		_ = conn.Close()
		return
	}
	now := time.Now()
	client := &Client{
		ID:           clientID,
		SessionID:    sessionID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    remoteIP(r),
		RateLimiter:  newMessageLimiter(s.msgLimit),
	}
	conn.SetReadLimit(maxMessageSize)

	s.clients.Add(client)
	s.logger.Info().
		Str("client_id", clientID).
		Str("session_id", sessionID).
		Str("ip", client.IPAddress).
		Msg("Client connected")

	hello := EventMessage{
		Type:      EventConnected,
		SessionID: sessionID,
		Seq:       s.broadcaster.nextSeq(),
		Timestamp: now,
		Payload: map[string]interface{}{
			"client_id": clientID,
			"running":   s.orch.IsRunning(sessionID),
		},
	}
	if err := client.WriteJSON(hello); err != nil {
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to greet client")
		_ = conn.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

// handleClient reads until the connection drops.
func (s *Server) handleClient(client *Client) {
	defer func() {
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("client_id", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("client_id", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)
		s.handleMessage(client, message)
	}
}

// handleMessage dispatches one inbound frame. Problems are reported back to
// the sending client only.
func (s *Server) handleMessage(client *Client, data []byte) {
	if !client.RateLimiter.Allow() {
		s.replyError(client, "rate limit exceeded", "rate_limited")
		return
	}

	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.replyError(client, "invalid message: "+err.Error(), "bad_request")
		return
	}

	ctx := withActor(s.runCtx, client.IPAddress)
	switch msg.Type {
	case clientMessageText:
		if err := s.startRun(ctx, client.SessionID, msg.Content); err != nil {
			s.replyError(client, err.Error(), errorCode(err))
		}
	case clientMessageInterrupt:
		interrupted := s.orch.Interrupt(client.SessionID)
		s.logger.Info().
			Str("client_id", client.ID).
			Str("session_id", client.SessionID).
			Bool("interrupted", interrupted).
			Msg("Interrupt requested")
	case clientMessageApproval:
		if s.approver == nil || !s.approver.Resolve(client.SessionID, msg.ToolUseID, msg.Approved, msg.Reason) {
			s.replyError(client, "no pending approval for "+msg.ToolUseID, "not_found")
			return
		}
		s.logger.Info().
			Str("session_id", client.SessionID).
			Str("tool_use_id", msg.ToolUseID).
			Bool("approved", msg.Approved).
			Str("actor", actorFromContext(ctx)).
			Msg("Approval resolved")
	case clientMessagePing:
		s.reply(client, EventMessage{Type: EventPong})
	default:
		s.replyError(client, "unknown message type: "+msg.Type, "bad_request")
	}
}

func (s *Server) reply(client *Client, msg EventMessage) {
	msg.SessionID = client.SessionID
	msg.Seq = s.broadcaster.nextSeq()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if err := client.WriteJSON(msg); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Warn().Err(err).Str("client_id", client.ID).Msg("Failed to reply to client")
	}
}

func (s *Server) replyError(client *Client, message, code string) {
	s.reply(client, EventMessage{
		Type:    "error",
		Payload: map[string]interface{}{"message": message, "kind": code},
	})
}

// newMessageLimiter allows perMinute inbound messages per minute, with the
// full minute's allowance available as a burst.
func newMessageLimiter(perMinute int) *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}
