package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/harun/tandem/pkg/agent"
	"github.com/harun/tandem/pkg/session"
)

const (
	// PasswordHeader carries the shared password on HTTP requests.
	PasswordHeader = "X-Tandem-Password"

	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// Inbound WebSocket message types.
const (
	clientMessageText      = "message"
	clientMessageInterrupt = "interrupt"
	clientMessageApproval  = "approval"
	clientMessagePing      = "ping"
)

// Outbound envelope types that do not come from the orchestrator sink.
const (
	EventConnected       = "connected"
	EventApprovalRequest = "approval_request"
	EventTick            = "tick"
	EventShutdown        = "server_shutdown"
	EventPong            = "pong"
)

// Client is one WebSocket connection attached to a session.
type Client struct {
	ID           string
	SessionID    string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string
	RateLimiter  *rate.Limiter

	writeMu sync.Mutex
}

// WriteMessage serializes writes; gorilla connections allow one writer.
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(messageType, data)
}

// WriteJSON is WriteMessage for a JSON value.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(v)
}

// ClientInfo describes a connected client for status endpoints.
type ClientInfo struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	IPAddress    string    `json:"ip_address"`
	Idle         bool      `json:"idle"`
}

// EventMessage is the envelope pushed to WebSocket clients. Seq increases
// monotonically across the whole server.
type EventMessage struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	Seq       int64                  `json:"seq"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// clientMessage is anything a browser may send over the socket.
type clientMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Approved  bool   `json:"approved,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type createSessionRequest struct {
	WorkDir string `json:"work_dir"`
	Model   string `json:"model,omitempty"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type setPermissionRequest struct {
	Level string `json:"level"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// sessionDetail is the body of GET /api/sessions/{id}.
type sessionDetail struct {
	session.SessionInfo
	CLISessionID string          `json:"cli_session_id,omitempty"`
	Running      bool            `json:"running"`
	History      []agent.Message `json:"history"`
}
