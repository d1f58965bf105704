package session

import (
	"errors"
	"time"

	"github.com/harun/tandem/pkg/agent"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionLocked    = errors.New("session is busy")
	ErrSessionEnded     = errors.New("session has ended")
	ErrInvalidSessionID = errors.New("invalid session id")
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusThinking     Status = "thinking"
	StatusExecuting    Status = "executing"
	StatusWaiting      Status = "waiting"
	StatusPaused       Status = "paused"
	StatusEnded        Status = "ended"
)

// CanRun reports whether a new run may start from this status.
func (s Status) CanRun() bool {
	switch s {
	case StatusInitializing, StatusWaiting, StatusPaused:
		return true
	default:
		return false
	}
}

// Session is the replayed state of one conversation.
type Session struct {
	ID           string          `json:"id"`
	WorkDir      string          `json:"work_dir"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActivity time.Time       `json:"last_activity"`
	RoundCount   int             `json:"round_count"`
	Model        string          `json:"model,omitempty"`
	History      []agent.Message `json:"history"`
	CLISessionID string          `json:"cli_session_id,omitempty"`
}

// Clone returns a copy whose history slice is independent of s. Messages
// themselves are never mutated after append, so they are shared.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.History = append([]agent.Message(nil), s.History...)
	return &c
}

// Info summarizes the session for listings.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:           s.ID,
		WorkDir:      s.WorkDir,
		Status:       s.Status,
		Model:        s.Model,
		RoundCount:   s.RoundCount,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		MessageCount: len(s.History),
	}
}

// SessionInfo is a session summary without history.
type SessionInfo struct {
	ID           string    `json:"id"`
	WorkDir      string    `json:"work_dir"`
	Status       Status    `json:"status"`
	Model        string    `json:"model,omitempty"`
	RoundCount   int       `json:"round_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
}
