package session

// Replay folds an event log into a session. It returns nil when the log has
// no session_created event. Events before session_created and events of
// unknown type are skipped.
func Replay(events []Event) *Session {
	var s *Session
	for _, ev := range events {
		s = apply(s, ev)
	}
	return s
}

// apply is one fold step. s is nil until session_created has been seen.
func apply(s *Session, ev Event) *Session {
	if s == nil {
		if ev.Type != EventSessionCreated {
			return nil
		}
		return &Session{
			ID:           ev.SessionID,
			WorkDir:      ev.WorkDir,
			Model:        ev.Model,
			Status:       StatusWaiting,
			CreatedAt:    ev.Timestamp,
			LastActivity: ev.Timestamp,
			RoundCount:   0,
		}
	}

	switch ev.Type {
	case EventUserMessage, EventInstructorMessage, EventToolResults:
		if ev.Message != nil {
			s.History = append(s.History, *ev.Message)
		}
		s.touch(ev)
	case EventRoundComplete:
		s.RoundCount = ev.Round
		s.touch(ev)
	case EventStatusChange:
		if ev.Status != "" {
			s.Status = ev.Status
		}
	case EventSessionEnded:
		s.Status = StatusEnded
	case EventCLISessionLinked:
		s.CLISessionID = ev.CLISessionID
	}
	return s
}

func (s *Session) touch(ev Event) {
	if ev.Timestamp.After(s.LastActivity) {
		s.LastActivity = ev.Timestamp
	}
}
