package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/harun/tandem/pkg/agent"
	"github.com/harun/tandem/pkg/orchestrator"
	"github.com/harun/tandem/pkg/session"
	"github.com/harun/tandem/pkg/toolexecutor"
)

var (
	errShuttingDown   = errors.New("server is shutting down")
	errBadRequest     = errors.New("bad request")
	errInvalidWorkDir = errors.New("invalid work_dir")
)

const maxBodyBytes = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.shuttingDown() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":      status,
		"active_runs": len(s.orch.ActiveRuns()),
		"clients":     s.clients.Count(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.sessions.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	workDir, err := s.resolveWorkDir(req.WorkDir)
	if err != nil {
		writeError(w, err)
		return
	}
	model := req.Model
	if model == "" {
		model = s.defaultModel
	}

	sess, err := s.sessions.Create(r.Context(), workDir, model)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Load(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	history := sess.History
	if history == nil {
		history = []agent.Message{}
	}
	writeJSON(w, http.StatusOK, sessionDetail{
		SessionInfo:  sess.Info(),
		CLISessionID: sess.CLISessionID,
		Running:      s.orch.IsRunning(id),
		History:      history,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.End(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req sendMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.startRun(r.Context(), id, req.Content); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "session_id": id})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := session.ValidateID(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"interrupted": s.orch.Interrupt(id)})
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.ActiveRuns())
}

func (s *Server) handleListClients(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.clients.GetConnectedClients())
}

func (s *Server) handleListPermissions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.policy.Snapshot())
}

func (s *Server) handleSetPermission(w http.ResponseWriter, r *http.Request) {
	tool := chi.URLParam(r, "tool")
	var req setPermissionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	level, err := toolexecutor.ParsePermissionLevel(req.Level)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if toolexecutor.IsCoordinationTool(tool) {
		writeError(w, fmt.Errorf("%w: %s is always allowed", errBadRequest, tool))
		return
	}

	s.policy.Set(r.Context(), tool, level)
	s.logger.Debug().Str("tool", tool).Str("actor", actorFromContext(r.Context())).Msg("Permission set over HTTP")

	writeJSON(w, http.StatusOK, toolexecutor.PermissionEntry{Tool: tool, Level: s.policy.Level(tool)})
}

// resolveWorkDir requires an existing absolute directory, inside the work
// root when one is configured.
func (s *Server) resolveWorkDir(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("%w: required", errInvalidWorkDir)
	}
	if !filepath.IsAbs(dir) {
		return "", fmt.Errorf("%w: %s is not absolute", errInvalidWorkDir, dir)
	}
	dir = filepath.Clean(dir)

	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidWorkDir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", errInvalidWorkDir, dir)
	}

	if s.workRoot != "" {
		rel, err := filepath.Rel(filepath.Clean(s.workRoot), dir)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %s is outside %s", errInvalidWorkDir, dir, s.workRoot)
		}
	}
	return dir, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), errorResponse{Error: err.Error(), Code: errorCode(err)})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidSessionID),
		errors.Is(err, orchestrator.ErrEmptyInput),
		errors.Is(err, errInvalidWorkDir),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionLocked),
		errors.Is(err, session.ErrSessionEnded):
		return http.StatusConflict
	case errors.Is(err, errShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrInvalidSessionID):
		return "invalid_session_id"
	case errors.Is(err, orchestrator.ErrEmptyInput):
		return "empty_input"
	case errors.Is(err, errInvalidWorkDir):
		return "invalid_work_dir"
	case errors.Is(err, errBadRequest):
		return "bad_request"
	case errors.Is(err, session.ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, session.ErrSessionLocked):
		return "session_locked"
	case errors.Is(err, session.ErrSessionEnded):
		return "session_ended"
	case errors.Is(err, errShuttingDown):
		return "shutting_down"
	default:
		return "internal"
	}
}
