package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"
)

// RunInfo describes an active run.
type RunInfo struct {
	SessionID string    `json:"session_id"`
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
}

type activeRun struct {
	info   RunInfo
	cancel context.CancelFunc
}

// runRegistry tracks the cancel func of every active run by session id.
type runRegistry struct {
	runs map[string]*activeRun
	mu   sync.Mutex
}

func newRunRegistry() *runRegistry {
	return &runRegistry{runs: make(map[string]*activeRun)}
}

func (r *runRegistry) register(info RunInfo, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[info.SessionID] = &activeRun{info: info, cancel: cancel}
}

// deregister removes the entry only if it still belongs to runID.
func (r *runRegistry) deregister(sessionID, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[sessionID]; ok && run.info.RunID == runID {
		delete(r.runs, sessionID)
	}
}

func (r *runRegistry) cancel(sessionID string) bool {
	r.mu.Lock()
	run, ok := r.runs[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	run.cancel()
	return true
}

func (r *runRegistry) has(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[sessionID]
	return ok
}

func (r *runRegistry) list() []RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]RunInfo, 0, len(r.runs))
	for _, run := range r.runs {
		infos = append(infos, run.info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}
