package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/tandem/internal/observability"
	"github.com/harun/tandem/internal/tracing"
	"github.com/harun/tandem/pkg/agent"
)

const (
	idAlphabet              = "0123456789abcdefghijklmnopqrstuvwxyz"
	idLength                = 12
	defaultSummaryCacheSize = 256
)

// Options configures a Manager.
type Options struct {
	Logger           zerolog.Logger
	SummaryCacheSize int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Manager is the session registry. It owns the in-memory session map and is
// the only writer of Session fields.
type Manager struct {
	store  EventStore
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	running  map[string]bool

	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex

	summaries *lru.Cache[string, SessionInfo]
}

// NewManager creates a registry backed by store.
func NewManager(store EventStore, opts Options) *Manager {
	observability.EnsureRegistered()

	if opts.SummaryCacheSize <= 0 {
		opts.SummaryCacheSize = defaultSummaryCacheSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	// lru.New only errors on a non-positive size, which is guarded above.
	summaries, _ := lru.New[string, SessionInfo](opts.SummaryCacheSize)

	return &Manager{
		store:      store,
		logger:     opts.Logger.With().Str("component", "session_manager").Logger(),
		now:        opts.Now,
		sessions:   make(map[string]*Session),
		running:    make(map[string]bool),
		writeLocks: make(map[string]*sync.Mutex),
		summaries:  summaries,
	}
}

func (m *Manager) writeLock(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	if lock, ok := m.writeLocks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.writeLocks[id] = lock
	return lock
}

// dropWriteLock forgets the append mutex of a session that has left memory
// for good.
func (m *Manager) dropWriteLock(id string) {
	m.locksMu.Lock()
	delete(m.writeLocks, id)
	m.locksMu.Unlock()
}

func (m *Manager) updateActiveSessionsMetric() {
	m.mu.RLock()
	n := len(m.sessions)
	m.mu.RUnlock()
	observability.SetActiveSessions(n)
}

// Create starts a new session bound to workDir.
func (m *Manager) Create(ctx context.Context, workDir, model string) (*Session, error) {
	id, err := gonanoid.Generate(idAlphabet, idLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, "tandem.session", "session.create",
		attribute.String("session.id", id),
	)
	defer span.End()

	ev := NewSessionCreated(id, workDir, model, m.now())
	if err := m.store.Append(ctx, id, ev); err != nil {
		tracing.Fail(span, err)
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	s := apply(nil, ev)
	// A reloaded session starts out waiting; a fresh one is still initializing.
	s.Status = StatusInitializing
	m.mu.Lock()
	m.sessions[id] = s
	snapshot := s.Clone()
	m.mu.Unlock()

	m.updateActiveSessionsMetric()
	observability.RecordSessionAudit(ctx, "create", id, map[string]interface{}{"work_dir": workDir})
	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().Str("work_dir", workDir).Msg("Session created")

	return snapshot, nil
}

// Get returns a copy of an in-memory session without touching the store.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Snapshot is Get without the presence flag.
func (m *Manager) Snapshot(id string) *Session {
	s, _ := m.Get(id)
	return s
}

// Load returns the session from memory or replays it from the store and
// caches it.
func (m *Manager) Load(ctx context.Context, id string) (*Session, error) {
	if s, ok := m.Get(id); ok {
		return s, nil
	}
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, "tandem.session", "session.load",
		attribute.String("session.id", id),
	)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionLoad(time.Since(start)) }()

	lock := m.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have loaded it while we waited.
	if s, ok := m.Get(id); ok {
		return s, nil
	}

	events, err := m.store.Events(ctx, id)
	if err != nil {
		tracing.Fail(span, err)
		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	s := Replay(events)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	m.mu.Lock()
	m.sessions[id] = s
	snapshot := s.Clone()
	m.mu.Unlock()
	m.updateActiveSessionsMetric()

	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Debug().Int("events", len(events)).Msg("Session loaded")
	return snapshot, nil
}

// Append persists ev and then applies it to the in-memory session. When the
// store fails, memory is left untouched.
func (m *Manager) Append(ctx context.Context, id string, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	if _, err := m.Load(ctx, id); err != nil {
		return err
	}

	lock := m.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.Append(ctx, id, ev); err != nil {
		return fmt.Errorf("failed to append %s event: %w", ev.Type, err)
	}

	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		apply(s, ev)
	}
	m.mu.Unlock()
	m.summaries.Remove(id)
	return nil
}

// AppendUserMessage records a user turn.
func (m *Manager) AppendUserMessage(ctx context.Context, id, text string) error {
	msg := agent.Message{Role: agent.RoleUser, Content: agent.TextContent(text), Timestamp: m.now()}
	return m.Append(ctx, id, NewUserMessage(msg))
}

// AppendInstructorMessage records an assistant turn.
func (m *Manager) AppendInstructorMessage(ctx context.Context, id string, msg agent.Message) error {
	msg.Role = agent.RoleAssistant
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now()
	}
	return m.Append(ctx, id, NewInstructorMessage(msg))
}

// AppendToolResults records the user-role turn answering a round's tool calls.
func (m *Manager) AppendToolResults(ctx context.Context, id string, results []agent.ContentBlock) error {
	msg := agent.Message{Role: agent.RoleUser, Content: agent.BlocksContent(results...), Timestamp: m.now()}
	return m.Append(ctx, id, NewToolResults(msg))
}

// CompleteRound records that round has finished.
func (m *Manager) CompleteRound(ctx context.Context, id string, round int) error {
	return m.Append(ctx, id, NewRoundComplete(round, m.now()))
}

// SetStatus records a status transition.
func (m *Manager) SetStatus(ctx context.Context, id string, status Status) error {
	return m.Append(ctx, id, NewStatusChange(status, m.now()))
}

// LinkCLISession records the backend resume token.
func (m *Manager) LinkCLISession(ctx context.Context, id, token string) error {
	return m.Append(ctx, id, NewCLISessionLinked(token, m.now()))
}

// End marks the session ended and drops it from memory. The log is kept;
// the returned copy is the final in-memory state.
func (m *Manager) End(ctx context.Context, id string) (*Session, error) {
	if m.IsLocked(id) {
		return nil, fmt.Errorf("%w: %s", ErrSessionLocked, id)
	}
	before, err := m.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	ev := NewSessionEnded(m.now())
	if err := m.Append(ctx, id, ev); err != nil {
		return nil, err
	}

	m.mu.Lock()
	ended := m.sessions[id].Clone()
	delete(m.sessions, id)
	m.mu.Unlock()
	if ended == nil {
		// Evicted after the append.
		ended = apply(before, ev)
	}
	m.dropWriteLock(id)
	m.updateActiveSessionsMetric()

	observability.RecordSessionAudit(ctx, "end", id, nil)
	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().Str("session_id", id).Msg("Session ended")
	return ended, nil
}

// Delete removes the session from memory and storage.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if m.IsLocked(id) {
		return fmt.Errorf("%w: %s", ErrSessionLocked, id)
	}

	ctx, span := tracing.StartSpan(ctx, "tandem.session", "session.delete",
		attribute.String("session.id", id),
	)
	defer span.End()

	lock := m.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.Delete(ctx, id); err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.dropWriteLock(id)
	m.summaries.Remove(id)
	m.updateActiveSessionsMetric()

	observability.RecordSessionAudit(ctx, "delete", id, nil)
	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().Str("session_id", id).Msg("Session deleted")
	return nil
}

// AcquireLock claims the single run slot of a session. It never blocks.
func (m *Manager) AcquireLock(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running[id] {
		return false
	}
	m.running[id] = true
	return true
}

// ReleaseLock frees the run slot. Releasing a free slot is a no-op.
func (m *Manager) ReleaseLock(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, id)
}

// IsLocked reports whether a run holds the session.
func (m *Manager) IsLocked(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running[id]
}

// List returns in-memory and stored sessions, most recently active first.
// Stored-only sessions are summarized through a cache and not registered.
func (m *Manager) List(ctx context.Context) ([]SessionInfo, error) {
	m.mu.RLock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	seen := make(map[string]bool, len(m.sessions))
	for id, s := range m.sessions {
		infos = append(infos, s.Info())
		seen[id] = true
	}
	m.mu.RUnlock()

	ids, err := m.store.IDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	for _, id := range ids {
		if seen[id] {
			continue
		}
		if info, ok := m.summaries.Get(id); ok {
			infos = append(infos, info)
			continue
		}
		events, err := m.store.Events(ctx, id)
		if err != nil {
			m.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to read session, skipping")
			continue
		}
		s := Replay(events)
		if s == nil {
			continue
		}
		info := s.Info()
		m.summaries.Add(id, info)
		infos = append(infos, info)
	}

	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].LastActivity.After(infos[j].LastActivity)
	})
	return infos, nil
}

// Evict drops idle, unlocked sessions whose last activity is older than
// olderThan. They stay loadable from the store.
func (m *Manager) Evict(olderThan time.Duration) int {
	cutoff := m.now().Add(-olderThan)

	m.mu.Lock()
	evicted := 0
	for id, s := range m.sessions {
		if m.running[id] || s.LastActivity.After(cutoff) {
			continue
		}
		delete(m.sessions, id)
		evicted++
	}
	m.mu.Unlock()

	if evicted > 0 {
		observability.RecordSessionsEvicted(evicted)
		m.updateActiveSessionsMetric()
		m.logger.Info().Int("count", evicted).Dur("idle", olderThan).Msg("Evicted idle sessions")
	}
	return evicted
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	if err := m.store.Close(); err != nil {
		return fmt.Errorf("failed to close session store: %w", err)
	}
	return nil
}
