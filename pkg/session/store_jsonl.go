package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/tandem/internal/observability"
	"github.com/harun/tandem/internal/tracing"
)

const maxEventLineBytes = 16 * 1024 * 1024

// JSONLStore keeps one <id>.jsonl file per session.
type JSONLStore struct {
	dir        string
	logger     zerolog.Logger
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewJSONLStore creates the sessions directory if needed.
func NewJSONLStore(dir string, logger zerolog.Logger) (*JSONLStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("sessions directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	logger = logger.With().Str("component", "jsonl_store").Logger()
	logger.Info().Str("dir", dir).Msg("Session store initialized")

	return &JSONLStore{
		dir:        dir,
		logger:     logger,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *JSONLStore) path(id string) string {
	return filepath.Join(s.dir, id+".jsonl")
}

// writeLock gets or creates the write lock for a session
func (s *JSONLStore) writeLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, exists := s.writeLocks[id]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[id] = lock
	return lock
}

// Append writes one JSON line and fsyncs the file.
func (s *JSONLStore) Append(ctx context.Context, id string, ev Event) error {
	ctx, span := tracing.StartSpan(ctx, "tandem.session", "store.append",
		attribute.String("session.id", id),
		attribute.String("event.type", string(ev.Type)),
	)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	if err := ValidateID(id); err != nil {
		tracing.Fail(span, err)
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	lock := s.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(s.path(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := file.Sync(); err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("failed to sync file: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("session_id", id).
		Str("type", string(ev.Type)).
		Msg("Event appended")
	return nil
}

// Events reads the log. Corrupted lines are skipped with a warning.
func (s *JSONLStore) Events(ctx context.Context, id string) ([]Event, error) {
	ctx, span := tracing.StartSpan(ctx, "tandem.session", "store.events",
		attribute.String("session.id", id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("session_id", id).Logger()

	if err := ValidateID(id); err != nil {
		tracing.Fail(span, err)
		return nil, err
	}

	file, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		tracing.Fail(span, err)
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLineBytes)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}
		if ev.Type == "" {
			logger.Warn().Int("line", lineNum).Msg("Event without type, skipping")
			continue
		}
		events = append(events, ev)
	}

	if err := scanner.Err(); err != nil {
		tracing.Fail(span, err)
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	return events, nil
}

// IDs lists sessions by file name.
func (s *JSONLStore) IDs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(name, ".jsonl")
		if ValidateID(id) != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Delete removes the session file.
func (s *JSONLStore) Delete(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "tandem.session", "store.delete",
		attribute.String("session.id", id),
	)
	defer span.End()

	if err := ValidateID(id); err != nil {
		tracing.Fail(span, err)
		return err
	}

	lock := s.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		tracing.Fail(span, err)
		return fmt.Errorf("failed to delete session file: %w", err)
	}

	s.locksMu.Lock()
	delete(s.writeLocks, id)
	s.locksMu.Unlock()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("session_id", id).Msg("Session log deleted")
	return nil
}

// Close releases per-session locks.
func (s *JSONLStore) Close() error {
	s.locksMu.Lock()
	s.writeLocks = make(map[string]*sync.Mutex)
	s.locksMu.Unlock()
	return nil
}
