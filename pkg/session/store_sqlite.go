package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/tandem/internal/observability"
	"github.com/harun/tandem/internal/tracing"
)

// SQLiteStore keeps every session log in one events table.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens the database at path and creates the schema.
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	logger = logger.With().Str("component", "sqlite_store").Logger()
	logger.Info().Str("path", path).Msg("Session store initialized")

	return &SQLiteStore{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	`
	_, err := db.Exec(schema)
	return err
}

// Append inserts ev with the next sequence number for id.
func (s *SQLiteStore) Append(ctx context.Context, id string, ev Event) error {
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

	payload, err := json.Marshal(ev)
	if err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE session_id = ?`, id,
	).Scan(&seq); err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("next sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (session_id, seq, type, timestamp, payload) VALUES (?, ?, ?, ?, ?)`,
		id, seq, string(ev.Type), ev.Timestamp.UTC(), string(payload),
	); err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// Events returns the log ordered by sequence number.
func (s *SQLiteStore) Events(ctx context.Context, id string) ([]Event, error) {
	ctx, span := tracing.StartSpan(ctx, "tandem.session", "store.events",
		attribute.String("session.id", id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("session_id", id).Logger()

	if err := ValidateID(id); err != nil {
		tracing.Fail(span, err)
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, payload FROM events WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		tracing.Fail(span, err)
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var seq int64
		var payload string
		if err := rows.Scan(&seq, &payload); err != nil {
			tracing.Fail(span, err)
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			logger.Warn().Int64("seq", seq).Err(err).Msg("Failed to parse event, skipping")
			continue
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		tracing.Fail(span, err)
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// IDs lists distinct session ids.
func (s *SQLiteStore) IDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT session_id FROM events ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("query session ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes every event of id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "tandem.session", "store.delete",
		attribute.String("session.id", id),
	)
	defer span.End()

	if err := ValidateID(id); err != nil {
		tracing.Fail(span, err)
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, id); err != nil {
		tracing.Fail(span, err)
		return fmt.Errorf("delete events: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
