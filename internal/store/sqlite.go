package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite persists sessions in a single SQLite database file.
type SQLite struct {
	db *sql.DB
	mu sync.RWMutex
}

// OpenSQLite creates or opens the database at dbPath and applies migrations.
func OpenSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying store migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates the sessions and lifecycle events tables.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user TEXT NOT NULL DEFAULT '',
			cwd TEXT NOT NULL,
			hostname TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			duration_ns INTEGER NOT NULL DEFAULT 0,
			end_reason TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}'
		);
		CREATE TABLE IF NOT EXISTS session_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			cwd TEXT NOT NULL DEFAULT '',
			hostname TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL DEFAULT '',
			user TEXT NOT NULL DEFAULT '',
			duration_ns INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id);
	`)
	return err
}

// migrateV2 adds chat history.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			message_type TEXT NOT NULL DEFAULT 'text',
			timestamp TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id);
	`)
	return err
}

func (s *SQLite) SetSession(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	md, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	var endedAt sql.NullString
	if rec.EndedAt != nil {
		endedAt = sql.NullString{String: formatTime(*rec.EndedAt), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions
			(id, user, cwd, hostname, platform, status, started_at, ended_at, duration_ns, end_reason, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.User, rec.Cwd, rec.Hostname, rec.Platform, rec.Status,
		formatTime(rec.StartedAt), endedAt, int64(rec.Duration), rec.EndReason, md,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *SQLite) GetSession(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		rec       Record
		startedAt string
		endedAt   sql.NullString
		duration  int64
		md        string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user, cwd, hostname, platform, status, started_at, ended_at, duration_ns, end_reason, metadata
		FROM sessions WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.User, &rec.Cwd, &rec.Hostname, &rec.Platform, &rec.Status,
		&startedAt, &endedAt, &duration, &rec.EndReason, &md)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	rec.StartedAt = parseTime(startedAt)
	if endedAt.Valid {
		t := parseTime(endedAt.String)
		rec.EndedAt = &t
	}
	rec.Duration = time.Duration(duration)
	if rec.Metadata, err = decodeMetadata(md); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLite) AddEvent(ctx context.Context, sessionID string, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events
			(session_id, type, timestamp, cwd, hostname, platform, user, duration_ns, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, ev.Type, formatTime(ev.Timestamp), ev.Cwd, ev.Hostname, ev.Platform,
		ev.User, int64(ev.Duration), ev.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *SQLite) Events(ctx context.Context, sessionID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, type, timestamp, cwd, hostname, platform, user, duration_ns, reason
		FROM session_events WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev       Event
			ts       string
			duration int64
		)
		if err := rows.Scan(&ev.SessionID, &ev.Type, &ts, &ev.Cwd, &ev.Hostname, &ev.Platform,
			&ev.User, &duration, &ev.Reason); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Timestamp = parseTime(ts)
		ev.Duration = time.Duration(duration)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLite) AddChatMessage(ctx context.Context, sessionID string, msg ChatMessage) error {
	md, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chat_messages
			(id, session_id, role, content, message_type, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, msg.Role, msg.Content, msg.MessageType, formatTime(msg.Timestamp), md,
	)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

func (s *SQLite) ChatHistory(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, message_type, timestamp, metadata
		FROM chat_messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	var msgs []ChatMessage
	for rows.Next() {
		var (
			msg ChatMessage
			ts  string
			md  string
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.MessageType, &ts, &md); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		msg.Timestamp = parseTime(ts)
		if msg.Metadata, err = decodeMetadata(md); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeMetadata(md map[string]any) (string, error) {
	if len(md) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(data), nil
}

func decodeMetadata(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var md map[string]any
	if err := json.Unmarshal([]byte(s), &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}
