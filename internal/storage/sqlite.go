package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/craigderington/realmtunnel/pkg/types"
)

// ErrNoHistory is returned when a server has no recorded events
var ErrNoHistory = errors.New("no status history")

// StatusEvent is one recorded status snapshot
type StatusEvent struct {
	ID           int64                 `json:"id"`
	ServerID     string                `json:"server_id"`
	State        types.ConnectionState `json:"state"`
	LastError    string                `json:"last_error,omitempty"`
	RetryAttempt int                   `json:"retry_attempt"`
	Mappings     []types.MappingStatus `json:"mappings"`
	CreatedAt    time.Time             `json:"created_at"`
}

// SQLiteStore persists the status history of every server
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite storage backend
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS status_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		server_id TEXT NOT NULL,
		state TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		retry_attempt INTEGER NOT NULL DEFAULT 0,
		mappings TEXT NOT NULL, -- JSON array
		created_at INTEGER NOT NULL -- unix nanoseconds
	);

	CREATE INDEX IF NOT EXISTS idx_status_events_server ON status_events(server_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_status_events_created_at ON status_events(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Record stores a snapshot
func (s *SQLiteStore) Record(ctx context.Context, snap types.StatusSnapshot) error {
	mappings := snap.Mappings
	if mappings == nil {
		mappings = []types.MappingStatus{}
	}
	mappingsJSON, err := json.Marshal(mappings)
	if err != nil {
		return fmt.Errorf("failed to marshal mappings: %w", err)
	}

	createdAt := snap.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO status_events (server_id, state, last_error, retry_attempt, mappings, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		snap.ServerID,
		string(snap.State),
		snap.LastError,
		snap.RetryAttempt,
		string(mappingsJSON),
		createdAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record status: %w", err)
	}
	return nil
}

// History returns up to limit events for a server, newest first
func (s *SQLiteStore) History(ctx context.Context, serverID string, limit int) ([]StatusEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, server_id, state, last_error, retry_attempt, mappings, created_at
		FROM status_events
		WHERE server_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	events := []StatusEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return events, nil
}

// Latest returns the most recent event for a server
func (s *SQLiteStore) Latest(ctx context.Context, serverID string) (StatusEvent, error) {
	events, err := s.History(ctx, serverID, 1)
	if err != nil {
		return StatusEvent{}, err
	}
	if len(events) == 0 {
		return StatusEvent{}, fmt.Errorf("%w: %s", ErrNoHistory, serverID)
	}
	return events[0], nil
}

// Prune deletes events recorded before the cutoff and returns how many were removed
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM status_events WHERE created_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (StatusEvent, error) {
	var (
		ev           StatusEvent
		state        string
		mappingsJSON string
		createdAt    int64
	)

	if err := row.Scan(&ev.ID, &ev.ServerID, &state, &ev.LastError, &ev.RetryAttempt, &mappingsJSON, &createdAt); err != nil {
		return StatusEvent{}, fmt.Errorf("failed to scan status event: %w", err)
	}

	if err := json.Unmarshal([]byte(mappingsJSON), &ev.Mappings); err != nil {
		return StatusEvent{}, fmt.Errorf("failed to unmarshal mappings: %w", err)
	}

	ev.State = types.ConnectionState(state)
	ev.CreatedAt = time.Unix(0, createdAt)
	return ev, nil
}
