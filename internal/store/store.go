// Package store persists execution sessions and checkpoints in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dmarsh/valet/internal/models"
)

// ErrNotFound is returned when a session or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// SessionRecord is the listing row for a stored session.
type SessionRecord struct {
	ID             string
	GoalID         string
	UserID         string
	Status         models.SessionStatus
	IterationCount int
	StartedAt      time.Time
	UpdatedAt      time.Time
}

// ExecutionStore is the durable session/checkpoint surface consumed by
// the engine and the CLI.
type ExecutionStore interface {
	SaveSession(session *models.ExecutionSession) error
	GetSession(id string) (*models.ExecutionSession, error)
	UpdateSessionStatus(id string, status models.SessionStatus) error
	DeleteSession(id string) error
	ListSessions(limit int) ([]SessionRecord, error)
	CountSessions() (int, error)

	SaveCheckpoint(cp *models.ExecutionCheckpoint) error
	GetCheckpoint(sessionID string) (*models.ExecutionCheckpoint, error)
	DeleteCheckpoint(sessionID string) error

	CleanupOldSessions(olderThan time.Duration) (int64, error)
	CleanupOldCheckpoints(olderThan time.Duration) (int64, error)

	Close() error
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	goal_id         TEXT NOT NULL,
	user_id         TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	iteration_count INTEGER NOT NULL DEFAULT 0,
	started_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	snapshot        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

CREATE TABLE IF NOT EXISTS checkpoints (
	session_id  TEXT PRIMARY KEY,
	step_index  INTEGER NOT NULL,
	total_steps INTEGER NOT NULL,
	state       TEXT NOT NULL,
	saved_at    INTEGER NOT NULL
);
`

// SQLiteStore is the SQLite-backed ExecutionStore.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and
// initializes the schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// busy_timeout first so the remaining pragmas wait on locks
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

// execWithRetry retries "database is locked" errors with exponential
// backoff; concurrent processes can race on the same file during setup.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveSession upserts a session row with a full JSON snapshot.
func (s *SQLiteStore) SaveSession(session *models.ExecutionSession) error {
	snapshot, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", session.ID, err)
	}

	query := `INSERT INTO sessions (id, goal_id, user_id, status, iteration_count, started_at, updated_at, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			iteration_count = excluded.iteration_count,
			updated_at = excluded.updated_at,
			snapshot = excluded.snapshot`

	_, err = s.db.Exec(query,
		session.ID, session.Goal.ID, session.UserID, string(session.Status),
		session.IterationCount, session.StartedAt.UnixMilli(), session.UpdatedAt.UnixMilli(),
		string(snapshot))
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

// GetSession loads a session snapshot by id.
func (s *SQLiteStore) GetSession(id string) (*models.ExecutionSession, error) {
	var snapshot string
	err := s.db.QueryRow(`SELECT snapshot FROM sessions WHERE id = ?`, id).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}

	var session models.ExecutionSession
	if err := json.Unmarshal([]byte(snapshot), &session); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &session, nil
}

// UpdateSessionStatus updates only the status column; the snapshot is
// refreshed on the next SaveSession.
func (s *SQLiteStore) UpdateSessionStatus(id string, status models.SessionStatus) error {
	res, err := s.db.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update session %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteSession removes a session and its checkpoint.
func (s *SQLiteStore) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete checkpoint for %s: %w", id, err)
	}
	return nil
}

// ListSessions returns session rows newest-first. A non-positive limit
// returns everything.
func (s *SQLiteStore) ListSessions(limit int) ([]SessionRecord, error) {
	query := `SELECT id, goal_id, user_id, status, iteration_count, started_at, updated_at
		FROM sessions ORDER BY updated_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var status string
		var startedAt, updatedAt int64
		if err := rows.Scan(&rec.ID, &rec.GoalID, &rec.UserID, &status, &rec.IterationCount, &startedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		rec.Status = models.SessionStatus(status)
		rec.StartedAt = time.UnixMilli(startedAt)
		rec.UpdatedAt = time.UnixMilli(updatedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountSessions returns the number of stored sessions.
func (s *SQLiteStore) CountSessions() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}

// SaveCheckpoint upserts the latest checkpoint for a session. One
// checkpoint is kept per session.
func (s *SQLiteStore) SaveCheckpoint(cp *models.ExecutionCheckpoint) error {
	query := `INSERT INTO checkpoints (session_id, step_index, total_steps, state, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			step_index = excluded.step_index,
			total_steps = excluded.total_steps,
			state = excluded.state,
			saved_at = excluded.saved_at`

	savedAt := cp.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	_, err := s.db.Exec(query, cp.SessionID, cp.StepIndex, cp.TotalSteps, string(cp.State), savedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save checkpoint for %s: %w", cp.SessionID, err)
	}
	return nil
}

// GetCheckpoint loads the latest checkpoint for a session.
func (s *SQLiteStore) GetCheckpoint(sessionID string) (*models.ExecutionCheckpoint, error) {
	var cp models.ExecutionCheckpoint
	var state string
	var savedAt int64

	err := s.db.QueryRow(`SELECT session_id, step_index, total_steps, state, saved_at
		FROM checkpoints WHERE session_id = ?`, sessionID).
		Scan(&cp.SessionID, &cp.StepIndex, &cp.TotalSteps, &state, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint for %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint for %s: %w", sessionID, err)
	}

	cp.State = []byte(state)
	cp.SavedAt = time.UnixMilli(savedAt)
	return &cp, nil
}

// DeleteCheckpoint removes a session's checkpoint.
func (s *SQLiteStore) DeleteCheckpoint(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete checkpoint for %s: %w", sessionID, err)
	}
	return nil
}

// CleanupOldSessions deletes sessions not updated within the window and
// returns how many were removed.
func (s *SQLiteStore) CleanupOldSessions(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	return res.RowsAffected()
}

// CleanupOldCheckpoints deletes checkpoints saved before the window and
// returns how many were removed.
func (s *SQLiteStore) CleanupOldCheckpoints(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM checkpoints WHERE saved_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup checkpoints: %w", err)
	}
	return res.RowsAffected()
}
