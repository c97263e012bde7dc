package feedback

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// tsLayout is fixed-width so timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000Z07:00"

// Store is an append-only SQLite Sink. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db     *sql.DB
	ownsDB bool
}

// Open creates a store in the SQLite file at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open feedback database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewStore wraps an existing database handle, creating the schema if
// needed. The caller keeps ownership of db.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate feedback schema: %w", err)
	}
	return s, nil
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS feedback_signals (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		session_id    TEXT,
		signal_type   TEXT NOT NULL,
		tool_name     TEXT NOT NULL,
		error_message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_timestamp ON feedback_signals(timestamp);
	CREATE INDEX IF NOT EXISTS idx_feedback_tool ON feedback_signals(tool_name);
	`)
	return err
}

// Append persists a signal. A missing ID gets a UUIDv7 and a zero
// timestamp becomes now.
func (s *Store) Append(ctx context.Context, sig Signal) error {
	if sig.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate signal ID: %w", err)
		}
		sig.ID = id.String()
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback_signals
			(id, timestamp, session_id, signal_type, tool_name, error_message)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sig.ID,
		sig.Timestamp.UTC().Format(tsLayout),
		sig.SessionID,
		string(sig.Type),
		sig.ToolName,
		sig.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert feedback signal: %w", err)
	}
	return nil
}

// Recent returns up to limit signals, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Signal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, COALESCE(session_id, ''), signal_type, tool_name, COALESCE(error_message, '')
		 FROM feedback_signals
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent signals: %w", err)
	}
	defer rows.Close()

	var out []Signal
	for rows.Next() {
		var sig Signal
		var ts, typ string
		if err := rows.Scan(&sig.ID, &ts, &sig.SessionID, &typ, &sig.ToolName, &sig.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		sig.Type = SignalType(typ)
		sig.Timestamp, _ = time.Parse(tsLayout, ts)
		out = append(out, sig)
	}
	return out, rows.Err()
}

// CountByTool returns the number of failures per tool since the given
// time.
func (s *Store) CountByTool(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_name, COUNT(*)
		 FROM feedback_signals
		 WHERE signal_type = ? AND timestamp >= ?
		 GROUP BY tool_name`,
		string(ToolFailure),
		since.UTC().Format(tsLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query failures by tool: %w", err)
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var tool string
		var n int
		if err := rows.Scan(&tool, &n); err != nil {
			return nil, fmt.Errorf("scan failures by tool: %w", err)
		}
		result[tool] = n
	}
	return result, rows.Err()
}
