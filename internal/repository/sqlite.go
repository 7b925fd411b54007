// Package repository archives runs and the messages delivered for them.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaot623/reviewflow/internal/domain"
)

// SQLiteStore implements the run archive using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			process_id TEXT,
			task TEXT NOT NULL,
			state TEXT NOT NULL,
			sequence INTEGER NOT NULL DEFAULT 0,
			outcome TEXT,
			error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_user ON runs(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS run_messages (
			run_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			type TEXT NOT NULL,
			ts INTEGER NOT NULL,
			payload TEXT,
			PRIMARY KEY (run_id, sequence),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveRun inserts or updates a run.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *domain.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, user_id, process_id, task, state, sequence, outcome, error, created_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			state = excluded.state,
			sequence = excluded.sequence,
			outcome = excluded.outcome,
			error = excluded.error,
			ended_at = excluded.ended_at`,
		run.RunID, run.UserID, nullString(run.ProcessID), run.Task, run.State, run.Sequence,
		nullString(run.Outcome), nullString(run.Error), run.CreatedAt, nullTime(run.EndedAt))
	return err
}

// GetRun retrieves a run by ID. It returns nil when the run does not exist.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	var run domain.Run
	var processID, outcome, runErr sql.NullString
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, user_id, process_id, task, state, sequence, outcome, error, created_at, ended_at FROM runs WHERE run_id = ?`,
		runID).Scan(&run.RunID, &run.UserID, &processID, &run.Task, &run.State, &run.Sequence, &outcome, &runErr, &run.CreatedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.ProcessID = processID.String
	run.Outcome = outcome.String
	run.Error = runErr.String
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	return &run, nil
}

// ListRuns returns the most recent runs of a user, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, userID string, limit int) ([]domain.Run, error) {
	query := `SELECT run_id, user_id, process_id, task, state, sequence, outcome, error, created_at, ended_at FROM runs WHERE user_id = ? ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		var run domain.Run
		var processID, outcome, runErr sql.NullString
		var endedAt sql.NullTime
		if err := rows.Scan(&run.RunID, &run.UserID, &processID, &run.Task, &run.State, &run.Sequence, &outcome, &runErr, &run.CreatedAt, &endedAt); err != nil {
			return nil, err
		}
		run.ProcessID = processID.String
		run.Outcome = outcome.String
		run.Error = runErr.String
		if endedAt.Valid {
			t := endedAt.Time
			run.EndedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AppendMessage stores one delivered message.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg domain.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_messages (run_id, sequence, type, ts, payload) VALUES (?, ?, ?, ?, ?)`,
		msg.RunID, msg.Sequence, msg.Type, msg.Ts, string(msg.Payload))
	return err
}

// ListMessages returns the messages of a run with a sequence greater than
// afterSeq, in sequence order.
func (s *SQLiteStore) ListMessages(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.Message, error) {
	query := `SELECT run_id, sequence, type, ts, payload FROM run_messages WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		var msg domain.Message
		var payload sql.NullString
		if err := rows.Scan(&msg.RunID, &msg.Sequence, &msg.Type, &msg.Ts, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			msg.Payload = json.RawMessage(payload.String)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}
