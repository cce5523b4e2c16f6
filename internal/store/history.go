package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var historySchema string

// AttemptRow is one recorded attempt in the history database.
type AttemptRow struct {
	ID              int64
	PlanID          string
	PlanName        string
	NodeID          string
	ProducerID      string
	AttemptNumber   int
	TriggerType     string
	Status          string
	FailedPhase     string
	Error           string
	DurationMs      int64
	AgentSessionID  string
	CompletedCommit string
	RecordedAt      time.Time
}

// History records completed attempts in a SQLite database for the CLI's
// history view. Recording is best-effort: the engine logs and continues
// when a write fails.
type History struct {
	db     *sql.DB
	dbPath string
}

// OpenHistory opens (and initializes) the history database at dbPath.
// ":memory:" is accepted for tests.
func OpenHistory(dbPath string) (*History, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("history: create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	return &History{db: db, dbPath: dbPath}, nil
}

// Close closes the database connection.
func (h *History) Close() error {
	if h.db != nil {
		return h.db.Close()
	}
	return nil
}

// RecordAttempt inserts one completed attempt.
func (h *History) RecordAttempt(ctx context.Context, row AttemptRow) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO attempts (
			plan_id, plan_name, node_id, producer_id, attempt_number,
			trigger_type, status, failed_phase, error, duration_ms,
			agent_session_id, completed_commit
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.PlanID, row.PlanName, row.NodeID, row.ProducerID, row.AttemptNumber,
		row.TriggerType, row.Status, row.FailedPhase, row.Error, row.DurationMs,
		row.AgentSessionID, row.CompletedCommit)
	if err != nil {
		return fmt.Errorf("history: record attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the recorded attempts for a plan, newest first.
func (h *History) ListAttempts(ctx context.Context, planID string, limit int) ([]AttemptRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, plan_id, plan_name, node_id, producer_id, attempt_number,
		       trigger_type, status, COALESCE(failed_phase, ''), COALESCE(error, ''),
		       duration_ms, COALESCE(agent_session_id, ''), COALESCE(completed_commit, ''),
		       recorded_at
		FROM attempts WHERE plan_id = ? ORDER BY id DESC LIMIT ?`, planID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list attempts: %w", err)
	}
	defer rows.Close()
	return scanAttempts(rows)
}

// ListRecent returns the most recent attempts across all plans.
func (h *History) ListRecent(ctx context.Context, limit int) ([]AttemptRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, plan_id, plan_name, node_id, producer_id, attempt_number,
		       trigger_type, status, COALESCE(failed_phase, ''), COALESCE(error, ''),
		       duration_ms, COALESCE(agent_session_id, ''), COALESCE(completed_commit, ''),
		       recorded_at
		FROM attempts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list recent: %w", err)
	}
	defer rows.Close()
	return scanAttempts(rows)
}

// RunCount returns how many distinct plans with the given name have
// recorded attempts.
func (h *History) RunCount(ctx context.Context, planName string) (int, error) {
	var count int
	err := h.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT plan_id) FROM attempts WHERE plan_name = ?`, planName).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("history: run count: %w", err)
	}
	return count, nil
}

func scanAttempts(rows *sql.Rows) ([]AttemptRow, error) {
	var out []AttemptRow
	for rows.Next() {
		var row AttemptRow
		if err := rows.Scan(
			&row.ID, &row.PlanID, &row.PlanName, &row.NodeID, &row.ProducerID,
			&row.AttemptNumber, &row.TriggerType, &row.Status, &row.FailedPhase,
			&row.Error, &row.DurationMs, &row.AgentSessionID, &row.CompletedCommit,
			&row.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("history: scan attempt: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
