// Package storage keeps the run history: every run that was started and every
// task transition it persisted. The run-state file only holds the run in
// flight; the history outlives it.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mpataki/sprinter/internal/models"
)

type Storage struct {
	db  *sql.DB
	now func() time.Time
}

func New(dbPath string) (*Storage, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Parallel tasks record concurrently; one connection serializes writers.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		branch TEXT,
		base_branch TEXT,
		task_count INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		outcome TEXT
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		issue_ref TEXT NOT NULL,
		status TEXT NOT NULL,
		submission_ref TEXT,
		error TEXT,
		recorded_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
	CREATE INDEX IF NOT EXISTS idx_attempts_run ON attempts(run_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate history: %w", err)
	}
	return nil
}

func (s *Storage) RecordRun(ctx context.Context, state *models.RunState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, kind, branch, base_branch, task_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO NOTHING`,
		state.RunID, string(state.Kind), state.Branch, state.Base, len(state.Tasks), state.CreatedAt.UTC(),
	)
	return err
}

func (s *Storage) RecordTransition(ctx context.Context, runID string, task models.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (run_id, issue_ref, status, submission_ref, error, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, task.IssueRef, string(task.Status), nullString(task.SubmissionRef), nullString(task.Error), s.now().UTC(),
	)
	return err
}

// FinishRun stamps a run as completed or cancelled.
func (s *Storage) FinishRun(ctx context.Context, runID, outcome string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET completed_at = ?, outcome = ? WHERE run_id = ?`,
		s.now().UTC(), outcome, runID,
	)
	return err
}

func (s *Storage) ListRuns(ctx context.Context, limit int) ([]models.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, kind, branch, task_count, created_at, completed_at, outcome
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.RunSummary
	for rows.Next() {
		var run models.RunSummary
		var kind string
		var branch, outcome sql.NullString
		var completedAt sql.NullTime

		err := rows.Scan(&run.RunID, &kind, &branch, &run.TaskCount, &run.CreatedAt, &completedAt, &outcome)
		if err != nil {
			return nil, err
		}

		run.Kind = models.RunKind(kind)
		if branch.Valid {
			run.Branch = branch.String
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		if outcome.Valid {
			run.Outcome = outcome.String
		}

		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// Attempts returns the recorded transitions of a run in the order they were
// persisted.
func (s *Storage) Attempts(ctx context.Context, runID string) ([]models.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, issue_ref, status, submission_ref, error, recorded_at
		 FROM attempts WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.Attempt
	for rows.Next() {
		var a models.Attempt
		var status string
		var submission, errText sql.NullString

		if err := rows.Scan(&a.ID, &a.RunID, &a.IssueRef, &status, &submission, &errText, &a.RecordedAt); err != nil {
			return nil, err
		}
		a.Status = models.TaskStatus(status)
		if submission.Valid {
			a.SubmissionRef = submission.String
		}
		if errText.Valid {
			a.Error = errText.String
		}
		attempts = append(attempts, a)
	}

	return attempts, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// FormatTimeAgo renders t relative to now for listings.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
