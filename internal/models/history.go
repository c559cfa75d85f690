package models

import "time"

// Attempt is one recorded task transition in the run history.
type Attempt struct {
	ID            int64
	RunID         string
	IssueRef      string
	Status        TaskStatus
	SubmissionRef string
	Error         string
	RecordedAt    time.Time
}

// Run outcomes recorded when a run leaves the run-state file.
const (
	RunOutcomeCompleted = "completed"
	RunOutcomeCancelled = "cancelled"
)

// RunSummary is the history view of a run. Outcome is empty while the run is
// still persisted.
type RunSummary struct {
	RunID       string
	Kind        RunKind
	Branch      string
	CreatedAt   time.Time
	CompletedAt *time.Time
	Outcome     string
	TaskCount   int
}

// Workspace is an isolated worktree allocated to a single task.
type Workspace struct {
	IssueRef string `json:"issue_ref"`
	Path     string `json:"path"`
	Branch   string `json:"branch"`
}
