package models

import (
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in-progress"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
)

var AllTaskStatuses = []TaskStatus{TaskPending, TaskInProgress, TaskDone, TaskFailed}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskDone, TaskFailed:
		return true
	}
	return false
}

// canAdvance reports whether a sequencer may move a task from one status to
// another. Moving back to pending is reserved for Task.ResetForRetry.
func canAdvance(from, to TaskStatus) bool {
	switch from {
	case TaskPending:
		return to == TaskInProgress || to == TaskFailed
	case TaskInProgress:
		return to == TaskDone || to == TaskFailed
	case TaskDone, TaskFailed:
		return false
	}
	return false
}

type Task struct {
	IssueRef      string     `json:"issue_ref"`
	Title         string     `json:"title,omitempty"`
	Order         *int       `json:"order,omitempty"`
	Status        TaskStatus `json:"status"`
	SubmissionRef string     `json:"submission_ref,omitempty"`
	Error         string     `json:"error,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	WorkspacePath string     `json:"workspace_path,omitempty"`
}

func NewTask(issueRef string, order *int) *Task {
	return &Task{IssueRef: issueRef, Order: order, Status: TaskPending}
}

func (t *Task) advance(to TaskStatus) error {
	if !canAdvance(t.Status, to) {
		return fmt.Errorf("task %s: invalid transition %s -> %s", t.IssueRef, t.Status, to)
	}
	t.Status = to
	if to != TaskFailed {
		t.Error = ""
		t.FailedAt = nil
	}
	return nil
}

func (t *Task) MarkInProgress() error {
	return t.advance(TaskInProgress)
}

func (t *Task) MarkDone(submissionRef string) error {
	if err := t.advance(TaskDone); err != nil {
		return err
	}
	t.SubmissionRef = submissionRef
	return nil
}

func (t *Task) MarkFailed(reason string, at time.Time) error {
	if err := t.advance(TaskFailed); err != nil {
		return err
	}
	t.Error = reason
	t.FailedAt = &at
	return nil
}

// ResetForRetry moves a failed or interrupted task back to pending. Only the
// resume path calls it; it is a no-op for pending tasks and refuses done ones.
func (t *Task) ResetForRetry() error {
	switch t.Status {
	case TaskPending:
		return nil
	case TaskFailed, TaskInProgress:
		t.Status = TaskPending
		t.Error = ""
		t.FailedAt = nil
		return nil
	case TaskDone:
		return fmt.Errorf("task %s is done and cannot be retried", t.IssueRef)
	}
	return fmt.Errorf("task %s has unknown status %q", t.IssueRef, t.Status)
}
