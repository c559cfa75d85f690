package models

import (
	"fmt"
	"sort"
	"time"
)

type RunKind string

const (
	RunKindSprint   RunKind = "sprint"
	RunKindParallel RunKind = "parallel"
)

func (k RunKind) Valid() bool {
	switch k {
	case RunKindSprint, RunKindParallel:
		return true
	}
	return false
}

// RunState is the persisted record of an in-flight run. At most one exists per
// project; it is removed once every task is done.
type RunState struct {
	RunID     string    `json:"run_id"`
	Kind      RunKind   `json:"kind"`
	Branch    string    `json:"branch,omitempty"`
	Base      string    `json:"base_branch,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Tasks     []*Task   `json:"tasks"`
}

// Validate checks the structural invariants a RunState must satisfy before it
// is persisted or executed.
func (r *RunState) Validate() error {
	if r.RunID == "" {
		return fmt.Errorf("run state has no run id")
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("run state has invalid kind %q", r.Kind)
	}
	if r.Kind == RunKindSprint && r.Branch == "" {
		return fmt.Errorf("sprint run state requires a branch")
	}
	if r.Kind == RunKindParallel && r.Branch != "" {
		return fmt.Errorf("parallel run state must not carry a shared branch")
	}
	if len(r.Tasks) == 0 {
		return fmt.Errorf("run state has no tasks")
	}

	seen := make(map[string]bool, len(r.Tasks))
	for _, t := range r.Tasks {
		if t.IssueRef == "" {
			return fmt.Errorf("task with empty issue ref")
		}
		if seen[t.IssueRef] {
			return fmt.Errorf("duplicate task %s", t.IssueRef)
		}
		seen[t.IssueRef] = true
		if !t.Status.Valid() {
			return fmt.Errorf("task %s has invalid status %q", t.IssueRef, t.Status)
		}
	}
	return nil
}

func (r *RunState) Task(issueRef string) *Task {
	for _, t := range r.Tasks {
		if t.IssueRef == issueRef {
			return t
		}
	}
	return nil
}

// HasActiveTasks reports whether any task is pending or in progress.
func (r *RunState) HasActiveTasks() bool {
	for _, t := range r.Tasks {
		switch t.Status {
		case TaskPending, TaskInProgress:
			return true
		case TaskDone, TaskFailed:
		}
	}
	return false
}

func (r *RunState) AllDone() bool {
	for _, t := range r.Tasks {
		if t.Status != TaskDone {
			return false
		}
	}
	return true
}

// Counts returns the number of tasks in each status.
func (r *RunState) Counts() map[TaskStatus]int {
	counts := make(map[TaskStatus]int, len(AllTaskStatuses))
	for _, t := range r.Tasks {
		counts[t.Status]++
	}
	return counts
}

// Clone returns a deep copy, used to hand snapshots to the store and viewers
// without sharing task pointers.
func (r *RunState) Clone() *RunState {
	cp := *r
	cp.Tasks = make([]*Task, len(r.Tasks))
	for i, t := range r.Tasks {
		tc := *t
		if t.Order != nil {
			o := *t.Order
			tc.Order = &o
		}
		if t.FailedAt != nil {
			f := *t.FailedAt
			tc.FailedAt = &f
		}
		cp.Tasks[i] = &tc
	}
	return &cp
}

// SortByOrder stably sorts tasks by ascending order. Tasks without an order
// sort last; ties keep their original list position.
func SortByOrder(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i].Order, tasks[j].Order
		switch {
		case a == nil && b == nil:
			return false
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})
}
