package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRunActive is returned when a new run is requested while the persisted
	// run still has pending or in-progress tasks.
	ErrRunActive = errors.New("a run with unfinished tasks already exists")

	// ErrEmptyRun is returned when a run would have no tasks.
	ErrEmptyRun = errors.New("no tasks to run")
)

// TaskError ties a rejection reason to one task.
type TaskError struct {
	IssueRef string
	Reason   string
}

func (e TaskError) Error() string {
	return fmt.Sprintf("#%s: %s", e.IssueRef, e.Reason)
}

// CrossModeError lists parallel-run targets that belong to a sequential
// sprint (or could not be checked). No task is started when it is returned.
type CrossModeError struct {
	Violations []TaskError
}

func (e *CrossModeError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Error()
	}
	return "cannot run sprint tasks outside their sprint: " + strings.Join(parts, "; ")
}
