package orchestrator

import (
	"fmt"
	"strings"

	"github.com/mpataki/sprinter/internal/models"
)

type HaltReason string

const (
	HaltNone         HaltReason = ""
	HaltTaskFailed   HaltReason = "task-failed"
	HaltConflict     HaltReason = "conflict"
	HaltRebaseFailed HaltReason = "rebase-failed"
	HaltGuardFailed  HaltReason = "guard-failed"
	HaltInterrupted  HaltReason = "interrupted"
)

const (
	// ResumeCommand is the command that continues a persisted run.
	ResumeCommand = "sprinter run --resume"
	CancelCommand = "sprinter cancel"
)

// Outcome describes how a sequencer invocation ended. Halts and task failures
// are reported here rather than as errors.
type Outcome struct {
	RunID string
	Kind  models.RunKind

	// State is a snapshot of the run as persisted when the sequencer returned.
	State *models.RunState

	// Executed lists the tasks handed to the executor, in start order.
	Executed []string

	NothingToResume bool
	// Completed is set when every task finished done and the run state was
	// cleared.
	Completed bool

	Halt     HaltReason
	HaltTask string
	Message  string
}

// Succeeded reports whether the invocation left nothing to follow up.
func (o *Outcome) Succeeded() bool {
	return o.NothingToResume || o.Completed
}

func (o *Outcome) Failed() []*models.Task {
	if o.State == nil {
		return nil
	}
	var failed []*models.Task
	for _, t := range o.State.Tasks {
		if t.Status == models.TaskFailed {
			failed = append(failed, t)
		}
	}
	return failed
}

func (o *Outcome) explain(base string) {
	switch o.Halt {
	case HaltConflict:
		o.Message = fmt.Sprintf(
			"Run halted at #%s: merge conflict with base branch %s. Rebase %s onto %s and resolve the conflicts by hand, then continue with `%s`.",
			o.HaltTask, base, o.State.Branch, base, ResumeCommand)
	case HaltRebaseFailed:
		o.Message = fmt.Sprintf(
			"Run halted at #%s: automatic rebase of %s onto %s failed. Rebase by hand, then continue with `%s`.",
			o.HaltTask, o.State.Branch, base, ResumeCommand)
	case HaltGuardFailed:
		o.Message = fmt.Sprintf(
			"Run halted at #%s: could not compare %s with base branch %s. Check the repository, then continue with `%s`.",
			o.HaltTask, o.State.Branch, base, ResumeCommand)
	case HaltTaskFailed:
		reason := ""
		if t := o.State.Task(o.HaltTask); t != nil && t.Error != "" {
			reason = ": " + t.Error
		}
		o.Message = fmt.Sprintf("Run stopped: #%s failed%s. Fix the cause, then continue with `%s`.",
			o.HaltTask, reason, ResumeCommand)
	case HaltInterrupted:
		o.Message = fmt.Sprintf("Run interrupted. Progress is saved; continue with `%s`.", ResumeCommand)
	case HaltNone:
		if o.Completed {
			o.Message = fmt.Sprintf("All %d task(s) done.", len(o.State.Tasks))
			return
		}
		failed := o.Failed()
		refs := make([]string, len(failed))
		for i, t := range failed {
			refs[i] = "#" + t.IssueRef
		}
		o.Message = fmt.Sprintf("Run finished with %d failed task(s): %s. Retry them with `%s`.",
			len(failed), strings.Join(refs, ", "), ResumeCommand)
	}
}
