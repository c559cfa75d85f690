package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/mpataki/sprinter/internal/agent"
	"github.com/mpataki/sprinter/internal/models"
)

type SprintOptions struct {
	// Branch is the shared branch every task commits to.
	Branch        string
	Base          string
	StopOnFailure bool
	Filter        models.Filter
}

// StartSprint builds a sprint run from the tracker's ordered issues and drives
// it to completion or to the first halt.
func (o *Orchestrator) StartSprint(ctx context.Context, opts SprintOptions) (*Outcome, error) {
	if o.tracker == nil {
		return nil, errors.New("sprint runs need an issue tracker")
	}
	if opts.Branch == "" {
		return nil, errors.New("sprint runs need a shared branch")
	}
	if err := o.checkNoActiveRun(); err != nil {
		return nil, err
	}

	issues, err := o.tracker.ListOrdered(ctx, opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list sprint issues: %w", err)
	}
	if len(issues) == 0 {
		return nil, ErrEmptyRun
	}

	tasks := make([]*models.Task, 0, len(issues))
	for _, issue := range issues {
		task := models.NewTask(issue.Ref, issue.Order)
		task.Title = issue.Title
		// Issues already finished upstream are carried as done and skipped.
		if issue.Status == string(models.TaskDone) {
			task.Status = models.TaskDone
		}
		tasks = append(tasks, task)
	}
	models.SortByOrder(tasks)

	r, err := o.begin(ctx, &models.RunState{
		RunID:     o.newRunID(),
		Kind:      models.RunKindSprint,
		Branch:    opts.Branch,
		Base:      opts.Base,
		CreatedAt: o.now().UTC(),
		Tasks:     tasks,
	})
	if err != nil {
		return nil, err
	}
	return o.runSprint(ctx, r, opts.StopOnFailure, false)
}

// runSprint executes the tasks of a sprint run one at a time in their stored
// order. When resuming, failed and interrupted tasks are reset to pending as
// they are reached; a fresh run leaves them alone.
func (o *Orchestrator) runSprint(ctx context.Context, r *run, stopOnFailure, resume bool) (*Outcome, error) {
	defer r.finalize()

	state := r.state
	out := &Outcome{RunID: state.RunID, Kind: state.Kind}

	if err := o.vcs.EnsureBranch(ctx, state.Branch, state.Base); err != nil {
		return nil, fmt.Errorf("failed to check out sprint branch %s: %w", state.Branch, err)
	}

	for i, task := range state.Tasks {
		if ctx.Err() != nil {
			out.Halt = HaltInterrupted
			break
		}

		retry := false
		switch task.Status {
		case models.TaskDone:
			continue
		case models.TaskPending:
		case models.TaskFailed, models.TaskInProgress:
			if !resume {
				continue
			}
			if err := r.transition(ctx, task, (*models.Task).ResetForRetry); err != nil {
				return nil, err
			}
			retry = true
		}

		if i > 0 {
			guard := o.checkBase(ctx, state.Base)
			if guard.Decision.Halts() {
				if ctx.Err() != nil {
					out.Halt = HaltInterrupted
					break
				}
				if err := r.transition(ctx, task, markFailed(guard.Reason, o.now())); err != nil {
					return nil, err
				}
				out.Halt = guard.haltReason()
				out.HaltTask = task.IssueRef
				break
			}
		}

		opts := agent.Options{Branch: state.Branch}
		if retry {
			diff, err := o.vcs.WorkingDiff(ctx)
			if err != nil {
				o.logger.Warn("failed to collect prior work", "issue", task.IssueRef, "error", err)
			}
			opts.PriorWorkDiff = diff
		}

		if err := r.transition(ctx, task, (*models.Task).MarkInProgress); err != nil {
			return nil, err
		}
		r.started(task.IssueRef)

		res := o.execute(ctx, task, opts)
		if res.ok() {
			if err := r.transition(ctx, task, func(t *models.Task) error {
				return t.MarkDone(res.submissionRef)
			}); err != nil {
				return nil, err
			}
			continue
		}

		if err := r.transition(ctx, task, markFailed(res.failure, o.now())); err != nil {
			return nil, err
		}
		if res.interrupted {
			out.Halt = HaltInterrupted
			out.HaltTask = task.IssueRef
			break
		}
		if stopOnFailure {
			out.Halt = HaltTaskFailed
			out.HaltTask = task.IssueRef
			break
		}
	}

	if err := o.complete(ctx, r, out); err != nil {
		return nil, err
	}
	return out, nil
}
