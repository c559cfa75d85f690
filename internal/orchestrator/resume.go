package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/mpataki/sprinter/internal/models"
	"github.com/mpataki/sprinter/internal/runstate"
)

type ResumeOptions struct {
	StopOnFailure bool
	MaxParallel   int
	// Base is used only when the persisted run does not carry one.
	Base string
}

// Resume continues the persisted run with the sequencer that created it. The
// persisted state is authoritative: the tracker is not consulted, done tasks
// are never executed again and the stored order is kept. Having nothing to
// resume is an outcome, not an error.
func (o *Orchestrator) Resume(ctx context.Context, opts ResumeOptions) (*Outcome, error) {
	state, err := o.precondition.Load()
	if errors.Is(err, runstate.ErrNoRunState) {
		return &Outcome{NothingToResume: true, Message: "Nothing to resume."}, nil
	}
	if errors.Is(err, runstate.ErrCorrupt) {
		o.logger.Warn("saved run state is unreadable", "error", err)
		return &Outcome{
			NothingToResume: true,
			Message:         fmt.Sprintf("Nothing to resume: %v. Discard it with `%s`.", err, CancelCommand),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run state: %w", err)
	}
	if state.Base == "" {
		state.Base = opts.Base
	}
	if o.store != o.precondition {
		if err := o.store.Save(state); err != nil {
			return nil, fmt.Errorf("failed to stage run state: %w", err)
		}
	}

	o.logger.Info("resuming run", "run_id", state.RunID, "kind", state.Kind)
	r := &run{o: o, state: state}

	switch state.Kind {
	case models.RunKindSprint:
		return o.runSprint(ctx, r, opts.StopOnFailure, true)
	case models.RunKindParallel:
		retried, err := r.resetForRetry(ctx)
		if err != nil {
			return nil, err
		}
		return o.runParallel(ctx, r, opts.MaxParallel, retried)
	}
	return nil, fmt.Errorf("run %s has unknown kind %q", state.RunID, state.Kind)
}

// resetForRetry moves every failed or interrupted task back to pending and
// returns the set it reset.
func (r *run) resetForRetry(ctx context.Context) (map[string]bool, error) {
	retried := make(map[string]bool)
	for _, t := range r.state.Tasks {
		switch t.Status {
		case models.TaskFailed, models.TaskInProgress:
			if err := r.transition(ctx, t, (*models.Task).ResetForRetry); err != nil {
				return nil, err
			}
			retried[t.IssueRef] = true
		case models.TaskPending, models.TaskDone:
		}
	}
	return retried, nil
}
