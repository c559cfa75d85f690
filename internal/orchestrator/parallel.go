package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mpataki/sprinter/internal/agent"
	"github.com/mpataki/sprinter/internal/models"
)

type ParallelOptions struct {
	IssueRefs   []string
	Base        string
	MaxParallel int
}

// StartSingle runs one task in its own workspace. It is a parallel run of one.
func (o *Orchestrator) StartSingle(ctx context.Context, issueRef, base string) (*Outcome, error) {
	return o.StartParallel(ctx, ParallelOptions{IssueRefs: []string{issueRef}, Base: base, MaxParallel: 1})
}

// StartParallel runs independent tasks in batches of at most MaxParallel. Any
// target that belongs to a sprint rejects the whole request before a task is
// started.
func (o *Orchestrator) StartParallel(ctx context.Context, opts ParallelOptions) (*Outcome, error) {
	if len(opts.IssueRefs) == 0 {
		return nil, ErrEmptyRun
	}
	if err := o.checkNoActiveRun(); err != nil {
		return nil, err
	}
	if err := o.checkCrossMode(ctx, opts.IssueRefs); err != nil {
		return nil, err
	}

	tasks := make([]*models.Task, len(opts.IssueRefs))
	for i, ref := range opts.IssueRefs {
		tasks[i] = models.NewTask(ref, nil)
	}
	r, err := o.begin(ctx, &models.RunState{
		RunID:     o.newRunID(),
		Kind:      models.RunKindParallel,
		Base:      opts.Base,
		CreatedAt: o.now().UTC(),
		Tasks:     tasks,
	})
	if err != nil {
		return nil, err
	}
	return o.runParallel(ctx, r, opts.MaxParallel, nil)
}

func (o *Orchestrator) checkCrossMode(ctx context.Context, refs []string) error {
	if o.tracker == nil {
		return nil
	}
	var violations []TaskError
	for _, ref := range refs {
		inSprint, err := o.tracker.InSprint(ctx, ref)
		switch {
		case err != nil:
			violations = append(violations, TaskError{IssueRef: ref, Reason: fmt.Sprintf("could not check sprint membership: %v", err)})
		case inSprint:
			violations = append(violations, TaskError{IssueRef: ref, Reason: "belongs to a sequential sprint"})
		}
	}
	if len(violations) > 0 {
		return &CrossModeError{Violations: violations}
	}
	return nil
}

// runParallel executes every pending task. Batches run one after another and
// a batch finishes completely before the next starts. Tasks in retried get
// the diff of their preserved workspace as prior work.
func (o *Orchestrator) runParallel(ctx context.Context, r *run, maxParallel int, retried map[string]bool) (*Outcome, error) {
	defer r.finalize()

	if maxParallel < 1 {
		maxParallel = 1
	}
	state := r.state
	out := &Outcome{RunID: state.RunID, Kind: state.Kind}

	var pending []*models.Task
	for _, t := range state.Tasks {
		switch t.Status {
		case models.TaskPending:
			pending = append(pending, t)
		case models.TaskInProgress, models.TaskDone, models.TaskFailed:
		}
	}

	for start := 0; start < len(pending); start += maxParallel {
		if ctx.Err() != nil {
			out.Halt = HaltInterrupted
			break
		}
		end := min(start+maxParallel, len(pending))
		batch := pending[start:end]
		o.logger.Debug("starting batch", "run_id", state.RunID, "size", len(batch))

		// A plain group: a failing task must not cancel its siblings. Only
		// persistence errors are returned through it.
		var g errgroup.Group
		for _, task := range batch {
			g.Go(func() error {
				return o.runIsolated(ctx, r, task, retried[task.IssueRef])
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	if err := o.complete(ctx, r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// runIsolated executes one parallel task in its own workspace. The workspace
// is released on success and kept on failure for inspection.
func (o *Orchestrator) runIsolated(ctx context.Context, r *run, task *models.Task, retry bool) error {
	base := r.state.Base

	var prior string
	if retry {
		diff, err := o.isolator.Diff(ctx, task.IssueRef, base)
		if err != nil {
			o.logger.Warn("failed to collect prior work", "issue", task.IssueRef, "error", err)
		}
		prior = diff
	}

	if err := r.transition(ctx, task, (*models.Task).MarkInProgress); err != nil {
		return err
	}
	r.started(task.IssueRef)

	opts := agent.Options{PriorWorkDiff: prior}
	ws, err := o.isolator.Allocate(ctx, task.IssueRef, base)
	if err != nil {
		o.logger.Warn("workspace allocation failed, running in the shared checkout without isolation",
			"issue", task.IssueRef, "error", err)
		ws = nil
	} else {
		opts.WorkspacePath = ws.Path
		opts.Branch = ws.Branch
	}

	res := o.execute(ctx, task, opts)
	if res.ok() {
		if ws != nil {
			if err := o.isolator.Release(context.WithoutCancel(ctx), task.IssueRef); err != nil {
				o.logger.Warn("failed to release workspace", "issue", task.IssueRef, "path", ws.Path, "error", err)
			}
		}
		return r.transition(ctx, task, func(t *models.Task) error {
			t.WorkspacePath = ""
			return t.MarkDone(res.submissionRef)
		})
	}

	if ws != nil && ws.Path != "" {
		o.logger.Info("workspace preserved for inspection", "issue", task.IssueRef, "path", ws.Path)
	}
	return r.transition(ctx, task, func(t *models.Task) error {
		if ws != nil {
			t.WorkspacePath = ws.Path
		}
		return t.MarkFailed(res.failure, o.now())
	})
}
