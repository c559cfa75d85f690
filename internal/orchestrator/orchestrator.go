// Package orchestrator decides which task runs when, where, and what happens
// when it fails.
//
// Three sequencers share one persisted RunState: the sprint sequencer (ordered
// tasks on a single shared branch, guarded against base drift), the parallel
// executor (independent tasks in bounded batches, each in its own workspace)
// and the resume controller, which continues whichever of the two produced the
// persisted state. Every task transition is saved before anything else
// happens, so a killed process loses at most the transition in flight.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mpataki/sprinter/internal/agent"
	"github.com/mpataki/sprinter/internal/models"
	"github.com/mpataki/sprinter/internal/runstate"
)

// ReasonInterrupted is recorded on a task whose execution was cut short by an
// interrupt signal.
const ReasonInterrupted = "interrupted"

// VCS is the version-control surface of the shared sprint branch.
type VCS interface {
	EnsureBranch(ctx context.Context, branch, base string) error
	BaseAdvanced(ctx context.Context, base string) (bool, error)
	WouldConflict(ctx context.Context, base string) (bool, error)
	Rebase(ctx context.Context, base string) error
	WorkingDiff(ctx context.Context) (string, error)
}

// Isolator is the workspace isolation adapter.
type Isolator interface {
	Allocate(ctx context.Context, issueRef, baseBranch string) (*models.Workspace, error)
	Release(ctx context.Context, issueRef string) error
	Diff(ctx context.Context, issueRef, baseBranch string) (string, error)
	ListStale(ctx context.Context) ([]models.Workspace, error)
	PruneStale(ctx context.Context) (int, error)
	ReleaseAll(ctx context.Context) error
}

// Tracker is the issue tracker. Status write-back is best effort.
type Tracker interface {
	ListOrdered(ctx context.Context, filter models.Filter) ([]models.Issue, error)
	InSprint(ctx context.Context, issueRef string) (bool, error)
	SetStatus(ctx context.Context, issueRef string, status models.TaskStatus) error
}

// Recorder appends runs and task transitions to the run history.
type Recorder interface {
	RecordRun(ctx context.Context, state *models.RunState) error
	RecordTransition(ctx context.Context, runID string, task models.Task) error
	FinishRun(ctx context.Context, runID, outcome string) error
}

type Config struct {
	Store    runstate.Store
	Executor agent.Executor
	Isolator Isolator
	VCS      VCS
	// Tracker and Recorder are optional.
	Tracker  Tracker
	Recorder Recorder
	Logger   *slog.Logger

	Provider string
	Model    string

	// DryRun swaps the executor, VCS and isolator for no-ops and runs against
	// an in-memory copy of the store. Store is still consulted for the
	// one-active-run precondition.
	DryRun bool

	Now      func() time.Time
	NewRunID func() string
}

type Orchestrator struct {
	store        runstate.Store
	precondition runstate.Store
	executor     agent.Executor
	isolator     Isolator
	vcs          VCS
	tracker      Tracker
	recorder     Recorder
	logger       *slog.Logger

	provider string
	model    string
	dryRun   bool

	now      func() time.Time
	newRunID func() string
}

func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:        cfg.Store,
		precondition: cfg.Store,
		executor:     cfg.Executor,
		isolator:     cfg.Isolator,
		vcs:          cfg.VCS,
		tracker:      cfg.Tracker,
		recorder:     cfg.Recorder,
		logger:       cfg.Logger,
		provider:     cfg.Provider,
		model:        cfg.Model,
		dryRun:       cfg.DryRun,
		now:          cfg.Now,
		newRunID:     cfg.NewRunID,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newRunID == nil {
		o.newRunID = uuid.NewString
	}
	if o.dryRun {
		o.store = runstate.NewMemoryStore()
		o.executor = agent.DryRunExecutor{}
		o.vcs = NoopVCS{}
		o.isolator = NoopIsolator{}
		o.recorder = nil
	}
	return o
}

// checkNoActiveRun enforces the one-run-at-a-time rule against the persisted
// state rather than anything held in memory, so it also holds across process
// restarts.
func (o *Orchestrator) checkNoActiveRun() error {
	existing, err := o.precondition.Load()
	if errors.Is(err, runstate.ErrNoRunState) {
		return nil
	}
	if errors.Is(err, runstate.ErrCorrupt) {
		return fmt.Errorf("%w; inspect it or discard it with `%s`", err, CancelCommand)
	}
	if err != nil {
		return fmt.Errorf("failed to read existing run state: %w", err)
	}
	if existing.HasActiveTasks() {
		return fmt.Errorf("%w: %s run %s; use `%s` or `%s`",
			ErrRunActive, existing.Kind, existing.RunID, ResumeCommand, CancelCommand)
	}
	return nil
}

func (o *Orchestrator) begin(ctx context.Context, state *models.RunState) (*run, error) {
	if err := state.Validate(); err != nil {
		return nil, err
	}
	if err := o.store.Save(state); err != nil {
		return nil, fmt.Errorf("failed to persist run state: %w", err)
	}
	if o.recorder != nil {
		if err := o.recorder.RecordRun(context.WithoutCancel(ctx), state); err != nil {
			o.logger.Warn("failed to record run history", "run_id", state.RunID, "error", err)
		}
	}
	o.logger.Info("run started", "run_id", state.RunID, "kind", state.Kind, "tasks", len(state.Tasks))
	return &run{o: o, state: state}, nil
}

// run is one sequencer invocation over a RunState. All task mutations go
// through transition, which serializes them and persists the whole state
// before any bookkeeping.
type run struct {
	o     *Orchestrator
	state *models.RunState

	mu       sync.Mutex
	executed []string
}

func (r *run) transition(ctx context.Context, task *models.Task, apply func(t *models.Task) error) error {
	r.mu.Lock()
	if err := apply(task); err != nil {
		r.mu.Unlock()
		return err
	}
	snapshot := *task
	err := r.o.store.Save(r.state)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to persist run state after %s -> %s: %w", task.IssueRef, snapshot.Status, err)
	}

	r.o.logger.Info("task transition", "run_id", r.state.RunID, "issue", snapshot.IssueRef, "status", snapshot.Status)
	r.o.bookkeep(context.WithoutCancel(ctx), r.state.RunID, snapshot)
	return nil
}

func (r *run) started(issueRef string) {
	r.mu.Lock()
	r.executed = append(r.executed, issueRef)
	r.mu.Unlock()
}

// finalize runs on every exit path of a sequencer. Any task still in progress
// at that point did not get to report, so it is failed and saved.
func (r *run) finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()

	dirty := false
	for _, t := range r.state.Tasks {
		if t.Status != models.TaskInProgress {
			continue
		}
		if err := t.MarkFailed(ReasonInterrupted, r.o.now()); err == nil {
			dirty = true
		}
	}
	if !dirty {
		return
	}
	if err := r.o.store.Save(r.state); err != nil {
		r.o.logger.Error("failed to persist run state on shutdown", "run_id", r.state.RunID, "error", err)
	}
}

// bookkeep mirrors a persisted transition to the history and the tracker.
// Neither affects orchestration.
func (o *Orchestrator) bookkeep(ctx context.Context, runID string, task models.Task) {
	if o.recorder != nil {
		if err := o.recorder.RecordTransition(ctx, runID, task); err != nil {
			o.logger.Warn("failed to record transition", "run_id", runID, "issue", task.IssueRef, "error", err)
		}
	}
	if o.tracker != nil && !o.dryRun {
		if err := o.tracker.SetStatus(ctx, task.IssueRef, task.Status); err != nil {
			o.logger.Warn("failed to update tracker status", "issue", task.IssueRef, "status", task.Status, "error", err)
		}
	}
}

type taskResult struct {
	submissionRef string
	failure       string
	interrupted   bool
}

func (res taskResult) ok() bool {
	return res.failure == ""
}

// execute invokes the executor once and folds every way it can fail into a
// task-level result.
func (o *Orchestrator) execute(ctx context.Context, task *models.Task, opts agent.Options) taskResult {
	opts.Provider = o.provider
	opts.Model = o.model
	opts.DryRun = o.dryRun
	opts.Title = task.Title

	res, err := o.invoke(ctx, task.IssueRef, opts)
	switch {
	case err == nil && res.Success:
		return taskResult{submissionRef: res.SubmissionRef}
	case ctx.Err() != nil:
		return taskResult{failure: ReasonInterrupted, interrupted: true}
	case err != nil:
		return taskResult{failure: err.Error()}
	case res.Error != "":
		return taskResult{failure: res.Error}
	default:
		return taskResult{failure: "agent reported failure"}
	}
}

func (o *Orchestrator) invoke(ctx context.Context, issueRef string, opts agent.Options) (res agent.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor panicked: %v", p)
		}
	}()
	return o.executor.Execute(ctx, issueRef, opts)
}

func markFailed(reason string, at time.Time) func(t *models.Task) error {
	return func(t *models.Task) error {
		return t.MarkFailed(reason, at)
	}
}

// complete clears the state when every task is done and fills in the outcome.
func (o *Orchestrator) complete(ctx context.Context, r *run, out *Outcome) error {
	r.mu.Lock()
	out.Executed = append([]string(nil), r.executed...)
	out.State = r.state.Clone()
	r.mu.Unlock()

	if out.Halt == HaltNone && ctx.Err() != nil && !out.State.AllDone() {
		out.Halt = HaltInterrupted
	}

	if out.State.AllDone() {
		if err := o.store.Clear(); err != nil {
			return fmt.Errorf("failed to clear run state: %w", err)
		}
		out.Completed = true
		if o.recorder != nil {
			if err := o.recorder.FinishRun(context.WithoutCancel(ctx), r.state.RunID, models.RunOutcomeCompleted); err != nil {
				o.logger.Warn("failed to record run completion", "run_id", r.state.RunID, "error", err)
			}
		}
		o.logger.Info("run complete", "run_id", r.state.RunID)
	}

	out.explain(r.state.Base)
	return nil
}

// Status returns the persisted run, or runstate.ErrNoRunState.
func (o *Orchestrator) Status() (*models.RunState, error) {
	return o.precondition.Load()
}

// Cancel discards the persisted run. With releaseWorkspaces every task
// workspace and task branch is removed as well. An unreadable state is
// discarded too; the returned state is then nil.
func (o *Orchestrator) Cancel(ctx context.Context, releaseWorkspaces bool) (*models.RunState, error) {
	state, err := o.precondition.Load()
	if errors.Is(err, runstate.ErrCorrupt) {
		if err := o.precondition.Clear(); err != nil {
			return nil, fmt.Errorf("failed to clear run state: %w", err)
		}
		o.logger.Warn("discarded unreadable run state", "error", err)
		return nil, o.releaseAfterCancel(ctx, releaseWorkspaces)
	}
	if err != nil {
		return nil, err
	}
	if err := o.precondition.Clear(); err != nil {
		return nil, fmt.Errorf("failed to clear run state: %w", err)
	}
	if o.recorder != nil {
		if err := o.recorder.FinishRun(ctx, state.RunID, models.RunOutcomeCancelled); err != nil {
			o.logger.Warn("failed to record cancellation", "run_id", state.RunID, "error", err)
		}
	}
	o.logger.Info("run cancelled", "run_id", state.RunID)
	return state, o.releaseAfterCancel(ctx, releaseWorkspaces)
}

func (o *Orchestrator) releaseAfterCancel(ctx context.Context, releaseWorkspaces bool) error {
	if !releaseWorkspaces {
		return nil
	}
	if err := o.isolator.ReleaseAll(ctx); err != nil {
		return fmt.Errorf("run cancelled but workspaces were not released: %w", err)
	}
	return nil
}

func (o *Orchestrator) StaleWorkspaces(ctx context.Context) ([]models.Workspace, error) {
	return o.isolator.ListStale(ctx)
}

// PruneWorkspaces removes stale workspaces. It refuses while a run is active
// unless force is set, since the active run may still need them.
func (o *Orchestrator) PruneWorkspaces(ctx context.Context, force bool) (int, error) {
	if !force {
		if err := o.checkNoActiveRun(); err != nil {
			return 0, err
		}
	}
	return o.isolator.PruneStale(ctx)
}

func (o *Orchestrator) ReleaseAllWorkspaces(ctx context.Context, force bool) error {
	if !force {
		if err := o.checkNoActiveRun(); err != nil {
			return err
		}
	}
	return o.isolator.ReleaseAll(ctx)
}
