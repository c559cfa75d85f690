package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mpataki/sprinter/internal/agent"
	"github.com/mpataki/sprinter/internal/models"
	"github.com/mpataki/sprinter/internal/runstate"
)

// fakeExecutor succeeds unless told otherwise and records what it ran.
type fakeExecutor struct {
	mu      sync.Mutex
	fail    map[string]string
	errs    map[string]error
	panics  map[string]bool
	hooks   map[string]func(ctx context.Context)
	delay   time.Duration
	calls   []string
	opts    map[string]agent.Options
	events  []string
	store   runstate.Store
	maxSeen int // most in-progress tasks observed in the store during a call

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		fail:   map[string]string{},
		errs:   map[string]error{},
		panics: map[string]bool{},
		hooks:  map[string]func(ctx context.Context){},
		opts:   map[string]agent.Options{},
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, issueRef string, opts agent.Options) (agent.Result, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, issueRef)
	f.opts[issueRef] = opts
	f.events = append(f.events, "start:"+issueRef)
	hook := f.hooks[issueRef]
	failure, fails := f.fail[issueRef]
	err := f.errs[issueRef]
	panics := f.panics[issueRef]
	f.mu.Unlock()

	if f.store != nil {
		if state, loadErr := f.store.Load(); loadErr == nil {
			running := state.Counts()[models.TaskInProgress]
			f.mu.Lock()
			f.maxSeen = max(f.maxSeen, running)
			f.mu.Unlock()
		}
	}

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if hook != nil {
		hook(ctx)
	}

	defer func() {
		f.mu.Lock()
		f.events = append(f.events, "end:"+issueRef)
		f.mu.Unlock()
	}()

	if panics {
		panic("boom")
	}
	if err != nil {
		return agent.Result{}, err
	}
	if ctx.Err() != nil {
		return agent.Result{}, ctx.Err()
	}
	if fails {
		return agent.Result{Success: false, Error: failure}, nil
	}
	return agent.Result{Success: true, SubmissionRef: "pr-" + issueRef}, nil
}

func (f *fakeExecutor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeExecutor) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type fakeVCS struct {
	mu          sync.Mutex
	advanced    bool
	conflict    bool
	advancedErr error
	rebaseErr   error
	diff        string
	ensured     []string
	rebases     int
	checks      int
}

func (f *fakeVCS) EnsureBranch(_ context.Context, branch, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, branch)
	return nil
}

func (f *fakeVCS) BaseAdvanced(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.advanced, f.advancedErr
}

func (f *fakeVCS) WouldConflict(context.Context, string) (bool, error) {
	return f.conflict, nil
}

func (f *fakeVCS) Rebase(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebases++
	return f.rebaseErr
}

func (f *fakeVCS) WorkingDiff(context.Context) (string, error) {
	return f.diff, nil
}

type fakeIsolator struct {
	mu        sync.Mutex
	allocErr  map[string]error
	diffs     map[string]string
	allocated map[string]bool
	released  []string
	wiped     bool
}

func newFakeIsolator() *fakeIsolator {
	return &fakeIsolator{allocErr: map[string]error{}, diffs: map[string]string{}, allocated: map[string]bool{}}
}

func (f *fakeIsolator) Allocate(_ context.Context, issueRef, _ string) (*models.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.allocErr[issueRef]; err != nil {
		return nil, err
	}
	f.allocated[issueRef] = true
	return &models.Workspace{IssueRef: issueRef, Path: "/ws/" + issueRef, Branch: "sprinter/issue-" + issueRef}, nil
}

func (f *fakeIsolator) Release(_ context.Context, issueRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.allocated, issueRef)
	f.released = append(f.released, issueRef)
	return nil
}

func (f *fakeIsolator) Diff(_ context.Context, issueRef, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.diffs[issueRef], nil
}

func (f *fakeIsolator) ListStale(context.Context) ([]models.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Workspace
	for ref := range f.allocated {
		out = append(out, models.Workspace{IssueRef: ref, Path: "/ws/" + ref})
	}
	return out, nil
}

func (f *fakeIsolator) PruneStale(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.allocated)
	f.allocated = map[string]bool{}
	return n, nil
}

func (f *fakeIsolator) ReleaseAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocated = map[string]bool{}
	f.wiped = true
	return nil
}

func (f *fakeIsolator) Released() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

type fakeTracker struct {
	mu       sync.Mutex
	issues   []models.Issue
	sprint   map[string]bool
	setErr   error
	statuses []string
}

func (f *fakeTracker) ListOrdered(context.Context, models.Filter) ([]models.Issue, error) {
	return f.issues, nil
}

func (f *fakeTracker) InSprint(_ context.Context, issueRef string) (bool, error) {
	if issueRef == "broken" {
		return false, errors.New("tracker unavailable")
	}
	return f.sprint[issueRef], nil
}

func (f *fakeTracker) SetStatus(_ context.Context, issueRef string, status models.TaskStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, issueRef+"="+string(status))
	return f.setErr
}

type fakeRecorder struct {
	mu          sync.Mutex
	runs        []string
	transitions []string
	finished    map[string]string
}

func (f *fakeRecorder) RecordRun(_ context.Context, state *models.RunState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, state.RunID)
	return nil
}

func (f *fakeRecorder) RecordTransition(_ context.Context, _ string, task models.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, task.IssueRef+"="+string(task.Status))
	return nil
}

func (f *fakeRecorder) FinishRun(_ context.Context, runID, outcome string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished == nil {
		f.finished = map[string]string{}
	}
	f.finished[runID] = outcome
	return nil
}

func order(n int) *int {
	return &n
}

func issue(ref string, ord int) models.Issue {
	return models.Issue{Ref: ref, Title: "Issue " + ref, Order: order(ord)}
}
