package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/sprinter/internal/models"
	"github.com/mpataki/sprinter/internal/runstate"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store    *runstate.MemoryStore
	exec     *fakeExecutor
	vcs      *fakeVCS
	iso      *fakeIsolator
	tracker  *fakeTracker
	recorder *fakeRecorder
	orch     *Orchestrator
}

func newHarness(t *testing.T, issues ...models.Issue) *harness {
	t.Helper()
	h := &harness{
		store:    runstate.NewMemoryStore(),
		exec:     newFakeExecutor(),
		vcs:      &fakeVCS{},
		iso:      newFakeIsolator(),
		tracker:  &fakeTracker{issues: issues, sprint: map[string]bool{}},
		recorder: &fakeRecorder{},
	}
	h.exec.store = h.store
	h.orch = New(h.config(h.store))
	return h
}

func (h *harness) config(store runstate.Store) Config {
	ids := 0
	return Config{
		Store:    store,
		Executor: h.exec,
		Isolator: h.iso,
		VCS:      h.vcs,
		Tracker:  h.tracker,
		Recorder: h.recorder,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Provider: "claude",
		Now:      func() time.Time { return testNow },
		NewRunID: func() string {
			ids++
			return fmt.Sprintf("run-%d", ids)
		},
	}
}

func (h *harness) sprint(ctx context.Context, stopOnFailure bool) (*Outcome, error) {
	return h.orch.StartSprint(ctx, SprintOptions{Branch: "sprint/m1", Base: "main", StopOnFailure: stopOnFailure})
}

func (h *harness) persisted(t *testing.T) *models.RunState {
	t.Helper()
	state, err := h.store.Load()
	require.NoError(t, err)
	return state
}

func statuses(state *models.RunState) map[string]models.TaskStatus {
	out := make(map[string]models.TaskStatus, len(state.Tasks))
	for _, task := range state.Tasks {
		out[task.IssueRef] = task.Status
	}
	return out
}

func seed(t *testing.T, store runstate.Store, kind models.RunKind, tasks ...*models.Task) {
	t.Helper()
	state := &models.RunState{RunID: "seeded", Kind: kind, Base: "main", CreatedAt: testNow, Tasks: tasks}
	if kind == models.RunKindSprint {
		state.Branch = "sprint/m1"
	}
	require.NoError(t, store.Save(state))
}

func taskWith(ref string, status models.TaskStatus) *models.Task {
	task := models.NewTask(ref, nil)
	task.Status = status
	if status == models.TaskFailed {
		task.Error = "earlier failure"
		at := testNow
		task.FailedAt = &at
	}
	return task
}

func TestStartSprint_ExecutesInOrder(t *testing.T) {
	h := newHarness(t,
		issue("a", 3),
		issue("b", 1),
		models.Issue{Ref: "c"},
		issue("d", 1),
		issue("e", 2),
	)

	out, err := h.sprint(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "d", "e", "a", "c"}, h.exec.Calls())
	assert.Equal(t, out.Executed, h.exec.Calls())
	assert.True(t, out.Completed)
	assert.Equal(t, []string{"sprint/m1"}, h.vcs.ensured)
	assert.Equal(t, 4, h.vcs.checks, "guard runs before every task but the first")
}

func TestStartSprint_PersistsEveryTransition(t *testing.T) {
	h := newHarness(t, issue("1", 1), issue("2", 2), issue("3", 3))

	_, err := h.sprint(context.Background(), true)
	require.NoError(t, err)

	// initial save, then in-progress and done for each task
	assert.Equal(t, 7, h.store.Saves())
	_, err = h.store.Load()
	assert.ErrorIs(t, err, runstate.ErrNoRunState)
	assert.Equal(t, models.RunOutcomeCompleted, h.recorder.finished["run-1"])
}

func TestStartSprint_StopOnFailureThenResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, issue("10", 1), issue("11", 2), issue("12", 3))
	h.exec.fail["11"] = "tests failed"

	out, err := h.sprint(ctx, true)
	require.NoError(t, err)

	assert.Equal(t, HaltTaskFailed, out.Halt)
	assert.Equal(t, "11", out.HaltTask)
	assert.Contains(t, out.Message, "#11")
	assert.Contains(t, out.Message, ResumeCommand)
	assert.Equal(t, []string{"10", "11"}, h.exec.Calls())

	state := h.persisted(t)
	assert.Equal(t, map[string]models.TaskStatus{
		"10": models.TaskDone,
		"11": models.TaskFailed,
		"12": models.TaskPending,
	}, statuses(state))
	assert.Equal(t, "tests failed", state.Task("11").Error)
	assert.NotNil(t, state.Task("11").FailedAt)
	assert.Equal(t, "pr-10", state.Task("10").SubmissionRef)

	delete(h.exec.fail, "11")
	h.exec.calls = nil

	out, err = h.orch.Resume(ctx, ResumeOptions{StopOnFailure: true})
	require.NoError(t, err)
	assert.True(t, out.Completed)
	assert.Equal(t, []string{"11", "12"}, h.exec.Calls())
	_, err = h.store.Load()
	assert.ErrorIs(t, err, runstate.ErrNoRunState)
}

func TestStartSprint_ContinueOnFailure(t *testing.T) {
	h := newHarness(t, issue("10", 1), issue("11", 2), issue("12", 3))
	h.exec.fail["11"] = "tests failed"

	out, err := h.sprint(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, HaltNone, out.Halt)
	assert.False(t, out.Completed)
	assert.Contains(t, out.Message, "#11")
	assert.Equal(t, []string{"10", "11", "12"}, h.exec.Calls())
	assert.Equal(t, map[string]models.TaskStatus{
		"10": models.TaskDone,
		"11": models.TaskFailed,
		"12": models.TaskDone,
	}, statuses(h.persisted(t)))
}

func TestStartSprint_SkipsTasksDoneUpstream(t *testing.T) {
	done := issue("1", 1)
	done.Status = "done"
	h := newHarness(t, done, issue("2", 2))

	out, err := h.sprint(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, out.Completed)
	assert.Equal(t, []string{"2"}, h.exec.Calls())
}

func TestStartSprint_Guard(t *testing.T) {
	tests := []struct {
		name        string
		advanced    bool
		conflict    bool
		advancedErr error
		rebaseErr   error
		halt        HaltReason
		reason      string
		rebases     int
		executions  []string
	}{
		{
			name:       "base unchanged",
			halt:       HaltNone,
			executions: []string{"1", "2", "3"},
		},
		{
			name:       "clean rebase",
			advanced:   true,
			halt:       HaltNone,
			rebases:    2,
			executions: []string{"1", "2", "3"},
		},
		{
			name:       "conflict",
			advanced:   true,
			conflict:   true,
			halt:       HaltConflict,
			reason:     ReasonConflict,
			executions: []string{"1"},
		},
		{
			name:       "rebase failed",
			advanced:   true,
			rebaseErr:  errors.New("could not apply"),
			halt:       HaltRebaseFailed,
			reason:     ReasonRebaseFailed,
			rebases:    1,
			executions: []string{"1"},
		},
		{
			name:        "inspection error",
			advancedErr: errors.New("fetch failed"),
			halt:        HaltGuardFailed,
			reason:      "could not compare with base branch: fetch failed",
			executions:  []string{"1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, issue("1", 1), issue("2", 2), issue("3", 3))
			h.vcs.advanced = tt.advanced
			h.vcs.conflict = tt.conflict
			h.vcs.rebaseErr = tt.rebaseErr
			h.vcs.advancedErr = tt.advancedErr

			out, err := h.sprint(context.Background(), false)
			require.NoError(t, err)

			assert.Equal(t, tt.halt, out.Halt)
			assert.Equal(t, tt.rebases, h.vcs.rebases)
			assert.Equal(t, tt.executions, h.exec.Calls())

			if tt.halt == HaltNone {
				assert.True(t, out.Completed)
				return
			}
			assert.Equal(t, "2", out.HaltTask)
			assert.Contains(t, out.Message, ResumeCommand)
			state := h.persisted(t)
			assert.Equal(t, models.TaskFailed, state.Task("2").Status)
			assert.Equal(t, tt.reason, state.Task("2").Error)
			assert.Equal(t, models.TaskPending, state.Task("3").Status, "a guard halt stops the sprint even without stop-on-failure")
		})
	}
}

func TestStartSprint_Interrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, issue("10", 1), issue("11", 2), issue("12", 3))
	h.exec.hooks["11"] = func(context.Context) { cancel() }

	out, err := h.sprint(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, HaltInterrupted, out.Halt)
	assert.Equal(t, "11", out.HaltTask)
	state := h.persisted(t)
	assert.Equal(t, models.TaskDone, state.Task("10").Status)
	assert.Equal(t, models.TaskFailed, state.Task("11").Status)
	assert.Equal(t, ReasonInterrupted, state.Task("11").Error)
	assert.Equal(t, models.TaskPending, state.Task("12").Status)
}

func TestStartSprint_ExecutorPanicFailsTask(t *testing.T) {
	h := newHarness(t, issue("1", 1), issue("2", 2))
	h.exec.panics["1"] = true

	out, err := h.sprint(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, HaltTaskFailed, out.Halt)
	assert.Contains(t, h.persisted(t).Task("1").Error, "executor panicked")
}

// flakyStore fails the Nth save.
type flakyStore struct {
	*runstate.MemoryStore
	failAt int
	saves  int
}

func (s *flakyStore) Save(state *models.RunState) error {
	s.saves++
	if s.saves == s.failAt {
		return errors.New("disk full")
	}
	return s.MemoryStore.Save(state)
}

func TestStartSprint_PersistFailureStopsAndFinalizes(t *testing.T) {
	h := newHarness(t, issue("10", 1), issue("11", 2), issue("12", 3))
	store := &flakyStore{MemoryStore: runstate.NewMemoryStore(), failAt: 4}
	h.orch = New(h.config(store))

	_, err := h.sprint(context.Background(), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, []string{"10"}, h.exec.Calls())

	state, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, models.TaskDone, state.Task("10").Status)
	assert.Equal(t, models.TaskFailed, state.Task("11").Status)
	assert.Equal(t, ReasonInterrupted, state.Task("11").Error)
	assert.Equal(t, models.TaskPending, state.Task("12").Status)
}

func TestStartSprint_Bookkeeping(t *testing.T) {
	h := newHarness(t, issue("1", 1))
	h.tracker.setErr = errors.New("label write refused")

	out, err := h.sprint(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, out.Completed, "tracker write failures never fail the run")
	assert.Equal(t, []string{"1=in-progress", "1=done"}, h.tracker.statuses)
	assert.Equal(t, []string{"1=in-progress", "1=done"}, h.recorder.transitions)
	assert.Equal(t, []string{"run-1"}, h.recorder.runs)
}

func TestStart_RejectsWhileRunActive(t *testing.T) {
	h := newHarness(t, issue("1", 1))
	seed(t, h.store, models.RunKindParallel, taskWith("9", models.TaskPending))

	_, err := h.sprint(context.Background(), true)
	assert.ErrorIs(t, err, ErrRunActive)
	_, err = h.orch.StartParallel(context.Background(), ParallelOptions{IssueRefs: []string{"1", "2"}, MaxParallel: 2})
	assert.ErrorIs(t, err, ErrRunActive)
	assert.Empty(t, h.exec.Calls())
}

func TestStart_ReplacesRunWithOnlyFailedTasks(t *testing.T) {
	h := newHarness(t, issue("1", 1))
	seed(t, h.store, models.RunKindParallel, taskWith("9", models.TaskFailed), taskWith("8", models.TaskDone))

	out, err := h.sprint(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, out.Completed)
}

func TestStartSprint_Empty(t *testing.T) {
	h := newHarness(t)
	_, err := h.sprint(context.Background(), true)
	assert.ErrorIs(t, err, ErrEmptyRun)
}

func TestStartParallel_BatchesAndPreservesFailedWorkspace(t *testing.T) {
	h := newHarness(t)
	h.exec.delay = 10 * time.Millisecond
	h.exec.fail["21"] = "build broke"

	out, err := h.orch.StartParallel(context.Background(), ParallelOptions{
		IssueRefs:   []string{"20", "21", "22", "23"},
		Base:        "main",
		MaxParallel: 2,
	})
	require.NoError(t, err)

	events := h.exec.Events()
	for _, later := range []string{"start:22", "start:23"} {
		for _, earlier := range []string{"end:20", "end:21"} {
			assert.Greater(t, slices.Index(events, later), slices.Index(events, earlier), "%s before %s", earlier, later)
		}
	}
	assert.LessOrEqual(t, h.exec.maxInFlight.Load(), int32(2))

	state := h.persisted(t)
	assert.Equal(t, map[string]models.TaskStatus{
		"20": models.TaskDone,
		"21": models.TaskFailed,
		"22": models.TaskDone,
		"23": models.TaskDone,
	}, statuses(state))
	assert.Equal(t, "/ws/21", state.Task("21").WorkspacePath)
	assert.Empty(t, state.Task("20").WorkspacePath)

	assert.ElementsMatch(t, []string{"20", "22", "23"}, h.iso.Released())
	stale, err := h.iso.ListStale(context.Background())
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "21", stale[0].IssueRef)

	assert.Equal(t, HaltNone, out.Halt)
	assert.Contains(t, out.Message, "#21")
	assert.Equal(t, "/ws/20", h.exec.opts["20"].WorkspacePath)
	assert.Equal(t, "sprinter/issue-20", h.exec.opts["20"].Branch)
}

func TestStartParallel_BoundsInProgressTasks(t *testing.T) {
	for _, maxParallel := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("max=%d", maxParallel), func(t *testing.T) {
			h := newHarness(t)
			h.exec.delay = 5 * time.Millisecond
			refs := []string{"1", "2", "3", "4", "5", "6", "7"}

			out, err := h.orch.StartParallel(context.Background(), ParallelOptions{IssueRefs: refs, MaxParallel: maxParallel})
			require.NoError(t, err)
			assert.True(t, out.Completed)
			assert.ElementsMatch(t, refs, h.exec.Calls())
			assert.LessOrEqual(t, int(h.exec.maxInFlight.Load()), maxParallel)
			assert.LessOrEqual(t, h.exec.maxSeen, maxParallel)
		})
	}
}

func TestStartParallel_FailureIsolation(t *testing.T) {
	refs := []string{"1", "2", "3", "4", "5"}
	statusesFor := func(failing string) map[string]models.TaskStatus {
		h := newHarness(t)
		if failing != "" {
			h.exec.fail[failing] = "nope"
		}
		out, err := h.orch.StartParallel(context.Background(), ParallelOptions{IssueRefs: refs, MaxParallel: 2})
		require.NoError(t, err)
		return statuses(out.State)
	}

	baseline := statusesFor("")
	withFailure := statusesFor("2")
	for _, ref := range refs {
		if ref == "2" {
			assert.Equal(t, models.TaskFailed, withFailure[ref])
			continue
		}
		assert.Equal(t, baseline[ref], withFailure[ref], "sibling %s", ref)
	}
}

func TestStartParallel_AllSucceedCleansUp(t *testing.T) {
	h := newHarness(t)

	out, err := h.orch.StartParallel(context.Background(), ParallelOptions{IssueRefs: []string{"1", "2", "3"}, MaxParallel: 3})
	require.NoError(t, err)
	assert.True(t, out.Completed)

	_, err = h.store.Load()
	assert.ErrorIs(t, err, runstate.ErrNoRunState)
	stale, err := h.orch.StaleWorkspaces(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestStartParallel_AllocationFailureRunsUnisolated(t *testing.T) {
	h := newHarness(t)
	h.iso.allocErr["2"] = errors.New("worktree add failed")

	out, err := h.orch.StartParallel(context.Background(), ParallelOptions{IssueRefs: []string{"1", "2"}, MaxParallel: 2})
	require.NoError(t, err)
	assert.True(t, out.Completed)
	assert.Empty(t, h.exec.opts["2"].WorkspacePath)
	assert.Equal(t, "/ws/1", h.exec.opts["1"].WorkspacePath)
}

func TestStartParallel_RejectsSprintTasks(t *testing.T) {
	h := newHarness(t)
	h.tracker.sprint["31"] = true

	_, err := h.orch.StartParallel(context.Background(), ParallelOptions{IssueRefs: []string{"30", "31", "broken"}, MaxParallel: 2})

	var crossMode *CrossModeError
	require.ErrorAs(t, err, &crossMode)
	require.Len(t, crossMode.Violations, 2)
	assert.Equal(t, "31", crossMode.Violations[0].IssueRef)
	assert.Equal(t, "broken", crossMode.Violations[1].IssueRef)
	assert.Empty(t, h.exec.Calls())
	_, err = h.store.Load()
	assert.ErrorIs(t, err, runstate.ErrNoRunState)
}

func TestStartSingle(t *testing.T) {
	h := newHarness(t)

	out, err := h.orch.StartSingle(context.Background(), "42", "main")
	require.NoError(t, err)
	assert.True(t, out.Completed)
	assert.Equal(t, models.RunKindParallel, out.Kind)
	assert.Equal(t, []string{"42"}, h.exec.Calls())
	assert.Equal(t, "/ws/42", h.exec.opts["42"].WorkspacePath)
}

func TestStartParallel_Interrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)
	h.exec.hooks["20"] = func(context.Context) { cancel() }

	out, err := h.orch.StartParallel(ctx, ParallelOptions{IssueRefs: []string{"20", "21", "22", "23"}, MaxParallel: 2})
	require.NoError(t, err)

	assert.Equal(t, HaltInterrupted, out.Halt)
	state := h.persisted(t)
	assert.Equal(t, models.TaskFailed, state.Task("20").Status)
	assert.Equal(t, ReasonInterrupted, state.Task("20").Error)
	assert.Equal(t, models.TaskPending, state.Task("22").Status)
	assert.Equal(t, models.TaskPending, state.Task("23").Status)
	assert.NotContains(t, h.exec.Calls(), "22")
}

func TestResume_NothingToResume(t *testing.T) {
	h := newHarness(t)

	out, err := h.orch.Resume(context.Background(), ResumeOptions{})
	require.NoError(t, err)
	assert.True(t, out.NothingToResume)
	assert.True(t, out.Succeeded())
	assert.Empty(t, h.exec.Calls())
}

func TestResume_ExecutesExactlyFailedAndPending(t *testing.T) {
	tests := []struct {
		name string
		kind models.RunKind
	}{
		{name: "sprint", kind: models.RunKindSprint},
		{name: "parallel", kind: models.RunKindParallel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			seed(t, h.store, tt.kind,
				taskWith("d1", models.TaskDone),
				taskWith("f1", models.TaskFailed),
				taskWith("p1", models.TaskPending),
				taskWith("d2", models.TaskDone),
				taskWith("i1", models.TaskInProgress),
				taskWith("f2", models.TaskFailed),
				taskWith("p2", models.TaskPending),
			)

			out, err := h.orch.Resume(context.Background(), ResumeOptions{StopOnFailure: true, MaxParallel: 2})
			require.NoError(t, err)
			assert.True(t, out.Completed)

			calls := h.exec.Calls()
			assert.ElementsMatch(t, []string{"f1", "p1", "i1", "f2", "p2"}, calls)
			assert.NotContains(t, calls, "d1")
			assert.NotContains(t, calls, "d2")
			if tt.kind == models.RunKindSprint {
				assert.Equal(t, []string{"f1", "p1", "i1", "f2", "p2"}, calls, "stored order is kept")
				assert.Equal(t, []string{"sprint/m1"}, h.vcs.ensured)
			}
		})
	}
}

func TestResume_Sprint_StopsAgainOnFailure(t *testing.T) {
	h := newHarness(t)
	seed(t, h.store, models.RunKindSprint,
		taskWith("1", models.TaskDone),
		taskWith("2", models.TaskFailed),
		taskWith("3", models.TaskPending),
	)
	h.exec.fail["2"] = "still broken"

	out, err := h.orch.Resume(context.Background(), ResumeOptions{StopOnFailure: true})
	require.NoError(t, err)
	assert.Equal(t, HaltTaskFailed, out.Halt)
	assert.Equal(t, []string{"2"}, h.exec.Calls())
	state := h.persisted(t)
	assert.Equal(t, "still broken", state.Task("2").Error)
	assert.Equal(t, models.TaskPending, state.Task("3").Status)
}

func TestResume_PassesPriorWork(t *testing.T) {
	t.Run("parallel workspace diff", func(t *testing.T) {
		h := newHarness(t)
		h.iso.diffs["5"] = "diff --git a/x b/x"
		seed(t, h.store, models.RunKindParallel, taskWith("5", models.TaskFailed), taskWith("6", models.TaskPending))

		_, err := h.orch.Resume(context.Background(), ResumeOptions{MaxParallel: 2})
		require.NoError(t, err)
		assert.Equal(t, "diff --git a/x b/x", h.exec.opts["5"].PriorWorkDiff)
		assert.Empty(t, h.exec.opts["6"].PriorWorkDiff)
	})

	t.Run("sprint working diff", func(t *testing.T) {
		h := newHarness(t)
		h.vcs.diff = "diff --git a/y b/y"
		seed(t, h.store, models.RunKindSprint, taskWith("5", models.TaskFailed), taskWith("6", models.TaskPending))

		_, err := h.orch.Resume(context.Background(), ResumeOptions{})
		require.NoError(t, err)
		assert.Equal(t, "diff --git a/y b/y", h.exec.opts["5"].PriorWorkDiff)
		assert.Empty(t, h.exec.opts["6"].PriorWorkDiff)
	})
}

func TestDryRun(t *testing.T) {
	t.Run("never touches the persisted run", func(t *testing.T) {
		h := newHarness(t, issue("1", 1), issue("2", 2))
		cfg := h.config(h.store)
		cfg.DryRun = true
		orch := New(cfg)

		out, err := orch.StartSprint(context.Background(), SprintOptions{Branch: "sprint/m1", Base: "main", StopOnFailure: true})
		require.NoError(t, err)
		assert.True(t, out.Completed)
		assert.Equal(t, []string{"1", "2"}, out.Executed)
		assert.Equal(t, "dry-run:1", out.State.Task("1").SubmissionRef)

		assert.Zero(t, h.store.Saves())
		assert.Empty(t, h.exec.Calls())
		assert.Empty(t, h.vcs.ensured)
		assert.Empty(t, h.tracker.statuses)
		assert.Empty(t, h.recorder.transitions)
	})

	t.Run("still enforces one active run", func(t *testing.T) {
		h := newHarness(t, issue("1", 1))
		seed(t, h.store, models.RunKindSprint, taskWith("9", models.TaskPending))
		cfg := h.config(h.store)
		cfg.DryRun = true

		_, err := New(cfg).StartSprint(context.Background(), SprintOptions{Branch: "sprint/m1", Base: "main"})
		assert.ErrorIs(t, err, ErrRunActive)
	})

	t.Run("resume previews the persisted run", func(t *testing.T) {
		h := newHarness(t)
		seed(t, h.store, models.RunKindSprint, taskWith("1", models.TaskDone), taskWith("2", models.TaskFailed))
		cfg := h.config(h.store)
		cfg.DryRun = true

		out, err := New(cfg).Resume(context.Background(), ResumeOptions{})
		require.NoError(t, err)
		assert.True(t, out.Completed)
		assert.Equal(t, []string{"2"}, out.Executed)
		assert.Equal(t, models.TaskFailed, h.persisted(t).Task("2").Status)
	})
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	seed(t, h.store, models.RunKindParallel, taskWith("1", models.TaskPending))

	state, err := h.orch.Cancel(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "seeded", state.RunID)
	assert.True(t, h.iso.wiped)
	assert.Equal(t, models.RunOutcomeCancelled, h.recorder.finished["seeded"])
	_, err = h.orch.Status()
	assert.ErrorIs(t, err, runstate.ErrNoRunState)

	_, err = h.orch.Cancel(context.Background(), false)
	assert.ErrorIs(t, err, runstate.ErrNoRunState)
}

func TestCorruptRunState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "run-state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"run_id": "x", "kind": "spr`), 0644))
	h.orch = New(h.config(runstate.NewFileStore(path)))

	out, err := h.orch.Resume(ctx, ResumeOptions{})
	require.NoError(t, err)
	assert.True(t, out.NothingToResume)
	assert.Contains(t, out.Message, path)
	assert.Contains(t, out.Message, CancelCommand)
	assert.Empty(t, h.exec.Calls())

	_, err = h.orch.StartParallel(ctx, ParallelOptions{IssueRefs: []string{"1"}, MaxParallel: 1})
	assert.ErrorIs(t, err, runstate.ErrCorrupt)
	assert.Contains(t, err.Error(), CancelCommand)
	_, err = h.orch.StartSprint(ctx, SprintOptions{Branch: "sprint/m1", Base: "main"})
	assert.ErrorIs(t, err, runstate.ErrCorrupt)

	state, err := h.orch.Cancel(ctx, true)
	require.NoError(t, err)
	assert.Nil(t, state)
	assert.True(t, h.iso.wiped)
	assert.NoFileExists(t, path)
	assert.Empty(t, h.recorder.finished)

	_, err = h.orch.Status()
	assert.ErrorIs(t, err, runstate.ErrNoRunState)
}

func TestWorkspaceMaintenanceRefusesWhileActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.iso.allocated["7"] = true
	seed(t, h.store, models.RunKindParallel, taskWith("7", models.TaskPending))

	_, err := h.orch.PruneWorkspaces(ctx, false)
	assert.ErrorIs(t, err, ErrRunActive)
	assert.ErrorIs(t, h.orch.ReleaseAllWorkspaces(ctx, false), ErrRunActive)

	pruned, err := h.orch.PruneWorkspaces(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
	require.NoError(t, h.orch.ReleaseAllWorkspaces(ctx, true))
	assert.True(t, h.iso.wiped)
}
