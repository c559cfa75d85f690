// Package agent runs the external coding agent against a single task.
//
// The orchestrator only needs [Executor]: given an issue reference and
// [Options], do the work and report a [Result]. [CLIExecutor] spawns the agent
// CLI as a subprocess; [DryRunExecutor] reports synthetic success for
// previews and tests.
package agent

import "context"

// Options carries the execution context for one task.
type Options struct {
	// Provider selects the agent CLI (e.g. "claude").
	Provider string
	// Model is passed through to the agent when non-empty.
	Model string
	// DryRun asks the executor to do nothing and report success.
	DryRun bool
	// WorkspacePath is the isolated worktree to run in. Empty means the shared
	// checkout.
	WorkspacePath string
	// Branch is the branch the work lands on.
	Branch string
	// Title is the issue title when the tracker supplied one.
	Title string
	// PriorWorkDiff holds the changes a previous failed attempt left behind.
	PriorWorkDiff string
}

// Result is what the agent reported for one task.
type Result struct {
	Success bool
	// SubmissionRef identifies the change request produced on success.
	SubmissionRef string
	Error         string
}

// Executor is the task executor boundary.
type Executor interface {
	Execute(ctx context.Context, issueRef string, opts Options) (Result, error)
}

// DryRunExecutor never runs anything.
type DryRunExecutor struct{}

func (DryRunExecutor) Execute(ctx context.Context, issueRef string, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{Success: true, SubmissionRef: "dry-run:" + issueRef}, nil
}
