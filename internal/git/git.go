// Package git wraps the git operations the sprint sequencer and the
// conflict/rebase guard need on the shared branch.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandError is returned when git exits non-zero.
type CommandError struct {
	Args     []string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("git %s: exit status %d", strings.Join(e.Args, " "), e.ExitCode)
	}
	return fmt.Sprintf("git %s: exit status %d: %s", strings.Join(e.Args, " "), e.ExitCode, out)
}

// ExitCode extracts the git exit code from err, or -1 when err did not come
// from a completed git process.
func ExitCode(err error) int {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	return -1
}

// Runner executes git with args inside dir and returns its stdout.
type Runner func(ctx context.Context, dir string, args ...string) (string, error)

// ExecRunner runs the real git binary.
func ExecRunner(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), &CommandError{
				Args:     args,
				ExitCode: exitErr.ExitCode(),
				Output:   stderr.String() + stdout.String(),
			}
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return stdout.String(), nil
}

type Repo struct {
	dir    string
	remote string
	run    Runner
}

// New returns a Repo rooted at dir. When remote is non-empty the base branch is
// fetched from it before every divergence check.
func New(dir, remote string, run Runner) *Repo {
	if run == nil {
		run = ExecRunner
	}
	return &Repo{dir: dir, remote: remote, run: run}
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	return r.run(ctx, r.dir, args...)
}

// BaseRef is the ref divergence is measured against.
func (r *Repo) BaseRef(base string) string {
	if r.remote == "" {
		return base
	}
	return r.remote + "/" + base
}

func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (r *Repo) BranchExists(ctx context.Context, branch string) (bool, error) {
	_, err := r.git(ctx, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	if ExitCode(err) == 1 {
		return false, nil
	}
	return false, err
}

// EnsureBranch checks out branch, creating it when it does not exist from the
// same base ref the divergence checks measure against.
func (r *Repo) EnsureBranch(ctx context.Context, branch, base string) error {
	current, err := r.CurrentBranch(ctx)
	if err != nil {
		return fmt.Errorf("failed to read current branch: %w", err)
	}
	if current == branch {
		return nil
	}

	exists, err := r.BranchExists(ctx, branch)
	if err != nil {
		return fmt.Errorf("failed to check branch %s: %w", branch, err)
	}
	if exists {
		if _, err := r.git(ctx, "checkout", branch); err != nil {
			return fmt.Errorf("failed to check out %s: %w", branch, err)
		}
		return nil
	}

	if err := r.fetch(ctx, base); err != nil {
		return err
	}
	from := r.BaseRef(base)
	if _, err := r.git(ctx, "checkout", "-b", branch, from); err != nil {
		return fmt.Errorf("failed to create %s from %s: %w", branch, from, err)
	}
	return nil
}

func (r *Repo) fetch(ctx context.Context, base string) error {
	if r.remote == "" {
		return nil
	}
	if _, err := r.git(ctx, "fetch", r.remote, base); err != nil {
		return fmt.Errorf("failed to fetch %s/%s: %w", r.remote, base, err)
	}
	return nil
}

// BaseAdvanced reports whether base has commits the current branch does not
// contain.
func (r *Repo) BaseAdvanced(ctx context.Context, base string) (bool, error) {
	if err := r.fetch(ctx, base); err != nil {
		return false, err
	}
	_, err := r.git(ctx, "merge-base", "--is-ancestor", r.BaseRef(base), "HEAD")
	switch ExitCode(err) {
	case -1:
		if err != nil {
			return false, err
		}
		return false, nil
	case 1:
		return true, nil
	default:
		return false, err
	}
}

// WouldConflict performs an in-memory merge of base into HEAD and reports
// whether it produced conflicts. The working tree is not touched.
func (r *Repo) WouldConflict(ctx context.Context, base string) (bool, error) {
	_, err := r.git(ctx, "merge-tree", "--write-tree", "--name-only", "HEAD", r.BaseRef(base))
	switch ExitCode(err) {
	case -1:
		if err != nil {
			return false, err
		}
		return false, nil
	case 1:
		return true, nil
	default:
		return false, err
	}
}

// Rebase replays the current branch onto base. A failed rebase is aborted so
// the branch is left as it was.
func (r *Repo) Rebase(ctx context.Context, base string) error {
	if _, err := r.git(ctx, "rebase", r.BaseRef(base)); err != nil {
		if _, abortErr := r.git(ctx, "rebase", "--abort"); abortErr != nil {
			return fmt.Errorf("%w (abort also failed: %v)", err, abortErr)
		}
		return err
	}
	return nil
}

// WorkingDiff returns uncommitted changes on the current branch.
func (r *Repo) WorkingDiff(ctx context.Context) (string, error) {
	return r.git(ctx, "diff", "HEAD")
}
