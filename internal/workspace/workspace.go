// Package workspace gives each task its own git worktree on a dedicated branch.
package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mpataki/sprinter/internal/git"
	"github.com/mpataki/sprinter/internal/models"
)

const BranchPrefix = "sprinter/issue-"

type metadata struct {
	IssueRef    string    `json:"issue_ref"`
	Path        string    `json:"path"`
	Branch      string    `json:"branch"`
	BaseBranch  string    `json:"base_branch"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// Manager allocates worktrees of the repository at repoDir under baseDir.
type Manager struct {
	baseDir string
	repoDir string
	run     git.Runner
	logger  *slog.Logger
}

func NewManager(baseDir, repoDir string, run git.Runner, logger *slog.Logger) *Manager {
	if run == nil {
		run = git.ExecRunner
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{baseDir: baseDir, repoDir: repoDir, run: run, logger: logger}
}

// slug names the branch and directory of an issue. Refs that are not already
// made of letters, digits and dashes get a digest of the ref appended, so two
// distinct refs never share a workspace. '_' is never produced by the mapping,
// which keeps suffixed slugs apart from plain ones.
func slug(issueRef string) string {
	ref := strings.TrimPrefix(strings.TrimSpace(issueRef), "#")
	var b strings.Builder
	for _, r := range ref {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.String() == ref {
		return ref
	}
	sum := sha256.Sum256([]byte(ref))
	return b.String() + "_" + hex.EncodeToString(sum[:4])
}

func BranchName(issueRef string) string {
	return BranchPrefix + slug(issueRef)
}

func (m *Manager) path(issueRef string) string {
	return filepath.Join(m.baseDir, "issue-"+slug(issueRef))
}

func (m *Manager) metaPath(issueRef string) string {
	return m.path(issueRef) + ".json"
}

func (m *Manager) absRepo() (string, error) {
	abs, err := filepath.Abs(m.repoDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve repo path: %w", err)
	}
	return abs, nil
}

// Allocate returns the worktree for issueRef, creating it from baseBranch when
// none exists. A worktree preserved from an earlier failed attempt is reused so
// the prior work is still there.
func (m *Manager) Allocate(ctx context.Context, issueRef, baseBranch string) (*models.Workspace, error) {
	repo, err := m.absRepo()
	if err != nil {
		return nil, err
	}
	path, err := filepath.Abs(m.path(issueRef))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	branch := BranchName(issueRef)
	ws := &models.Workspace{IssueRef: issueRef, Path: path, Branch: branch}

	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		m.logger.Debug("reusing workspace", "issue", issueRef, "path", path)
		return ws, nil
	}

	if _, err := m.run(ctx, repo, "rev-parse", "--git-dir"); err != nil {
		return nil, fmt.Errorf("%s is not a git repository: %w", repo, err)
	}

	if err := os.MkdirAll(m.baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	_, err = m.run(ctx, repo, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	switch git.ExitCode(err) {
	case -1:
		if err != nil {
			return nil, err
		}
		_, err = m.run(ctx, repo, "worktree", "add", path, branch)
	case 1:
		_, err = m.run(ctx, repo, "worktree", "add", "-b", branch, path, baseBranch)
	default:
		return nil, fmt.Errorf("failed to check branch %s: %w", branch, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w", err)
	}

	meta := metadata{
		IssueRef:    issueRef,
		Path:        path,
		Branch:      branch,
		BaseBranch:  baseBranch,
		AllocatedAt: time.Now().UTC(),
	}
	if err := m.writeMetadata(meta); err != nil {
		return nil, err
	}
	return ws, nil
}

func (m *Manager) writeMetadata(meta metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workspace metadata: %w", err)
	}
	if err := os.WriteFile(m.metaPath(meta.IssueRef), data, 0644); err != nil {
		return fmt.Errorf("failed to write workspace metadata: %w", err)
	}
	return nil
}

func (m *Manager) readMetadata() ([]metadata, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}

	var metas []metadata
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.baseDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read workspace metadata: %w", err)
		}
		var meta metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			m.logger.Warn("skipping unreadable workspace metadata", "file", entry.Name(), "error", err)
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].IssueRef < metas[j].IssueRef })
	return metas, nil
}

// Release removes the worktree for issueRef. The task branch is kept because
// it carries the submitted work.
func (m *Manager) Release(ctx context.Context, issueRef string) error {
	return m.remove(ctx, issueRef, false)
}

func (m *Manager) remove(ctx context.Context, issueRef string, deleteBranch bool) error {
	repo, err := m.absRepo()
	if err != nil {
		return err
	}
	path, err := filepath.Abs(m.path(issueRef))
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := m.run(ctx, repo, "worktree", "remove", "--force", path); err != nil {
			return fmt.Errorf("failed to remove worktree for %s: %w", issueRef, err)
		}
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove workspace for %s: %w", issueRef, err)
	}
	if err := os.Remove(m.metaPath(issueRef)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove workspace metadata for %s: %w", issueRef, err)
	}

	if deleteBranch {
		if _, err := m.run(ctx, repo, "branch", "-D", BranchName(issueRef)); err != nil && git.ExitCode(err) != 1 {
			return fmt.Errorf("failed to delete branch for %s: %w", issueRef, err)
		}
	}
	return nil
}

// ListStale returns every workspace still allocated on disk. Successful tasks
// release theirs, so anything left was preserved by a failure or a crash.
func (m *Manager) ListStale(ctx context.Context) ([]models.Workspace, error) {
	metas, err := m.readMetadata()
	if err != nil {
		return nil, err
	}
	out := make([]models.Workspace, 0, len(metas))
	for _, meta := range metas {
		out = append(out, models.Workspace{IssueRef: meta.IssueRef, Path: meta.Path, Branch: meta.Branch})
	}
	return out, nil
}

// PruneStale removes every stale worktree but keeps the task branches, then
// lets git forget worktrees whose directories vanished.
func (m *Manager) PruneStale(ctx context.Context) (int, error) {
	stale, err := m.ListStale(ctx)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, ws := range stale {
		if err := m.remove(ctx, ws.IssueRef, false); err != nil {
			return pruned, err
		}
		pruned++
	}

	repo, err := m.absRepo()
	if err != nil {
		return pruned, err
	}
	if _, err := m.run(ctx, repo, "worktree", "prune"); err != nil {
		return pruned, fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return pruned, nil
}

// ReleaseAll removes every workspace and deletes its task branch.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	stale, err := m.ListStale(ctx)
	if err != nil {
		return err
	}
	for _, ws := range stale {
		if err := m.remove(ctx, ws.IssueRef, true); err != nil {
			return err
		}
	}
	return nil
}

// Diff returns the changes in the issue's workspace relative to baseBranch, or
// an empty string when no workspace exists.
func (m *Manager) Diff(ctx context.Context, issueRef, baseBranch string) (string, error) {
	path := m.path(issueRef)
	if _, err := os.Stat(path); err != nil {
		return "", nil
	}
	return m.run(ctx, path, "diff", baseBranch)
}
