package orchestrator

import (
	"context"

	"github.com/mpataki/sprinter/internal/models"
)

// NoopVCS is the dry-run VCS: the branch always exists and the base never
// moves.
type NoopVCS struct{}

func (NoopVCS) EnsureBranch(context.Context, string, string) error { return nil }
func (NoopVCS) BaseAdvanced(context.Context, string) (bool, error) { return false, nil }
func (NoopVCS) WouldConflict(context.Context, string) (bool, error) { return false, nil }
func (NoopVCS) Rebase(context.Context, string) error { return nil }
func (NoopVCS) WorkingDiff(context.Context) (string, error) { return "", nil }

// NoopIsolator is the dry-run isolator. Allocations report no path, so a
// dry-run task is described against the shared checkout.
type NoopIsolator struct{}

func (NoopIsolator) Allocate(_ context.Context, issueRef, _ string) (*models.Workspace, error) {
	return &models.Workspace{IssueRef: issueRef}, nil
}

func (NoopIsolator) Release(context.Context, string) error { return nil }
func (NoopIsolator) Diff(context.Context, string, string) (string, error) { return "", nil }
func (NoopIsolator) ListStale(context.Context) ([]models.Workspace, error) { return nil, nil }
func (NoopIsolator) PruneStale(context.Context) (int, error) { return 0, nil }
func (NoopIsolator) ReleaseAll(context.Context) error { return nil }
