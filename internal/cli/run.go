package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mpataki/sprinter/internal/models"
	"github.com/mpataki/sprinter/internal/orchestrator"
)

func newRunCommand(app *App) *cobra.Command {
	var resume, dryRun bool

	cmd := &cobra.Command{
		Use:   "run [issue...]",
		Short: "Run the sprint, one issue, or several issues in parallel",
		Long: `Without arguments, run the open sprint issues in order on one shared branch.
With one issue, run it alone in its own workspace. With several, run them in
parallel batches, each in its own workspace.

--resume continues the saved run (issue arguments are ignored). --dry-run walks
the same steps without invoking the agent or touching branches, workspaces or
the saved run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.cfg
			ctx := cmd.Context()

			rt, err := app.runtime(dryRun)
			if err != nil {
				return err
			}
			defer rt.Close()
			orch := rt.Orchestrator

			var out *orchestrator.Outcome
			switch {
			case resume:
				if len(args) > 0 {
					app.Logger.Warn("ignoring issue arguments with --resume", "issues", strings.Join(args, " "))
				}
				out, err = orch.Resume(ctx, orchestrator.ResumeOptions{
					StopOnFailure: cfg.StopOnFailure,
					MaxParallel:   cfg.MaxParallel,
					Base:          cfg.BaseBranch,
				})
			case len(args) == 0:
				out, err = orch.StartSprint(ctx, orchestrator.SprintOptions{
					Branch:        cfg.SprintBranchFor(cfg.Tracker.Milestone, app.Now()),
					Base:          cfg.BaseBranch,
					StopOnFailure: cfg.StopOnFailure,
					Filter:        models.Filter{Milestone: cfg.Tracker.Milestone},
				})
			case len(args) == 1:
				out, err = orch.StartSingle(ctx, issueRef(args[0]), cfg.BaseBranch)
			default:
				out, err = orch.StartParallel(ctx, orchestrator.ParallelOptions{
					IssueRefs:   issueRefs(args),
					Base:        cfg.BaseBranch,
					MaxParallel: cfg.MaxParallel,
				})
			}
			if err != nil {
				return app.runError(cmd, err)
			}

			p := printer(cmd)
			p.Outcome(out)
			if dryRun {
				fmt.Fprintln(cmd.OutOrStdout(), "Dry run: the agent was not invoked and nothing was saved.")
			}
			if !out.Succeeded() {
				return NewExitError(1)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&resume, "resume", false, "continue the saved run")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview the run without side effects")
	cmd.Flags().Int("max-parallel", 3, "maximum tasks running at once in a parallel run")
	cmd.Flags().Bool("stop-on-failure", true, "stop a sprint at the first failed task")
	cmd.Flags().String("base", "main", "base branch")
	cmd.Flags().String("branch", "", "shared sprint branch (default sprint/<milestone> or sprint/<date>)")
	cmd.Flags().String("milestone", "", "only run sprint issues in this milestone")
	cmd.Flags().String("provider", "claude", "agent provider")
	cmd.Flags().String("model", "", "agent model")
	return cmd
}

// runError turns the rejections a run can end with into something the user
// can act on.
func (app *App) runError(cmd *cobra.Command, err error) error {
	var crossMode *orchestrator.CrossModeError
	switch {
	case errors.As(err, &crossMode):
		printer(cmd).CrossMode(crossMode)
		return NewExitError(1)
	case errors.Is(err, orchestrator.ErrRunActive):
		return fmt.Errorf("%w; continue it with `%s` or discard it with `%s`", err, orchestrator.ResumeCommand, orchestrator.CancelCommand)
	case errors.Is(err, orchestrator.ErrEmptyRun):
		return fmt.Errorf("%w: no open issues carry the %q label", err, app.cfg.Tracker.SprintLabel)
	}
	return err
}

func issueRef(arg string) string {
	return strings.TrimPrefix(strings.TrimSpace(arg), "#")
}

// issueRefs normalizes arguments and drops repeats, keeping the first
// occurrence.
func issueRefs(args []string) []string {
	seen := make(map[string]bool, len(args))
	refs := make([]string, 0, len(args))
	for _, arg := range args {
		ref := issueRef(arg)
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	return refs
}
