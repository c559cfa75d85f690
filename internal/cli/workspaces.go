package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mpataki/sprinter/internal/orchestrator"
)

func newWorkspacesCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspaces",
		Short: "Inspect and clean up task workspaces",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workspaces still on disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.runtime(false)
			if err != nil {
				return err
			}
			defer rt.Close()

			workspaces, err := rt.Orchestrator.StaleWorkspaces(cmd.Context())
			if err != nil {
				return err
			}
			printer(cmd).Workspaces(workspaces)
			return nil
		},
	})

	var pruneForce bool
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Remove leftover workspaces, keeping their branches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.runtime(false)
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := rt.Orchestrator.PruneWorkspaces(cmd.Context(), pruneForce)
			if err != nil {
				return workspaceError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d workspace(s).\n", n)
			return nil
		},
	}
	prune.Flags().BoolVar(&pruneForce, "force", false, "prune even while a run is active")
	cmd.AddCommand(prune)

	var releaseForce bool
	releaseAll := &cobra.Command{
		Use:   "release-all",
		Short: "Remove every workspace and its task branch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.runtime(false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.Orchestrator.ReleaseAllWorkspaces(cmd.Context(), releaseForce); err != nil {
				return workspaceError(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Released all workspaces.")
			return nil
		},
	}
	releaseAll.Flags().BoolVar(&releaseForce, "force", false, "release even while a run is active")
	cmd.AddCommand(releaseAll)

	return cmd
}

func workspaceError(err error) error {
	if errors.Is(err, orchestrator.ErrRunActive) {
		return fmt.Errorf("%w; its workspaces may still be needed (use --force to override)", err)
	}
	return err
}
