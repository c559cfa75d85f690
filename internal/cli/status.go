package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mpataki/sprinter/internal/orchestrator"
	"github.com/mpataki/sprinter/internal/runstate"
)

func newStatusCommand(app *App) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the saved run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch {
				if !app.IsTerminal() {
					return errors.New("--watch needs an interactive terminal")
				}
				return app.Watch(cmd.Context(), app.cfg.StatePath, app.Logger)
			}

			rt, err := app.runtime(false)
			if err != nil {
				return err
			}
			defer rt.Close()

			state, err := rt.Orchestrator.Status()
			if errors.Is(err, runstate.ErrCorrupt) {
				return fmt.Errorf("%w; discard it with `%s`", err, orchestrator.CancelCommand)
			}
			if err != nil && !errors.Is(err, runstate.ErrNoRunState) {
				return err
			}
			printer(cmd).RunState(state)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the run live")
	return cmd
}

func newCancelCommand(app *App) *cobra.Command {
	var releaseWorkspaces bool

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Discard the saved run",
		Long: `Discard the saved run so a new one can start. Task workspaces are kept unless
--release-workspaces is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.runtime(false)
			if err != nil {
				return err
			}
			defer rt.Close()

			state, err := rt.Orchestrator.Cancel(cmd.Context(), releaseWorkspaces)
			if errors.Is(err, runstate.ErrNoRunState) {
				fmt.Fprintln(cmd.OutOrStdout(), "No active run.")
				return nil
			}
			if state != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled run %s (%d task(s)).\n", state.RunID, len(state.Tasks))
			} else if err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Discarded unreadable run state.")
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&releaseWorkspaces, "release-workspaces", false, "also remove every task workspace and branch")
	return cmd
}
