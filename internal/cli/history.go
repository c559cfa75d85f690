package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHistoryCommand(app *App) *cobra.Command {
	var runID string
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs, or the transitions of one run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be at least 1")
			}
			rt, err := app.runtime(false)
			if err != nil {
				return err
			}
			defer rt.Close()

			p := printer(cmd)
			if runID != "" {
				attempts, err := rt.History.Attempts(cmd.Context(), runID)
				if err != nil {
					return fmt.Errorf("failed to read history: %w", err)
				}
				p.Attempts(runID, attempts)
				return nil
			}

			runs, err := rt.History.ListRuns(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to read history: %w", err)
			}
			p.History(runs)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "show the recorded transitions of this run")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to list")
	return cmd
}
