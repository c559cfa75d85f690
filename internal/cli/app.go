// Package cli is the sprinter command tree.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/mpataki/sprinter/internal/config"
	"github.com/mpataki/sprinter/internal/output"
	"github.com/mpataki/sprinter/internal/runstate"
	"github.com/mpataki/sprinter/internal/tui"
)

// App holds what the commands share. The function fields default to the real
// implementations and are replaced in tests.
type App struct {
	Build      func(cfg *config.Config, logger *slog.Logger, dryRun bool) (*Runtime, error)
	Watch      func(ctx context.Context, statePath string, logger *slog.Logger) error
	IsTerminal func() bool
	Logger     *slog.Logger
	Now        func() time.Time

	configPath string
	cfg        *config.Config
}

func NewApp() *App {
	return &App{
		Build: Build,
		Watch: func(ctx context.Context, statePath string, logger *slog.Logger) error {
			return tui.Run(ctx, runstate.NewFileStore(statePath), logger)
		},
		IsTerminal: func() bool {
			return isatty.IsTerminal(os.Stdout.Fd())
		},
		Now: time.Now,
	}
}

// flagKeys maps command flags onto the config keys they override.
var flagKeys = []struct {
	flag string
	key  string
}{
	{"base", "base_branch"},
	{"branch", "sprint_branch"},
	{"max-parallel", "max_parallel"},
	{"stop-on-failure", "stop_on_failure"},
	{"milestone", "tracker.milestone"},
	{"provider", "agent.provider"},
	{"model", "agent.model"},
}

func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "sprinter",
		Short: "Drive a coding agent through your issue queue",
		Long: `Sprinter runs a coding agent over tracker issues: a whole sprint in order on
one shared branch, a single issue, or a batch of independent issues in
parallel. Progress is saved after every step; an interrupted or failed run
continues with 'sprinter run --resume'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.loadConfig(cmd)
		},
	}
	root.PersistentFlags().StringVar(&app.configPath, "config", "", "config file (default .sprinter/config.yaml)")

	root.AddCommand(newRunCommand(app))
	root.AddCommand(newStatusCommand(app))
	root.AddCommand(newCancelCommand(app))
	root.AddCommand(newHistoryCommand(app))
	root.AddCommand(newWorkspacesCommand(app))
	return root
}

// Execute runs the command tree and returns the process exit code.
func (app *App) Execute(ctx context.Context, args []string) int {
	root := NewRootCommand(app)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	if code, ok := IsExitError(err); ok {
		return code
	}
	fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
	return 1
}

func (app *App) loadConfig(cmd *cobra.Command) error {
	loader := config.NewLoader()
	for _, fk := range flagKeys {
		if f := cmd.Flags().Lookup(fk.flag); f != nil {
			if err := loader.BindFlag(fk.key, f); err != nil {
				return err
			}
		}
	}

	var cfg *config.Config
	var err error
	if app.configPath != "" {
		cfg, err = loader.LoadFromFile(app.configPath)
	} else {
		cfg, err = loader.Load()
	}
	if err != nil {
		return err
	}
	app.cfg = cfg

	if app.Logger == nil {
		logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		app.Logger = logger
		slog.SetDefault(logger)
	}
	if app.Now == nil {
		app.Now = time.Now
	}
	return nil
}

func (app *App) runtime(dryRun bool) (*Runtime, error) {
	return app.Build(app.cfg, app.Logger, dryRun)
}

func printer(cmd *cobra.Command) *output.Printer {
	return output.NewPrinter(cmd.OutOrStdout())
}
