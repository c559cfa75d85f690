package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mpataki/sprinter/internal/agent"
	"github.com/mpataki/sprinter/internal/config"
	"github.com/mpataki/sprinter/internal/git"
	"github.com/mpataki/sprinter/internal/lua"
	"github.com/mpataki/sprinter/internal/models"
	"github.com/mpataki/sprinter/internal/orchestrator"
	"github.com/mpataki/sprinter/internal/runstate"
	"github.com/mpataki/sprinter/internal/storage"
	"github.com/mpataki/sprinter/internal/tracker"
	"github.com/mpataki/sprinter/internal/workspace"
)

// History is the read side of the run history.
type History interface {
	ListRuns(ctx context.Context, limit int) ([]models.RunSummary, error)
	Attempts(ctx context.Context, runID string) ([]models.Attempt, error)
}

// Runtime is everything a command needs, wired from config.
type Runtime struct {
	Orchestrator *orchestrator.Orchestrator
	History      History
	closeFn      func() error
}

func NewRuntime(orch *orchestrator.Orchestrator, history History, closeFn func() error) *Runtime {
	return &Runtime{Orchestrator: orch, History: history, closeFn: closeFn}
}

func (r *Runtime) Close() error {
	if r.closeFn == nil {
		return nil
	}
	return r.closeFn()
}

// Build wires the real adapters: git and gh subprocesses, worktrees, the agent
// CLI, the sqlite history and the run-state file.
func Build(cfg *config.Config, logger *slog.Logger, dryRun bool) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	labels := tracker.Labels{
		Sprint:       cfg.Tracker.SprintLabel,
		OrderPrefix:  cfg.Tracker.OrderLabelPrefix,
		StatusPrefix: cfg.Tracker.StatusLabelPrefix,
	}
	var issues orchestrator.Tracker
	switch cfg.Tracker.Kind {
	case "file":
		issues = tracker.NewFile(cfg.Tracker.File, labels)
	case "github":
		issues = tracker.NewGitHub(cfg.RepoPath, labels, tracker.ExecRunner)
	default:
		return nil, fmt.Errorf("unknown tracker kind %q", cfg.Tracker.Kind)
	}

	template, err := agent.NewTemplatePrompter(cfg.Agent.PromptTemplate)
	if err != nil {
		return nil, err
	}
	var prompter agent.Prompter = template
	if cfg.Agent.PromptScript != "" {
		hook, err := lua.NewPromptHook(cfg.Agent.PromptScript, cfg.RepoPath, template, logger)
		if err != nil {
			return nil, err
		}
		prompter = hook
	}

	executor, err := agent.NewCLIExecutor(agent.CLIConfig{
		Provider: cfg.Agent.Provider,
		Binary:   cfg.Agent.Binary,
		Model:    cfg.Agent.Model,
		MaxTurns: cfg.Agent.MaxTurns,
		RepoDir:  cfg.RepoPath,
		Prompter: prompter,
		Run:      agent.ExecCommand,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	// A dry run records nothing, so the history database is not even created.
	var recorder orchestrator.Recorder
	var history History
	var closeFn func() error
	if !dryRun {
		db, err := storage.New(cfg.HistoryPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open run history: %w", err)
		}
		recorder, history, closeFn = db, db, db.Close
	}

	orch := orchestrator.New(orchestrator.Config{
		Store:    runstate.NewFileStore(cfg.StatePath),
		Executor: executor,
		Isolator: workspace.NewManager(cfg.WorkspacesDir, cfg.RepoPath, git.ExecRunner, logger),
		VCS:      git.New(cfg.RepoPath, cfg.Remote, git.ExecRunner),
		Tracker:  issues,
		Recorder: recorder,
		Logger:   logger,
		Provider: cfg.Agent.Provider,
		Model:    cfg.Agent.Model,
		DryRun:   dryRun,
	})
	return NewRuntime(orch, history, closeFn), nil
}
