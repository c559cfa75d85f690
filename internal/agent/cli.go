package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"
)

// CommandRunner runs name with args in dir. It returns stdout and the exit
// code; err is reserved for a process that could not be run at all.
type CommandRunner func(ctx context.Context, dir, name string, args ...string) (stdout []byte, exitCode int, err error)

// ExecCommand runs the agent in its own process group so an interrupt takes
// down everything it spawned.
func ExecCommand(ctx context.Context, dir, name string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out := stdout.Bytes()
			if len(out) == 0 {
				out = stderr.Bytes()
			}
			return out, exitErr.ExitCode(), nil
		}
		return nil, 0, err
	}
	return stdout.Bytes(), 0, nil
}

const ProviderClaude = "claude"

type CLIConfig struct {
	Provider string
	// Binary defaults to the provider name.
	Binary   string
	Model    string
	MaxTurns int
	// RepoDir is where the agent runs when a task has no workspace.
	RepoDir  string
	Prompter Prompter
	Run      CommandRunner
	Logger   *slog.Logger
}

// CLIExecutor runs the coding agent CLI once per task.
type CLIExecutor struct {
	binary   string
	model    string
	maxTurns int
	repoDir  string
	prompter Prompter
	run      CommandRunner
	logger   *slog.Logger
}

func NewCLIExecutor(cfg CLIConfig) (*CLIExecutor, error) {
	if cfg.Provider == "" {
		cfg.Provider = ProviderClaude
	}
	if cfg.Provider != ProviderClaude {
		return nil, fmt.Errorf("unsupported agent provider %q", cfg.Provider)
	}
	if cfg.Binary == "" {
		cfg.Binary = cfg.Provider
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 50
	}
	if cfg.Prompter == nil {
		p, err := NewTemplatePrompter("")
		if err != nil {
			return nil, err
		}
		cfg.Prompter = p
	}
	if cfg.Run == nil {
		cfg.Run = ExecCommand
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLIExecutor{
		binary:   cfg.Binary,
		model:    cfg.Model,
		maxTurns: cfg.MaxTurns,
		repoDir:  cfg.RepoDir,
		prompter: cfg.Prompter,
		run:      cfg.Run,
		logger:   cfg.Logger,
	}, nil
}

// result is the final message of `claude -p --output-format json`.
type result struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
	NumTurns  int    `json:"num_turns"`
}

var pullRequestURL = regexp.MustCompile(`https://[^\s/]+/[^\s/]+/[^\s/]+/pull/\d+`)

func (e *CLIExecutor) Execute(ctx context.Context, issueRef string, opts Options) (Result, error) {
	if opts.DryRun {
		return DryRunExecutor{}.Execute(ctx, issueRef, opts)
	}
	if opts.Provider != "" && opts.Provider != ProviderClaude {
		return Result{}, fmt.Errorf("unsupported agent provider %q", opts.Provider)
	}

	dir := opts.WorkspacePath
	if dir == "" {
		dir = e.repoDir
	}
	prompt, err := e.prompter.Prompt(PromptData{
		IssueRef:      issueRef,
		Title:         opts.Title,
		Branch:        opts.Branch,
		WorkspacePath: dir,
		PriorWorkDiff: opts.PriorWorkDiff,
	})
	if err != nil {
		return Result{}, err
	}

	model := opts.Model
	if model == "" {
		model = e.model
	}
	args := []string{
		"-p", prompt,
		"--output-format", "json",
		"--dangerously-skip-permissions",
		"--max-turns", strconv.Itoa(e.maxTurns),
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	e.logger.Debug("starting agent", "issue", issueRef, "binary", e.binary, "dir", dir)
	out, exitCode, err := e.run(ctx, dir, e.binary, args...)
	if err != nil {
		return Result{}, fmt.Errorf("failed to run %s: %w", e.binary, err)
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	var res result
	if err := json.Unmarshal(bytes.TrimSpace(out), &res); err != nil {
		if exitCode != 0 {
			return Result{Error: fmt.Sprintf("%s exited with status %d: %s", e.binary, exitCode, firstLine(out))}, nil
		}
		return Result{Error: fmt.Sprintf("unreadable agent output: %v", err)}, nil
	}
	e.logger.Debug("agent finished", "issue", issueRef, "session_id", res.SessionID, "turns", res.NumTurns, "exit_code", exitCode)

	if res.IsError || exitCode != 0 {
		reason := res.Subtype
		if reason == "" || reason == "success" {
			reason = fmt.Sprintf("exit status %d", exitCode)
		}
		if msg := firstLine([]byte(res.Result)); msg != "" {
			reason += ": " + msg
		}
		return Result{Error: "agent failed: " + reason}, nil
	}

	return Result{Success: true, SubmissionRef: pullRequestURL.FindString(res.Result)}, nil
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
