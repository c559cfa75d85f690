// Package tui is the live view behind `sprinter status --watch`.
package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mpataki/sprinter/internal/models"
	"github.com/mpataki/sprinter/internal/output"
	"github.com/mpataki/sprinter/internal/runstate"
	"github.com/mpataki/sprinter/internal/storage"
)

const pollInterval = 2 * time.Second

// StateLoader reads the persisted run.
type StateLoader interface {
	Load() (*models.RunState, error)
}

type App struct {
	store StateLoader
	// changes is nil when no watcher is running; the app then polls.
	changes <-chan struct{}
	spinner spinner.Model

	state  *models.RunState
	loaded bool
	err    error

	width  int
	height int
}

func NewApp(store StateLoader, changes <-chan struct{}) *App {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = output.StatusStyle(models.TaskInProgress)
	return &App{
		store:   store,
		changes: changes,
		spinner: s,
	}
}

// Messages

type stateLoadedMsg struct {
	state *models.RunState
	err   error
}

type stateChangedMsg struct{}

type tickMsg time.Time

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadState, a.spinner.Tick, a.waitForChange())
}

func (a *App) loadState() tea.Msg {
	state, err := a.store.Load()
	return stateLoadedMsg{state: state, err: err}
}

func (a *App) waitForChange() tea.Cmd {
	if a.changes == nil {
		return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
			return tickMsg(t)
		})
	}
	ch := a.changes
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return stateChangedMsg{}
	}
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return a, tea.Quit
		case "r":
			return a, a.loadState
		}
		return a, nil

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case stateLoadedMsg:
		a.loaded = true
		a.state = msg.state
		a.err = msg.err
		if errors.Is(msg.err, runstate.ErrNoRunState) {
			a.state = nil
			a.err = nil
		}
		return a, nil

	case stateChangedMsg, tickMsg:
		return a, tea.Batch(a.loadState, a.waitForChange())

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}

	return a, nil
}

func (a *App) View() string {
	s := output.TitleStyle.Render("Sprinter") + "\n\n"

	if a.err != nil {
		s += output.StatusStyle(models.TaskFailed).Render(fmt.Sprintf("Error: %v", a.err)) + "\n\n"
	}

	switch {
	case !a.loaded:
		s += "Loading...\n"
	case a.state == nil:
		s += "No active run.\n"
	default:
		s += a.viewRun()
	}

	s += "\n" + output.HelpStyle.Render("[r] refresh  [q] quit")
	return s
}

func (a *App) viewRun() string {
	run := a.state
	var b strings.Builder

	header := fmt.Sprintf("Run %s  %s", run.RunID, run.Kind)
	b.WriteString(header + "\n")
	if run.Branch != "" {
		b.WriteString(output.DimStyle.Render(fmt.Sprintf("%s onto %s", run.Branch, run.Base)) + "\n")
	}
	b.WriteString(output.DimStyle.Render("started "+storage.FormatTimeAgo(run.CreatedAt)) + "\n\n")

	b.WriteString("Tasks\n")
	b.WriteString("─────\n")
	for _, t := range run.Tasks {
		b.WriteString(a.formatTask(t) + "\n")
	}

	counts := run.Counts()
	b.WriteString(fmt.Sprintf("\n%d/%d done", counts[models.TaskDone], len(run.Tasks)))
	if n := counts[models.TaskFailed]; n > 0 {
		b.WriteString(output.StatusStyle(models.TaskFailed).Render(fmt.Sprintf("  %d failed", n)))
	}
	b.WriteString("\n")
	return b.String()
}

func (a *App) formatTask(t *models.Task) string {
	icon := output.StatusStyle(t.Status).Render(output.StatusIcon(t.Status))
	if t.Status == models.TaskInProgress {
		icon = a.spinner.View()
	}
	line := fmt.Sprintf("%s #%-6s %s", icon, t.IssueRef, output.StatusStyle(t.Status).Render(fmt.Sprintf("%-11s", t.Status)))
	if t.Title != "" {
		line += " " + truncate(t.Title, 40)
	}

	switch t.Status {
	case models.TaskDone:
		if t.SubmissionRef != "" {
			line += "  " + output.DimStyle.Render(t.SubmissionRef)
		}
	case models.TaskFailed:
		if t.Error != "" {
			line += "  " + output.StatusStyle(models.TaskFailed).Render(truncate(t.Error, 50))
		}
	case models.TaskInProgress:
		if t.WorkspacePath != "" {
			line += "  " + output.DimStyle.Render(t.WorkspacePath)
		}
	case models.TaskPending:
	}
	return line
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(strings.SplitN(s, "\n", 2)[0])
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// Run shows the live view until the user quits or ctx is cancelled. Without a
// working file watcher it falls back to polling.
func Run(ctx context.Context, store *runstate.FileStore, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	var changes <-chan struct{}
	w := NewWatcher(store.Path(), logger)
	if err := w.Start(ctx); err != nil {
		logger.Warn("file watch unavailable, polling instead", "error", err)
	} else {
		changes = w.Events()
	}

	p := tea.NewProgram(NewApp(store, changes), tea.WithContext(ctx), tea.WithAltScreen())
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
