// Package output renders run results and listings for the terminal.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/mpataki/sprinter/internal/models"
	"github.com/mpataki/sprinter/internal/orchestrator"
	"github.com/mpataki/sprinter/internal/storage"
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	DimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	HelpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusPending  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

// StatusStyle is the color a task status is rendered in.
func StatusStyle(status models.TaskStatus) lipgloss.Style {
	switch status {
	case models.TaskInProgress:
		return statusRunning
	case models.TaskDone:
		return statusComplete
	case models.TaskFailed:
		return statusFailed
	case models.TaskPending:
		return statusPending
	}
	return lipgloss.NewStyle()
}

func StatusIcon(status models.TaskStatus) string {
	switch status {
	case models.TaskInProgress:
		return "●"
	case models.TaskDone:
		return "✓"
	case models.TaskFailed:
		return "✗"
	case models.TaskPending:
		return "○"
	}
	return "?"
}

// Printer writes human-readable output. Styling is dropped when the writer is
// not a terminal.
type Printer struct {
	w     io.Writer
	plain bool
}

func NewPrinter(w io.Writer) *Printer {
	plain := true
	if f, ok := w.(*os.File); ok {
		plain = !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
	}
	return &Printer{w: w, plain: plain}
}

func NewPlainPrinter(w io.Writer) *Printer {
	return &Printer{w: w, plain: true}
}

func (p *Printer) render(style lipgloss.Style, text string) string {
	if p.plain {
		return text
	}
	return style.Render(text)
}

func (p *Printer) printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

func (p *Printer) status(status models.TaskStatus) string {
	return p.render(StatusStyle(status), fmt.Sprintf("%s %-11s", StatusIcon(status), status))
}

func (p *Printer) tasks(tasks []*models.Task) {
	for _, t := range tasks {
		line := fmt.Sprintf("  #%-6s %s", t.IssueRef, p.status(t.Status))
		if t.Title != "" {
			line += " " + truncate(t.Title, 40)
		}
		switch t.Status {
		case models.TaskDone:
			if t.SubmissionRef != "" {
				line += "  " + p.render(DimStyle, t.SubmissionRef)
			}
		case models.TaskFailed:
			if t.Error != "" {
				line += "  " + p.render(statusFailed, truncate(t.Error, 60))
			}
			if t.WorkspacePath != "" {
				line += "\n          " + p.render(DimStyle, "workspace: "+t.WorkspacePath)
			}
		case models.TaskPending, models.TaskInProgress:
		}
		p.printf("%s\n", line)
	}
}

func (p *Printer) header(state *models.RunState) {
	title := fmt.Sprintf("Run %s (%s)", shortID(state.RunID), state.Kind)
	p.printf("%s\n", p.render(TitleStyle, title))
	if state.Branch != "" {
		p.printf("%s\n", p.render(DimStyle, fmt.Sprintf("branch %s onto %s", state.Branch, state.Base)))
	} else if state.Base != "" {
		p.printf("%s\n", p.render(DimStyle, "base "+state.Base))
	}
}

// Outcome prints the result of a run, resume or single-task invocation.
func (p *Printer) Outcome(out *orchestrator.Outcome) {
	if out.NothingToResume {
		msg := out.Message
		if msg == "" {
			msg = "Nothing to resume."
		}
		p.printf("%s\n", msg)
		return
	}
	if out.State != nil {
		p.header(out.State)
		p.tasks(out.State.Tasks)
		p.printf("\n")
	}
	style := statusFailed
	if out.Succeeded() {
		style = statusComplete
	}
	p.printf("%s\n", p.render(style, out.Message))
}

// CrossMode explains why a parallel run was refused.
func (p *Printer) CrossMode(err *orchestrator.CrossModeError) {
	p.printf("%s\n", p.render(statusFailed, "Refusing to run sprint tasks outside their sprint:"))
	for _, v := range err.Violations {
		p.printf("  #%-6s %s\n", v.IssueRef, v.Reason)
	}
	p.printf("%s\n", p.render(HelpStyle, "Run the sprint instead, or remove these issues from it."))
}

// RunState prints the persisted run, or a note that there is none.
func (p *Printer) RunState(state *models.RunState) {
	if state == nil {
		p.printf("No active run.\n")
		return
	}
	p.header(state)
	p.printf("%s\n", p.render(DimStyle, "started "+storage.FormatTimeAgo(state.CreatedAt)))
	p.tasks(state.Tasks)

	counts := state.Counts()
	parts := make([]string, 0, len(models.AllTaskStatuses))
	for _, s := range models.AllTaskStatuses {
		if counts[s] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[s], s))
		}
	}
	p.printf("\n%s\n", strings.Join(parts, ", "))
	if state.HasActiveTasks() || counts[models.TaskFailed] > 0 {
		p.printf("%s\n", p.render(HelpStyle, fmt.Sprintf("Continue with `%s`.", orchestrator.ResumeCommand)))
	}
}

func (p *Printer) History(runs []models.RunSummary) {
	if len(runs) == 0 {
		p.printf("No runs recorded.\n")
		return
	}
	p.printf("%s\n", p.render(TitleStyle, "Recent Runs"))
	for _, r := range runs {
		outcome := r.Outcome
		style := DimStyle
		switch outcome {
		case models.RunOutcomeCompleted:
			style = statusComplete
		case models.RunOutcomeCancelled:
			style = statusFailed
		case "":
			outcome = "open"
			style = statusRunning
		}
		p.printf("  %-8s %-8s %s %3d task(s)  %-8s %s\n",
			shortID(r.RunID), r.Kind, p.render(style, fmt.Sprintf("%-9s", outcome)),
			r.TaskCount, storage.FormatTimeAgo(r.CreatedAt), r.Branch)
	}
}

func (p *Printer) Attempts(runID string, attempts []models.Attempt) {
	if len(attempts) == 0 {
		p.printf("No transitions recorded for run %s.\n", runID)
		return
	}
	p.printf("%s\n", p.render(TitleStyle, "Run "+runID))
	for _, a := range attempts {
		detail := a.SubmissionRef
		if a.Error != "" {
			detail = a.Error
		}
		p.printf("  %s  #%-6s %s %s\n",
			a.RecordedAt.Local().Format("15:04:05"), a.IssueRef, p.status(a.Status), detail)
	}
}

func (p *Printer) Workspaces(workspaces []models.Workspace) {
	if len(workspaces) == 0 {
		p.printf("No workspaces.\n")
		return
	}
	for _, ws := range workspaces {
		p.printf("  #%-6s %-24s %s\n", ws.IssueRef, ws.Branch, p.render(DimStyle, ws.Path))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(strings.SplitN(s, "\n", 2)[0])
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
