package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mpataki/sprinter/internal/models"
)

// CommandRunner runs name with args inside dir and returns its stdout.
type CommandRunner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

func ExecRunner(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s %s: %s", name, strings.Join(args, " "), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// GitHub talks to GitHub issues through the gh CLI, which brings its own
// authentication.
type GitHub struct {
	repoDir string
	labels  Labels
	limit   int
	run     CommandRunner
}

func NewGitHub(repoDir string, labels Labels, run CommandRunner) *GitHub {
	if run == nil {
		run = ExecRunner
	}
	return &GitHub{repoDir: repoDir, labels: labels.withDefaults(), limit: 200, run: run}
}

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Milestone *struct {
		Title string `json:"title"`
	} `json:"milestone"`
}

func (i ghIssue) toIssue(labels Labels) models.Issue {
	issue := models.Issue{Ref: strconv.Itoa(i.Number), Title: i.Title}
	for _, l := range i.Labels {
		issue.Labels = append(issue.Labels, l.Name)
	}
	if i.Milestone != nil {
		issue.Milestone = i.Milestone.Title
	}
	labels.decorate(&issue)
	return issue
}

func (g *GitHub) gh(ctx context.Context, args ...string) ([]byte, error) {
	return g.run(ctx, g.repoDir, "gh", args...)
}

// ListOrdered returns the open issues carrying the sprint label (or
// filter.Label), narrowed to filter.Milestone when set.
func (g *GitHub) ListOrdered(ctx context.Context, filter models.Filter) ([]models.Issue, error) {
	label := filter.Label
	if label == "" {
		label = g.labels.Sprint
	}
	args := []string{
		"issue", "list",
		"--state", "open",
		"--label", label,
		"--limit", strconv.Itoa(g.limit),
		"--json", "number,title,labels,milestone",
	}
	if filter.Milestone != "" {
		args = append(args, "--milestone", filter.Milestone)
	}

	out, err := g.gh(ctx, args...)
	if err != nil {
		return nil, err
	}
	var raw []ghIssue
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse gh issue list output: %w", err)
	}

	issues := make([]models.Issue, 0, len(raw))
	for _, r := range raw {
		issues = append(issues, r.toIssue(g.labels))
	}
	return issues, nil
}

func (g *GitHub) view(ctx context.Context, issueRef string) (models.Issue, error) {
	out, err := g.gh(ctx, "issue", "view", strings.TrimPrefix(issueRef, "#"), "--json", "number,title,labels,milestone")
	if err != nil {
		return models.Issue{}, err
	}
	var raw ghIssue
	if err := json.Unmarshal(out, &raw); err != nil {
		return models.Issue{}, fmt.Errorf("failed to parse gh issue view output: %w", err)
	}
	return raw.toIssue(g.labels), nil
}

func (g *GitHub) InSprint(ctx context.Context, issueRef string) (bool, error) {
	issue, err := g.view(ctx, issueRef)
	if err != nil {
		return false, err
	}
	return g.labels.InSprint(issue.Labels), nil
}

// SetStatus replaces the issue's status label. The label is created on first
// use.
func (g *GitHub) SetStatus(ctx context.Context, issueRef string, status models.TaskStatus) error {
	issue, err := g.view(ctx, issueRef)
	if err != nil {
		return err
	}
	want := g.labels.StatusLabel(status)

	var remove []string
	for _, label := range issue.Labels {
		if strings.HasPrefix(label, g.labels.StatusPrefix) && label != want {
			remove = append(remove, label)
		}
	}
	if len(remove) == 0 && g.labels.Status(issue.Labels) == string(status) {
		return nil
	}

	if _, err := g.gh(ctx, "label", "create", want, "--force", "--color", statusColor(status)); err != nil {
		return fmt.Errorf("failed to create label %s: %w", want, err)
	}
	args := []string{"issue", "edit", issue.Ref, "--add-label", want}
	if len(remove) > 0 {
		args = append(args, "--remove-label", strings.Join(remove, ","))
	}
	if _, err := g.gh(ctx, args...); err != nil {
		return fmt.Errorf("failed to label #%s: %w", issue.Ref, err)
	}
	return nil
}

func statusColor(status models.TaskStatus) string {
	switch status {
	case models.TaskPending:
		return "BFBFBF"
	case models.TaskInProgress:
		return "FBCA04"
	case models.TaskDone:
		return "0E8A16"
	case models.TaskFailed:
		return "D93F0B"
	}
	return "EDEDED"
}
