package agent

import (
	"bytes"
	"fmt"
	"text/template"
)

// PromptData is passed to prompt templates and hooks. Fields are accessible in
// templates as {{.IssueRef}}, {{.Title}} and so on.
type PromptData struct {
	IssueRef      string
	Title         string
	Branch        string
	WorkspacePath string
	// PriorWorkDiff is non-empty when an earlier attempt left changes behind.
	PriorWorkDiff string
}

// Prompter turns a task into the agent prompt.
type Prompter interface {
	Prompt(data PromptData) (string, error)
}

const DefaultPromptTemplate = `Resolve issue #{{.IssueRef}}{{if .Title}}: {{.Title}}{{end}}.
Read the issue with ` + "`gh issue view {{.IssueRef}}`" + ` before starting.
Work on branch {{.Branch}}. Run the tests, commit your changes, push the branch and open a pull request that references the issue.
Do not ask questions; use your best judgment based on existing patterns.
{{- if .PriorWorkDiff}}

A previous attempt at this issue failed. Its uncommitted changes were:
` + "```diff\n{{.PriorWorkDiff}}\n```" + `
Reuse what is correct and fix what is not.
{{- end}}
`

type TemplatePrompter struct {
	tmpl *template.Template
}

// NewTemplatePrompter parses text as a text/template. An empty text selects
// DefaultPromptTemplate.
func NewTemplatePrompter(text string) (*TemplatePrompter, error) {
	if text == "" {
		text = DefaultPromptTemplate
	}
	tmpl, err := template.New("prompt").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("invalid prompt template: %w", err)
	}
	return &TemplatePrompter{tmpl: tmpl}, nil
}

func (p *TemplatePrompter) Prompt(data PromptData) (string, error) {
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return buf.String(), nil
}
