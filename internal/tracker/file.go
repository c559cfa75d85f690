package tracker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/sprinter/internal/models"
)

// IssueFile is the on-disk layout of a local issues file.
type IssueFile struct {
	Issues []models.Issue `yaml:"issues"`
}

// File is a tracker backed by a YAML issues file. Status is kept in the
// issue's status field.
type File struct {
	path   string
	labels Labels
	mu     sync.Mutex
}

func NewFile(path string, labels Labels) *File {
	return &File{path: path, labels: labels.withDefaults()}
}

func (f *File) read() (*IssueFile, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read issues file: %w", err)
	}
	var doc IssueFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse issues file %s: %w", f.path, err)
	}
	for i := range doc.Issues {
		doc.Issues[i].Ref = strings.TrimPrefix(doc.Issues[i].Ref, "#")
		f.labels.decorate(&doc.Issues[i])
	}
	return &doc, nil
}

// write replaces the file atomically (write to temp, then rename).
func (f *File) write(doc *IssueFile) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal issues: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write issues file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write issues file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write issues file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write issues file: %w", err)
	}
	return nil
}

func (f *File) ListOrdered(_ context.Context, filter models.Filter) ([]models.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	label := filter.Label
	if label == "" {
		label = f.labels.Sprint
	}

	var out []models.Issue
	for _, issue := range doc.Issues {
		if !(Labels{Sprint: label}).InSprint(issue.Labels) {
			continue
		}
		if filter.Milestone != "" && issue.Milestone != filter.Milestone {
			continue
		}
		out = append(out, issue)
	}
	return out, nil
}

func (f *File) find(doc *IssueFile, issueRef string) (*models.Issue, error) {
	ref := strings.TrimPrefix(issueRef, "#")
	for i := range doc.Issues {
		if doc.Issues[i].Ref == ref {
			return &doc.Issues[i], nil
		}
	}
	return nil, fmt.Errorf("issue not found: %s", issueRef)
}

func (f *File) InSprint(_ context.Context, issueRef string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return false, err
	}
	issue, err := f.find(doc, issueRef)
	if err != nil {
		// An issue the file does not know cannot belong to its sprint
		return false, nil
	}
	return f.labels.InSprint(issue.Labels), nil
}

func (f *File) SetStatus(_ context.Context, issueRef string, status models.TaskStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return err
	}
	issue, err := f.find(doc, issueRef)
	if err != nil {
		return err
	}
	issue.Status = string(status)
	return f.write(doc)
}
