// Package tracker reads sprint issues and writes task status back to the
// issue tracker. GitHub is reached through the gh CLI; File keeps issues in a
// local YAML document for repositories without a hosted tracker.
package tracker

import (
	"strconv"
	"strings"

	"github.com/mpataki/sprinter/internal/models"
)

// Labels names the label conventions the tracker metadata follows.
type Labels struct {
	Sprint       string
	OrderPrefix  string
	StatusPrefix string
}

func DefaultLabels() Labels {
	return Labels{Sprint: "sprint", OrderPrefix: "order:", StatusPrefix: "status:"}
}

func (l Labels) withDefaults() Labels {
	d := DefaultLabels()
	if l.Sprint == "" {
		l.Sprint = d.Sprint
	}
	if l.OrderPrefix == "" {
		l.OrderPrefix = d.OrderPrefix
	}
	if l.StatusPrefix == "" {
		l.StatusPrefix = d.StatusPrefix
	}
	return l
}

// Order parses the first order label, e.g. "order:3". Issues without a valid
// one have no order and run after the ordered ones.
func (l Labels) Order(labels []string) *int {
	for _, label := range labels {
		if !strings.HasPrefix(label, l.OrderPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(label, l.OrderPrefix)))
		if err != nil {
			continue
		}
		return &n
	}
	return nil
}

// Status returns the task status carried by a status label, if any.
func (l Labels) Status(labels []string) string {
	for _, label := range labels {
		if s, ok := strings.CutPrefix(label, l.StatusPrefix); ok && models.TaskStatus(s).Valid() {
			return s
		}
	}
	return ""
}

func (l Labels) StatusLabel(status models.TaskStatus) string {
	return l.StatusPrefix + string(status)
}

func (l Labels) InSprint(labels []string) bool {
	for _, label := range labels {
		if label == l.Sprint {
			return true
		}
	}
	return false
}

func (l Labels) decorate(issue *models.Issue) {
	issue.Order = l.Order(issue.Labels)
	if issue.Status == "" {
		issue.Status = l.Status(issue.Labels)
	}
}
