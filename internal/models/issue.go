package models

// Issue is a tracker issue as seen by the orchestrator.
type Issue struct {
	Ref       string   `yaml:"ref" json:"ref"`
	Title     string   `yaml:"title,omitempty" json:"title,omitempty"`
	Labels    []string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Milestone string   `yaml:"milestone,omitempty" json:"milestone,omitempty"`
	Status    string   `yaml:"status,omitempty" json:"status,omitempty"`
	Order     *int     `yaml:"-" json:"-"`
}

// Filter selects the issues that make up a sprint.
type Filter struct {
	Milestone string
	Label     string
}
