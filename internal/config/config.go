// Package config loads sprinter configuration with Viper.
//
// Values are resolved in this order, highest priority first:
//
//  1. Command-line flags bound through [Loader.BindFlag]
//  2. Environment variables (SPRINTER_ prefix, dots become underscores,
//     e.g. SPRINTER_AGENT_MODEL)
//  3. The config file: SPRINTER_CONFIG, else .sprinter/config.yaml, else
//     sprinter/config.yaml under the user config directory
//  4. Defaults from [DefaultConfig]
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "SPRINTER"

type Config struct {
	StatePath     string `mapstructure:"state_path"`
	HistoryPath   string `mapstructure:"history_path"`
	WorkspacesDir string `mapstructure:"workspaces_dir"`
	RepoPath      string `mapstructure:"repo_path"`
	BaseBranch    string `mapstructure:"base_branch"`
	// Remote is fetched before every base comparison. Empty compares against
	// the local base branch.
	Remote        string `mapstructure:"remote"`
	SprintBranch  string `mapstructure:"sprint_branch"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	StopOnFailure bool   `mapstructure:"stop_on_failure"`

	Agent   AgentConfig   `mapstructure:"agent"`
	Tracker TrackerConfig `mapstructure:"tracker"`
	Log     LogConfig     `mapstructure:"log"`
}

type AgentConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	// Binary defaults to the provider name.
	Binary         string `mapstructure:"binary"`
	MaxTurns       int    `mapstructure:"max_turns"`
	PromptTemplate string `mapstructure:"prompt_template"`
	PromptScript   string `mapstructure:"prompt_script"`
}

type TrackerConfig struct {
	// Kind is "github" or "file".
	Kind              string `mapstructure:"kind"`
	File              string `mapstructure:"file"`
	Milestone         string `mapstructure:"milestone"`
	SprintLabel       string `mapstructure:"sprint_label"`
	OrderLabelPrefix  string `mapstructure:"order_label_prefix"`
	StatusLabelPrefix string `mapstructure:"status_label_prefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		StatePath:     ".sprinter/run-state.json",
		HistoryPath:   ".sprinter/history.db",
		WorkspacesDir: ".sprinter/workspaces",
		RepoPath:      ".",
		BaseBranch:    "main",
		Remote:        "origin",
		MaxParallel:   3,
		StopOnFailure: true,
		Agent: AgentConfig{
			Provider: "claude",
			MaxTurns: 50,
		},
		Tracker: TrackerConfig{
			Kind:              "github",
			File:              ".sprinter/issues.yaml",
			SprintLabel:       "sprint",
			OrderLabelPrefix:  "order:",
			StatusLabelPrefix: "status:",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("state_path", d.StatePath)
	v.SetDefault("history_path", d.HistoryPath)
	v.SetDefault("workspaces_dir", d.WorkspacesDir)
	v.SetDefault("repo_path", d.RepoPath)
	v.SetDefault("base_branch", d.BaseBranch)
	v.SetDefault("remote", d.Remote)
	v.SetDefault("sprint_branch", d.SprintBranch)
	v.SetDefault("max_parallel", d.MaxParallel)
	v.SetDefault("stop_on_failure", d.StopOnFailure)

	v.SetDefault("agent.provider", d.Agent.Provider)
	v.SetDefault("agent.model", d.Agent.Model)
	v.SetDefault("agent.binary", d.Agent.Binary)
	v.SetDefault("agent.max_turns", d.Agent.MaxTurns)
	v.SetDefault("agent.prompt_template", d.Agent.PromptTemplate)
	v.SetDefault("agent.prompt_script", d.Agent.PromptScript)

	v.SetDefault("tracker.kind", d.Tracker.Kind)
	v.SetDefault("tracker.file", d.Tracker.File)
	v.SetDefault("tracker.milestone", d.Tracker.Milestone)
	v.SetDefault("tracker.sprint_label", d.Tracker.SprintLabel)
	v.SetDefault("tracker.order_label_prefix", d.Tracker.OrderLabelPrefix)
	v.SetDefault("tracker.status_label_prefix", d.Tracker.StatusLabelPrefix)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Loader resolves configuration from flags, environment, file and defaults.
type Loader struct {
	v *viper.Viper
}

func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// BindFlag makes an explicitly set flag override key.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag for config key %s", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Load reads the first config file found, if any, and returns the merged
// configuration.
func (l *Loader) Load() (*Config, error) {
	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		return l.LoadFromFile(path)
	}

	l.v.SetConfigName("config")
	l.v.SetConfigType("yaml")
	l.v.AddConfigPath(".sprinter")
	if dir, err := os.UserConfigDir(); err == nil {
		l.v.AddConfigPath(filepath.Join(dir, "sprinter"))
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return l.unmarshal()
}

func (l *Loader) LoadFromFile(path string) (*Config, error) {
	l.v.SetConfigFile(path)
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return l.unmarshal()
}

func (l *Loader) unmarshal() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be at least 1, got %d", c.MaxParallel)
	}
	if c.StatePath == "" {
		return errors.New("state_path must not be empty")
	}
	switch c.Tracker.Kind {
	case "github", "file":
	default:
		return fmt.Errorf("unknown tracker kind %q (want github or file)", c.Tracker.Kind)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", c.Log.Format)
	}
	return nil
}

// SprintBranchFor names the shared branch of a new sprint: the configured
// sprint_branch, else sprint/<milestone>, else sprint/<date>.
func (c *Config) SprintBranchFor(milestone string, now time.Time) string {
	if c.SprintBranch != "" {
		return c.SprintBranch
	}
	if milestone != "" {
		return "sprint/" + branchSafe(milestone)
	}
	return "sprint/" + now.Format("20060102")
}

func branchSafe(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteRune('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
