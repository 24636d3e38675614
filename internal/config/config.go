// Package config defines the on-disk YAML configuration for a distillation
// run and validates it before any work is scheduled.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can write "90s" or "2m".
// Bare integers are treated as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		var secs int64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Endpoint is a single model endpoint option within a pool.
type Endpoint struct {
	Name            string            `yaml:"name"`
	Provider        string            `yaml:"provider"`
	Model           string            `yaml:"model"`
	InteractionMode string            `yaml:"interaction_mode"`
	APIKeyEnv       string            `yaml:"api_key_env"`
	BaseURL         string            `yaml:"base_url"`
	Temperature     float64           `yaml:"temperature"`
	TopP            float64           `yaml:"top_p"`
	MaxOutputTokens int               `yaml:"max_output_tokens"`
	RequestTimeout  Duration          `yaml:"request_timeout"`
	RetryAttempts   int               `yaml:"retry_attempts"`
	Weight          float64           `yaml:"weight"`
	Overrides       map[string]any    `yaml:"request_overrides"`
	ExtraHeaders    map[string]string `yaml:"extra_headers"`
}

func (e *Endpoint) applyDefaults() {
	if strings.TrimSpace(e.InteractionMode) == "" {
		e.InteractionMode = "instruct"
	}
	if strings.TrimSpace(e.APIKeyEnv) == "" {
		e.APIKeyEnv = "TEACHER_API_KEY"
	}
	if e.Temperature == 0 {
		e.Temperature = 0.2
	}
	if e.TopP == 0 {
		e.TopP = 0.9
	}
	if e.MaxOutputTokens == 0 {
		e.MaxOutputTokens = 2048
	}
	if e.RequestTimeout == 0 {
		e.RequestTimeout = Duration(90 * time.Second)
	}
	if e.RetryAttempts == 0 {
		e.RetryAttempts = 6
	}
	if e.Weight == 0 {
		e.Weight = 1.0
	}
}

func (e *Endpoint) validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("endpoint name is empty")
	}
	switch strings.ToLower(strings.TrimSpace(e.Provider)) {
	case "openai", "openai_compatible", "anthropic":
	default:
		return fmt.Errorf("endpoint %s has unsupported provider %q", e.Name, e.Provider)
	}
	if strings.TrimSpace(e.Model) == "" {
		return fmt.Errorf("endpoint %s has no model", e.Name)
	}
	switch strings.ToLower(strings.TrimSpace(e.InteractionMode)) {
	case "instruct", "thinking", "auto":
	default:
		return fmt.Errorf("endpoint %s has invalid interaction_mode %q", e.Name, e.InteractionMode)
	}
	if e.Weight <= 0 {
		return fmt.Errorf("endpoint %s has non-positive weight", e.Name)
	}
	if e.RetryAttempts < 0 {
		return fmt.Errorf("endpoint %s has negative retry_attempts", e.Name)
	}
	return nil
}

// Pool describes a set of interchangeable endpoints and how to pick
// between them.
type Pool struct {
	SelectionStrategy string     `yaml:"selection_strategy"`
	PreferredOrder    []string   `yaml:"preferred_order"`
	Endpoints         []Endpoint `yaml:"endpoints"`
}

func (p *Pool) validate(name string) error {
	if len(p.Endpoints) == 0 {
		return fmt.Errorf("%s requires at least one endpoint", name)
	}
	switch strings.TrimSpace(p.SelectionStrategy) {
	case "", "weighted_random", "round_robin":
	default:
		return fmt.Errorf("%s has invalid selection_strategy %q", name, p.SelectionStrategy)
	}
	seen := make(map[string]struct{}, len(p.Endpoints))
	for i := range p.Endpoints {
		p.Endpoints[i].applyDefaults()
		if err := p.Endpoints[i].validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if _, dup := seen[p.Endpoints[i].Name]; dup {
			return fmt.Errorf("%s has duplicate endpoint name %q", name, p.Endpoints[i].Name)
		}
		seen[p.Endpoints[i].Name] = struct{}{}
	}
	for _, preferred := range p.PreferredOrder {
		if _, ok := seen[preferred]; !ok {
			return fmt.Errorf("%s preferred_order names unknown endpoint %q", name, preferred)
		}
	}
	return nil
}

// Lookup returns the endpoint with the given name, or nil.
func (p *Pool) Lookup(name string) *Endpoint {
	for i := range p.Endpoints {
		if p.Endpoints[i].Name == name {
			return &p.Endpoints[i]
		}
	}
	return nil
}

// Reflection controls optional self-critique passes appended after the
// initial answer.
type Reflection struct {
	Enabled       bool   `yaml:"enabled"`
	Passes        int    `yaml:"passes"`
	CritiqueStyle string `yaml:"critique_style"`
}

// Validation holds the scenario-validator acceptance threshold.
type Validation struct {
	MinScore         float64 `yaml:"min_score"`
	RequireToolCalls bool    `yaml:"require_tool_calls"`
}

// ReviewFlow configures the reviewer/revision cycle.
type ReviewFlow struct {
	Enabled    bool    `yaml:"enabled"`
	MinScore   float64 `yaml:"min_score"`
	MaxRounds  int     `yaml:"max_rounds"`
	AutoRefine bool    `yaml:"auto_refine"`
}

// Output configures the sharded dataset writer.
type Output struct {
	BaseDir          string `yaml:"base_dir"`
	Format           string `yaml:"format"`
	ShardSize        int    `yaml:"shard_size"`
	TargetShardBytes int    `yaml:"target_shard_bytes"`
}

// Concurrency bounds the number of episodes in flight.
type Concurrency struct {
	MaxWorkers int `yaml:"max_workers"`
}

// Scenario names one scenario family and its quota.
type Scenario struct {
	Name           string         `yaml:"name"`
	Generator      string         `yaml:"generator"`
	Params         map[string]any `yaml:"params"`
	TargetEpisodes int            `yaml:"target_episodes"`
	Weight         float64        `yaml:"weight"`
}

// Prompts holds run-level prompt fragments injected around scenario prompts
// plus the reviewer and revision templates.
type Prompts struct {
	GlobalSystemPrefix string `yaml:"global_system_prefix"`
	UserGuidelines     string `yaml:"user_guidelines"`
	ReviewerTemplate   string `yaml:"reviewer_template"`
	RevisionTemplate   string `yaml:"revision_template"`
}

const (
	defaultGlobalSystemPrefix = "You are an elite agent tasked with producing high-quality, decision-rich traces that teach" +
		" smaller models how to act autonomously. Respond primarily in English, adding concise Chinese" +
		" summaries only when they materially clarify the solution. Avoid other languages."
	defaultUserGuidelines = "Guidelines:\n" +
		"- Think step-by-step and describe tool intent before executing.\n" +
		"- Use clear headings and actionable checklists.\n" +
		"- Provide the final answer mostly in English, with optional short Chinese recap sections."
	defaultReviewerTemplate = "You are reviewing an agentic transcript. Score quality between 0 and 1.\n" +
		"Respond strictly as JSON with keys: score (float), needs_revision (bool)," +
		" feedback (string English), chinese_summary (string Chinese, optional).\n\nTranscript:\n{transcript}"
	defaultRevisionTemplate = "The reviewer provided the following feedback (English with optional Chinese):\n" +
		"{feedback}\n\n" +
		"Revise your last answer. Incorporate all critical fixes while keeping explanations primarily" +
		" in English and adding a brief Chinese recap if helpful."
)

// Config is the top-level configuration for a distillation run.
type Config struct {
	RunName      string         `yaml:"run_name"`
	TeacherPool  Pool           `yaml:"teacher_pool"`
	ReviewerPool *Pool          `yaml:"reviewer_pool"`
	ReviewFlow   ReviewFlow     `yaml:"review_flow"`
	Prompts      Prompts        `yaml:"prompts"`
	Reflection   Reflection     `yaml:"reflection"`
	Validation   Validation     `yaml:"validation"`
	Output       Output         `yaml:"output"`
	Concurrency  Concurrency    `yaml:"concurrency"`
	Scenarios    []Scenario     `yaml:"scenarios"`
	Seed         int64          `yaml:"seed"`
	Metadata     map[string]any `yaml:"metadata"`

	// LedgerPath enables the SQLite run ledger when non-empty.
	LedgerPath string `yaml:"ledger_path"`
	// MonitorInterval enables periodic host snapshots when > 0.
	MonitorInterval Duration `yaml:"monitor_interval"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level"`
}

func (c *Config) applyDefaults() {
	if c.Reflection.Passes == 0 {
		c.Reflection.Passes = 1
	}
	if strings.TrimSpace(c.Reflection.CritiqueStyle) == "" {
		c.Reflection.CritiqueStyle = "default"
	}
	if c.Validation.MinScore == 0 {
		c.Validation.MinScore = 0.7
	}
	if c.ReviewFlow.MinScore == 0 {
		c.ReviewFlow.MinScore = 0.8
	}
	if c.ReviewFlow.MaxRounds == 0 {
		c.ReviewFlow.MaxRounds = 1
	}
	if strings.TrimSpace(c.Output.BaseDir) == "" {
		c.Output.BaseDir = "data/exports"
	}
	if strings.TrimSpace(c.Output.Format) == "" {
		c.Output.Format = "jsonl"
	}
	if c.Output.ShardSize == 0 {
		c.Output.ShardSize = 500
	}
	if c.Output.TargetShardBytes == 0 {
		c.Output.TargetShardBytes = 150 * 1024 * 1024
	}
	if c.Concurrency.MaxWorkers == 0 {
		c.Concurrency.MaxWorkers = 4
	}
	if strings.TrimSpace(c.Prompts.GlobalSystemPrefix) == "" {
		c.Prompts.GlobalSystemPrefix = defaultGlobalSystemPrefix
	}
	if strings.TrimSpace(c.Prompts.UserGuidelines) == "" {
		c.Prompts.UserGuidelines = defaultUserGuidelines
	}
	if strings.TrimSpace(c.Prompts.ReviewerTemplate) == "" {
		c.Prompts.ReviewerTemplate = defaultReviewerTemplate
	}
	if strings.TrimSpace(c.Prompts.RevisionTemplate) == "" {
		c.Prompts.RevisionTemplate = defaultRevisionTemplate
	}
	for i := range c.Scenarios {
		if c.Scenarios[i].TargetEpisodes == 0 {
			c.Scenarios[i].TargetEpisodes = 100
		}
		if c.Scenarios[i].Weight == 0 {
			c.Scenarios[i].Weight = 1.0
		}
	}
}

// Validate checks the configuration. Any failure is fatal: a run must not
// start on a partially valid config.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.RunName) == "" {
		return errors.New("missing run_name")
	}
	if err := c.TeacherPool.validate("teacher_pool"); err != nil {
		return err
	}
	if c.ReviewerPool != nil {
		if err := c.ReviewerPool.validate("reviewer_pool"); err != nil {
			return err
		}
	}
	if c.ReviewFlow.Enabled && c.ReviewerPool == nil {
		return errors.New("reviewer_pool must be configured when review_flow.enabled is true")
	}
	if c.ReviewFlow.MinScore < 0 || c.ReviewFlow.MinScore > 1 {
		return fmt.Errorf("review_flow.min_score %v out of range [0,1]", c.ReviewFlow.MinScore)
	}
	if c.Validation.MinScore < 0 || c.Validation.MinScore > 1 {
		return fmt.Errorf("validation.min_score %v out of range [0,1]", c.Validation.MinScore)
	}
	if c.Reflection.Passes < 0 {
		return errors.New("reflection.passes must be >= 0")
	}
	switch c.Reflection.CritiqueStyle {
	case "default", "concise", "exhaustive":
	default:
		return fmt.Errorf("reflection.critique_style %q is not one of default|concise|exhaustive", c.Reflection.CritiqueStyle)
	}
	if c.ReviewFlow.MaxRounds < 0 {
		return errors.New("review_flow.max_rounds must be >= 0")
	}
	switch c.Output.Format {
	case "jsonl", "csv":
	default:
		return fmt.Errorf("output.format %q is not one of jsonl|csv", c.Output.Format)
	}
	if c.Output.ShardSize <= 0 {
		return errors.New("output.shard_size must be > 0")
	}
	if c.Output.TargetShardBytes <= 1024 {
		return errors.New("output.target_shard_bytes must be > 1024")
	}
	if c.Concurrency.MaxWorkers < 1 {
		return errors.New("concurrency.max_workers must be >= 1")
	}
	if len(c.Scenarios) == 0 {
		return errors.New("at least one scenario is required")
	}
	names := make(map[string]struct{}, len(c.Scenarios))
	for _, sc := range c.Scenarios {
		if strings.TrimSpace(sc.Name) == "" {
			return errors.New("scenario name is empty")
		}
		if _, dup := names[sc.Name]; dup {
			return fmt.Errorf("duplicate scenario name %q", sc.Name)
		}
		names[sc.Name] = struct{}{}
		if strings.TrimSpace(sc.Generator) == "" {
			return fmt.Errorf("scenario %s has no generator", sc.Name)
		}
		if sc.TargetEpisodes <= 0 {
			return fmt.Errorf("scenario %s has non-positive target_episodes", sc.Name)
		}
		if sc.Weight <= 0 {
			return fmt.Errorf("scenario %s has non-positive weight", sc.Name)
		}
	}
	return nil
}

// Load reads, preset-expands, defaults, and validates a YAML run config.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse builds a Config from YAML bytes.
func Parse(raw []byte) (*Config, error) {
	expanded, err := expandPresets(raw)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
