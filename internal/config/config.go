// internal/config/config.go
//
// This package handles configuration and the .council directory structure.
// Every project that uses the council gets a .council/ folder in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/council/internal/advisor"
	"github.com/kingrea/council/internal/evaluation"
)

const (
	// CouncilDir is the name of the directory we create in each project
	CouncilDir = ".council"

	defaultBaseURL   = "https://openrouter.ai/api/v1"
	defaultModel     = "openai/gpt-4o-mini"
	defaultAPIKeyEnv = "OPENROUTER_API_KEY"
)

const defaultProjectConfigYAML = `# council project configuration
version: 1

model:
  base_url: https://openrouter.ai/api/v1
  name: openai/gpt-4o-mini
  # The API key is read from this environment variable (or from .env).
  api_key_env: OPENROUTER_API_KEY
  max_tokens: 1024
  context_tokens: 12000
  timeout: 60s

advisors:
  - id: strategist
    name: Sage
    color: "#7D56F4"
    persona: You think about positioning, audience and the long game. You look for the sharpest wedge into a market.
  - id: skeptic
    name: Vex
    color: "#FF5F87"
    persona: You poke holes. You ask who pays, what already exists, and what breaks first. You are blunt but never cruel.
  - id: builder
    name: Pip
    color: "#04B575"
    persona: You care about the smallest thing that could ship next week. You turn ideas into concrete first steps.

rounds:
  pacing: 800ms
  retry:
    max_attempts: 3
    base_delay: 500ms
    max_delay: 8s

evaluation:
  timeout: 30s
  # YAML rater definitions (prompt or script raters) are discovered here.
  raters_dir: .council/raters
  sets:
    - id: idea
      scale: {min: 1, max: 10, fallback: 5}
      criteria:
        - {key: originality, weight: 0.2, prompt: "How fresh is the idea compared to what already exists?"}
        - {key: feasibility, weight: 0.2, prompt: "Could a small team build a first version in a few months?"}
        - {key: market, weight: 0.15, prompt: "Is there a clear group of people who want this?"}
        - {key: clarity, weight: 0.15, prompt: "How clearly is the idea explained?"}
        - {key: impact, weight: 0.1, prompt: "How much would this change things for its users?"}
        - {key: monetization, weight: 0.1, prompt: "Is there a believable way to make money?"}
        - {key: toxic, weight: 0.1, prompt: "Score 10 when the idea is safe and respectful and lower when it is harmful."}
      tiers:
        - {name: legendary, threshold: 9}
        - {name: epic, threshold: 8}
        - {name: rare, threshold: 6.5}
        - {name: common, threshold: 0}
    - id: research
      scale: {min: 0, max: 100, fallback: 50}
      criteria:
        - {key: evidence, weight: 0.4, prompt: "How well is the claim supported by evidence?"}
        - {key: novelty, weight: 0.3, prompt: "How new is the insight?"}
        - {key: rigor, weight: 0.3, prompt: "How careful is the reasoning?"}
      tiers:
        - {name: legendary, threshold: 90}
        - {name: epic, threshold: 80}
        - {name: rare, threshold: 65}
        - {name: common, threshold: 0}

cache:
  ttl: 24h

server:
  enabled: true
  host: 127.0.0.1
  port: 8765
`

// ModelConfig points at the chat-completions endpoint.
type ModelConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Name          string        `yaml:"name"`
	APIKeyEnv     string        `yaml:"api_key_env"`
	MaxTokens     int           `yaml:"max_tokens,omitempty"`
	ContextTokens int           `yaml:"context_tokens,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
}

// RetryConfig mirrors retry.Policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts,omitempty"`
	BaseDelay   time.Duration `yaml:"base_delay,omitempty"`
	MaxDelay    time.Duration `yaml:"max_delay,omitempty"`
}

// RoundsConfig tunes the turn scheduler.
type RoundsConfig struct {
	Pacing time.Duration `yaml:"pacing"`
	Retry  RetryConfig   `yaml:"retry"`
}

// ScaleConfig bounds a criteria set's scores.
type ScaleConfig struct {
	Min      float64 `yaml:"min"`
	Max      float64 `yaml:"max"`
	Fallback float64 `yaml:"fallback"`
}

// CriterionConfig declares one weighted criterion and how it is rated.
type CriterionConfig struct {
	Key    string  `yaml:"key"`
	Weight float64 `yaml:"weight"`
	Prompt string  `yaml:"prompt,omitempty"`
	// Kind selects the evaluator: "model" (default), "script", or a rater
	// plugin ID.
	Kind    string         `yaml:"kind,omitempty"`
	Script  string         `yaml:"script,omitempty"`
	Options map[string]any `yaml:"options,omitempty"`
}

// CriteriaSetConfig declares a criteria set.
type CriteriaSetConfig struct {
	ID       string            `yaml:"id"`
	Scale    ScaleConfig       `yaml:"scale"`
	Criteria []CriterionConfig `yaml:"criteria"`
	Tiers    []evaluation.Tier `yaml:"tiers"`
}

// EvaluationConfig tunes the evaluation dispatcher.
type EvaluationConfig struct {
	Timeout   time.Duration       `yaml:"timeout"`
	RatersDir string              `yaml:"raters_dir,omitempty"`
	Sets      []CriteriaSetConfig `yaml:"sets"`
}

// CacheConfig tunes the local history cache.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// ServerConfig holds raw HTTP server settings. Enabled is a pointer so an
// omitted key keeps the default.
type ServerConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// ProjectConfig models .council/config.yaml.
type ProjectConfig struct {
	Version    int               `yaml:"version"`
	Model      ModelConfig       `yaml:"model"`
	Advisors   []advisor.Advisor `yaml:"advisors"`
	Rounds     RoundsConfig      `yaml:"rounds"`
	Evaluation EvaluationConfig  `yaml:"evaluation"`
	Cache      CacheConfig       `yaml:"cache"`
	Server     ServerConfig      `yaml:"server"`
}

// Config holds the runtime configuration.
type Config struct {
	// ProjectDir is the directory the council was started from
	ProjectDir string

	// CouncilProjectDir is ProjectDir/.council
	CouncilProjectDir string

	// APIKey is resolved from Project.Model.APIKeyEnv after .env is loaded.
	APIKey string

	Project ProjectConfig
}

// InitCouncilDir creates the .council directory structure in projectDir and
// writes the default config on first run.
//
// Structure created:
// .council/
// ├── config.yaml
// ├── logs/         <- council.log and the logbook
// ├── cache/        <- per-conversation history cache
// └── raters/       <- YAML rater plugins and their scripts
func InitCouncilDir(projectDir string) error {
	councilDir := filepath.Join(projectDir, CouncilDir)
	dirs := []string{
		filepath.Join(councilDir, "logs"),
		filepath.Join(councilDir, "cache"),
		filepath.Join(councilDir, "raters"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(councilDir, "config.yaml"))
}

// NewConfig loads .env and .council/config.yaml from projectDir. Missing
// files fall back to defaults.
func NewConfig(projectDir string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(projectDir, ".env")); err != nil {
		return nil, err
	}
	cfg := &Config{
		ProjectDir:        projectDir,
		CouncilProjectDir: filepath.Join(projectDir, CouncilDir),
		Project:           defaultProjectConfig(),
	}
	cfg.Project.normalize(projectDir)
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	cfg.APIKey = strings.TrimSpace(os.Getenv(cfg.Project.Model.APIKeyEnv))
	return cfg, nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.CouncilProjectDir, "logs")
}

// LogbookPath returns the path of the leveled activity journal.
func (c *Config) LogbookPath() string {
	return filepath.Join(c.LogsDir(), "logbook.log")
}

// CacheDir returns the path to the history cache
func (c *Config) CacheDir() string {
	return filepath.Join(c.CouncilProjectDir, "cache")
}

// RatersDir returns the directory scanned for rater plugins.
func (c *Config) RatersDir() string {
	if c.Project.Evaluation.RatersDir != "" {
		return c.Project.Evaluation.RatersDir
	}
	return filepath.Join(c.CouncilProjectDir, "raters")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.CouncilProjectDir, "config.yaml")
}

// CriteriaSet returns the set declared with id.
func (c *Config) CriteriaSet(id string) (CriteriaSetConfig, bool) {
	for _, set := range c.Project.Evaluation.Sets {
		if set.ID == id {
			return set, true
		}
	}
	return CriteriaSetConfig{}, false
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize(c.ProjectDir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func (c *Config) applyEnvOverrides() {
	if model := strings.TrimSpace(os.Getenv("COUNCIL_MODEL")); model != "" {
		c.Project.Model.Name = model
	}
	if base := strings.TrimSpace(os.Getenv("COUNCIL_BASE_URL")); base != "" {
		c.Project.Model.BaseURL = strings.TrimRight(base, "/")
	}
}

func defaultProjectConfig() ProjectConfig {
	var pc ProjectConfig
	if err := yaml.Unmarshal([]byte(defaultProjectConfigYAML), &pc); err != nil {
		panic(fmt.Sprintf("config: default config is invalid: %v", err))
	}
	pc.applyDefaults()
	return pc
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.Model.BaseURL == "" {
		pc.Model.BaseURL = defaultBaseURL
	}
	if pc.Model.Name == "" {
		pc.Model.Name = defaultModel
	}
	if pc.Model.APIKeyEnv == "" {
		pc.Model.APIKeyEnv = defaultAPIKeyEnv
	}
	if pc.Model.Timeout <= 0 {
		pc.Model.Timeout = 60 * time.Second
	}
	if pc.Rounds.Pacing < 0 {
		pc.Rounds.Pacing = 0
	}
	if pc.Evaluation.Timeout <= 0 {
		pc.Evaluation.Timeout = evaluation.DefaultCriterionTimeout
	}
	if pc.Cache.TTL <= 0 {
		pc.Cache.TTL = 24 * time.Hour
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.Model.BaseURL = strings.TrimRight(strings.TrimSpace(pc.Model.BaseURL), "/")
	pc.Model.Name = strings.TrimSpace(pc.Model.Name)
	pc.Model.APIKeyEnv = strings.TrimSpace(pc.Model.APIKeyEnv)
	for i := range pc.Advisors {
		pc.Advisors[i].ID = strings.TrimSpace(pc.Advisors[i].ID)
		pc.Advisors[i].Name = strings.TrimSpace(pc.Advisors[i].Name)
		pc.Advisors[i].Persona = strings.TrimSpace(pc.Advisors[i].Persona)
	}
	pc.Evaluation.RatersDir = resolvePath(base, pc.Evaluation.RatersDir)
	for i := range pc.Evaluation.Sets {
		set := &pc.Evaluation.Sets[i]
		set.ID = strings.TrimSpace(set.ID)
		for j := range set.Criteria {
			crit := &set.Criteria[j]
			crit.Key = strings.TrimSpace(crit.Key)
			crit.Kind = strings.ToLower(strings.TrimSpace(crit.Kind))
			crit.Script = resolvePath(base, crit.Script)
		}
	}
	pc.Server.Host = strings.TrimSpace(pc.Server.Host)
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if len(pc.Advisors) == 0 {
		return fmt.Errorf("advisors: at least one advisor is required")
	}
	seen := map[string]struct{}{}
	for i, a := range pc.Advisors {
		if a.ID == "" {
			return fmt.Errorf("advisors[%d]: id is required", i)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("advisors[%d]: duplicate id %s", i, a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	setIDs := map[string]struct{}{}
	for i, set := range pc.Evaluation.Sets {
		if set.ID == "" {
			return fmt.Errorf("evaluation.sets[%d]: id is required", i)
		}
		if _, dup := setIDs[set.ID]; dup {
			return fmt.Errorf("evaluation.sets[%d]: duplicate id %s", i, set.ID)
		}
		setIDs[set.ID] = struct{}{}
		if len(set.Criteria) == 0 {
			return fmt.Errorf("evaluation.sets[%s]: at least one criterion is required", set.ID)
		}
		for j, crit := range set.Criteria {
			if crit.Key == "" {
				return fmt.Errorf("evaluation.sets[%s].criteria[%d]: key is required", set.ID, j)
			}
			if crit.Kind == "script" && crit.Script == "" {
				return fmt.Errorf("evaluation.sets[%s].criteria[%s]: script kind needs a script path", set.ID, crit.Key)
			}
		}
	}
	if pc.Server.Port != 0 && (pc.Server.Port < 1 || pc.Server.Port > 65535) {
		return fmt.Errorf("server.port %d is out of range", pc.Server.Port)
	}
	return nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}
