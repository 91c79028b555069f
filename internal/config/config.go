// Package config loads valet configuration from YAML with defaults,
// file merge, and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig tunes the execution loop.
type EngineConfig struct {
	// MaxIterations is the session iteration budget
	MaxIterations int `yaml:"max_iterations"`

	// StepTimeout is the per-step tool call timeout
	StepTimeout time.Duration `yaml:"-"`

	// CheckpointEvery is the number of iterations between checkpoints
	CheckpointEvery int `yaml:"checkpoint_every"`

	// RetryBaseDelay is the first retry backoff delay
	RetryBaseDelay time.Duration `yaml:"-"`

	// RetryMaxDelay is the backoff ceiling
	RetryMaxDelay time.Duration `yaml:"-"`

	// AlternativeTools maps a tool name to its substitute for the
	// alternative_tool correction strategy
	AlternativeTools map[string]string `yaml:"alternative_tools"`
}

// LedgerConfig tunes the failure ledger.
type LedgerConfig struct {
	// MaxFailures bounds the ledger size
	MaxFailures int `yaml:"max_failures"`

	// Retention is how long failures are kept
	Retention time.Duration `yaml:"-"`

	// SweepInterval is how often the retention sweep runs
	SweepInterval time.Duration `yaml:"-"`
}

// LearnerConfig tunes the pattern learner.
type LearnerConfig struct {
	// MinConfidence is the floor a pattern must clear to be recommended
	MinConfidence float64 `yaml:"min_confidence"`
}

// LLMConfig configures the optional LLM evaluator.
type LLMConfig struct {
	// Enabled turns LLM-refined evaluation on
	Enabled bool `yaml:"enabled"`

	// BaseURL is an OpenAI-compatible endpoint (empty = provider default)
	BaseURL string `yaml:"base_url"`

	// Model is the model name to request
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key
	APIKeyEnv string `yaml:"api_key_env"`
}

// Config is the full valet configuration.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// DataDir is where valet keeps its database and lock file
	DataDir string `yaml:"data_dir"`

	Engine  EngineConfig  `yaml:"engine"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Learner LearnerConfig `yaml:"learner"`
	LLM     LLMConfig     `yaml:"llm"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		DataDir:  ".valet",
		Engine: EngineConfig{
			MaxIterations:   50,
			StepTimeout:     30 * time.Second,
			CheckpointEvery: 5,
			RetryBaseDelay:  500 * time.Millisecond,
			RetryMaxDelay:   30 * time.Second,
		},
		Ledger: LedgerConfig{
			MaxFailures:   1000,
			Retention:     24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Learner: LearnerConfig{
			MinConfidence: 0.5,
		},
		LLM: LLMConfig{
			Enabled:   false,
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
		},
	}
}

// DBPath returns the SQLite database path under the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "valet.db")
}

// LockPath returns the data-dir lock file path.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "valet.lock")
}

// yamlConfig mirrors Config with durations as strings so users can
// write "30s" / "24h".
type yamlConfig struct {
	LogLevel string `yaml:"log_level"`
	DataDir  string `yaml:"data_dir"`
	Engine   struct {
		MaxIterations    int               `yaml:"max_iterations"`
		StepTimeout      string            `yaml:"step_timeout"`
		CheckpointEvery  int               `yaml:"checkpoint_every"`
		RetryBaseDelay   string            `yaml:"retry_base_delay"`
		RetryMaxDelay    string            `yaml:"retry_max_delay"`
		AlternativeTools map[string]string `yaml:"alternative_tools"`
	} `yaml:"engine"`
	Ledger struct {
		MaxFailures   int    `yaml:"max_failures"`
		Retention     string `yaml:"retention"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"ledger"`
	Learner struct {
		MinConfidence float64 `yaml:"min_confidence"`
	} `yaml:"learner"`
	LLM LLMConfig `yaml:"llm"`
}

// LoadConfig loads configuration from path, merging file values over
// defaults. A missing file returns defaults without error; a malformed
// file is an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if yc.LogLevel != "" {
		cfg.LogLevel = yc.LogLevel
	}
	if yc.DataDir != "" {
		cfg.DataDir = yc.DataDir
	}

	if yc.Engine.MaxIterations != 0 {
		cfg.Engine.MaxIterations = yc.Engine.MaxIterations
	}
	if yc.Engine.CheckpointEvery != 0 {
		cfg.Engine.CheckpointEvery = yc.Engine.CheckpointEvery
	}
	if yc.Engine.AlternativeTools != nil {
		cfg.Engine.AlternativeTools = yc.Engine.AlternativeTools
	}
	if err := mergeDuration(&cfg.Engine.StepTimeout, yc.Engine.StepTimeout, "engine.step_timeout"); err != nil {
		return nil, err
	}
	if err := mergeDuration(&cfg.Engine.RetryBaseDelay, yc.Engine.RetryBaseDelay, "engine.retry_base_delay"); err != nil {
		return nil, err
	}
	if err := mergeDuration(&cfg.Engine.RetryMaxDelay, yc.Engine.RetryMaxDelay, "engine.retry_max_delay"); err != nil {
		return nil, err
	}

	if yc.Ledger.MaxFailures != 0 {
		cfg.Ledger.MaxFailures = yc.Ledger.MaxFailures
	}
	if err := mergeDuration(&cfg.Ledger.Retention, yc.Ledger.Retention, "ledger.retention"); err != nil {
		return nil, err
	}
	if err := mergeDuration(&cfg.Ledger.SweepInterval, yc.Ledger.SweepInterval, "ledger.sweep_interval"); err != nil {
		return nil, err
	}

	if yc.Learner.MinConfidence != 0 {
		cfg.Learner.MinConfidence = yc.Learner.MinConfidence
	}

	if yc.LLM.Enabled {
		cfg.LLM.Enabled = true
	}
	if yc.LLM.BaseURL != "" {
		cfg.LLM.BaseURL = yc.LLM.BaseURL
	}
	if yc.LLM.Model != "" {
		cfg.LLM.Model = yc.LLM.Model
	}
	if yc.LLM.APIKeyEnv != "" {
		cfg.LLM.APIKeyEnv = yc.LLM.APIKeyEnv
	}

	return cfg, nil
}

func mergeDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	*dst = d
	return nil
}

// Validate checks the configuration for values the engine cannot run
// with.
func (c *Config) Validate() error {
	if c.Engine.MaxIterations <= 0 {
		return fmt.Errorf("engine.max_iterations must be positive, got %d", c.Engine.MaxIterations)
	}
	if c.Engine.StepTimeout <= 0 {
		return fmt.Errorf("engine.step_timeout must be positive, got %s", c.Engine.StepTimeout)
	}
	if c.Engine.CheckpointEvery <= 0 {
		return fmt.Errorf("engine.checkpoint_every must be positive, got %d", c.Engine.CheckpointEvery)
	}
	if c.Ledger.MaxFailures <= 0 {
		return fmt.Errorf("ledger.max_failures must be positive, got %d", c.Ledger.MaxFailures)
	}
	if c.Ledger.Retention <= 0 {
		return fmt.Errorf("ledger.retention must be positive, got %s", c.Ledger.Retention)
	}
	if c.Learner.MinConfidence < 0 || c.Learner.MinConfidence > 1 {
		return fmt.Errorf("learner.min_confidence must be in [0,1], got %g", c.Learner.MinConfidence)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	return nil
}
