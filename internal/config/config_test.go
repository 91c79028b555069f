package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Engine.MaxIterations)
	assert.Equal(t, 1000, cfg.Ledger.MaxFailures)
	assert.Equal(t, 24*time.Hour, cfg.Ledger.Retention)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
log_level: debug
engine:
  max_iterations: 10
  step_timeout: 5s
  alternative_tools:
    http_get: echo
ledger:
  retention: 1h
learner:
  min_confidence: 0.7
llm:
  enabled: true
  model: gpt-4o
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 10, cfg.Engine.MaxIterations)
	assert.Equal(t, 5*time.Second, cfg.Engine.StepTimeout)
	assert.Equal(t, "echo", cfg.Engine.AlternativeTools["http_get"])
	assert.Equal(t, time.Hour, cfg.Ledger.Retention)
	assert.Equal(t, 0.7, cfg.Learner.MinConfidence)
	assert.True(t, cfg.LLM.Enabled)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)

	// Untouched values keep their defaults
	assert.Equal(t, 1000, cfg.Ledger.MaxFailures)
	assert.Equal(t, 5, cfg.Engine.CheckpointEvery)
}

func TestLoadConfigMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: [not a map"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  step_timeout: soon\n"), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step_timeout")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero iterations", func(c *Config) { c.Engine.MaxIterations = 0 }},
		{"zero step timeout", func(c *Config) { c.Engine.StepTimeout = 0 }},
		{"zero max failures", func(c *Config) { c.Ledger.MaxFailures = 0 }},
		{"confidence above one", func(c *Config) { c.Learner.MinConfidence = 1.5 }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/tmp/valet"
	assert.Equal(t, filepath.Join("/tmp/valet", "valet.db"), cfg.DBPath())
	assert.Equal(t, filepath.Join("/tmp/valet", "valet.lock"), cfg.LockPath())
}
