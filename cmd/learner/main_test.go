package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/learner/internal/config"
	"github.com/cartridge/learner/internal/targetenv"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn")
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	_, err = newLogger(&buf, "loud")
	assert.Error(t, err)
}

func TestTrainingFor(t *testing.T) {
	cfg := config.Default()
	training := trainingFor(cfg)
	assert.Equal(t, targetenv.ObservationDim, training.ObservationDim)
	assert.Equal(t, targetenv.ActionDim, training.ActionDim)

	cfg.Environment.Kind = "remote"
	assert.Equal(t, cfg.Training.ObservationDim, trainingFor(cfg).ObservationDim)
}

func TestTrainCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "learner.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
log_level: error
training:
  batch_size: 8
  replay_buffer_capacity: 256
  warmup_steps: 16
  step_throttle: 0s
  network:
    hidden_dim: 8
environment:
  target:
    max_episode_length: 20
`), 0o644))

	policy := filepath.Join(dir, "out", "policy.json")
	reportFile := filepath.Join(dir, "out", "rewards.html")
	rootCmd.SetArgs([]string{
		"train",
		"--config", cfgPath,
		"--max-training-steps", "60",
		"--storage", "sqlite",
		"--storage-dsn", filepath.Join(dir, "runs.db"),
		"--policy-out", policy,
		"--report", reportFile,
	})
	require.NoError(t, rootCmd.Execute())

	_, err := os.Stat(policy)
	assert.NoError(t, err)
	html, err := os.ReadFile(reportFile)
	require.NoError(t, err)
	assert.Contains(t, string(html), "agent-1")
}
