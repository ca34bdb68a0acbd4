package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 100000, cfg.Training.MaxTrainingSteps)
	assert.Equal(t, 256, cfg.Training.BatchSize)
	assert.Equal(t, 1000000, cfg.Training.ReplayBufferCapacity)
	assert.InDelta(t, 0.99, cfg.Training.Gamma, 1e-12)
	assert.Equal(t, 2, cfg.Training.PolicyDelay)
	assert.Equal(t, 64, cfg.Training.Network.HiddenDim)
}

func TestTraining_ValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Training)
	}{
		{"zero batch", func(tr *Training) { tr.BatchSize = 0 }},
		{"batch above capacity", func(tr *Training) { tr.BatchSize = 10; tr.ReplayBufferCapacity = 5 }},
		{"negative actor lr", func(tr *Training) { tr.ActorLearningRate = -1 }},
		{"zero critic lr", func(tr *Training) { tr.CriticLearningRate = 0 }},
		{"gamma above one", func(tr *Training) { tr.Gamma = 1.5 }},
		{"zero interval", func(tr *Training) { tr.TrainingInterval = 0 }},
		{"zero observation dim", func(tr *Training) { tr.ObservationDim = 0 }},
		{"zero hidden", func(tr *Training) { tr.Network.HiddenDim = 0 }},
		{"unknown activation", func(tr *Training) { tr.Network.Activation = "swish" }},
		{"tau out of range", func(tr *Training) { tr.Tau = 2 }},
		{"zero policy delay", func(tr *Training) { tr.PolicyDelay = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := DefaultTraining()
			tt.mutate(&tr)
			err := tr.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}

func TestConfig_ValidateStorageAndEnvironment(t *testing.T) {
	cfg := Default()
	cfg.Storage.Kind = "sqlite"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfiguration)

	cfg = Default()
	cfg.Environment.Kind = "remote"
	cfg.Environment.RemoteAddr = ""
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfiguration)

	cfg = Default()
	cfg.Environment.Kind = "unreal"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfiguration)
}

func TestTargetConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultTarget().Validate())

	cases := map[string]func(*TargetConfig){
		"zero arena":          func(c *TargetConfig) { c.ArenaSize = 0 },
		"negative radius":     func(c *TargetConfig) { c.TargetRadius = -1 },
		"zero speed":          func(c *TargetConfig) { c.MaxSpeed = 0 },
		"zero delta time":     func(c *TargetConfig) { c.DeltaTime = 0 },
		"zero reward scale":   func(c *TargetConfig) { c.RewardScale = 0 },
		"negative length":     func(c *TargetConfig) { c.MaxEpisodeLength = -1 },
		"radius exceeds room": func(c *TargetConfig) { c.ArenaSize, c.TargetRadius = 100, 200 },
		"radius fills arena":  func(c *TargetConfig) { c.ArenaSize, c.TargetRadius = 100, 50 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultTarget()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfiguration)
		})
	}

	cfg := Default()
	cfg.Environment.Target.ArenaSize = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfiguration)
}

func TestTargetConfig_WithDefaults(t *testing.T) {
	merged := TargetConfig{TargetRadius: 10, Seed: 3}.WithDefaults(DefaultTarget())
	assert.Equal(t, 10.0, merged.TargetRadius)
	assert.Equal(t, int64(3), merged.Seed)
	assert.Equal(t, DefaultTarget().ArenaSize, merged.ArenaSize)
	assert.Equal(t, DefaultTarget().MaxSpeed, merged.MaxSpeed)
	assert.Equal(t, DefaultTarget().DeltaTime, merged.DeltaTime)
	assert.NoError(t, merged.Validate())
}

func TestLoad_FileAndEnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "learner.yaml")
	content := `
training:
  batch_size: 64
  warmup_steps: 500
  network:
    hidden_dim: 32
  observation_normalization:
    enabled: true
    mean: [0.5]
    std_dev: [2.0]
monitor:
  poll_interval: 250ms
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("LEARNER_TRAINING_GAMMA", "0.95")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.Training.BatchSize)
	assert.Equal(t, 500, cfg.Training.WarmupSteps)
	assert.Equal(t, 32, cfg.Training.Network.HiddenDim)
	assert.Equal(t, 2, cfg.Training.Network.NumLayers)
	assert.InDelta(t, 0.95, cfg.Training.Gamma, 1e-12)
	assert.True(t, cfg.Training.ObservationNormalization.Enabled)
	assert.Equal(t, []float64{0.5}, cfg.Training.ObservationNormalization.Mean)
	assert.Equal(t, 250*time.Millisecond, cfg.Monitor.PollInterval)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
