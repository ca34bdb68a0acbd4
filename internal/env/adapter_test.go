package env_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/cartridge/learner/internal/config"
	"github.com/cartridge/learner/internal/env"
	"github.com/cartridge/learner/internal/env/envtest"
	"github.com/cartridge/learner/internal/tensor"
)

func trainingConfig(obsDim, actDim int) config.Training {
	cfg := config.DefaultTraining()
	cfg.ObservationDim = obsDim
	cfg.ActionDim = actDim
	return cfg
}

func TestAdapter_ResetAndStep(t *testing.T) {
	scripted := &envtest.Scripted{ObsDim: 3, ActDim: 2, StepReward: 0.5, TerminateAt: 2}
	adapter := env.NewAdapter(scripted, trainingConfig(3, 2), zerolog.Nop())

	obs, err := adapter.Reset()
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0}, mat.Row(nil, 0, obs))

	result, err := adapter.Step(mat.NewDense(1, 2, []float64{0.25, -0.75}))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 1}, mat.Row(nil, 0, result.Observation))
	assert.Equal(t, 0.5, result.Reward)
	assert.False(t, result.Terminated)
	assert.Equal(t, []float64{0.25, -0.75}, scripted.LastAction())

	result, err = adapter.Step(mat.NewDense(1, 2, nil))
	require.NoError(t, err)
	assert.True(t, result.Terminated)
	assert.False(t, result.Truncated)
}

func TestAdapter_NormalizesObservationsAndDenormalizesActions(t *testing.T) {
	cfg := trainingConfig(2, 1)
	cfg.ObservationNormalization = config.NormalizationParams{Enabled: true, Mean: []float64{1}, StdDev: []float64{2}}
	cfg.ActionNormalization = config.NormalizationParams{Enabled: true, Mean: []float64{10}, StdDev: []float64{5}}
	scripted := &envtest.Scripted{ObsDim: 2, ActDim: 1}
	adapter := env.NewAdapter(scripted, cfg, zerolog.Nop())

	_, err := adapter.Reset()
	require.NoError(t, err)
	result, err := adapter.Step(mat.NewDense(1, 1, []float64{1}))
	require.NoError(t, err)

	assert.Equal(t, []float64{15}, scripted.LastAction())
	assert.InDelta(t, 0.0, result.Observation.At(0, 0), 1e-12)
}

func TestAdapter_PadsShortObservationsWithWarning(t *testing.T) {
	var logs bytes.Buffer
	scripted := &envtest.Scripted{ObsDim: 4, ActDim: 1, ObservationLen: 2}
	adapter := env.NewAdapter(scripted, trainingConfig(4, 1), zerolog.New(&logs))

	_, err := adapter.Reset()
	require.NoError(t, err)
	result, err := adapter.Step(mat.NewDense(1, 1, nil))
	require.NoError(t, err)

	assert.Equal(t, []float64{1, 1, 0, 0}, mat.Row(nil, 0, result.Observation))
	assert.Contains(t, logs.String(), "observation dimension mismatch")
}

func TestAdapter_TruncatesLongObservations(t *testing.T) {
	scripted := &envtest.Scripted{ObsDim: 2, ActDim: 1, ObservationLen: 5}
	adapter := env.NewAdapter(scripted, trainingConfig(2, 1), zerolog.Nop())

	obs, err := adapter.Reset()
	require.NoError(t, err)
	_, cols := obs.Dims()
	assert.Equal(t, 2, cols)
}

func TestAdapter_ReportsTruncation(t *testing.T) {
	scripted := &envtest.Scripted{ObsDim: 1, ActDim: 1, TruncateAt: 1}
	adapter := env.NewAdapter(scripted, trainingConfig(1, 1), zerolog.Nop())

	_, err := adapter.Reset()
	require.NoError(t, err)
	result, err := adapter.Step(mat.NewDense(1, 1, nil))
	require.NoError(t, err)
	assert.True(t, result.Truncated)
	assert.False(t, result.Terminated)
}

func TestAdapter_RejectsWrongActionShape(t *testing.T) {
	scripted := &envtest.Scripted{ObsDim: 1, ActDim: 2}
	adapter := env.NewAdapter(scripted, trainingConfig(1, 2), zerolog.Nop())

	_, err := adapter.Step(mat.NewDense(1, 3, nil))
	assert.ErrorIs(t, err, tensor.ErrDimensionMismatch)
	assert.Equal(t, 0, scripted.Steps())
}

func TestAdapter_NilEnvironment(t *testing.T) {
	var logs bytes.Buffer
	adapter := env.NewAdapter(nil, trainingConfig(3, 1), zerolog.New(&logs))

	obs, err := adapter.Reset()
	assert.ErrorIs(t, err, env.ErrNoEnvironment)
	assert.Equal(t, []float64{0, 0, 0}, mat.Row(nil, 0, obs))

	result, err := adapter.Step(mat.NewDense(1, 1, nil))
	assert.ErrorIs(t, err, env.ErrNoEnvironment)
	assert.True(t, result.Terminated)
	assert.Equal(t, 0.0, result.Reward)
	assert.Contains(t, logs.String(), "without an environment")
	assert.Equal(t, env.DefaultMaxEpisodeSteps, adapter.MaxEpisodeSteps())
}

func TestAdapter_PropagatesFaults(t *testing.T) {
	boom := errors.New("connection lost")
	scripted := &envtest.Scripted{ObsDim: 1, ActDim: 1, Fault: boom}
	adapter := env.NewAdapter(scripted, trainingConfig(1, 1), zerolog.Nop())

	_, err := adapter.Reset()
	assert.ErrorIs(t, err, boom)
	_, err = adapter.Step(mat.NewDense(1, 1, nil))
	assert.ErrorIs(t, err, boom)
}
