package env

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/cartridge/learner/internal/config"
	"github.com/cartridge/learner/internal/tensor"
)

// StepResult is the outcome of one adapter step. Observation is the
// normalized 1 x ObservationDim row the networks consume.
type StepResult struct {
	Observation *mat.Dense
	Reward      float64
	Terminated  bool
	Truncated   bool
}

// Adapter binds an Environment to fixed observation/action dimensions and
// normalization parameters.
type Adapter struct {
	env       Environment
	obsDim    int
	actDim    int
	obsNorm   config.NormalizationParams
	actNorm   config.NormalizationParams
	converter *tensor.Converter
	logger    zerolog.Logger
}

// NewAdapter creates an adapter for environment using the dimensions and
// normalization in cfg. environment may be nil; every call then fails.
func NewAdapter(environment Environment, cfg config.Training, logger zerolog.Logger) *Adapter {
	return &Adapter{
		env:       environment,
		obsDim:    cfg.ObservationDim,
		actDim:    cfg.ActionDim,
		obsNorm:   cfg.ObservationNormalization,
		actNorm:   cfg.ActionNormalization,
		converter: tensor.NewConverter(logger),
		logger:    logger.With().Str("component", "adapter").Logger(),
	}
}

// Dims returns the observation and action dimensions.
func (a *Adapter) Dims() (int, int) {
	return a.obsDim, a.actDim
}

// MaxEpisodeSteps returns the environment's own cap when it has one.
func (a *Adapter) MaxEpisodeSteps() int {
	if limiter, ok := a.env.(EpisodeLimiter); ok && limiter.MaxEpisodeSteps() > 0 {
		return limiter.MaxEpisodeSteps()
	}
	return DefaultMaxEpisodeSteps
}

// Reset starts a new episode and returns the normalized initial observation.
func (a *Adapter) Reset() (*mat.Dense, error) {
	if a.env == nil {
		a.logger.Error().Msg("reset called without an environment")
		return mat.NewDense(1, a.obsDim, nil), ErrNoEnvironment
	}

	raw := a.env.Reset()
	if err := a.fault(); err != nil {
		return mat.NewDense(1, a.obsDim, nil), fmt.Errorf("reset environment: %w", err)
	}
	return a.observation(raw)
}

// Step applies a 1 x ActionDim action row and reports the resulting
// observation, reward and end-of-episode signals.
func (a *Adapter) Step(action mat.Matrix) (StepResult, error) {
	if a.env == nil {
		a.logger.Error().Msg("step called without an environment")
		return StepResult{Observation: mat.NewDense(1, a.obsDim, nil), Terminated: true}, ErrNoEnvironment
	}

	if r, c := action.Dims(); r != 1 || c != a.actDim {
		return StepResult{}, fmt.Errorf("%w: action shape %dx%d, want 1x%d", tensor.ErrDimensionMismatch, r, c, a.actDim)
	}
	a.env.Step(a.converter.FromMatrix(action, a.actNorm))
	if err := a.fault(); err != nil {
		return StepResult{}, fmt.Errorf("step environment: %w", err)
	}

	obs, err := a.observation(a.env.Observation())
	if err != nil {
		return StepResult{}, err
	}

	reward := a.env.Reward()
	if math.IsNaN(reward) || math.IsInf(reward, 0) {
		a.logger.Warn().Float64("reward", reward).Msg("non-finite reward replaced with 0")
		reward = 0
	}

	result := StepResult{
		Observation: obs,
		Reward:      reward,
		Terminated:  a.env.IsDone(),
	}
	if truncator, ok := a.env.(Truncator); ok {
		result.Truncated = truncator.IsTruncated()
	}
	return result, nil
}

func (a *Adapter) observation(raw []float64) (*mat.Dense, error) {
	values, resized := tensor.Fit(raw, a.obsDim)
	if resized {
		a.logger.Warn().Int("expected", a.obsDim).Int("got", len(raw)).Msg("observation dimension mismatch, padding/truncating")
	}
	if n := tensor.Sanitize(values); n > 0 {
		a.logger.Warn().Int("elements", n).Msg("non-finite observation values replaced with 0")
	}
	return a.converter.ToRow(values, a.obsNorm)
}

func (a *Adapter) fault() error {
	if f, ok := a.env.(Faulter); ok {
		return f.Err()
	}
	return nil
}
