package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/cartridge/learner/internal/checkpoint"
	"github.com/cartridge/learner/internal/events"
	"github.com/cartridge/learner/internal/tensor"
)

// GetAction runs the actor on one observation and returns the action in
// environment units. It works while paused and never mutates agent state.
// A rejected call returns a nil action.
func (a *Agent) GetAction(observation []float64) ([]float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.state == StateShutdown:
		return nil, ErrShutdown
	case a.ac == nil:
		a.logger.Error().Msg("get action called before initialize")
		return nil, ErrNotInitialized
	}
	if len(observation) != a.cfg.ObservationDim {
		a.logger.Error().
			Int("got", len(observation)).
			Int("want", a.cfg.ObservationDim).
			Msg("observation has wrong length")
		return nil, fmt.Errorf("%w: observation has %d values, want %d",
			tensor.ErrDimensionMismatch, len(observation), a.cfg.ObservationDim)
	}
	if !tensor.AllFinite(observation) {
		a.logger.Error().Msg("observation contains non-finite values")
		return nil, fmt.Errorf("%w: observation", tensor.ErrNonFinite)
	}

	obs, err := a.converter.ToRow(observation, a.cfg.ObservationNormalization)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to convert observation")
		return nil, err
	}
	out, err := a.ac.Act(obs)
	if err != nil {
		a.logger.Error().Err(err).Msg("actor inference failed")
		return nil, err
	}
	return a.converter.FromMatrix(out, a.cfg.ActionNormalization), nil
}

// SavePolicy writes every network to path.
func (a *Agent) SavePolicy(path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.usableLocked(); err != nil {
		return err
	}
	if err := checkpoint.Save(path, a.ac); err != nil {
		a.logger.Error().Err(err).Str("path", path).Msg("failed to save policy")
		return err
	}
	a.logger.Info().Str("path", path).Msg("Policy saved")
	a.publishPolicyLocked(events.EventPolicySaved)
	return nil
}

// LoadPolicy replaces every network with the parameters stored at path. The
// loaded actor drives action selection from then on.
func (a *Agent) LoadPolicy(path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.usableLocked(); err != nil {
		return err
	}
	if err := checkpoint.Load(path, a.ac); err != nil {
		a.logger.Error().Err(err).Str("path", path).Msg("failed to load policy")
		return err
	}
	a.runner.MarkTrained()
	a.logger.Info().Str("path", path).Msg("Policy loaded")
	a.publishPolicyLocked(events.EventPolicyLoaded)
	return nil
}

func (a *Agent) usableLocked() error {
	if a.state == StateShutdown {
		return ErrShutdown
	}
	if a.ac == nil {
		return ErrNotInitialized
	}
	return nil
}

func (a *Agent) publishPolicyLocked(event string) {
	ev := events.LifecycleEvent{
		RunID:     a.runID,
		Agent:     a.name,
		Event:     event,
		FromState: string(a.state),
		ToState:   string(a.state),
		Success:   true,
		Timestamp: time.Now().UTC(),
	}
	if err := a.publisher.PublishLifecycle(context.Background(), ev); err != nil {
		a.logger.Warn().Err(err).Str("event", event).Msg("failed to publish lifecycle event")
	}
}
