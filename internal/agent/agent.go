// Package agent is the outward-facing training agent: a lifecycle state
// machine around one runner, with inference, policy persistence and a
// background training task.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cartridge/learner/internal/config"
	"github.com/cartridge/learner/internal/env"
	"github.com/cartridge/learner/internal/events"
	"github.com/cartridge/learner/internal/metrics"
	"github.com/cartridge/learner/internal/nn"
	"github.com/cartridge/learner/internal/replay"
	"github.com/cartridge/learner/internal/runner"
	"github.com/cartridge/learner/internal/td3"
	"github.com/cartridge/learner/internal/tensor"
)

var (
	// ErrNotInitialized is returned for operations that need Initialize first.
	ErrNotInitialized = errors.New("agent not initialized")
	// ErrNotTraining is returned by StepTraining outside the running state.
	ErrNotTraining = errors.New("agent not training")
	// ErrShutdown is returned once the agent has been shut down.
	ErrShutdown = errors.New("agent shut down")
	// ErrBusy is returned when re-initializing while training.
	ErrBusy = errors.New("agent is training")
)

// State is a lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitialized   State = "initialized"
	StateRunning       State = "running"
	StatePaused        State = "paused"
	StateStopped       State = "stopped"
	StateShutdown      State = "shutdown"
)

// Training reports whether s is one of the training states.
func (s State) Training() bool {
	return s == StateRunning || s == StatePaused
}

// Status is a read-only snapshot of an agent.
type Status struct {
	Name              string     `json:"name"`
	RunID             string     `json:"run_id"`
	State             State      `json:"state"`
	IsInitialized     bool       `json:"is_initialized"`
	IsTraining        bool       `json:"is_training"`
	CurrentStep       int        `json:"current_step"`
	CurrentEpisode    int        `json:"current_episode"`
	EpisodeStep       int        `json:"episode_step"`
	AverageReward     float64    `json:"average_reward"`
	LastEpisodeReward float64    `json:"last_episode_reward"`
	ReplayBufferSize  int        `json:"replay_buffer_size"`
	Updates           int        `json:"updates"`
	LastLosses        td3.Losses `json:"last_losses"`
	Success           bool       `json:"success"`
	LastError         string     `json:"last_error,omitempty"`
}

// Options carries an agent's collaborators. Zero values are replaced with
// no-op implementations.
type Options struct {
	RunID     string
	Publisher events.Publisher
	Metrics   *metrics.Collector
	Logger    zerolog.Logger
}

// Agent owns one environment adapter, replay buffer and actor-critic. All
// mutating operations are serialized; Status and Progress are lock-free.
type Agent struct {
	name      string
	runID     string
	device    *nn.Device
	publisher events.Publisher
	metrics   *metrics.Collector
	logger    zerolog.Logger

	mu        sync.Mutex
	state     State
	cfg       config.Training
	adapter   *env.Adapter
	buffer    *replay.Buffer
	ac        *td3.ActorCritic
	runner    *runner.Runner
	converter *tensor.Converter
	lastErr   error

	status atomic.Pointer[Status]

	bgMu sync.Mutex
	task atomic.Pointer[task]
}

// New creates an uninitialized agent whose storage is charged to device.
func New(name string, device *nn.Device, opts Options) *Agent {
	if opts.Publisher == nil {
		opts.Publisher = events.NoopPublisher{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector(zerolog.Nop())
	}
	logger := opts.Logger.With().Str("component", "agent").Str("agent", name).Logger()
	if opts.RunID != "" {
		logger = logger.With().Str("run_id", opts.RunID).Logger()
	}

	a := &Agent{
		name:      name,
		runID:     opts.RunID,
		device:    device,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		logger:    logger,
		state:     StateUninitialized,
		converter: tensor.NewConverter(logger),
	}
	a.publishStatusLocked()
	return a
}

// Name returns the agent's name.
func (a *Agent) Name() string { return a.name }

// RunID returns the run this agent records under.
func (a *Agent) RunID() string { return a.runID }

// Initialize validates environment against cfg and allocates the networks,
// replay buffer and adapter. It may be called again from Initialized or
// Stopped to rebuild the agent. On failure the previous state is kept and
// anything allocated by this call is released.
func (a *Agent) Initialize(environment env.Environment, cfg config.Training) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.state == StateShutdown:
		return ErrShutdown
	case a.state.Training():
		return ErrBusy
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if environment == nil {
		a.logger.Error().Msg("initialize called without an environment")
		return env.ErrNoEnvironment
	}
	obsDim, actDim := environment.ObservationDim(), environment.ActionDim()
	if obsDim != cfg.ObservationDim || actDim != cfg.ActionDim {
		a.logger.Error().
			Int("env_observation_dim", obsDim).
			Int("env_action_dim", actDim).
			Int("observation_dim", cfg.ObservationDim).
			Int("action_dim", cfg.ActionDim).
			Msg("environment dimensions do not match configuration")
		return fmt.Errorf("%w: environment is %dx%d, configured %dx%d",
			tensor.ErrDimensionMismatch, obsDim, actDim, cfg.ObservationDim, cfg.ActionDim)
	}

	var (
		ac     *td3.ActorCritic
		buffer *replay.Buffer
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("initialize: panic: %v", r)
		}
		if err != nil {
			if ac != nil {
				ac.Free()
			}
			if buffer != nil {
				_ = buffer.Close()
			}
			a.logger.Error().Err(err).Msg("initialization failed, rolled back")
		}
	}()

	rng := rand.New(rand.NewSource(cfg.Seed))
	arch, params, err := td3.FromConfig(cfg)
	if err != nil {
		return err
	}
	if ac, err = td3.New(a.device, arch, params, rng); err != nil {
		return fmt.Errorf("allocate networks: %w", err)
	}
	buffer, err = replay.NewBuffer(a.device, replay.Config{
		Capacity:           cfg.ReplayBufferCapacity,
		ObservationDim:     cfg.ObservationDim,
		ActionDim:          cfg.ActionDim,
		WithoutReplacement: cfg.SampleWithoutReplacement,
	}, rng)
	if err != nil {
		return err
	}
	adapter := env.NewAdapter(environment, cfg, a.logger)
	r, err := runner.New(adapter, buffer, ac, cfg, rng, a.logger)
	if err != nil {
		return err
	}

	a.releaseLocked()
	a.cfg = cfg
	a.ac = ac
	a.buffer = buffer
	a.adapter = adapter
	a.runner = r
	a.lastErr = nil

	a.logger.Info().
		Int("observation_dim", cfg.ObservationDim).
		Int("action_dim", cfg.ActionDim).
		Int("hidden_dim", cfg.Network.HiddenDim).
		Int("num_layers", cfg.Network.NumLayers).
		Int("replay_capacity", cfg.ReplayBufferCapacity).
		Int("max_episode_steps", r.MaxEpisodeSteps()).
		Msg("Agent initialized")
	a.transitionLocked(StateInitialized, events.EventInitialized)
	return nil
}

// StartTraining resets the counters and the environment and enters
// Running. The replay buffer and networks are kept. Calling it while
// already training is a no-op.
func (a *Agent) StartTraining() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startTrainingLocked()
}

func (a *Agent) startTrainingLocked() error {
	switch a.state {
	case StateShutdown:
		return ErrShutdown
	case StateUninitialized:
		return ErrNotInitialized
	case StateRunning, StatePaused:
		return nil
	}

	a.runner.ResetCounters()
	if err := a.runner.ResetEpisode(); err != nil {
		a.logger.Error().Err(err).Msg("failed to reset environment at training start")
		a.publishStatusLocked()
		return err
	}
	a.lastErr = nil
	a.transitionLocked(StateRunning, events.EventStarted)
	return nil
}

// Pause suspends training. It is a no-op unless Running.
func (a *Agent) Pause() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateShutdown {
		return ErrShutdown
	}
	if a.state != StateRunning {
		a.logger.Debug().Str("state", string(a.state)).Msg("pause ignored")
		return nil
	}
	a.transitionLocked(StatePaused, events.EventPaused)
	return nil
}

// Resume continues a paused agent. It is a no-op unless Paused.
func (a *Agent) Resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateShutdown {
		return ErrShutdown
	}
	if a.state != StatePaused {
		a.logger.Debug().Str("state", string(a.state)).Msg("resume ignored")
		return nil
	}
	a.transitionLocked(StateRunning, events.EventResumed)
	return nil
}

// StopTraining joins any background task and moves a training agent to
// Stopped. It is idempotent.
func (a *Agent) StopTraining() error {
	a.StopBackground()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateShutdown {
		return ErrShutdown
	}
	if !a.state.Training() {
		return nil
	}
	a.transitionLocked(StateStopped, events.EventStopped)
	return nil
}

// StepTraining advances training by up to n environment steps and returns
// how many were taken. Reaching MaxTrainingSteps stops training and counts
// as success. A failing step stops training and is returned.
func (a *Agent) StepTraining(n int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case StateShutdown:
		return 0, ErrShutdown
	case StateUninitialized:
		return 0, ErrNotInitialized
	case StateRunning:
	default:
		return 0, fmt.Errorf("%w: state is %s", ErrNotTraining, a.state)
	}
	defer a.publishStatusLocked()

	taken := 0
	for taken < n {
		if a.runner.Progress().TotalSteps >= a.cfg.MaxTrainingSteps {
			a.completeLocked()
			break
		}

		out, err := a.stepLocked()
		if err != nil {
			a.failLocked(err)
			return taken, err
		}
		taken++

		if out.EpisodeEnded {
			a.publishEpisodeLocked(out)
		}
		if a.runner.Progress().TotalSteps >= a.cfg.MaxTrainingSteps {
			a.completeLocked()
			break
		}
	}
	return taken, nil
}

func (a *Agent) stepLocked() (out runner.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("training step panic: %v", r)
		}
	}()
	return a.runner.Step()
}

func (a *Agent) completeLocked() {
	a.logger.Info().
		Int("steps", a.runner.Progress().TotalSteps).
		Float64("average_reward", a.runner.Progress().AverageReward).
		Msg("Reached max training steps")
	a.transitionLocked(StateStopped, events.EventCompleted)
}

func (a *Agent) failLocked(err error) {
	a.lastErr = err
	a.logger.Error().Err(err).Msg("training step failed, stopping")
	a.transitionLocked(StateStopped, events.EventFailed)
}

// Shutdown stops training, joins any background task and frees every
// network and buffer. It is idempotent.
func (a *Agent) Shutdown() {
	a.StopBackground()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateShutdown {
		return
	}
	a.releaseLocked()
	a.transitionLocked(StateShutdown, events.EventShutdown)
}

func (a *Agent) releaseLocked() {
	if a.ac != nil {
		a.ac.Free()
		a.ac = nil
	}
	if a.buffer != nil {
		_ = a.buffer.Close()
		a.buffer = nil
	}
	a.adapter = nil
	a.runner = nil
}

// Status returns the latest snapshot.
func (a *Agent) Status() Status {
	return *a.status.Load()
}

// IsInitialized reports whether the agent has networks to act with.
func (a *Agent) IsInitialized() bool {
	return a.Status().IsInitialized
}

// IsTraining reports whether the agent is Running or Paused.
func (a *Agent) IsTraining() bool {
	return a.Status().IsTraining
}

// Config returns the training configuration of the last Initialize.
func (a *Agent) Config() config.Training {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// RewardHistory returns the finished-episode rewards of the trailing window,
// oldest first.
func (a *Agent) RewardHistory() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runner == nil {
		return nil
	}
	return a.runner.RewardHistory()
}

func (a *Agent) transitionLocked(to State, event string) {
	from := a.state
	a.state = to
	a.publishStatusLocked()
	a.metrics.StateTransition(a.name, a.runID, string(from), string(to))

	ev := events.LifecycleEvent{
		RunID:     a.runID,
		Agent:     a.name,
		Event:     event,
		FromState: string(from),
		ToState:   string(to),
		Success:   a.lastErr == nil,
		Timestamp: time.Now().UTC(),
	}
	if a.lastErr != nil {
		ev.Error = a.lastErr.Error()
	}
	if err := a.publisher.PublishLifecycle(context.Background(), ev); err != nil {
		a.logger.Warn().Err(err).Str("event", event).Msg("failed to publish lifecycle event")
	}
	a.logger.Info().Str("from", string(from)).Str("to", string(to)).Msg("Agent state changed")
}

func (a *Agent) publishEpisodeLocked(out runner.Outcome) {
	a.metrics.EpisodeFinished(a.name, out.Episode, out.EpisodeSteps, out.EpisodeReward)
	ev := events.EpisodeEvent{
		RunID:      a.runID,
		Agent:      a.name,
		Episode:    out.Episode,
		Steps:      out.EpisodeSteps,
		Reward:     out.EpisodeReward,
		Terminated: out.Terminated,
		TotalSteps: a.runner.Progress().TotalSteps,
		Timestamp:  time.Now().UTC(),
	}
	if err := a.publisher.PublishEpisode(context.Background(), ev); err != nil {
		a.logger.Warn().Err(err).Int("episode", out.Episode).Msg("failed to publish episode event")
	}
}

func (a *Agent) publishStatusLocked() {
	s := &Status{
		Name:          a.name,
		RunID:         a.runID,
		State:         a.state,
		IsInitialized: a.runner != nil,
		IsTraining:    a.state.Training(),
		Success:       a.lastErr == nil,
	}
	if a.lastErr != nil {
		s.LastError = a.lastErr.Error()
	}
	if a.runner != nil {
		p := a.runner.Progress()
		s.CurrentStep = p.TotalSteps
		s.CurrentEpisode = p.Episodes
		s.EpisodeStep = p.EpisodeStep
		s.AverageReward = p.AverageReward
		s.LastEpisodeReward = p.LastEpisodeReward
		s.ReplayBufferSize = p.ReplayBufferSize
		s.Updates = p.Updates
		s.LastLosses = p.LastLosses
	}
	a.status.Store(s)
}
