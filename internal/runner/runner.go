// Package runner drives the off-policy collect-and-update loop: act, step the
// environment, store the transition, close episodes and train on schedule.
package runner

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/cartridge/learner/internal/config"
	"github.com/cartridge/learner/internal/env"
	"github.com/cartridge/learner/internal/policy"
	"github.com/cartridge/learner/internal/replay"
	"github.com/cartridge/learner/internal/td3"
)

// RewardWindowSize is how many recent episodes the average reward covers.
const RewardWindowSize = 100

// ResolveEpisodeEnd combines the environment's signals with the step cap.
// A termination before the cap suppresses truncation; hitting the cap
// always truncates.
func ResolveEpisodeEnd(terminated, envTruncated bool, episodeStep, maxEpisodeSteps int) (bool, bool) {
	capHit := maxEpisodeSteps > 0 && episodeStep >= maxEpisodeSteps
	truncated := envTruncated || capHit
	if terminated && !capHit {
		truncated = false
	}
	return terminated, truncated
}

// Outcome describes one runner step.
type Outcome struct {
	Reward        float64
	Terminated    bool
	Truncated     bool
	EpisodeEnded  bool
	Episode       int
	EpisodeSteps  int
	EpisodeReward float64
	Updated       bool
	Losses        td3.Losses
}

// Progress is a snapshot of the runner's counters.
type Progress struct {
	TotalSteps        int        `json:"total_steps"`
	Episodes          int        `json:"episodes"`
	EpisodeStep       int        `json:"episode_step"`
	EpisodeReward     float64    `json:"episode_reward"`
	AverageReward     float64    `json:"average_reward"`
	LastEpisodeReward float64    `json:"last_episode_reward"`
	ReplayBufferSize  int        `json:"replay_buffer_size"`
	Updates           int        `json:"updates"`
	LastLosses        td3.Losses `json:"last_losses"`
}

// Runner owns the per-episode state of one training agent. It is not safe
// for concurrent use; the agent serializes access.
type Runner struct {
	cfg     config.Training
	adapter *env.Adapter
	buffer  *replay.Buffer
	ac      *td3.ActorCritic
	explore policy.Policy
	exploit policy.Policy
	logger  zerolog.Logger

	maxEpisodeSteps int
	observation     *mat.Dense
	needsReset      bool
	trained         bool

	totalSteps    int
	episodes      int
	episodeStep   int
	episodeReward float64
	lastEpisode   float64
	rewards       *RewardWindow
	updates       int
	lastLosses    td3.Losses
}

// New creates a runner. The environment is reset lazily on the first Step.
func New(adapter *env.Adapter, buffer *replay.Buffer, ac *td3.ActorCritic, cfg config.Training, rng *rand.Rand, logger zerolog.Logger) (*Runner, error) {
	explore, err := policy.NewUnitBox(cfg.ActionDim, rng)
	if err != nil {
		return nil, err
	}

	maxSteps := cfg.MaxEpisodeSteps
	if maxSteps == 0 {
		maxSteps = adapter.MaxEpisodeSteps()
	}

	return &Runner{
		cfg:             cfg,
		adapter:         adapter,
		buffer:          buffer,
		ac:              ac,
		explore:         explore,
		exploit:         policy.NewActor(ac.Actor, cfg.ExplorationNoise, rng),
		logger:          logger.With().Str("component", "runner").Logger(),
		maxEpisodeSteps: maxSteps,
		needsReset:      true,
		rewards:         NewRewardWindow(RewardWindowSize),
	}, nil
}

// MaxEpisodeSteps returns the effective episode cap.
func (r *Runner) MaxEpisodeSteps() int {
	return r.maxEpisodeSteps
}

// MarkTrained switches action selection from uniform random to the actor.
func (r *Runner) MarkTrained() {
	r.trained = true
}

// Trained reports whether the actor drives action selection.
func (r *Runner) Trained() bool {
	return r.trained
}

// ResetEpisode resets the environment and the per-episode counters.
func (r *Runner) ResetEpisode() error {
	obs, err := r.adapter.Reset()
	r.observation = obs
	r.episodeStep = 0
	r.episodeReward = 0
	if err != nil {
		r.needsReset = true
		return fmt.Errorf("reset episode: %w", err)
	}
	r.needsReset = false
	return nil
}

// ResetCounters zeroes the step, episode and reward statistics. The replay
// buffer and networks are kept.
func (r *Runner) ResetCounters() {
	r.totalSteps = 0
	r.episodes = 0
	r.episodeStep = 0
	r.episodeReward = 0
	r.lastEpisode = 0
	r.rewards = NewRewardWindow(RewardWindowSize)
	r.needsReset = true
}

// Step advances the environment by one action and trains when the buffer
// is warm and the step lands on the training interval.
func (r *Runner) Step() (Outcome, error) {
	var out Outcome
	if r.needsReset {
		if err := r.ResetEpisode(); err != nil {
			return out, err
		}
	}

	selector := r.explore
	if r.trained {
		selector = r.exploit
	}
	action, err := selector.SelectAction(r.observation)
	if err != nil {
		return out, fmt.Errorf("select action: %w", err)
	}

	result, err := r.adapter.Step(action)
	if err != nil {
		r.needsReset = true
		return out, fmt.Errorf("environment step: %w", err)
	}

	episodeStep := r.episodeStep + 1
	terminated, truncated := ResolveEpisodeEnd(result.Terminated, result.Truncated, episodeStep, r.maxEpisodeSteps)

	err = r.buffer.Push(replay.Transition{
		Observation:     mat.Row(nil, 0, r.observation),
		Action:          mat.Row(nil, 0, action),
		Reward:          result.Reward,
		NextObservation: mat.Row(nil, 0, result.Observation),
		Done:            terminated,
	})
	if err != nil {
		return out, fmt.Errorf("store transition: %w", err)
	}

	r.episodeStep = episodeStep
	r.totalSteps++
	r.episodeReward += result.Reward
	r.observation = result.Observation

	out.Reward = result.Reward
	out.Terminated = terminated
	out.Truncated = truncated

	if terminated || truncated {
		r.episodes++
		r.lastEpisode = r.episodeReward
		r.rewards.Add(r.episodeReward)

		out.EpisodeEnded = true
		out.Episode = r.episodes
		out.EpisodeSteps = r.episodeStep
		out.EpisodeReward = r.episodeReward

		r.logger.Debug().
			Int("episode", r.episodes).
			Int("steps", r.episodeStep).
			Float64("reward", r.episodeReward).
			Bool("terminated", terminated).
			Msg("episode finished")

		if err := r.ResetEpisode(); err != nil {
			return out, err
		}
	}

	if r.buffer.Size() >= r.cfg.WarmupSteps && r.totalSteps%r.cfg.TrainingInterval == 0 {
		losses, updated, err := r.train()
		if err != nil {
			return out, err
		}
		out.Updated = updated
		out.Losses = losses
	}

	if r.cfg.LogInterval > 0 && r.totalSteps%r.cfg.LogInterval == 0 {
		r.logger.Info().
			Int("step", r.totalSteps).
			Int("episodes", r.episodes).
			Float64("average_reward", r.rewards.Average()).
			Int("replay_size", r.buffer.Size()).
			Float64("critic_loss", r.lastLosses.Critic1).
			Msg("training progress")
	}
	return out, nil
}

func (r *Runner) train() (td3.Losses, bool, error) {
	batch, err := r.buffer.Sample(r.cfg.BatchSize)
	if errors.Is(err, replay.ErrInsufficientData) {
		return td3.Losses{}, false, nil
	}
	if err != nil {
		return td3.Losses{}, false, fmt.Errorf("sample batch: %w", err)
	}

	losses, err := r.ac.Update(batch)
	if err != nil {
		return td3.Losses{}, false, fmt.Errorf("update networks: %w", err)
	}
	r.updates++
	r.lastLosses = losses
	r.trained = true
	return losses, true, nil
}

// Progress returns the current counters.
func (r *Runner) Progress() Progress {
	return Progress{
		TotalSteps:        r.totalSteps,
		Episodes:          r.episodes,
		EpisodeStep:       r.episodeStep,
		EpisodeReward:     r.episodeReward,
		AverageReward:     r.rewards.Average(),
		LastEpisodeReward: r.lastEpisode,
		ReplayBufferSize:  r.buffer.Size(),
		Updates:           r.updates,
		LastLosses:        r.lastLosses,
	}
}

// RewardHistory returns the rewards in the trailing window, oldest first.
func (r *Runner) RewardHistory() []float64 {
	return r.rewards.Values()
}
