// Package metrics emits training and API metrics as structured log events.
package metrics

import (
	"time"

	"github.com/rs/zerolog"
)

// Collector for learner operations
type Collector struct {
	logger zerolog.Logger
}

func NewCollector(logger zerolog.Logger) *Collector {
	return &Collector{
		logger: logger,
	}
}

// Track agent state transitions
func (c *Collector) StateTransition(agent, runID, fromState, toState string) {
	c.logger.Info().
		Str("metric", "agent_state_transition").
		Str("agent", agent).
		Str("run_id", runID).
		Str("from_state", fromState).
		Str("to_state", toState).
		Msg("Agent state transition metric")
}

// Track finished episodes
func (c *Collector) EpisodeFinished(agent string, episode, steps int, reward float64) {
	c.logger.Info().
		Str("metric", "episode_finished").
		Str("agent", agent).
		Int("episode", episode).
		Int("steps", steps).
		Float64("reward", reward).
		Msg("Episode metric")
}

// Track background training tasks
func (c *Collector) TaskFinished(agent string, steps int, success bool, duration time.Duration) {
	event := c.logger.Info()
	if !success {
		event = c.logger.Warn()
	}
	event.
		Str("metric", "training_task_finished").
		Str("agent", agent).
		Int("steps", steps).
		Bool("success", success).
		Dur("duration", duration).
		Msg("Training task metric")
}

// Track API request metrics
func (c *Collector) APIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	c.logger.Info().
		Str("metric", "api_request").
		Str("method", method).
		Str("endpoint", endpoint).
		Int("status_code", statusCode).
		Dur("duration", duration).
		Msg("API request metric")
}

// Track stalled agents
func (c *Collector) StallDetected(agent string, step int, idle time.Duration) {
	c.logger.Warn().
		Str("metric", "agent_stalled").
		Str("agent", agent).
		Int("step", step).
		Dur("idle", idle).
		Msg("Training stall detected")
}
