// Package monitor polls agents for progress and publishes what changed.
package monitor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cartridge/learner/internal/agent"
	"github.com/cartridge/learner/internal/events"
	"github.com/cartridge/learner/internal/metrics"
)

// RewardEpsilon is the smallest average-reward change worth publishing.
const RewardEpsilon = 0.001

// Config holds progress monitoring configuration
type Config struct {
	PollInterval time.Duration
	StallAfter   time.Duration
}

// Source lists the agents to watch.
type Source interface {
	Agents() []*agent.Agent
}

type tracked struct {
	step         int
	reward       float64
	published    bool
	lastProgress time.Time
	stalled      bool
	reported     time.Time
}

// Monitor runs background progress checks
type Monitor struct {
	source    Source
	publisher events.Publisher
	metrics   *metrics.Collector
	config    Config
	logger    zerolog.Logger
	now       func() time.Time

	mu     sync.Mutex
	agents map[string]*tracked
}

// NewMonitor creates a new progress monitor
func NewMonitor(source Source, publisher events.Publisher, collector *metrics.Collector, config Config, logger zerolog.Logger) *Monitor {
	if collector == nil {
		collector = metrics.NewCollector(zerolog.Nop())
	}
	return &Monitor{
		source:    source,
		publisher: publisher,
		metrics:   collector,
		config:    config,
		logger:    logger.With().Str("component", "monitor").Logger(),
		now:       time.Now,
		agents:    make(map[string]*tracked),
	}
}

// Start begins the monitoring loop
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	m.logger.Info().
		Dur("poll_interval", m.config.PollInterval).
		Dur("stall_after", m.config.StallAfter).
		Msg("Starting progress monitor")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Progress monitor stopped")
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll checks every agent once.
func (m *Monitor) Poll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	for _, a := range m.source.Agents() {
		key := a.RunID()
		seen[key] = true
		t, ok := m.agents[key]
		if !ok {
			t = &tracked{lastProgress: m.now()}
			m.agents[key] = t
		}
		m.check(ctx, a, t)
	}
	for key := range m.agents {
		if !seen[key] {
			delete(m.agents, key)
		}
	}
}

func (m *Monitor) check(ctx context.Context, a *agent.Agent, t *tracked) {
	now := m.now()
	status := a.Status()
	progress := a.Progress()

	changed := !t.published ||
		status.CurrentStep != t.step ||
		math.Abs(status.AverageReward-t.reward) > RewardEpsilon
	if changed {
		if status.CurrentStep != t.step {
			t.lastProgress = now
			t.stalled = false
		}
		t.step = status.CurrentStep
		t.reward = status.AverageReward
		t.published = true
		m.publishStatus(ctx, a, status, now)
	}

	if progress.Complete && !progress.StartedAt.Equal(t.reported) {
		t.reported = progress.StartedAt
		m.markComplete(ctx, a, status, progress, now)
	}

	if m.config.StallAfter > 0 && status.State == agent.StateRunning && !t.stalled {
		if idle := now.Sub(t.lastProgress); idle >= m.config.StallAfter {
			t.stalled = true
			m.markStalled(a, status, idle)
		}
	}
}

func (m *Monitor) publishStatus(ctx context.Context, a *agent.Agent, status agent.Status, now time.Time) {
	event := events.StatusEvent{
		RunID:             status.RunID,
		Agent:             status.Name,
		State:             string(status.State),
		Step:              status.CurrentStep,
		Episode:           status.CurrentEpisode,
		AverageReward:     status.AverageReward,
		LastEpisodeReward: status.LastEpisodeReward,
		ReplayBufferSize:  status.ReplayBufferSize,
		Updates:           status.Updates,
		Timestamp:         now.UTC(),
	}
	if err := m.publisher.PublishStatus(ctx, event); err != nil {
		m.logger.Error().Err(err).Str("agent", a.Name()).Msg("Failed to publish status event")
	}
}

func (m *Monitor) markComplete(ctx context.Context, a *agent.Agent, status agent.Status, progress agent.TaskProgress, now time.Time) {
	m.logger.Info().
		Str("agent", a.Name()).
		Int("task_steps", progress.TaskSteps).
		Bool("success", progress.Success).
		Msg("Background training completed")

	event := events.LifecycleEvent{
		RunID:     status.RunID,
		Agent:     status.Name,
		Event:     events.EventCompleted,
		FromState: string(status.State),
		ToState:   string(status.State),
		Success:   progress.Success,
		Error:     progress.Error,
		Timestamp: now.UTC(),
	}
	if err := m.publisher.PublishLifecycle(ctx, event); err != nil {
		m.logger.Error().Err(err).Str("agent", a.Name()).Msg("Failed to publish completion event")
	}
}

func (m *Monitor) markStalled(a *agent.Agent, status agent.Status, idle time.Duration) {
	m.logger.Warn().
		Str("agent", a.Name()).
		Int("step", status.CurrentStep).
		Dur("idle", idle).
		Msg("Marking agent as stalled")
	m.metrics.StallDetected(a.Name(), status.CurrentStep, idle)
}
