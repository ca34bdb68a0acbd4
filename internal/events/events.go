package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Lifecycle event names.
const (
	EventInitialized  = "initialized"
	EventStarted      = "started"
	EventPaused       = "paused"
	EventResumed      = "resumed"
	EventStopped      = "stopped"
	EventCompleted    = "completed"
	EventFailed       = "failed"
	EventShutdown     = "shutdown"
	EventPolicyLoaded = "policy_loaded"
	EventPolicySaved  = "policy_saved"
)

// Publisher is implemented by downstream fan-out mechanisms.
type Publisher interface {
	PublishStatus(ctx context.Context, payload StatusEvent) error
	PublishEpisode(ctx context.Context, payload EpisodeEvent) error
	PublishLifecycle(ctx context.Context, payload LifecycleEvent) error
}

// StatusEvent is emitted whenever an agent's progress changes.
type StatusEvent struct {
	RunID             string    `json:"run_id"`
	Agent             string    `json:"agent"`
	State             string    `json:"state"`
	Step              int       `json:"step"`
	Episode           int       `json:"episode"`
	AverageReward     float64   `json:"average_reward"`
	LastEpisodeReward float64   `json:"last_episode_reward"`
	ReplayBufferSize  int       `json:"replay_buffer_size"`
	Updates           int       `json:"updates"`
	Timestamp         time.Time `json:"timestamp"`
}

// EpisodeEvent is emitted once per finished episode.
type EpisodeEvent struct {
	RunID      string    `json:"run_id"`
	Agent      string    `json:"agent"`
	Episode    int       `json:"episode"`
	Steps      int       `json:"steps"`
	Reward     float64   `json:"reward"`
	Terminated bool      `json:"terminated"`
	TotalSteps int       `json:"total_steps"`
	Timestamp  time.Time `json:"timestamp"`
}

// LifecycleEvent tracks agent state transitions.
type LifecycleEvent struct {
	RunID     string    `json:"run_id"`
	Agent     string    `json:"agent"`
	Event     string    `json:"event"`
	FromState string    `json:"from_state,omitempty"`
	ToState   string    `json:"to_state,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NoopPublisher drops everything; useful for tests.
type NoopPublisher struct{}

// PublishStatus satisfies Publisher.
func (NoopPublisher) PublishStatus(context.Context, StatusEvent) error { return nil }

// PublishEpisode satisfies Publisher.
func (NoopPublisher) PublishEpisode(context.Context, EpisodeEvent) error { return nil }

// PublishLifecycle satisfies Publisher.
func (NoopPublisher) PublishLifecycle(context.Context, LifecycleEvent) error { return nil }

// Fanout publishes every event to each of its publishers. All publishers are
// tried; the returned error joins every failure.
type Fanout []Publisher

// PublishStatus satisfies Publisher.
func (f Fanout) PublishStatus(ctx context.Context, payload StatusEvent) error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.PublishStatus(ctx, payload))
	}
	return errors.Join(errs...)
}

// PublishEpisode satisfies Publisher.
func (f Fanout) PublishEpisode(ctx context.Context, payload EpisodeEvent) error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.PublishEpisode(ctx, payload))
	}
	return errors.Join(errs...)
}

// PublishLifecycle satisfies Publisher.
func (f Fanout) PublishLifecycle(ctx context.Context, payload LifecycleEvent) error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.PublishLifecycle(ctx, payload))
	}
	return errors.Join(errs...)
}

// MemoryPublisher records every event it receives.
type MemoryPublisher struct {
	mu        sync.Mutex
	statuses  []StatusEvent
	episodes  []EpisodeEvent
	lifecycle []LifecycleEvent
}

// PublishStatus satisfies Publisher.
func (m *MemoryPublisher) PublishStatus(_ context.Context, payload StatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, payload)
	return nil
}

// PublishEpisode satisfies Publisher.
func (m *MemoryPublisher) PublishEpisode(_ context.Context, payload EpisodeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.episodes = append(m.episodes, payload)
	return nil
}

// PublishLifecycle satisfies Publisher.
func (m *MemoryPublisher) PublishLifecycle(_ context.Context, payload LifecycleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lifecycle = append(m.lifecycle, payload)
	return nil
}

// Statuses returns a copy of the recorded status events.
func (m *MemoryPublisher) Statuses() []StatusEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StatusEvent(nil), m.statuses...)
}

// Episodes returns a copy of the recorded episode events.
func (m *MemoryPublisher) Episodes() []EpisodeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EpisodeEvent(nil), m.episodes...)
}

// Lifecycle returns a copy of the recorded lifecycle events.
func (m *MemoryPublisher) Lifecycle() []LifecycleEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LifecycleEvent(nil), m.lifecycle...)
}

// LifecycleNames returns the recorded lifecycle event names in order.
func (m *MemoryPublisher) LifecycleNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.lifecycle))
	for i, e := range m.lifecycle {
		names[i] = e.Event
	}
	return names
}
