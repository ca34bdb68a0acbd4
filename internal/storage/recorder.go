package storage

import (
	"context"
	"time"

	"github.com/cartridge/learner/internal/events"
	"github.com/cartridge/learner/internal/types"
)

// Recorder persists published events into a RunStore. It implements
// events.Publisher so it can sit in an events.Fanout.
type Recorder struct {
	store RunStore
	now   func() time.Time
}

// NewRecorder wraps store.
func NewRecorder(store RunStore) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// PublishStatus updates the run's progress counters.
func (r *Recorder) PublishStatus(ctx context.Context, event events.StatusEvent) error {
	run, err := r.store.GetRun(ctx, event.RunID)
	if err != nil {
		return err
	}
	run.CurrentStep = int64(event.Step)
	run.Episodes = int64(event.Episode)
	run.AverageReward = event.AverageReward
	run.UpdatedAt = r.now().UTC()
	return r.store.UpdateRun(ctx, run)
}

// PublishEpisode appends the finished episode.
func (r *Recorder) PublishEpisode(ctx context.Context, event events.EpisodeEvent) error {
	createdAt := event.Timestamp
	if createdAt.IsZero() {
		createdAt = r.now()
	}
	return r.store.AppendEpisode(ctx, types.Episode{
		RunID:      event.RunID,
		Episode:    event.Episode,
		Steps:      event.Steps,
		Reward:     event.Reward,
		Terminated: event.Terminated,
		TotalSteps: event.TotalSteps,
		CreatedAt:  createdAt.UTC(),
	})
}

// PublishLifecycle records a transition and moves the run to its new state.
func (r *Recorder) PublishLifecycle(ctx context.Context, event events.LifecycleEvent) error {
	run, err := r.store.GetRun(ctx, event.RunID)
	if err != nil {
		return err
	}

	now := r.now().UTC()
	to := runStateFor(event, run.State)
	if to != run.State {
		err := r.store.AppendTransition(ctx, RunTransition{
			RunID:     run.ID,
			FromState: run.State,
			ToState:   to,
			Reason:    event.Event,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
	}

	run.State = to
	if event.Error != "" {
		run.LastError = event.Error
	}
	if event.Event == events.EventStarted && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if to.Terminal() && run.EndedAt == nil {
		run.EndedAt = &now
	}
	run.UpdatedAt = now
	return r.store.UpdateRun(ctx, run)
}

func runStateFor(event events.LifecycleEvent, current types.RunState) types.RunState {
	switch event.Event {
	case events.EventCompleted:
		if !event.Success {
			return types.RunStateFailed
		}
		return types.RunStateCompleted
	case events.EventFailed:
		return types.RunStateFailed
	case events.EventPolicyLoaded, events.EventPolicySaved:
		return current
	}
	if event.ToState != "" {
		return types.RunState(event.ToState)
	}
	return current
}
