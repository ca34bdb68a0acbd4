package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/learner/internal/events"
	"github.com/cartridge/learner/internal/types"
)

func newRun(id string) types.Run {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return types.Run{
		ID:          id,
		Agent:       "agent-" + id,
		Environment: "target",
		State:       types.RunStateInitialized,
		Config:      json.RawMessage(`{"gamma":0.99}`),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func stores(t *testing.T) map[string]RunStore {
	t.Helper()
	ctx := context.Background()

	sqlite := NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, sqlite.Init(ctx))
	t.Cleanup(func() { _ = sqlite.Close() })

	out := map[string]RunStore{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}

	if dsn := os.Getenv("LEARNER_TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := OpenPostgres(ctx, dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = pg.Close() })
		out["postgres"] = pg
	}
	return out
}

func TestRunStore_CreateGetUpdate(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := fmt.Sprintf("crud-%d", time.Now().UnixNano())
			run := newRun(id)
			require.NoError(t, store.CreateRun(ctx, run))
			assert.ErrorIs(t, store.CreateRun(ctx, run), ErrConflict)

			got, err := store.GetRun(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, run.Agent, got.Agent)
			assert.Equal(t, types.RunStateInitialized, got.State)
			assert.JSONEq(t, `{"gamma":0.99}`, string(got.Config))
			assert.Nil(t, got.StartedAt)
			assert.True(t, run.CreatedAt.Equal(got.CreatedAt))

			started := run.CreatedAt.Add(time.Minute)
			got.State = types.RunStateRunning
			got.CurrentStep = 42
			got.Episodes = 3
			got.AverageReward = 1.5
			got.StartedAt = &started
			require.NoError(t, store.UpdateRun(ctx, got))

			updated, err := store.GetRun(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, types.RunStateRunning, updated.State)
			assert.Equal(t, int64(42), updated.CurrentStep)
			assert.Equal(t, int64(3), updated.Episodes)
			assert.InDelta(t, 1.5, updated.AverageReward, 1e-12)
			require.NotNil(t, updated.StartedAt)
			assert.True(t, started.Equal(*updated.StartedAt))

			_, err = store.GetRun(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, store.UpdateRun(ctx, newRun("missing")), ErrNotFound)
		})
	}
}

func TestRunStore_TransitionsAndEpisodes(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := fmt.Sprintf("history-%d", time.Now().UnixNano())
			require.NoError(t, store.CreateRun(ctx, newRun(id)))

			require.NoError(t, store.AppendTransition(ctx, RunTransition{
				RunID: id, FromState: types.RunStateInitialized, ToState: types.RunStateRunning,
				Reason: "started", CreatedAt: time.Now(),
			}))
			require.NoError(t, store.AppendTransition(ctx, RunTransition{
				RunID: id, FromState: types.RunStateRunning, ToState: types.RunStateStopped,
				Reason: "stopped", CreatedAt: time.Now(),
			}))
			transitions, err := store.ListTransitions(ctx, id)
			require.NoError(t, err)
			require.Len(t, transitions, 2)
			assert.Equal(t, types.RunStateStopped, transitions[1].ToState)

			for i := 1; i <= 5; i++ {
				require.NoError(t, store.AppendEpisode(ctx, types.Episode{
					RunID: id, Episode: i, Steps: 10 * i, Reward: float64(i),
					Terminated: i%2 == 0, TotalSteps: 10 * i, CreatedAt: time.Now(),
				}))
			}

			all, err := store.ListEpisodes(ctx, id, 0)
			require.NoError(t, err)
			assert.Len(t, all, 5)

			recent, err := store.ListEpisodes(ctx, id, 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, 4, recent[0].Episode)
			assert.Equal(t, 5, recent[1].Episode)
			assert.True(t, recent[0].Terminated)

			_, err = store.ListEpisodes(ctx, "missing", 0)
			assert.ErrorIs(t, err, ErrNotFound)
			err = store.AppendEpisode(ctx, types.Episode{RunID: "missing", Episode: 1, CreatedAt: time.Now()})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRecorder_TracksLifecycleStatusAndEpisodes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateRun(ctx, newRun("r1")))
	rec := NewRecorder(store)

	require.NoError(t, rec.PublishLifecycle(ctx, events.LifecycleEvent{
		RunID: "r1", Event: events.EventStarted, FromState: "initialized", ToState: "running", Success: true,
	}))
	require.NoError(t, rec.PublishStatus(ctx, events.StatusEvent{RunID: "r1", Step: 7, Episode: 2, AverageReward: 0.25}))
	require.NoError(t, rec.PublishEpisode(ctx, events.EpisodeEvent{RunID: "r1", Episode: 1, Steps: 4, Reward: 2}))
	require.NoError(t, rec.PublishLifecycle(ctx, events.LifecycleEvent{
		RunID: "r1", Event: events.EventCompleted, Success: false, Error: "environment step: link down",
	}))

	run, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStateFailed, run.State)
	assert.Equal(t, int64(7), run.CurrentStep)
	assert.Equal(t, "environment step: link down", run.LastError)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.EndedAt)

	transitions, err := store.ListTransitions(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, "started", transitions[0].Reason)
	assert.Equal(t, types.RunStateFailed, transitions[1].ToState)

	episodes, err := store.ListEpisodes(ctx, "r1", 10)
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.False(t, episodes[0].CreatedAt.IsZero())
}

func TestRecorder_UnknownRun(t *testing.T) {
	rec := NewRecorder(NewMemoryStore())
	err := rec.PublishStatus(context.Background(), events.StatusEvent{RunID: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewRunStore(t *testing.T) {
	ctx := context.Background()

	mem, err := NewRunStore(ctx, "", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, mem)

	sqlite, err := NewRunStore(ctx, "sqlite", filepath.Join(t.TempDir(), "factory.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, sqlite)
	assert.NoError(t, sqlite.Close())

	_, err = NewRunStore(ctx, "sqlite", "")
	assert.Error(t, err)

	_, err = NewRunStore(ctx, "cassandra", "")
	assert.Error(t, err)
}

func TestPostgresErrorClassification(t *testing.T) {
	assert.True(t, isUniqueViolation(fmt.Errorf("wrapped: %w", &pq.Error{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.True(t, isForeignKeyViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isForeignKeyViolation(nil))
}
