package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/learner/internal/events"
)

func TestBackground_RunsToMaxTrainingSteps(t *testing.T) {
	cfg := testTraining()
	cfg.MaxTrainingSteps = 50
	a, _, pub := newAgent(t)
	require.NoError(t, a.Initialize(scripted(), cfg))

	require.NoError(t, a.StartBackground(0))
	a.Wait()

	p := a.Progress()
	assert.False(t, p.Active)
	assert.True(t, p.Complete)
	assert.True(t, p.Success)
	assert.Equal(t, 50, p.CurrentStep)
	assert.Equal(t, 50, p.TaskSteps)
	assert.Equal(t, StateStopped, a.Status().State)
	assert.Contains(t, pub.LifecycleNames(), events.EventStarted)
}

func TestBackground_HonorsStepBudget(t *testing.T) {
	a, _, _ := newAgent(t)
	require.NoError(t, a.Initialize(scripted(), testTraining()))

	require.NoError(t, a.StartBackground(20))
	a.Wait()

	p := a.Progress()
	assert.True(t, p.Complete)
	assert.True(t, p.Success)
	assert.Equal(t, 20, p.TaskSteps)
	assert.Equal(t, 20, p.CurrentStep)
	assert.Equal(t, StateRunning, a.Status().State)
}

func TestBackground_StopJoinsTask(t *testing.T) {
	cfg := testTraining()
	cfg.MaxTrainingSteps = 1_000_000
	cfg.StepThrottle = time.Millisecond
	a, _, _ := newAgent(t)
	require.NoError(t, a.Initialize(scripted(), cfg))
	require.NoError(t, a.StartBackground(0))

	require.Eventually(t, func() bool { return a.Progress().CurrentStep > 0 }, 5*time.Second, time.Millisecond)
	require.NoError(t, a.StopTraining())

	p := a.Progress()
	assert.False(t, p.Active)
	assert.True(t, p.Success)
	assert.Equal(t, StateStopped, a.Status().State)

	stopped := a.Status().CurrentStep
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, stopped, a.Status().CurrentStep)
}

func TestBackground_IdlesWhilePaused(t *testing.T) {
	cfg := testTraining()
	cfg.MaxTrainingSteps = 1_000_000
	cfg.StepThrottle = time.Millisecond
	a, _, _ := newAgent(t)
	require.NoError(t, a.Initialize(scripted(), cfg))
	require.NoError(t, a.StartBackground(0))
	require.Eventually(t, func() bool { return a.Progress().CurrentStep > 0 }, 5*time.Second, time.Millisecond)

	require.NoError(t, a.Pause())
	paused := a.Status().CurrentStep
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, paused, a.Status().CurrentStep)
	assert.True(t, a.Progress().Active)

	require.NoError(t, a.Resume())
	require.Eventually(t, func() bool { return a.Status().CurrentStep > paused }, 5*time.Second, time.Millisecond)
	a.StopBackground()
	assert.False(t, a.Progress().Active)
}

func TestBackground_FailureStopsTraining(t *testing.T) {
	environment := &faultyEnv{Scripted: scripted(), after: 5}
	a, _, _ := newAgent(t)
	require.NoError(t, a.Initialize(environment, testTraining()))

	require.NoError(t, a.StartBackground(0))
	a.Wait()

	p := a.Progress()
	assert.True(t, p.Complete)
	assert.False(t, p.Success)
	assert.Contains(t, p.Error, "connection reset")
	assert.Equal(t, 4, p.TaskSteps)

	s := a.Status()
	assert.Equal(t, StateStopped, s.State)
	assert.False(t, s.Success)
}

func TestBackground_RestartReplacesTask(t *testing.T) {
	a, _, _ := newAgent(t)
	require.NoError(t, a.Initialize(scripted(), testTraining()))

	require.NoError(t, a.StartBackground(10))
	require.NoError(t, a.StartBackground(5))
	a.Wait()

	p := a.Progress()
	assert.Equal(t, 5, p.TaskSteps)
	assert.True(t, p.Complete)
}

func TestBackground_RequiresInitialize(t *testing.T) {
	a, _, _ := newAgent(t)
	assert.ErrorIs(t, a.StartBackground(1), ErrNotInitialized)
	assert.False(t, a.Progress().Active)
}

func TestBackground_ShutdownJoinsAndFrees(t *testing.T) {
	cfg := testTraining()
	cfg.MaxTrainingSteps = 1_000_000
	a, device, _ := newAgent(t)
	require.NoError(t, a.Initialize(scripted(), cfg))
	require.NoError(t, a.StartBackground(0))
	require.Eventually(t, func() bool { return a.Progress().CurrentStep > 0 }, 5*time.Second, time.Millisecond)

	a.Shutdown()
	assert.False(t, a.Progress().Active)
	assert.Zero(t, device.Live())
}
