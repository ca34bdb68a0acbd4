package manager

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/cartridge/learner/internal/agent"
	"github.com/cartridge/learner/internal/config"
	"github.com/cartridge/learner/internal/env"
	"github.com/cartridge/learner/internal/env/envtest"
	"github.com/cartridge/learner/internal/events"
	"github.com/cartridge/learner/internal/remoteenv"
	"github.com/cartridge/learner/internal/storage"
	"github.com/cartridge/learner/internal/targetenv"
	"github.com/cartridge/learner/internal/tensor"
	"github.com/cartridge/learner/internal/types"
)

type closableEnv struct {
	*envtest.Scripted
	closed atomic.Bool
}

func (c *closableEnv) Close() error {
	c.closed.Store(true)
	return nil
}

func testTraining() config.Training {
	cfg := config.DefaultTraining()
	cfg.ObservationDim = 4
	cfg.ActionDim = 2
	cfg.Network.HiddenDim = 8
	cfg.BatchSize = 8
	cfg.ReplayBufferCapacity = 128
	cfg.WarmupSteps = 16
	cfg.StepThrottle = 0
	return cfg
}

type fixture struct {
	manager *Manager
	store   *storage.MemoryStore
	pub     *events.MemoryPublisher
	envs    []*closableEnv
	mu      sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemoryStore(), pub: &events.MemoryPublisher{}}
	factory := func(_ context.Context, spec EnvironmentSpec) (env.Environment, error) {
		obsDim := 4
		if spec.Kind == "wide" {
			obsDim = 6
		}
		e := &closableEnv{Scripted: &envtest.Scripted{ObsDim: obsDim, ActDim: 2, StepReward: 1}}
		f.mu.Lock()
		f.envs = append(f.envs, e)
		f.mu.Unlock()
		return e, nil
	}
	f.manager = New(Dependencies{Factory: factory, Store: f.store, Publisher: f.pub}, zerolog.Nop())
	t.Cleanup(func() { _ = f.manager.Shutdown(context.Background()) })
	return f
}

func TestManager_CreateRegistersRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.manager.Create(ctx, "alpha", EnvironmentSpec{Kind: "scripted"}, testTraining())
	require.NoError(t, err)
	assert.True(t, a.IsInitialized())
	assert.NotEmpty(t, a.RunID())

	got, err := f.manager.Get("alpha")
	require.NoError(t, err)
	assert.Same(t, a, got)
	assert.Equal(t, []string{"alpha"}, f.manager.Names())

	run, err := f.store.GetRun(ctx, a.RunID())
	require.NoError(t, err)
	assert.Equal(t, "alpha", run.Agent)
	assert.Equal(t, "scripted", run.Environment)
	assert.Equal(t, types.RunStateInitialized, run.State)

	var stored config.Training
	require.NoError(t, json.Unmarshal(run.Config, &stored))
	assert.Equal(t, 4, stored.ObservationDim)
}

func TestManager_CreateDuplicateName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Create(ctx, "alpha", EnvironmentSpec{}, testTraining())
	require.NoError(t, err)
	_, err = f.manager.Create(ctx, "alpha", EnvironmentSpec{}, testTraining())
	assert.ErrorIs(t, err, ErrAgentExists)
}

func TestManager_ConcurrentCreateSameName(t *testing.T) {
	f := newFixture(t)

	var created, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.Create(context.Background(), "shared", EnvironmentSpec{}, testTraining())
			switch {
			case err == nil:
				created.Add(1)
			case assert.ErrorIs(t, err, ErrAgentExists):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(7), conflicts.Load())
}

func TestManager_CreateFailureLeavesNothingBehind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Create(ctx, "wide", EnvironmentSpec{Kind: "wide"}, testTraining())
	assert.ErrorIs(t, err, tensor.ErrDimensionMismatch)
	assert.Empty(t, f.manager.Names())
	assert.Zero(t, f.manager.Device().Live())
	require.Len(t, f.envs, 1)
	assert.True(t, f.envs[0].closed.Load())

	_, err = f.manager.Get("wide")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestManager_CreateRejectsInvalidConfig(t *testing.T) {
	f := newFixture(t)
	cfg := testTraining()
	cfg.Gamma = 2

	_, err := f.manager.Create(context.Background(), "alpha", EnvironmentSpec{}, cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfiguration)
	assert.Empty(t, f.envs)
}

func TestManager_RecordsLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.manager.Create(ctx, "alpha", EnvironmentSpec{}, testTraining())
	require.NoError(t, err)
	require.NoError(t, a.StartTraining())
	_, err = a.StepTraining(3)
	require.NoError(t, err)

	run, err := f.store.GetRun(ctx, a.RunID())
	require.NoError(t, err)
	assert.Equal(t, types.RunStateRunning, run.State)
	assert.NotNil(t, run.StartedAt)

	transitions, err := f.store.ListTransitions(ctx, a.RunID())
	require.NoError(t, err)
	require.NotEmpty(t, transitions)
	assert.Equal(t, types.RunStateRunning, transitions[len(transitions)-1].ToState)
	assert.Contains(t, f.pub.LifecycleNames(), events.EventStarted)
}

func TestManager_RemoveShutsAgentDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.manager.Create(ctx, "alpha", EnvironmentSpec{}, testTraining())
	require.NoError(t, err)
	require.NoError(t, a.StartBackground(0))

	require.NoError(t, f.manager.Remove(ctx, "alpha"))
	assert.Equal(t, agent.StateShutdown, a.Status().State)
	assert.False(t, a.Progress().Active)
	assert.True(t, f.envs[0].closed.Load())
	assert.Zero(t, f.manager.Device().Live())

	assert.ErrorIs(t, f.manager.Remove(ctx, "alpha"), ErrAgentNotFound)
}

func TestManager_ShutdownClosesDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, name := range []string{"b", "a"} {
		_, err := f.manager.Create(ctx, name, EnvironmentSpec{}, testTraining())
		require.NoError(t, err)
	}
	agents := f.manager.Agents()
	require.Len(t, agents, 2)
	assert.Equal(t, "a", agents[0].Name())

	require.NoError(t, f.manager.Shutdown(ctx))
	require.NoError(t, f.manager.Shutdown(ctx))
	assert.Empty(t, f.manager.Names())
	assert.Zero(t, f.manager.Device().Live())

	_, err := f.manager.Create(ctx, "c", EnvironmentSpec{}, testTraining())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManager_ShutdownWaitsForInFlightCreate(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	built := &closableEnv{Scripted: &envtest.Scripted{ObsDim: 4, ActDim: 2}}
	factory := func(context.Context, EnvironmentSpec) (env.Environment, error) {
		close(entered)
		<-release
		return built, nil
	}
	m := New(Dependencies{Factory: factory}, zerolog.Nop())
	ctx := context.Background()

	created := make(chan error, 1)
	go func() {
		_, err := m.Create(ctx, "late", EnvironmentSpec{}, testTraining())
		created <- err
	}()
	<-entered

	shutdown := make(chan error, 1)
	go func() { shutdown <- m.Shutdown(ctx) }()
	require.Eventually(t, func() bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.closed
	}, time.Second, time.Millisecond)

	select {
	case <-shutdown:
		t.Fatal("shutdown returned while a create was still building its environment")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	assert.ErrorIs(t, <-created, ErrClosed)
	require.NoError(t, <-shutdown)
	assert.Empty(t, m.Names())
	assert.Zero(t, m.Device().Live())
	assert.True(t, built.closed.Load())
}

func TestManager_CreateTakesZeroDimensionsFromEnvironment(t *testing.T) {
	f := newFixture(t)
	cfg := testTraining()
	cfg.ObservationDim = 0
	cfg.ActionDim = 0

	a, err := f.manager.Create(context.Background(), "wide", EnvironmentSpec{Kind: "wide"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, 6, a.Config().ObservationDim)
	assert.Equal(t, 2, a.Config().ActionDim)

	cfg.ActionDim = -1
	_, err = f.manager.Create(context.Background(), "negative", EnvironmentSpec{}, cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfiguration)
}

func TestDefaultFactory_Target(t *testing.T) {
	factory := DefaultFactory(config.DefaultTarget(), zerolog.Nop())

	e, err := factory(context.Background(), EnvironmentSpec{Kind: KindTarget})
	require.NoError(t, err)
	assert.Equal(t, targetenv.ObservationDim, e.ObservationDim())
	assert.Equal(t, targetenv.ActionDim, e.ActionDim())

	_, err = factory(context.Background(), EnvironmentSpec{Kind: "mujoco"})
	assert.ErrorIs(t, err, config.ErrInvalidConfiguration)

	_, err = factory(context.Background(), EnvironmentSpec{Kind: KindRemote})
	assert.ErrorIs(t, err, config.ErrInvalidConfiguration)
}

func TestDefaultFactory_TargetMergesOverDefaults(t *testing.T) {
	defaults := config.DefaultTarget()
	defaults.MaxEpisodeLength = 40
	factory := DefaultFactory(defaults, zerolog.Nop())

	e, err := factory(context.Background(), EnvironmentSpec{
		Kind:   KindTarget,
		Target: &config.TargetConfig{TargetRadius: 10},
	})
	require.NoError(t, err)
	target, ok := e.(*targetenv.Environment)
	require.True(t, ok)
	assert.Equal(t, 40, target.MaxEpisodeSteps())
	for _, v := range target.Reset() {
		assert.False(t, math.IsNaN(v))
	}

	_, err = factory(context.Background(), EnvironmentSpec{
		Kind:   KindTarget,
		Target: &config.TargetConfig{ArenaSize: 100, TargetRadius: 200},
	})
	assert.ErrorIs(t, err, config.ErrInvalidConfiguration)

	_, err = DefaultFactory(config.TargetConfig{}, zerolog.Nop())(context.Background(), EnvironmentSpec{Kind: KindTarget})
	assert.ErrorIs(t, err, config.ErrInvalidConfiguration)
}

func TestDefaultFactory_Remote(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := grpc.NewServer()
	remoteenv.RegisterEnvironmentServer(server, remoteenv.NewServer(targetenv.New(config.DefaultTarget(), zerolog.Nop()), zerolog.Nop()))
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	m := New(Dependencies{Factory: DefaultFactory(config.DefaultTarget(), zerolog.Nop())}, zerolog.Nop())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	cfg := testTraining()
	cfg.ObservationDim = targetenv.ObservationDim
	a, err := m.Create(context.Background(), "remote", EnvironmentSpec{Kind: KindRemote, RemoteAddr: lis.Addr().String()}, cfg)
	require.NoError(t, err)
	require.NoError(t, a.StartTraining())

	n, err := a.StepTraining(5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestSpecFromConfig(t *testing.T) {
	spec := SpecFromConfig(config.Default().Environment)
	assert.Equal(t, KindTarget, spec.Kind)
	require.NotNil(t, spec.Target)
	assert.Equal(t, config.DefaultTarget(), *spec.Target)
}
