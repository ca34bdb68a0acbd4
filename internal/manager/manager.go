// Package manager owns the named agents of a process and the numeric device
// they share.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cartridge/learner/internal/agent"
	"github.com/cartridge/learner/internal/config"
	"github.com/cartridge/learner/internal/env"
	"github.com/cartridge/learner/internal/events"
	"github.com/cartridge/learner/internal/metrics"
	"github.com/cartridge/learner/internal/nn"
	"github.com/cartridge/learner/internal/storage"
	"github.com/cartridge/learner/internal/types"
)

var (
	// ErrAgentExists is returned when creating a name that is taken.
	ErrAgentExists = errors.New("agent already exists")
	// ErrAgentNotFound is returned for an unknown agent name.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrClosed is returned once the manager has been shut down.
	ErrClosed = errors.New("manager shut down")
)

// Dependencies wires the manager to its collaborators.
type Dependencies struct {
	Factory   EnvironmentFactory
	Store     storage.RunStore
	Publisher events.Publisher
	Metrics   *metrics.Collector
}

type entry struct {
	agent       *agent.Agent
	environment env.Environment
}

// Manager creates, looks up and removes agents by name. Create and Remove
// are serialized per name.
type Manager struct {
	device    *nn.Device
	factory   EnvironmentFactory
	store     storage.RunStore
	publisher events.Publisher
	metrics   *metrics.Collector
	logger    zerolog.Logger

	mu       sync.RWMutex
	agents   map[string]*entry
	locks    map[string]*sync.Mutex
	closed   bool
	creating sync.WaitGroup
}

// New creates a manager with its own device.
func New(deps Dependencies, logger zerolog.Logger) *Manager {
	if deps.Store == nil {
		deps.Store = storage.NewMemoryStore()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NoopPublisher{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector(zerolog.Nop())
	}
	return &Manager{
		device:    nn.NewDevice(),
		factory:   deps.Factory,
		store:     deps.Store,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    logger.With().Str("component", "manager").Logger(),
		agents:    make(map[string]*entry),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Device returns the device every agent allocates from.
func (m *Manager) Device() *nn.Device { return m.device }

// Store returns the run registry.
func (m *Manager) Store() storage.RunStore { return m.store }

// Create builds the environment described by spec, registers a run and
// initializes a new agent against it. Zero dimensions in cfg are taken from
// the environment.
func (m *Manager) Create(ctx context.Context, name string, spec EnvironmentSpec, cfg config.Training) (*agent.Agent, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: agent name is required", config.ErrInvalidConfiguration)
	}
	unlock := m.lockName(name)
	defer unlock()

	m.mu.Lock()
	_, exists := m.agents[name]
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, name)
	}
	// Shutdown waits for creates that got past this point.
	m.creating.Add(1)
	m.mu.Unlock()
	defer m.creating.Done()

	if err := cfg.ValidateParameters(); err != nil {
		return nil, err
	}
	if m.factory == nil {
		return nil, env.ErrNoEnvironment
	}

	environment, err := m.factory(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s environment: %w", spec.Kind, err)
	}
	if cfg.ObservationDim == 0 {
		cfg.ObservationDim = environment.ObservationDim()
	}
	if cfg.ActionDim == 0 {
		cfg.ActionDim = environment.ActionDim()
	}

	runID := uuid.NewString()
	if err := m.registerRun(ctx, runID, name, spec, cfg); err != nil {
		closeEnvironment(environment)
		return nil, err
	}

	a := agent.New(name, m.device, agent.Options{
		RunID:     runID,
		Publisher: events.Fanout{storage.NewRecorder(m.store), m.publisher},
		Metrics:   m.metrics,
		Logger:    m.logger,
	})
	if err := a.Initialize(environment, cfg); err != nil {
		a.Shutdown()
		closeEnvironment(environment)
		m.failRun(ctx, runID, err)
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		a.Shutdown()
		closeEnvironment(environment)
		m.failRun(ctx, runID, ErrClosed)
		return nil, ErrClosed
	}
	m.agents[name] = &entry{agent: a, environment: environment}
	m.mu.Unlock()

	m.logger.Info().Str("agent", name).Str("run_id", runID).Str("environment", spec.Kind).Msg("Agent created")
	return a, nil
}

// Get returns the named agent.
func (m *Manager) Get(name string) (*agent.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return e.agent, nil
}

// Names returns the agent names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.agents))
	for name := range m.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Agents returns every agent ordered by name.
func (m *Manager) Agents() []*agent.Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*agent.Agent, 0, len(m.agents))
	for _, e := range m.agents {
		out = append(out, e.agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Remove shuts the named agent down, joining its background task, and
// releases its environment.
func (m *Manager) Remove(ctx context.Context, name string) error {
	unlock := m.lockName(name)
	defer unlock()

	m.mu.RLock()
	e, ok := m.agents[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}

	e.agent.Shutdown()
	closeEnvironment(e.environment)

	m.mu.Lock()
	delete(m.agents, name)
	m.mu.Unlock()

	m.logger.Info().Str("agent", name).Str("run_id", e.agent.RunID()).Msg("Agent removed")
	return ctx.Err()
}

// Shutdown removes every agent and closes the device. It fails if any
// storage is still allocated afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.creating.Wait()

	var errs []error
	for _, name := range m.Names() {
		if err := m.Remove(ctx, name); err != nil && !errors.Is(err, ErrAgentNotFound) {
			errs = append(errs, err)
		}
	}
	if err := m.device.Close(); err != nil {
		errs = append(errs, err)
	}
	m.logger.Info().Int("peak_floats", m.device.Peak()).Msg("Manager shut down")
	return errors.Join(errs...)
}

func (m *Manager) lockName(name string) func() {
	m.mu.Lock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) registerRun(ctx context.Context, runID, name string, spec EnvironmentSpec, cfg config.Training) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode training config: %w", err)
	}
	now := time.Now().UTC()
	run := types.Run{
		ID:          runID,
		Agent:       name,
		Environment: spec.Kind,
		State:       types.RunStateInitialized,
		Config:      raw,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to register run: %w", err)
	}
	return nil
}

func (m *Manager) failRun(ctx context.Context, runID string, cause error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		m.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to load run")
		return
	}
	now := time.Now().UTC()
	run.State = types.RunStateFailed
	run.LastError = cause.Error()
	run.EndedAt = &now
	run.UpdatedAt = now
	if err := m.store.UpdateRun(ctx, run); err != nil {
		m.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to mark run failed")
	}
}

func closeEnvironment(environment env.Environment) {
	if c, ok := environment.(io.Closer); ok {
		_ = c.Close()
	}
}
