package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cartridge/learner/internal/types"
)

var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness violation.
	ErrConflict = errors.New("conflict")
)

// RunStore captures the persistence operations the learner relies on.
type RunStore interface {
	CreateRun(ctx context.Context, run types.Run) error
	GetRun(ctx context.Context, id string) (types.Run, error)
	UpdateRun(ctx context.Context, run types.Run) error
	AppendTransition(ctx context.Context, transition RunTransition) error
	ListTransitions(ctx context.Context, runID string) ([]RunTransition, error)
	AppendEpisode(ctx context.Context, episode types.Episode) error
	// ListEpisodes returns the most recent episodes, oldest first. limit <= 0
	// returns all of them.
	ListEpisodes(ctx context.Context, runID string, limit int) ([]types.Episode, error)
	Close() error
}

// RunTransition records a state change for auditing.
type RunTransition struct {
	RunID     string         `json:"run_id"`
	FromState types.RunState `json:"from_state"`
	ToState   types.RunState `json:"to_state"`
	Reason    string         `json:"reason"`
	CreatedAt time.Time      `json:"created_at"`
}

// MemoryStore is an in-memory RunStore for development/testing.
type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[string]types.Run
	transitions map[string][]RunTransition
	episodes    map[string][]types.Episode
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]types.Run),
		transitions: make(map[string][]RunTransition),
		episodes:    make(map[string][]types.Episode),
	}
}

// CreateRun inserts a new run, enforcing uniqueness.
func (m *MemoryStore) CreateRun(_ context.Context, run types.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return ErrConflict
	}
	m.runs[run.ID] = run
	return nil
}

// GetRun fetches a run by ID.
func (m *MemoryStore) GetRun(_ context.Context, id string) (types.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return types.Run{}, ErrNotFound
	}
	return run, nil
}

// UpdateRun replaces the stored run.
func (m *MemoryStore) UpdateRun(_ context.Context, run types.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return ErrNotFound
	}
	m.runs[run.ID] = run
	return nil
}

// AppendTransition adds a state transition entry.
func (m *MemoryStore) AppendTransition(_ context.Context, transition RunTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[transition.RunID]; !ok {
		return ErrNotFound
	}
	m.transitions[transition.RunID] = append(m.transitions[transition.RunID], transition)
	return nil
}

// ListTransitions returns every transition of a run in insertion order.
func (m *MemoryStore) ListTransitions(_ context.Context, runID string) ([]RunTransition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.runs[runID]; !ok {
		return nil, ErrNotFound
	}
	return append([]RunTransition(nil), m.transitions[runID]...), nil
}

// AppendEpisode records a finished episode.
func (m *MemoryStore) AppendEpisode(_ context.Context, episode types.Episode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[episode.RunID]; !ok {
		return ErrNotFound
	}
	m.episodes[episode.RunID] = append(m.episodes[episode.RunID], episode)
	return nil
}

// ListEpisodes returns the most recent episodes of a run ordered by episode number.
func (m *MemoryStore) ListEpisodes(_ context.Context, runID string, limit int) ([]types.Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.runs[runID]; !ok {
		return nil, ErrNotFound
	}
	episodes := append([]types.Episode(nil), m.episodes[runID]...)
	sort.SliceStable(episodes, func(i, j int) bool {
		return episodes[i].Episode < episodes[j].Episode
	})
	if limit > 0 && len(episodes) > limit {
		episodes = episodes[len(episodes)-limit:]
	}
	return episodes, nil
}

// Close satisfies RunStore.
func (m *MemoryStore) Close() error { return nil }
