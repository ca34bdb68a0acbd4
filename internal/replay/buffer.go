// Package replay stores transitions in a fixed-capacity circular buffer and
// samples uniform minibatches from it.
package replay

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/cartridge/learner/internal/nn"
	"github.com/cartridge/learner/internal/tensor"
)

var (
	// ErrInsufficientData is returned when sampling more transitions than are stored.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("replay buffer closed")
)

// Transition is one (s, a, r, s', done) tuple.
type Transition struct {
	Observation     []float64 `json:"observation"`
	Action          []float64 `json:"action"`
	Reward          float64   `json:"reward"`
	NextObservation []float64 `json:"next_observation"`
	Done            bool      `json:"done"`
}

// Batch is a sampled minibatch with one row per transition. Dones holds 1
// for terminal transitions and 0 otherwise.
type Batch struct {
	Observations     *mat.Dense
	Actions          *mat.Dense
	Rewards          *mat.VecDense
	NextObservations *mat.Dense
	Dones            *mat.VecDense
	Indices          []int
}

// Size returns the number of rows in the batch.
func (b *Batch) Size() int {
	return len(b.Indices)
}

// Config sizes a buffer.
type Config struct {
	Capacity       int
	ObservationDim int
	ActionDim      int
	// WithoutReplacement draws distinct indices within one minibatch.
	WithoutReplacement bool
}

// Stats summarizes buffer occupancy.
type Stats struct {
	Size        int    `json:"size"`
	Capacity    int    `json:"capacity"`
	WriteIndex  int    `json:"write_index"`
	TotalPushed uint64 `json:"total_pushed"`
}

// Buffer is a circular replay buffer whose storage is charged to a Device.
type Buffer struct {
	mu     sync.Mutex
	cfg    Config
	device *nn.Device

	observations     []float64
	actions          []float64
	rewards          []float64
	nextObservations []float64
	dones            []float64

	writeIndex  int
	size        int
	totalPushed uint64
	closed      bool
	rng         *rand.Rand
}

// NewBuffer allocates a buffer for cfg.Capacity transitions.
func NewBuffer(device *nn.Device, cfg Config, rng *rand.Rand) (*Buffer, error) {
	if cfg.Capacity <= 0 || cfg.ObservationDim <= 0 || cfg.ActionDim <= 0 {
		return nil, fmt.Errorf("invalid replay buffer config %+v", cfg)
	}

	b := &Buffer{cfg: cfg, device: device, rng: rng}
	sizes := []struct {
		dst *[]float64
		n   int
	}{
		{&b.observations, cfg.Capacity * cfg.ObservationDim},
		{&b.actions, cfg.Capacity * cfg.ActionDim},
		{&b.rewards, cfg.Capacity},
		{&b.nextObservations, cfg.Capacity * cfg.ObservationDim},
		{&b.dones, cfg.Capacity},
	}
	for _, s := range sizes {
		buf, err := device.Alloc(s.n)
		if err != nil {
			b.release()
			return nil, fmt.Errorf("failed to allocate replay buffer: %w", err)
		}
		*s.dst = buf
	}
	return b, nil
}

// Push writes t at the write index, overwriting the oldest transition once
// the buffer is full.
func (b *Buffer) Push(t Transition) error {
	if len(t.Observation) != b.cfg.ObservationDim || len(t.NextObservation) != b.cfg.ObservationDim {
		return fmt.Errorf("%w: observation length %d/%d, want %d", tensor.ErrDimensionMismatch,
			len(t.Observation), len(t.NextObservation), b.cfg.ObservationDim)
	}
	if len(t.Action) != b.cfg.ActionDim {
		return fmt.Errorf("%w: action length %d, want %d", tensor.ErrDimensionMismatch, len(t.Action), b.cfg.ActionDim)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	i := b.writeIndex
	od, ad := b.cfg.ObservationDim, b.cfg.ActionDim
	copy(b.observations[i*od:(i+1)*od], t.Observation)
	copy(b.actions[i*ad:(i+1)*ad], t.Action)
	b.rewards[i] = t.Reward
	copy(b.nextObservations[i*od:(i+1)*od], t.NextObservation)
	b.dones[i] = 0
	if t.Done {
		b.dones[i] = 1
	}

	b.writeIndex = (b.writeIndex + 1) % b.cfg.Capacity
	if b.size < b.cfg.Capacity {
		b.size++
	}
	b.totalPushed++
	return nil
}

// Sample draws batchSize transitions uniformly from the filled portion.
func (b *Buffer) Sample(batchSize int) (*Batch, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.size < batchSize {
		return nil, fmt.Errorf("%w: %d stored, %d requested", ErrInsufficientData, b.size, batchSize)
	}

	var indices []int
	if b.cfg.WithoutReplacement {
		indices = b.distinctIndices(batchSize)
	} else {
		indices = make([]int, batchSize)
		for i := range indices {
			indices[i] = b.rng.Intn(b.size)
		}
	}

	od, ad := b.cfg.ObservationDim, b.cfg.ActionDim
	batch := &Batch{
		Observations:     mat.NewDense(batchSize, od, nil),
		Actions:          mat.NewDense(batchSize, ad, nil),
		Rewards:          mat.NewVecDense(batchSize, nil),
		NextObservations: mat.NewDense(batchSize, od, nil),
		Dones:            mat.NewVecDense(batchSize, nil),
		Indices:          indices,
	}
	for row, i := range indices {
		batch.Observations.SetRow(row, b.observations[i*od:(i+1)*od])
		batch.Actions.SetRow(row, b.actions[i*ad:(i+1)*ad])
		batch.Rewards.SetVec(row, b.rewards[i])
		batch.NextObservations.SetRow(row, b.nextObservations[i*od:(i+1)*od])
		batch.Dones.SetVec(row, b.dones[i])
	}
	return batch, nil
}

// At returns a copy of the transition stored in slot i.
func (b *Buffer) At(i int) (Transition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Transition{}, ErrClosed
	}
	if i < 0 || i >= b.size {
		return Transition{}, fmt.Errorf("slot %d out of range [0, %d)", i, b.size)
	}

	od, ad := b.cfg.ObservationDim, b.cfg.ActionDim
	return Transition{
		Observation:     append([]float64(nil), b.observations[i*od:(i+1)*od]...),
		Action:          append([]float64(nil), b.actions[i*ad:(i+1)*ad]...),
		Reward:          b.rewards[i],
		NextObservation: append([]float64(nil), b.nextObservations[i*od:(i+1)*od]...),
		Done:            b.dones[i] != 0,
	}, nil
}

// Size returns the number of stored transitions.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Capacity returns the maximum number of stored transitions.
func (b *Buffer) Capacity() int {
	return b.cfg.Capacity
}

// Stats returns a snapshot of occupancy counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Size:        b.size,
		Capacity:    b.cfg.Capacity,
		WriteIndex:  b.writeIndex,
		TotalPushed: b.totalPushed,
	}
}

// Clear forgets every stored transition without releasing storage.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.size = 0
	b.writeIndex = 0
}

// Close releases the storage back to the device. It is safe to call twice.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.release()
	b.size = 0
	return nil
}

// Helper methods

func (b *Buffer) release() {
	for _, buf := range []*[]float64{&b.observations, &b.actions, &b.rewards, &b.nextObservations, &b.dones} {
		if *buf != nil {
			b.device.Release(*buf)
			*buf = nil
		}
	}
}

// distinctIndices rejects repeats; batchSize never exceeds size here.
func (b *Buffer) distinctIndices(batchSize int) []int {
	seen := make(map[int]struct{}, batchSize)
	indices := make([]int, 0, batchSize)
	for len(indices) < batchSize {
		i := b.rng.Intn(b.size)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		indices = append(indices, i)
	}
	return indices
}
