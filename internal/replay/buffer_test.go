package replay

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/learner/internal/nn"
	"github.com/cartridge/learner/internal/tensor"
)

func newTestBuffer(t *testing.T, device *nn.Device, capacity int) *Buffer {
	t.Helper()
	buffer, err := NewBuffer(device, Config{Capacity: capacity, ObservationDim: 2, ActionDim: 1}, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	return buffer
}

func transition(v float64, done bool) Transition {
	return Transition{
		Observation:     []float64{v, v},
		Action:          []float64{-v},
		Reward:          v,
		NextObservation: []float64{v + 1, v + 1},
		Done:            done,
	}
}

func TestBuffer_PushAndAt(t *testing.T) {
	buffer := newTestBuffer(t, nn.NewDevice(), 4)
	defer buffer.Close()

	require.NoError(t, buffer.Push(transition(1, false)))
	require.NoError(t, buffer.Push(transition(2, true)))

	assert.Equal(t, 2, buffer.Size())
	got, err := buffer.At(1)
	require.NoError(t, err)
	assert.Equal(t, transition(2, true), got)

	_, err = buffer.At(2)
	assert.Error(t, err)
}

func TestBuffer_SizeNeverExceedsCapacity(t *testing.T) {
	buffer := newTestBuffer(t, nn.NewDevice(), 3)
	defer buffer.Close()

	for i := 1; i <= 10; i++ {
		require.NoError(t, buffer.Push(transition(float64(i), false)))
		assert.LessOrEqual(t, buffer.Size(), 3)
	}

	stats := buffer.Stats()
	assert.Equal(t, 3, stats.Size)
	assert.Equal(t, 10%3, stats.WriteIndex)
	assert.Equal(t, uint64(10), stats.TotalPushed)
}

func TestBuffer_OverwritesOldestWhenFull(t *testing.T) {
	buffer := newTestBuffer(t, nn.NewDevice(), 3)
	defer buffer.Close()

	for i := 1; i <= 4; i++ {
		require.NoError(t, buffer.Push(transition(float64(i), false)))
	}

	first, err := buffer.At(0)
	require.NoError(t, err)
	assert.Equal(t, 4.0, first.Reward)

	second, err := buffer.At(1)
	require.NoError(t, err)
	assert.Equal(t, 2.0, second.Reward)
}

func TestBuffer_SampleInsufficientData(t *testing.T) {
	buffer := newTestBuffer(t, nn.NewDevice(), 10)
	defer buffer.Close()

	require.NoError(t, buffer.Push(transition(1, false)))
	_, err := buffer.Sample(2)
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = buffer.Sample(0)
	assert.Error(t, err)
}

func TestBuffer_SampleShapesAndContents(t *testing.T) {
	buffer := newTestBuffer(t, nn.NewDevice(), 10)
	defer buffer.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, buffer.Push(transition(float64(i), i == 4)))
	}

	batch, err := buffer.Sample(5)
	require.NoError(t, err)
	assert.Equal(t, 5, batch.Size())

	r, c := batch.Observations.Dims()
	assert.Equal(t, 5, r)
	assert.Equal(t, 2, c)
	_, c = batch.Actions.Dims()
	assert.Equal(t, 1, c)
	assert.Equal(t, 5, batch.Rewards.Len())

	for row, i := range batch.Indices {
		assert.GreaterOrEqual(t, i, 0)
		assert.Less(t, i, 5)
		v := float64(i)
		assert.Equal(t, v, batch.Observations.At(row, 0))
		assert.Equal(t, -v, batch.Actions.At(row, 0))
		assert.Equal(t, v, batch.Rewards.AtVec(row))
		assert.Equal(t, v+1, batch.NextObservations.At(row, 1))
		if i == 4 {
			assert.Equal(t, 1.0, batch.Dones.AtVec(row))
		} else {
			assert.Equal(t, 0.0, batch.Dones.AtVec(row))
		}
	}
}

func TestBuffer_SampleWithReplacementCanRepeat(t *testing.T) {
	buffer := newTestBuffer(t, nn.NewDevice(), 4)
	defer buffer.Close()

	for i := 0; i < 2; i++ {
		require.NoError(t, buffer.Push(transition(float64(i), false)))
	}

	repeated := false
	for i := 0; i < 50 && !repeated; i++ {
		batch, err := buffer.Sample(2)
		require.NoError(t, err)
		repeated = batch.Indices[0] == batch.Indices[1]
	}
	assert.True(t, repeated)
}

func TestBuffer_SampleWithoutReplacementIsDistinct(t *testing.T) {
	buffer, err := NewBuffer(nn.NewDevice(), Config{Capacity: 16, ObservationDim: 2, ActionDim: 1, WithoutReplacement: true}, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	defer buffer.Close()

	for i := 0; i < 6; i++ {
		require.NoError(t, buffer.Push(transition(float64(i), false)))
	}

	batch, err := buffer.Sample(6)
	require.NoError(t, err)
	seen := map[int]bool{}
	for _, i := range batch.Indices {
		assert.False(t, seen[i], "index %d sampled twice", i)
		seen[i] = true
	}
}

func TestBuffer_RejectsWrongDimensions(t *testing.T) {
	buffer := newTestBuffer(t, nn.NewDevice(), 4)
	defer buffer.Close()

	bad := transition(1, false)
	bad.Action = []float64{1, 2}
	assert.ErrorIs(t, buffer.Push(bad), tensor.ErrDimensionMismatch)

	bad = transition(1, false)
	bad.NextObservation = []float64{1}
	assert.ErrorIs(t, buffer.Push(bad), tensor.ErrDimensionMismatch)
	assert.Equal(t, 0, buffer.Size())
}

func TestBuffer_CloseReleasesStorage(t *testing.T) {
	device := nn.NewDevice()
	buffer := newTestBuffer(t, device, 5)
	assert.Equal(t, 5*(2+1+1+2+1), device.Live())

	require.NoError(t, buffer.Close())
	require.NoError(t, buffer.Close())
	assert.Equal(t, 0, device.Live())

	assert.ErrorIs(t, buffer.Push(transition(1, false)), ErrClosed)
	_, err := buffer.Sample(1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBuffer_ClearKeepsStorage(t *testing.T) {
	buffer := newTestBuffer(t, nn.NewDevice(), 5)
	defer buffer.Close()

	require.NoError(t, buffer.Push(transition(1, false)))
	buffer.Clear()
	assert.Equal(t, 0, buffer.Size())
	require.NoError(t, buffer.Push(transition(2, false)))
	assert.Equal(t, 1, buffer.Size())
}

func TestBuffer_ConcurrentPushAndSample(t *testing.T) {
	buffer := newTestBuffer(t, nn.NewDevice(), 32)
	defer buffer.Close()
	for i := 0; i < 8; i++ {
		require.NoError(t, buffer.Push(transition(float64(i), false)))
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if w%2 == 0 {
					_ = buffer.Push(transition(float64(i), false))
				} else {
					_, _ = buffer.Sample(4)
				}
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 32, buffer.Size())
}
