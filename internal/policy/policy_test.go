package policy

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

type constantActor struct {
	value float64
	err   error
}

func (c constantActor) Evaluate(input mat.Matrix) (*mat.Dense, error) {
	if c.err != nil {
		return nil, c.err
	}
	r, _ := input.Dims()
	out := mat.NewDense(r, 2, nil)
	out.Apply(func(_, _ int, _ float64) float64 { return c.value }, out)
	return out, nil
}

func TestRandomPolicy_StaysWithinBounds(t *testing.T) {
	p, err := NewRandom([]float64{-2, 0}, []float64{-1, 5}, rand.New(rand.NewSource(42)))
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		action, err := p.SelectAction(nil)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, action.At(0, 0), -2.0)
		assert.LessOrEqual(t, action.At(0, 0), -1.0)
		assert.GreaterOrEqual(t, action.At(0, 1), 0.0)
		assert.LessOrEqual(t, action.At(0, 1), 5.0)
	}
}

func TestRandomPolicy_RejectsBadBounds(t *testing.T) {
	_, err := NewRandom([]float64{0}, []float64{1, 2}, rand.New(rand.NewSource(1)))
	assert.Error(t, err)

	_, err = NewRandom([]float64{1}, []float64{0}, rand.New(rand.NewSource(1)))
	assert.Error(t, err)

	_, err = NewUnitBox(0, rand.New(rand.NewSource(1)))
	assert.Error(t, err)
}

func TestUnitBox_Shape(t *testing.T) {
	p, err := NewUnitBox(3, rand.New(rand.NewSource(7)))
	require.NoError(t, err)

	action, err := p.SelectAction(mat.NewDense(1, 5, nil))
	require.NoError(t, err)
	r, c := action.Dims()
	assert.Equal(t, 1, r)
	assert.Equal(t, 3, c)
}

func TestActorPolicy_WithoutNoiseIsDeterministic(t *testing.T) {
	p := NewActor(constantActor{value: 0.3}, 0, rand.New(rand.NewSource(1)))

	action, err := p.SelectAction(mat.NewDense(1, 4, nil))
	require.NoError(t, err)
	assert.Equal(t, []float64{0.3, 0.3}, action.RawRowView(0))
}

func TestActorPolicy_NoiseIsClipped(t *testing.T) {
	p := NewActor(constantActor{value: 0.99}, 5, rand.New(rand.NewSource(3)))

	sawChange := false
	for i := 0; i < 20; i++ {
		action, err := p.SelectAction(mat.NewDense(1, 4, nil))
		require.NoError(t, err)
		for _, v := range action.RawRowView(0) {
			assert.LessOrEqual(t, v, 1.0)
			assert.GreaterOrEqual(t, v, -1.0)
			if v != 0.99 {
				sawChange = true
			}
		}
	}
	assert.True(t, sawChange)
}

func TestActorPolicy_PropagatesErrors(t *testing.T) {
	boom := errors.New("shape")
	p := NewActor(constantActor{err: boom}, 0.1, rand.New(rand.NewSource(1)))
	_, err := p.SelectAction(mat.NewDense(1, 4, nil))
	assert.ErrorIs(t, err, boom)
}
