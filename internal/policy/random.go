package policy

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// RandomPolicy selects uniformly random actions from a continuous box
type RandomPolicy struct {
	rng  *rand.Rand
	low  []float64
	high []float64
}

// NewRandom creates a random policy over [low[i], high[i]] per action element
func NewRandom(low, high []float64, rng *rand.Rand) (*RandomPolicy, error) {
	if len(low) == 0 || len(low) != len(high) {
		return nil, fmt.Errorf("continuous action space bounds mismatch")
	}
	for i := range low {
		if low[i] > high[i] {
			return nil, fmt.Errorf("action bound %d: low %g above high %g", i, low[i], high[i])
		}
	}
	return &RandomPolicy{rng: rng, low: low, high: high}, nil
}

// NewUnitBox creates a random policy over [-1, 1]^actionDim
func NewUnitBox(actionDim int, rng *rand.Rand) (*RandomPolicy, error) {
	low := make([]float64, actionDim)
	high := make([]float64, actionDim)
	for i := range low {
		low[i], high[i] = -1, 1
	}
	return NewRandom(low, high, rng)
}

// SelectAction implements Policy interface
func (p *RandomPolicy) SelectAction(mat.Matrix) (*mat.Dense, error) {
	action := mat.NewDense(1, len(p.low), nil)
	for i := range p.low {
		action.Set(0, i, p.low[i]+p.rng.Float64()*(p.high[i]-p.low[i]))
	}
	return action, nil
}
